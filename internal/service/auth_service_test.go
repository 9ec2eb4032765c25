package service

import (
	"context"
	"errors"
	"testing"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/repository"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/utils"
)

// ---- fakes ----

type fakeUsers struct {
	createFn        func(*models.User) error
	getByIDFn       func(int64) (*models.User, error)
	getByUsernameFn func(string) (*models.User, error)
}

func (f *fakeUsers) Create(_ context.Context, user *models.User) error {
	if f.createFn != nil {
		return f.createFn(user)
	}
	user.ID = 1
	return nil
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (*models.User, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(id)
	}
	return nil, repository.ErrUserNotFound
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*models.User, error) {
	if f.getByUsernameFn != nil {
		return f.getByUsernameFn(username)
	}
	return nil, repository.ErrUserNotFound
}

type fakeSessions struct {
	createFn  func(int64, string, string, string) (*models.AuthSession, *models.TokenPair, error)
	refreshFn func(string) (*models.AuthSession, *models.TokenPair, error)
	revoked   []string
}

func (f *fakeSessions) Create(_ context.Context, userID int64, ip, ua, name string) (*models.AuthSession, *models.TokenPair, error) {
	if f.createFn != nil {
		return f.createFn(userID, ip, ua, name)
	}
	return &models.AuthSession{SessionID: "sess-1", UserID: userID, IPAddress: ip, UserAgent: ua, SessionName: name, IsActive: true},
		&models.TokenPair{AccessToken: "access", RefreshToken: "refresh"}, nil
}

func (f *fakeSessions) ValidateAccessToken(_ context.Context, _ string) (*models.AuthSession, error) {
	return &models.AuthSession{SessionID: "sess-1", UserID: 1, IsActive: true}, nil
}

func (f *fakeSessions) Refresh(_ context.Context, refreshToken string) (*models.AuthSession, *models.TokenPair, error) {
	if f.refreshFn != nil {
		return f.refreshFn(refreshToken)
	}
	return nil, nil, errors.New("not configured")
}

func (f *fakeSessions) Get(_ context.Context, _ int64, sessionID string) (*models.AuthSession, error) {
	return &models.AuthSession{SessionID: sessionID, IsActive: true}, nil
}

func (f *fakeSessions) List(_ context.Context, _ int64) ([]*models.AuthSession, error) {
	return nil, nil
}

func (f *fakeSessions) Revoke(_ context.Context, _ int64, sessionID string) error {
	f.revoked = append(f.revoked, sessionID)
	return nil
}

func (f *fakeSessions) RevokeOthers(_ context.Context, _ int64, _ string) error {
	return nil
}

// ---- tests ----

func TestLoginSuccess(t *testing.T) {
	hash, err := utils.HashPassword("correct-horse")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}

	users := &fakeUsers{
		getByUsernameFn: func(username string) (*models.User, error) {
			if username != "alice" {
				return nil, repository.ErrUserNotFound
			}
			return &models.User{ID: 1, Username: "alice", PasswordHash: hash}, nil
		},
	}
	svc := NewAuthService(users, &fakeSessions{})

	info, pair, err := svc.Login(context.Background(), "alice", "correct-horse", "10.0.0.1", "agent", "kitchen")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if info.User.Username != "alice" || pair.AccessToken == "" {
		t.Errorf("unexpected login result: %+v %+v", info, pair)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	hash, _ := utils.HashPassword("correct-horse")
	users := &fakeUsers{
		getByUsernameFn: func(string) (*models.User, error) {
			return &models.User{ID: 1, Username: "alice", PasswordHash: hash}, nil
		},
	}
	svc := NewAuthService(users, &fakeSessions{})

	_, _, err := svc.Login(context.Background(), "alice", "wrong", "10.0.0.1", "agent", "kitchen")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestLoginUnknownUser(t *testing.T) {
	svc := NewAuthService(&fakeUsers{}, &fakeSessions{})

	_, _, err := svc.Login(context.Background(), "ghost", "pw", "10.0.0.1", "agent", "kitchen")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestRegisterDuplicateUsername(t *testing.T) {
	users := &fakeUsers{
		createFn: func(*models.User) error { return repository.ErrUsernameTaken },
	}
	svc := NewAuthService(users, &fakeSessions{})

	_, _, err := svc.Register(context.Background(), "alice", "pw", "10.0.0.1", "agent", "kitchen")
	if !errors.Is(err, repository.ErrUsernameTaken) {
		t.Errorf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestRefreshFromSameClient(t *testing.T) {
	users := &fakeUsers{
		getByIDFn: func(int64) (*models.User, error) {
			return &models.User{ID: 1, Username: "alice"}, nil
		},
	}
	sessions := &fakeSessions{
		refreshFn: func(string) (*models.AuthSession, *models.TokenPair, error) {
			return &models.AuthSession{SessionID: "sess-1", UserID: 1, IPAddress: "10.0.0.1", UserAgent: "agent", IsActive: true},
				&models.TokenPair{AccessToken: "new-access", RefreshToken: "new-refresh"}, nil
		},
	}
	svc := NewAuthService(users, sessions)

	info, pair, err := svc.Refresh(context.Background(), "refresh-token", "10.0.0.1", "agent")
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if info.Session.SessionID != "sess-1" || pair.AccessToken != "new-access" {
		t.Errorf("unexpected refresh result: %+v %+v", info, pair)
	}
	if len(sessions.revoked) != 0 {
		t.Errorf("no session should have been revoked, got %v", sessions.revoked)
	}
}

func TestRefreshFromDifferentClientRevokesSession(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		ua   string
	}{
		{name: "different IP", ip: "192.168.1.9", ua: "agent"},
		{name: "different user agent", ip: "10.0.0.1", ua: "other-agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &fakeUsers{
				getByIDFn: func(int64) (*models.User, error) {
					return &models.User{ID: 1, Username: "alice"}, nil
				},
			}
			sessions := &fakeSessions{
				refreshFn: func(string) (*models.AuthSession, *models.TokenPair, error) {
					return &models.AuthSession{SessionID: "sess-1", UserID: 1, IPAddress: "10.0.0.1", UserAgent: "agent", IsActive: true},
						&models.TokenPair{AccessToken: "a", RefreshToken: "r"}, nil
				},
			}
			svc := NewAuthService(users, sessions)

			_, _, err := svc.Refresh(context.Background(), "refresh-token", tt.ip, tt.ua)
			if !errors.Is(err, ErrSuspiciousActivity) {
				t.Fatalf("expected ErrSuspiciousActivity, got %v", err)
			}
			if len(sessions.revoked) != 1 || sessions.revoked[0] != "sess-1" {
				t.Errorf("expected session revoked, got %v", sessions.revoked)
			}
		})
	}
}
