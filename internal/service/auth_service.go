package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/repository"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/utils"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrSuspiciousActivity is returned when a refresh arrives from a client
	// that does not match the device the session was opened on. The session
	// is revoked before this is returned.
	ErrSuspiciousActivity = errors.New("suspicious activity detected")
)

// Users is the user lookup surface AuthService needs.
type Users interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// Sessions is the session lifecycle surface AuthService needs.
type Sessions interface {
	Create(ctx context.Context, userID int64, ipAddress, userAgent, sessionName string) (*models.AuthSession, *models.TokenPair, error)
	ValidateAccessToken(ctx context.Context, accessToken string) (*models.AuthSession, error)
	Refresh(ctx context.Context, refreshToken string) (*models.AuthSession, *models.TokenPair, error)
	Get(ctx context.Context, userID int64, sessionID string) (*models.AuthSession, error)
	List(ctx context.Context, userID int64) ([]*models.AuthSession, error)
	Revoke(ctx context.Context, userID int64, sessionID string) error
	RevokeOthers(ctx context.Context, userID int64, keepSessionID string) error
}

// AuthService implements registration, login and the session/token lifecycle
// rules on top of the user store and the Redis session manager.
type AuthService struct {
	users    Users
	sessions Sessions
}

func NewAuthService(users Users, sessions Sessions) *AuthService {
	return &AuthService{users: users, sessions: sessions}
}

// Register creates the user and opens their first session.
func (s *AuthService) Register(ctx context.Context, username, password, ipAddress, userAgent, sessionName string) (*models.AuthInfo, *models.TokenPair, error) {
	passwordHash, err := utils.HashPassword(password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{Username: username, PasswordHash: passwordHash}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, nil, err
	}
	return s.openSession(ctx, user, ipAddress, userAgent, sessionName)
}

// Login verifies credentials and opens a new session.
func (s *AuthService) Login(ctx context.Context, username, password, ipAddress, userAgent, sessionName string) (*models.AuthInfo, *models.TokenPair, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if !utils.CheckPassword(password, user.PasswordHash) {
		return nil, nil, ErrInvalidCredentials
	}
	return s.openSession(ctx, user, ipAddress, userAgent, sessionName)
}

// Authenticate resolves an access token to the user and session behind it.
func (s *AuthService) Authenticate(ctx context.Context, accessToken string) (*models.AuthInfo, error) {
	sess, err := s.sessions.ValidateAccessToken(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	return &models.AuthInfo{User: user, Session: sess}, nil
}

// Refresh rotates the session's token pair. If the caller's IP or user agent
// differs from the ones the session was opened with, the session is revoked
// and the refresh fails.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, clientIP, clientUserAgent string) (*models.AuthInfo, *models.TokenPair, error) {
	sess, pair, err := s.sessions.Refresh(ctx, refreshToken)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, nil, err
	}

	if sess.IPAddress != clientIP || sess.UserAgent != clientUserAgent {
		logrus.WithFields(logrus.Fields{
			"userId":    user.ID,
			"sessionId": sess.SessionID,
			"ip":        clientIP,
		}).Warn("refresh from unrecognised client, revoking session")

		if err := s.sessions.Revoke(ctx, sess.UserID, sess.SessionID); err != nil {
			return nil, nil, err
		}
		return nil, nil, ErrSuspiciousActivity
	}

	return &models.AuthInfo{User: user, Session: sess}, pair, nil
}

// Sessions lists every stored session of the user.
func (s *AuthService) Sessions(ctx context.Context, userID int64) ([]*models.AuthSession, error) {
	return s.sessions.List(ctx, userID)
}

// RevokeSession revokes one session of the user.
func (s *AuthService) RevokeSession(ctx context.Context, userID int64, sessionID string) error {
	return s.sessions.Revoke(ctx, userID, sessionID)
}

// RevokeOtherSessions revokes every session except the given one.
func (s *AuthService) RevokeOtherSessions(ctx context.Context, userID int64, keepSessionID string) error {
	return s.sessions.RevokeOthers(ctx, userID, keepSessionID)
}

func (s *AuthService) openSession(ctx context.Context, user *models.User, ipAddress, userAgent, sessionName string) (*models.AuthInfo, *models.TokenPair, error) {
	sess, pair, err := s.sessions.Create(ctx, user.ID, ipAddress, userAgent, sessionName)
	if err != nil {
		return nil, nil, err
	}
	return &models.AuthInfo{User: user, Session: sess}, pair, nil
}
