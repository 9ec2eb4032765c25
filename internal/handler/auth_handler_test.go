package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/middleware"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/repository"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/service"
)

// ---- mock implementation ----

type mockAuthService struct {
	registerFn func(username, password string) (*models.AuthInfo, *models.TokenPair, error)
	loginFn    func(username, password string) (*models.AuthInfo, *models.TokenPair, error)
	refreshFn  func(refreshToken, ip, ua string) (*models.AuthInfo, *models.TokenPair, error)
	revoked    []string
}

func testAuthInfo() (*models.AuthInfo, *models.TokenPair) {
	return &models.AuthInfo{
		User:    &models.User{ID: 1, Username: "alice"},
		Session: &models.AuthSession{SessionID: "sess-1", UserID: 1, IsActive: true},
	}, &models.TokenPair{AccessToken: "access.jwt", RefreshToken: "refresh.jwt"}
}

func (m *mockAuthService) Register(_ context.Context, username, password, _, _, _ string) (*models.AuthInfo, *models.TokenPair, error) {
	if m.registerFn != nil {
		return m.registerFn(username, password)
	}
	return nil, nil, fmt.Errorf("not configured")
}

func (m *mockAuthService) Login(_ context.Context, username, password, _, _, _ string) (*models.AuthInfo, *models.TokenPair, error) {
	if m.loginFn != nil {
		return m.loginFn(username, password)
	}
	return nil, nil, fmt.Errorf("not configured")
}

func (m *mockAuthService) Refresh(_ context.Context, refreshToken, ip, ua string) (*models.AuthInfo, *models.TokenPair, error) {
	if m.refreshFn != nil {
		return m.refreshFn(refreshToken, ip, ua)
	}
	return nil, nil, fmt.Errorf("not configured")
}

func (m *mockAuthService) Sessions(_ context.Context, _ int64) ([]*models.AuthSession, error) {
	return []*models.AuthSession{{SessionID: "sess-1", IsActive: true}}, nil
}

func (m *mockAuthService) RevokeSession(_ context.Context, _ int64, sessionID string) error {
	m.revoked = append(m.revoked, sessionID)
	return nil
}

func (m *mockAuthService) RevokeOtherSessions(_ context.Context, _ int64, _ string) error {
	return nil
}

type mockAuthenticator struct{}

func (mockAuthenticator) Authenticate(_ context.Context, accessToken string) (*models.AuthInfo, error) {
	if accessToken != "valid.jwt" {
		return nil, fmt.Errorf("invalid token")
	}
	info, _ := testAuthInfo()
	return info, nil
}

// ---- helpers ----

func newAuthTestRouter(svc AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewAuthHandler(svc)
	v1 := r.Group("/v1/auth")
	v1.POST("/register", h.Register)
	v1.POST("/login", h.Login)
	v1.POST("/refresh", h.Refresh)

	authed := v1.Group("", middleware.AuthMiddleware(mockAuthenticator{}))
	authed.POST("/logout", h.Logout)
	authed.GET("/users/me", h.Me)
	authed.GET("/sessions", h.Sessions)
	authed.DELETE("/sessions/:sessionId", h.RevokeSession)
	authed.DELETE("/sessions", h.RevokeOtherSessions)
	return r
}

func doRequest(router *gin.Engine, method, url string, body any, token string) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// ---- tests ----

func TestRegister(t *testing.T) {
	okFn := func(string, string) (*models.AuthInfo, *models.TokenPair, error) {
		info, pair := testAuthInfo()
		return info, pair, nil
	}

	tests := []struct {
		name           string
		body           any
		registerFn     func(string, string) (*models.AuthInfo, *models.TokenPair, error)
		expectedStatus int
	}{
		{
			name:           "created - valid registration",
			body:           map[string]string{"username": "alice", "password": "securepass123"},
			registerFn:     okFn,
			expectedStatus: http.StatusCreated,
		},
		{
			name: "conflict - username taken",
			body: map[string]string{"username": "alice", "password": "securepass123"},
			registerFn: func(string, string) (*models.AuthInfo, *models.TokenPair, error) {
				return nil, nil, repository.ErrUsernameTaken
			},
			expectedStatus: http.StatusConflict,
		},
		{
			name:           "bad request - missing password",
			body:           map[string]string{"username": "alice"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad request - short password",
			body:           map[string]string{"username": "alice", "password": "short"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "bad request - username with spaces",
			body:           map[string]string{"username": "not valid", "password": "securepass123"},
			expectedStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAuthTestRouter(&mockAuthService{registerFn: tt.registerFn})
			w := doRequest(router, http.MethodPost, "/v1/auth/register", tt.body, "")
			if w.Code != tt.expectedStatus {
				t.Errorf("[%s] expected %d got %d; body: %s", tt.name, tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		loginFn        func(string, string) (*models.AuthInfo, *models.TokenPair, error)
		expectedStatus int
	}{
		{
			name: "success - valid credentials return token pair",
			body: map[string]string{"username": "alice", "password": "securepass123"},
			loginFn: func(string, string) (*models.AuthInfo, *models.TokenPair, error) {
				info, pair := testAuthInfo()
				return info, pair, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "unauthorised - invalid credentials",
			body: map[string]string{"username": "alice", "password": "wrongpass123"},
			loginFn: func(string, string) (*models.AuthInfo, *models.TokenPair, error) {
				return nil, nil, service.ErrInvalidCredentials
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "bad request - missing username",
			body:           map[string]string{"password": "securepass123"},
			expectedStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAuthTestRouter(&mockAuthService{loginFn: tt.loginFn})
			w := doRequest(router, http.MethodPost, "/v1/auth/login", tt.body, "")
			if w.Code != tt.expectedStatus {
				t.Errorf("[%s] expected %d got %d; body: %s", tt.name, tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	tests := []struct {
		name           string
		body           any
		refreshFn      func(string, string, string) (*models.AuthInfo, *models.TokenPair, error)
		expectedStatus int
	}{
		{
			name: "success - rotated pair returned",
			body: map[string]string{"refreshToken": "refresh.jwt"},
			refreshFn: func(string, string, string) (*models.AuthInfo, *models.TokenPair, error) {
				info, pair := testAuthInfo()
				return info, pair, nil
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "forbidden - suspicious activity",
			body: map[string]string{"refreshToken": "refresh.jwt"},
			refreshFn: func(string, string, string) (*models.AuthInfo, *models.TokenPair, error) {
				return nil, nil, service.ErrSuspiciousActivity
			},
			expectedStatus: http.StatusForbidden,
		},
		{
			name: "unauthorised - invalid token",
			body: map[string]string{"refreshToken": "bad.jwt"},
			refreshFn: func(string, string, string) (*models.AuthInfo, *models.TokenPair, error) {
				return nil, nil, fmt.Errorf("invalid token")
			},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "bad request - missing token field",
			body:           map[string]string{},
			expectedStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAuthTestRouter(&mockAuthService{refreshFn: tt.refreshFn})
			w := doRequest(router, http.MethodPost, "/v1/auth/refresh", tt.body, "")
			if w.Code != tt.expectedStatus {
				t.Errorf("[%s] expected %d got %d; body: %s", tt.name, tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestAuthenticatedRoutes(t *testing.T) {
	tests := []struct {
		name           string
		method         string
		url            string
		token          string
		expectedStatus int
	}{
		{name: "me - ok", method: http.MethodGet, url: "/v1/auth/users/me", token: "valid.jwt", expectedStatus: http.StatusOK},
		{name: "me - missing token", method: http.MethodGet, url: "/v1/auth/users/me", expectedStatus: http.StatusUnauthorized},
		{name: "me - bad token", method: http.MethodGet, url: "/v1/auth/users/me", token: "bad.jwt", expectedStatus: http.StatusUnauthorized},
		{name: "sessions - ok", method: http.MethodGet, url: "/v1/auth/sessions", token: "valid.jwt", expectedStatus: http.StatusOK},
		{name: "revoke others - ok", method: http.MethodDelete, url: "/v1/auth/sessions", token: "valid.jwt", expectedStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := newAuthTestRouter(&mockAuthService{})
			w := doRequest(router, tt.method, tt.url, nil, tt.token)
			if w.Code != tt.expectedStatus {
				t.Errorf("[%s] expected %d got %d; body: %s", tt.name, tt.expectedStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestLogoutRevokesCurrentSession(t *testing.T) {
	svc := &mockAuthService{}
	router := newAuthTestRouter(svc)

	w := doRequest(router, http.MethodPost, "/v1/auth/logout", nil, "valid.jwt")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d; body: %s", w.Code, w.Body.String())
	}
	if len(svc.revoked) != 1 || svc.revoked[0] != "sess-1" {
		t.Errorf("expected current session revoked, got %v", svc.revoked)
	}
}
