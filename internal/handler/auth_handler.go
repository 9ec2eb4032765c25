package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/middleware"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/repository"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/service"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/session"
)

// AuthService defines the operations used by AuthHandler.
type AuthService interface {
	Register(ctx context.Context, username, password, ipAddress, userAgent, sessionName string) (*models.AuthInfo, *models.TokenPair, error)
	Login(ctx context.Context, username, password, ipAddress, userAgent, sessionName string) (*models.AuthInfo, *models.TokenPair, error)
	Refresh(ctx context.Context, refreshToken, clientIP, clientUserAgent string) (*models.AuthInfo, *models.TokenPair, error)
	Sessions(ctx context.Context, userID int64) ([]*models.AuthSession, error)
	RevokeSession(ctx context.Context, userID int64, sessionID string) error
	RevokeOtherSessions(ctx context.Context, userID int64, keepSessionID string) error
}

type AuthHandler struct {
	auth AuthService
}

func NewAuthHandler(auth AuthService) *AuthHandler {
	return &AuthHandler{auth: auth}
}

type CredentialsRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=50,alphanum"`
	Password    string `json:"password" validate:"required,min=8,max=128"`
	SessionName string `json:"sessionName" validate:"max=50"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

type AuthResponse struct {
	User         *models.User        `json:"user"`
	Session      *models.AuthSession `json:"session"`
	AccessToken  string              `json:"accessToken"`
	RefreshToken string              `json:"refreshToken"`
}

type TokenPairResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type SessionsResponse struct {
	Sessions []*models.AuthSession `json:"sessions"`
}

func (h *AuthHandler) Register(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}

	info, pair, err := h.auth.Register(c.Request.Context(),
		req.Username, req.Password, c.ClientIP(), c.Request.UserAgent(), sessionName(req, c))
	if err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			middleware.RespondWithError(c, http.StatusConflict, "Username already taken")
			return
		}
		middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to register")
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{
		User:         info.User,
		Session:      info.Session,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (h *AuthHandler) Login(c *gin.Context) {
	req, ok := bindCredentials(c)
	if !ok {
		return
	}

	info, pair, err := h.auth.Login(c.Request.Context(),
		req.Username, req.Password, c.ClientIP(), c.Request.UserAgent(), sessionName(req, c))
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			middleware.RespondWithError(c, http.StatusUnauthorized, "Invalid credentials")
			return
		}
		middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to log in")
		return
	}

	c.JSON(http.StatusOK, AuthResponse{
		User:         info.User,
		Session:      info.Session,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (h *AuthHandler) Refresh(c *gin.Context) {
	var req RefreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return
	}

	_, pair, err := h.auth.Refresh(c.Request.Context(), req.RefreshToken, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		if errors.Is(err, service.ErrSuspiciousActivity) {
			middleware.RespondWithError(c, http.StatusForbidden, "Session revoked due to suspicious activity")
			return
		}
		middleware.RespondWithError(c, http.StatusUnauthorized, "Invalid token")
		return
	}

	c.JSON(http.StatusOK, TokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
}

func (h *AuthHandler) Logout(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}

	if err := h.auth.RevokeSession(c.Request.Context(), info.User.ID, info.Session.SessionID); err != nil {
		middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to log out")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

func (h *AuthHandler) Me(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": info.User})
}

func (h *AuthHandler) Sessions(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}

	sessions, err := h.auth.Sessions(c.Request.Context(), info.User.ID)
	if err != nil {
		middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	c.JSON(http.StatusOK, SessionsResponse{Sessions: sessions})
}

func (h *AuthHandler) RevokeSession(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}

	sessionID := c.Param("sessionId")
	if err := h.auth.RevokeSession(c.Request.Context(), info.User.ID, sessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			middleware.RespondWithError(c, http.StatusNotFound, "Session not found")
			return
		}
		middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to revoke session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session revoked"})
}

func (h *AuthHandler) RevokeOtherSessions(c *gin.Context) {
	info, ok := middleware.GetAuthInfo(c)
	if !ok {
		middleware.RespondWithError(c, http.StatusUnauthorized, "Not authenticated")
		return
	}

	if err := h.auth.RevokeOtherSessions(c.Request.Context(), info.User.ID, info.Session.SessionID); err != nil {
		middleware.RespondWithError(c, http.StatusInternalServerError, "Failed to revoke sessions")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Other sessions revoked"})
}

func bindCredentials(c *gin.Context) (CredentialsRequest, bool) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.RespondWithError(c, http.StatusBadRequest, "Invalid request body")
		return req, false
	}
	if validationErrors := middleware.ValidateRequest(req); validationErrors != nil {
		middleware.RespondWithValidationError(c, validationErrors)
		return req, false
	}
	return req, true
}

func sessionName(req CredentialsRequest, c *gin.Context) string {
	if req.SessionName != "" {
		return req.SessionName
	}
	if ua := c.Request.UserAgent(); ua != "" {
		return ua
	}
	return "unknown"
}
