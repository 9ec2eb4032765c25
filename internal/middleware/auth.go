package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/session"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/token"
)

const authInfoKey = "authInfo"

// Authenticator resolves a bearer access token to the user and session it
// belongs to. Resolution goes through the session store, so a revoked or
// rotated-out token fails even when the JWT itself still verifies.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*models.AuthInfo, error)
}

func AuthMiddleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		accessToken, ok := ExtractBearerToken(c.GetHeader("Authorization"))
		if !ok {
			RespondWithError(c, http.StatusUnauthorized, "Authorization header required")
			c.Abort()
			return
		}

		info, err := auth.Authenticate(c.Request.Context(), accessToken)
		if err != nil {
			RespondWithError(c, http.StatusUnauthorized, authFailureMessage(err))
			c.Abort()
			return
		}

		c.Set(authInfoKey, info)
		c.Next()
	}
}

// ExtractBearerToken pulls the token out of an "Authorization: Bearer ..."
// header value.
func ExtractBearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetAuthInfo returns the authenticated user and session set by AuthMiddleware.
func GetAuthInfo(c *gin.Context) (*models.AuthInfo, bool) {
	value, exists := c.Get(authInfoKey)
	if !exists {
		return nil, false
	}
	info, ok := value.(*models.AuthInfo)
	return info, ok
}

func authFailureMessage(err error) string {
	switch {
	case errors.Is(err, token.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, session.ErrSessionInactive):
		return "Session revoked"
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrTokenMismatch):
		return "Session invalid"
	default:
		return "Invalid or expired token"
	}
}
