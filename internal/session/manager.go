package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
	"github.com/DmitryUniversall/SmartPlantServer2/internal/token"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session inactive")
	// ErrTokenMismatch is returned when a structurally valid token carries an
	// ID that the session no longer recognises (rotated out or revoked).
	ErrTokenMismatch = errors.New("token does not match session")
)

const keyPrefix = "auth:user:"

// Manager owns the session lifecycle: create, validate, rotate, revoke.
// Each session is a Redis hash expiring together with its refresh token.
type Manager struct {
	client *redis.Client
	tokens *token.Manager
}

func NewManager(client *redis.Client, tokens *token.Manager) *Manager {
	return &Manager{client: client, tokens: tokens}
}

func sessionKey(userID int64, sessionID string) string {
	return fmt.Sprintf("%s%d:sessions:%s", keyPrefix, userID, sessionID)
}

func userSessionsPattern(userID int64) string {
	return fmt.Sprintf("%s%d:sessions:*", keyPrefix, userID)
}

// Create opens a new session for the user with a fresh token pair.
func (m *Manager) Create(ctx context.Context, userID int64, ipAddress, userAgent, sessionName string) (*models.AuthSession, *models.TokenPair, error) {
	sessionID := uuid.NewString()

	accessToken, accessID, err := m.tokens.Issue(token.TypeAccess, userID, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refreshToken, refreshID, err := m.tokens.Issue(token.TypeRefresh, userID, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	now := time.Now()
	sess := &models.AuthSession{
		SessionID:      sessionID,
		UserID:         userID,
		AccessTokenID:  accessID,
		RefreshTokenID: refreshID,
		SessionName:    sessionName,
		IPAddress:      ipAddress,
		UserAgent:      userAgent,
		IsActive:       true,
		CreatedAt:      now,
		LastUsed:       now,
		ExpiresAt:      now.Add(m.tokens.RefreshTTL()),
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, nil, err
	}
	return sess, &models.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// ValidateAccessToken resolves the session an access token belongs to and
// touches its last-used timestamp. A token whose ID was rotated out fails
// with ErrTokenMismatch even though the JWT itself still verifies.
func (m *Manager) ValidateAccessToken(ctx context.Context, accessToken string) (*models.AuthSession, error) {
	claims, err := m.tokens.Parse(accessToken, token.TypeAccess)
	if err != nil {
		return nil, err
	}

	sess, err := m.getActive(ctx, claims.UserID, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.AccessTokenID != claims.TokenID {
		return nil, ErrTokenMismatch
	}

	if err := m.Heartbeat(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// ValidateRefreshToken resolves the session a refresh token belongs to.
func (m *Manager) ValidateRefreshToken(ctx context.Context, refreshToken string) (*models.AuthSession, error) {
	claims, err := m.tokens.Parse(refreshToken, token.TypeRefresh)
	if err != nil {
		return nil, err
	}

	sess, err := m.getActive(ctx, claims.UserID, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.RefreshTokenID != claims.TokenID {
		return nil, ErrTokenMismatch
	}
	return sess, nil
}

// Rotate replaces the session's token pair and extends its expiry by the
// refresh TTL. The previous pair stops validating immediately.
func (m *Manager) Rotate(ctx context.Context, sess *models.AuthSession) (*models.TokenPair, error) {
	accessToken, accessID, err := m.tokens.Issue(token.TypeAccess, sess.UserID, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	refreshToken, refreshID, err := m.tokens.Issue(token.TypeRefresh, sess.UserID, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue refresh token: %w", err)
	}

	sess.AccessTokenID = accessID
	sess.RefreshTokenID = refreshID
	sess.ExpiresAt = time.Now().Add(m.tokens.RefreshTTL())
	if err := m.save(ctx, sess); err != nil {
		return nil, err
	}
	return &models.TokenPair{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// Refresh validates a refresh token and rotates the session it belongs to.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*models.AuthSession, *models.TokenPair, error) {
	sess, err := m.ValidateRefreshToken(ctx, refreshToken)
	if err != nil {
		return nil, nil, err
	}
	pair, err := m.Rotate(ctx, sess)
	if err != nil {
		return nil, nil, err
	}
	return sess, pair, nil
}

// Get returns a session regardless of its active flag.
func (m *Manager) Get(ctx context.Context, userID int64, sessionID string) (*models.AuthSession, error) {
	return m.load(ctx, userID, sessionID)
}

// List returns every stored session for the user, revoked ones included.
func (m *Manager) List(ctx context.Context, userID int64) ([]*models.AuthSession, error) {
	var sessions []*models.AuthSession

	iter := m.client.Scan(ctx, 0, userSessionsPattern(userID), 0).Iterator()
	for iter.Next(ctx) {
		data, err := m.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read session: %w", err)
		}
		if len(data) == 0 {
			continue
		}
		sess, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

// Revoke soft-deletes a session: the record stays until its TTL runs out but
// no longer validates.
func (m *Manager) Revoke(ctx context.Context, userID int64, sessionID string) error {
	key := sessionKey(userID, sessionID)

	exists, err := m.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return ErrSessionNotFound
	}
	if err := m.client.HSet(ctx, key, "is_active", "false").Err(); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeOthers revokes every active session of the user except keepSessionID.
func (m *Manager) RevokeOthers(ctx context.Context, userID int64, keepSessionID string) error {
	sessions, err := m.List(ctx, userID)
	if err != nil {
		return err
	}
	for _, sess := range sessions {
		if sess.SessionID == keepSessionID || !sess.IsActive {
			continue
		}
		if err := m.Revoke(ctx, userID, sess.SessionID); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat updates the session's last-used timestamp.
func (m *Manager) Heartbeat(ctx context.Context, sess *models.AuthSession) error {
	sess.LastUsed = time.Now()
	return m.save(ctx, sess)
}

func (m *Manager) getActive(ctx context.Context, userID int64, sessionID string) (*models.AuthSession, error) {
	sess, err := m.load(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive {
		return nil, ErrSessionInactive
	}
	return sess, nil
}

func (m *Manager) load(ctx context.Context, userID int64, sessionID string) (*models.AuthSession, error) {
	data, err := m.client.HGetAll(ctx, sessionKey(userID, sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrSessionNotFound
	}
	return decodeSession(data)
}

func (m *Manager) save(ctx context.Context, sess *models.AuthSession) error {
	key := sessionKey(sess.UserID, sess.SessionID)

	if err := m.client.HSet(ctx, key, encodeSession(sess)).Err(); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	if err := m.client.ExpireAt(ctx, key, sess.ExpiresAt).Err(); err != nil {
		return fmt.Errorf("failed to set session expiry: %w", err)
	}
	return nil
}

func encodeSession(sess *models.AuthSession) map[string]any {
	return map[string]any{
		"session_id":       sess.SessionID,
		"user_id":          strconv.FormatInt(sess.UserID, 10),
		"access_token_id":  sess.AccessTokenID,
		"refresh_token_id": sess.RefreshTokenID,
		"session_name":     sess.SessionName,
		"ip_address":       sess.IPAddress,
		"user_agent":       sess.UserAgent,
		"is_active":        strconv.FormatBool(sess.IsActive),
		"created_at":       strconv.FormatInt(sess.CreatedAt.Unix(), 10),
		"last_used":        strconv.FormatInt(sess.LastUsed.Unix(), 10),
		"expires_at":       strconv.FormatInt(sess.ExpiresAt.Unix(), 10),
	}
}

func decodeSession(data map[string]string) (*models.AuthSession, error) {
	userID, err := strconv.ParseInt(data["user_id"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	isActive, err := strconv.ParseBool(data["is_active"])
	if err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}

	createdAt, err := parseUnix(data["created_at"])
	if err != nil {
		return nil, err
	}
	lastUsed, err := parseUnix(data["last_used"])
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseUnix(data["expires_at"])
	if err != nil {
		return nil, err
	}

	return &models.AuthSession{
		SessionID:      data["session_id"],
		UserID:         userID,
		AccessTokenID:  data["access_token_id"],
		RefreshTokenID: data["refresh_token_id"],
		SessionName:    data["session_name"],
		IPAddress:      data["ip_address"],
		UserAgent:      data["user_agent"],
		IsActive:       isActive,
		CreatedAt:      createdAt,
		LastUsed:       lastUsed,
		ExpiresAt:      expiresAt,
	}, nil
}

func parseUnix(value string) (time.Time, error) {
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt session record: %w", err)
	}
	return time.Unix(sec, 0), nil
}
