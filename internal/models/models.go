package models

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// AuthSession is the Redis-resident record binding a user, device metadata
// and the identifiers of the currently valid token pair. Only the token IDs
// are stored; presenting a rotated-out token fails the ID comparison even
// when its signature and expiry are still valid.
type AuthSession struct {
	SessionID      string    `json:"sessionId" redis:"session_id"`
	UserID         int64     `json:"userId" redis:"user_id"`
	AccessTokenID  string    `json:"-" redis:"access_token_id"`
	RefreshTokenID string    `json:"-" redis:"refresh_token_id"`
	SessionName    string    `json:"sessionName" redis:"session_name"`
	IPAddress      string    `json:"-" redis:"ip_address"`
	UserAgent      string    `json:"-" redis:"user_agent"`
	IsActive       bool      `json:"isActive" redis:"is_active"`
	CreatedAt      time.Time `json:"createdAt" redis:"created_at"`
	LastUsed       time.Time `json:"lastUsed" redis:"last_used"`
	ExpiresAt      time.Time `json:"expiresAt" redis:"expires_at"`
}

// TokenPair is a freshly issued access/refresh pair. The raw tokens exist
// only here; the session keeps just their IDs.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// AuthInfo is the result of authenticating a request: the user plus the
// session the presented token belongs to.
type AuthInfo struct {
	User    *User
	Session *AuthSession
}

// ChannelMessage is a durable message appended to a per-user channel. It is
// written to PostgreSQL and cached in a bounded Redis stream keyed by the
// database-assigned ID for offset reconciliation.
type ChannelMessage struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"userId"`
	ChannelName string          `json:"channelName"`
	Intent      string          `json:"intent"`
	SenderName  string          `json:"senderName"`
	TargetName  string          `json:"targetName"`
	Data        json.RawMessage `json:"data"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type DirectIntent string

const (
	DirectIntentRequest  DirectIntent = "request"
	DirectIntentResponse DirectIntent = "response"
	DirectIntentOther    DirectIntent = "other"
)

// DirectMessage is an ephemeral point-to-point message delivered through a
// Redis list. Requests and responses are correlated by UUID.
type DirectMessage struct {
	UUID       string          `json:"uuid"`
	Intent     DirectIntent    `json:"intent"`
	UserID     int64           `json:"userId"`
	SenderName string          `json:"senderName"`
	TargetName string          `json:"targetName"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
}
