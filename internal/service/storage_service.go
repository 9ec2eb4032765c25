package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
)

// ErrInvalidName is returned for channel, sender, target or device names that
// would break the Redis key scheme or collide with reserved suffixes.
var ErrInvalidName = errors.New("invalid storage name")

const maxNameLength = 50

// MessageStore is the Redis-backed delivery engine behind StorageService.
type MessageStore interface {
	WriteChannel(ctx context.Context, msg *models.ChannelMessage) error
	ListenChannel(ctx context.Context, userID int64, channelName string, offsetID int64, limit int, timeout time.Duration) ([]*models.ChannelMessage, error)
	SendDirect(ctx context.Context, msg *models.DirectMessage, ttl time.Duration) error
	SendRequest(ctx context.Context, req *models.DirectMessage, ttl time.Duration, wait bool) (*models.DirectMessage, error)
	SendResponse(ctx context.Context, resp *models.DirectMessage, responseToUUID string, ttl time.Duration) error
	ListenDirect(ctx context.Context, userID int64, deviceName string, limit int, timeout time.Duration) ([]*models.DirectMessage, error)
}

// StorageService validates storage operations and applies server-side limits
// before handing them to the delivery engine.
type StorageService struct {
	store      MessageStore
	defaultTTL time.Duration
	maxTimeout time.Duration
}

func NewStorageService(store MessageStore, defaultTTL, maxTimeout time.Duration) *StorageService {
	return &StorageService{store: store, defaultTTL: defaultTTL, maxTimeout: maxTimeout}
}

// WriteChannel appends a durable message to the user's channel.
func (s *StorageService) WriteChannel(ctx context.Context, userID int64, channelName, intent, senderName, targetName string, data json.RawMessage) (*models.ChannelMessage, error) {
	if err := validateNames(channelName, senderName, targetName); err != nil {
		return nil, err
	}

	msg := &models.ChannelMessage{
		UserID:      userID,
		ChannelName: channelName,
		Intent:      intent,
		SenderName:  senderName,
		TargetName:  targetName,
		Data:        data,
	}
	if err := s.store.WriteChannel(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListenChannel reads messages after offsetID, blocking up to timeout when
// none are available yet.
func (s *StorageService) ListenChannel(ctx context.Context, userID int64, channelName string, offsetID int64, limit int, timeout time.Duration) ([]*models.ChannelMessage, error) {
	if err := validateNames(channelName); err != nil {
		return nil, err
	}
	return s.store.ListenChannel(ctx, userID, channelName, offsetID, clampLimit(limit), s.clampTimeout(timeout))
}

// SendRequest delivers a direct request and waits for the correlated
// response. A nil response means the target did not answer within the TTL.
func (s *StorageService) SendRequest(ctx context.Context, userID int64, senderName, targetName string, data json.RawMessage, ttl time.Duration, wait bool) (*models.DirectMessage, *models.DirectMessage, error) {
	if err := validateNames(senderName, targetName); err != nil {
		return nil, nil, err
	}

	req := newDirectMessage(userID, models.DirectIntentRequest, senderName, targetName, data)
	resp, err := s.store.SendRequest(ctx, req, s.clampTTL(ttl), wait)
	if err != nil {
		return nil, nil, err
	}
	return req, resp, nil
}

// SendResponse answers a pending direct request.
func (s *StorageService) SendResponse(ctx context.Context, userID int64, senderName, targetName string, data json.RawMessage, responseToUUID string, ttl time.Duration) (*models.DirectMessage, error) {
	if err := validateNames(senderName, targetName); err != nil {
		return nil, err
	}

	resp := newDirectMessage(userID, models.DirectIntentResponse, senderName, targetName, data)
	if err := s.store.SendResponse(ctx, resp, responseToUUID, s.clampTTL(ttl)); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendDirect delivers an uncorrelated direct message.
func (s *StorageService) SendDirect(ctx context.Context, userID int64, senderName, targetName string, data json.RawMessage, ttl time.Duration) (*models.DirectMessage, error) {
	if err := validateNames(senderName, targetName); err != nil {
		return nil, err
	}

	msg := newDirectMessage(userID, models.DirectIntentOther, senderName, targetName, data)
	if err := s.store.SendDirect(ctx, msg, s.clampTTL(ttl)); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListenDirect drains messages addressed to the device, blocking up to
// timeout for the first one.
func (s *StorageService) ListenDirect(ctx context.Context, userID int64, deviceName string, limit int, timeout time.Duration) ([]*models.DirectMessage, error) {
	if err := validateNames(deviceName); err != nil {
		return nil, err
	}
	return s.store.ListenDirect(ctx, userID, deviceName, clampLimit(limit), s.clampTimeout(timeout))
}

func newDirectMessage(userID int64, intent models.DirectIntent, senderName, targetName string, data json.RawMessage) *models.DirectMessage {
	return &models.DirectMessage{
		UUID:       uuid.NewString(),
		Intent:     intent,
		UserID:     userID,
		SenderName: senderName,
		TargetName: targetName,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}
}

// validateNames guards the Redis key scheme: names are non-empty, bounded,
// free of the key separator and may not use the reserved "__" affixes.
func validateNames(names ...string) error {
	for _, name := range names {
		if name == "" || len(name) > maxNameLength {
			return ErrInvalidName
		}
		if strings.Contains(name, ":") {
			return ErrInvalidName
		}
		if strings.HasPrefix(name, "__") || strings.HasSuffix(name, "__") {
			return ErrInvalidName
		}
	}
	return nil
}

func clampLimit(limit int) int {
	const (
		defaultLimit = 50
		maxLimit     = 500
	)
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func (s *StorageService) clampTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 || timeout > s.maxTimeout {
		return s.maxTimeout
	}
	return timeout
}

func (s *StorageService) clampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}
