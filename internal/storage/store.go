package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
)

// ErrBadDirectIntent is returned when a request/response message is pushed
// through the plain direct-send path instead of the correlated one.
var ErrBadDirectIntent = errors.New("direct message intent requires request/response path")

// ChannelMessages is the durable store behind the Redis stream cache.
type ChannelMessages interface {
	Create(ctx context.Context, msg *models.ChannelMessage) error
	GetAfter(ctx context.Context, userID int64, channelName string, offsetID int64, limit int) ([]*models.ChannelMessage, error)
}

// Store implements message delivery on top of Redis: bounded streams caching
// durable channel messages and lists carrying ephemeral direct messages.
type Store struct {
	client    *redis.Client
	messages  ChannelMessages
	cacheSize int64
}

func NewStore(client *redis.Client, messages ChannelMessages, cacheSize int64) *Store {
	return &Store{client: client, messages: messages, cacheSize: cacheSize}
}

func userKey(userID int64) string {
	return fmt.Sprintf("storage:%d", userID)
}

func channelStreamKey(userID int64, channelName string) string {
	return fmt.Sprintf("%s:channel:%s:__stream__", userKey(userID), channelName)
}

func directKey(userID int64, targetName string) string {
	return fmt.Sprintf("%s:direct:%s", userKey(userID), targetName)
}

func responseKey(userID int64, senderName, requestUUID string) string {
	return fmt.Sprintf("%s:response:%s", directKey(userID, senderName), requestUUID)
}

// WriteChannel persists the message and appends it to the channel's stream
// cache. The stream entry ID is "{db id}-0" so stream offsets and database
// offsets reconcile exactly.
func (s *Store) WriteChannel(ctx context.Context, msg *models.ChannelMessage) error {
	if err := s.messages.Create(ctx, msg); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal channel message: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: channelStreamKey(msg.UserID, msg.ChannelName),
		ID:     fmt.Sprintf("%d-0", msg.ID),
		MaxLen: s.cacheSize,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		// The message is durable already; a cache write miss only costs a
		// database read on the next catch-up.
		logrus.WithError(err).WithFields(logrus.Fields{
			"userId":  msg.UserID,
			"channel": msg.ChannelName,
		}).Warn("failed to cache channel message in stream")
	}
	return nil
}

// ListenChannel returns messages of the channel after offsetID, reconciling
// the bounded stream cache with the database:
//   - empty stream: block until a new message arrives or the timeout passes;
//   - offset below the cache window: catch up from the database;
//   - offset at or past the newest entry: block for future messages;
//   - otherwise: serve straight from the stream.
func (s *Store) ListenChannel(ctx context.Context, userID int64, channelName string, offsetID int64, limit int, timeout time.Duration) ([]*models.ChannelMessage, error) {
	key := channelStreamKey(userID, channelName)

	bottomID, topID, err := s.streamBounds(ctx, key)
	if err != nil {
		return nil, err
	}

	switch {
	case topID == -1:
		return s.waitForChannelMessages(ctx, key, timeout)
	case offsetID < bottomID:
		return s.messages.GetAfter(ctx, userID, channelName, offsetID, limit)
	case topID <= offsetID:
		return s.waitForChannelMessages(ctx, key, timeout)
	default:
		return s.fetchFromStream(ctx, key, offsetID, limit)
	}
}

// streamBounds returns the DB offsets of the oldest and newest cached
// entries, or (-1, -1) for a missing or empty stream.
func (s *Store) streamBounds(ctx context.Context, key string) (int64, int64, error) {
	first, err := s.client.XRangeN(ctx, key, "-", "+", 1).Result()
	if err != nil && !isMissingStream(err) {
		return 0, 0, fmt.Errorf("failed to inspect channel stream: %w", err)
	}
	if len(first) == 0 {
		return -1, -1, nil
	}
	last, err := s.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to inspect channel stream: %w", err)
	}
	if len(last) == 0 {
		return -1, -1, nil
	}

	bottomID, err := entryOffset(first[0].ID)
	if err != nil {
		return 0, 0, err
	}
	topID, err := entryOffset(last[0].ID)
	if err != nil {
		return 0, 0, err
	}
	return bottomID, topID, nil
}

func (s *Store) waitForChannelMessages(ctx context.Context, key string, timeout time.Duration) ([]*models.ChannelMessage, error) {
	// "$" restricts the read to entries appended after this call.
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, "$"},
		Block:   timeout,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to wait for channel messages: %w", err)
	}

	var messages []*models.ChannelMessage
	for _, stream := range streams {
		parsed, err := decodeStreamMessages(stream.Messages)
		if err != nil {
			return nil, err
		}
		messages = append(messages, parsed...)
	}
	return messages, nil
}

func (s *Store) fetchFromStream(ctx context.Context, key string, offsetID int64, limit int) ([]*models.ChannelMessage, error) {
	// offsetID+1 keeps already-seen messages out of the reply.
	entries, err := s.client.XRangeN(ctx, key, fmt.Sprintf("%d-0", offsetID+1), "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read channel stream: %w", err)
	}
	return decodeStreamMessages(entries)
}

// SendDirect delivers a fire-and-forget direct message. Correlated traffic
// must go through SendRequest/SendResponse.
func (s *Store) SendDirect(ctx context.Context, msg *models.DirectMessage, ttl time.Duration) error {
	if msg.Intent == models.DirectIntentRequest || msg.Intent == models.DirectIntentResponse {
		return ErrBadDirectIntent
	}
	return s.push(ctx, directKey(msg.UserID, msg.TargetName), msg, ttl)
}

// SendRequest pushes a request to the target's list and, when wait is set,
// blocks for the correlated response. A missing response within ttl is a
// timeout, not an error: the caller gets (nil, nil).
func (s *Store) SendRequest(ctx context.Context, req *models.DirectMessage, ttl time.Duration, wait bool) (*models.DirectMessage, error) {
	logrus.WithFields(logrus.Fields{
		"uuid":   req.UUID,
		"sender": req.SenderName,
		"target": req.TargetName,
	}).Debug("sending direct request")

	if err := s.push(ctx, directKey(req.UserID, req.TargetName), req, ttl); err != nil {
		return nil, err
	}
	if !wait {
		return nil, nil
	}

	result, err := s.client.BLPop(ctx, ttl, responseKey(req.UserID, req.SenderName, req.UUID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to wait for direct response: %w", err)
	}

	var resp models.DirectMessage
	if err := json.Unmarshal([]byte(result[1]), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode direct response: %w", err)
	}
	return &resp, nil
}

// SendResponse delivers a response onto the per-request key the requester is
// blocked on. The response's target is the original requester, so the key is
// derived from it together with the request UUID.
func (s *Store) SendResponse(ctx context.Context, resp *models.DirectMessage, responseToUUID string, ttl time.Duration) error {
	logrus.WithFields(logrus.Fields{
		"responseTo": responseToUUID,
		"sender":     resp.SenderName,
		"target":     resp.TargetName,
	}).Debug("sending direct response")

	return s.push(ctx, responseKey(resp.UserID, resp.TargetName, responseToUUID), resp, ttl)
}

// ListenDirect blocks for the first pending message addressed to deviceName,
// then drains up to limit more and deletes the list.
func (s *Store) ListenDirect(ctx context.Context, userID int64, deviceName string, limit int, timeout time.Duration) ([]*models.DirectMessage, error) {
	key := directKey(userID, deviceName)

	first, err := s.client.BLPop(ctx, timeout, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to wait for direct messages: %w", err)
	}

	raw := []string{first[1]}
	rest, err := s.client.LRange(ctx, key, 0, int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to drain direct messages: %w", err)
	}
	raw = append(raw, rest...)

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("failed to clear direct messages: %w", err)
	}

	messages := make([]*models.DirectMessage, 0, len(raw))
	for _, item := range raw {
		var msg models.DirectMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode direct message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

func (s *Store) push(ctx context.Context, key string, msg *models.DirectMessage, ttl time.Duration) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal direct message: %w", err)
	}
	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to push direct message: %w", err)
	}
	if ttl > 0 {
		if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("failed to set direct message TTL: %w", err)
		}
	}
	return nil
}

func decodeStreamMessages(entries []redis.XMessage) ([]*models.ChannelMessage, error) {
	messages := make([]*models.ChannelMessage, 0, len(entries))
	for _, entry := range entries {
		data, ok := entry.Values["data"].(string)
		if !ok {
			return nil, fmt.Errorf("invalid stream entry %s", entry.ID)
		}
		var msg models.ChannelMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode channel message: %w", err)
		}
		messages = append(messages, &msg)
	}
	return messages, nil
}

func entryOffset(entryID string) (int64, error) {
	seq, _, found := strings.Cut(entryID, "-")
	if !found {
		return 0, fmt.Errorf("malformed stream entry ID %q", entryID)
	}
	offset, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed stream entry ID %q", entryID)
	}
	return offset, nil
}

func isMissingStream(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}
