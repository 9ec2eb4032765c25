package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
)

// ChannelMessageRepository is the durable side of channel messaging. The
// Redis stream in front of it is a bounded cache; reads below the stream's
// first entry fall back here.
type ChannelMessageRepository struct {
	db *sql.DB
}

func NewChannelMessageRepository(db *sql.DB) *ChannelMessageRepository {
	return &ChannelMessageRepository{db: db}
}

// Create inserts the message and fills in its database-assigned ID and
// creation timestamp. The ID doubles as the channel stream offset.
func (r *ChannelMessageRepository) Create(ctx context.Context, msg *models.ChannelMessage) error {
	query := `
		INSERT INTO storage_channel_messages (user_id, channel_name, intent, sender_name, target_name, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		msg.UserID, msg.ChannelName, msg.Intent, msg.SenderName, msg.TargetName, []byte(msg.Data),
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create channel message: %w", err)
	}
	return nil
}

// GetAfter returns up to limit messages of the user's channel with ID greater
// than offsetID, in insertion order.
func (r *ChannelMessageRepository) GetAfter(ctx context.Context, userID int64, channelName string, offsetID int64, limit int) ([]*models.ChannelMessage, error) {
	query := `
		SELECT id, user_id, channel_name, intent, sender_name, target_name, data, created_at
		FROM storage_channel_messages
		WHERE user_id = $1 AND channel_name = $2 AND id > $3
		ORDER BY id
		LIMIT $4
	`

	rows, err := r.db.QueryContext(ctx, query, userID, channelName, offsetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch channel messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.ChannelMessage
	for rows.Next() {
		var msg models.ChannelMessage
		var data []byte
		if err := rows.Scan(
			&msg.ID, &msg.UserID, &msg.ChannelName, &msg.Intent,
			&msg.SenderName, &msg.TargetName, &data, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan channel message: %w", err)
		}
		msg.Data = data
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to fetch channel messages: %w", err)
	}
	return messages, nil
}
