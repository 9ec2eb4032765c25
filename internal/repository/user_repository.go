package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/DmitryUniversall/SmartPlantServer2/internal/models"
	sharedredis "github.com/DmitryUniversall/SmartPlantServer2/internal/redis"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

const uniqueViolation = "23505"

const userViewKeyPrefix = "user:view:"

// UserRepository persists users in PostgreSQL and keeps a Redis read model
// for by-ID lookups, which back every authenticated request.
type UserRepository struct {
	db    *sql.DB
	cache *sharedredis.ViewCache[models.User]
}

func NewUserRepository(db *sql.DB, redisClient *goredis.Client) *UserRepository {
	return &UserRepository{
		db:    db,
		cache: sharedredis.NewViewCache[models.User](redisClient, 0),
	}
}

func (r *UserRepository) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (username, password_hash)
		VALUES ($1, $2)
		RETURNING id, created_at
	`

	err := r.db.QueryRowContext(ctx, query, user.Username, user.PasswordHash).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrUsernameTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}

	r.cache.Set(ctx, userViewKeyPrefix+fmt.Sprint(user.ID), user)
	return nil
}

// GetByID returns a user from Redis first, then PostgreSQL.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	cacheKey := userViewKeyPrefix + fmt.Sprint(id)

	if user, ok := r.cache.Get(ctx, cacheKey); ok {
		return user, nil
	}

	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE id = $1
	`

	var user models.User
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	// Warm the cache
	r.cache.Set(ctx, cacheKey, &user)
	return &user, nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	query := `
		SELECT id, username, password_hash, created_at
		FROM users
		WHERE username = $1
	`

	var user models.User
	err := r.db.QueryRowContext(ctx, query, username).Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}
