package cockroach

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"huddle-backend/internal/domain"
)

// ErrUserNotFound is returned when the user does not exist
var ErrUserNotFound = errors.New("user not found")

// UserRepository holds the durable copy of presence and the profile lookups the relay needs
type UserRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

// GetMember retrieves a user's call-facing profile
func (r *UserRepository) GetMember(ctx context.Context, userID uuid.UUID) (*domain.Member, error) {
	query := `
		SELECT user_id, username, avatar_url, status
		FROM users
		WHERE user_id = $1
	`

	m := &domain.Member{}
	var status string
	err := r.pool.QueryRow(ctx, query, userID).Scan(&m.UserID, &m.Username, &m.AvatarURL, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	m.Status = domain.PresenceStatus(status)
	return m, nil
}

// UpdateStatus persists the presence status and stamps last_seen_at
func (r *UserRepository) UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) error {
	query := `
		UPDATE users
		SET status = $1, last_seen_at = NOW(), updated_at = NOW()
		WHERE user_id = $2
	`

	if _, err := r.pool.Exec(ctx, query, string(status), userID); err != nil {
		return fmt.Errorf("failed to update user status: %w", err)
	}
	return nil
}
