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

// ConversationRepository reads conversation membership for the call core
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new ConversationRepository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// GetMembers returns the conversation type and every participant with profile and status
func (r *ConversationRepository) GetMembers(ctx context.Context, conversationID uuid.UUID) (*domain.ConversationMembers, error) {
	var convType string
	err := r.pool.QueryRow(ctx,
		`SELECT type FROM conversations WHERE conversation_id = $1`,
		conversationID,
	).Scan(&convType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	query := `
		SELECT u.user_id, u.username, u.avatar_url, u.status
		FROM conversation_participants cp
		INNER JOIN users u ON cp.user_id = u.user_id
		WHERE cp.conversation_id = $1
		ORDER BY cp.joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation members: %w", err)
	}
	defer rows.Close()

	out := &domain.ConversationMembers{
		ConversationID: conversationID,
		IsGroup:        convType == "group",
	}
	for rows.Next() {
		var m domain.Member
		var status string
		if err := rows.Scan(&m.UserID, &m.Username, &m.AvatarURL, &status); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		m.Status = domain.PresenceStatus(status)
		out.Members = append(out.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}

	return out, nil
}

// IsParticipant checks if a user is a participant in a conversation
func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}
	return exists, nil
}
