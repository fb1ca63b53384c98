package cockroach

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"huddle-backend/internal/domain"
)

const callHistorySchema = `
	CREATE TABLE IF NOT EXISTS call_history (
		record_id UUID PRIMARY KEY,
		call_id UUID NOT NULL,
		conversation_id UUID NOT NULL,
		caller_id UUID NOT NULL,
		callee_id UUID NOT NULL,
		call_type STRING NOT NULL,
		status STRING NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		duration INT NOT NULL DEFAULT 0,
		viewed BOOL NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (call_id, callee_id),
		INDEX call_history_caller_idx (caller_id, created_at DESC),
		INDEX call_history_callee_idx (callee_id, created_at DESC)
	)
`

// CallHistoryRepository is the append-only call ledger
type CallHistoryRepository struct {
	pool *pgxpool.Pool
}

// NewCallHistoryRepository creates a new call history repository
func NewCallHistoryRepository(pool *pgxpool.Pool) *CallHistoryRepository {
	return &CallHistoryRepository{pool: pool}
}

// Migrate creates the call_history table if it does not exist
func (r *CallHistoryRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, callHistorySchema); err != nil {
		return fmt.Errorf("failed to migrate call_history: %w", err)
	}
	return nil
}

// Append writes records in one transaction. A (call, callee) pair is written at most once.
func (r *CallHistoryRepository) Append(ctx context.Context, records ...*domain.CallHistoryRecord) error {
	if len(records) == 0 {
		return nil
	}

	query := `
		INSERT INTO call_history (
			record_id, call_id, conversation_id, caller_id, callee_id,
			call_type, status, start_time, end_time, duration, viewed, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (call_id, callee_id) DO NOTHING
	`

	now := time.Now()
	batch := &pgx.Batch{}
	for _, rec := range records {
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		batch.Queue(query,
			rec.RecordID,
			rec.CallID,
			rec.ConversationID,
			rec.CallerID,
			rec.CalleeID,
			string(rec.CallType),
			string(rec.Status),
			rec.StartTime,
			rec.EndTime,
			rec.Duration,
			rec.Viewed,
			rec.CreatedAt,
		)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to append call history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call history: %w", err)
	}
	return nil
}

// ListForUser returns records where the user was caller or callee, newest first
func (r *CallHistoryRepository) ListForUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallHistoryEntry, error) {
	query := `
		SELECT
			h.record_id, h.call_id, h.conversation_id, h.caller_id, h.callee_id,
			h.call_type, h.status, h.start_time, h.end_time, h.duration, h.viewed, h.created_at,
			u.user_id, u.username, u.avatar_url
		FROM call_history h
		INNER JOIN users u ON u.user_id = CASE WHEN h.caller_id = $1 THEN h.callee_id ELSE h.caller_id END
		WHERE h.caller_id = $1 OR h.callee_id = $1
		ORDER BY h.created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list call history: %w", err)
	}
	defer rows.Close()

	entries := make([]*domain.CallHistoryEntry, 0, limit)
	for rows.Next() {
		e := &domain.CallHistoryEntry{}
		var callType, status string
		err := rows.Scan(
			&e.RecordID,
			&e.CallID,
			&e.ConversationID,
			&e.CallerID,
			&e.CalleeID,
			&callType,
			&status,
			&e.StartTime,
			&e.EndTime,
			&e.Duration,
			&e.Viewed,
			&e.CreatedAt,
			&e.OtherUserID,
			&e.OtherUsername,
			&e.OtherAvatarURL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call history: %w", err)
		}
		e.CallType = domain.CallKind(callType)
		e.Status = domain.HistoryStatus(status)
		e.Direction = "incoming"
		if e.CallerID == userID {
			e.Direction = "outgoing"
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate call history: %w", err)
	}

	return entries, nil
}

// CountUnviewed counts missed calls the user has not looked at yet
func (r *CallHistoryRepository) CountUnviewed(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		SELECT count(*) FROM call_history
		WHERE callee_id = $1 AND status = 'missed' AND viewed = false
	`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unviewed calls: %w", err)
	}
	return count, nil
}

// MarkViewed marks one record as viewed. Only the callee may mark it.
func (r *CallHistoryRepository) MarkViewed(ctx context.Context, recordID, userID uuid.UUID) (bool, error) {
	query := `UPDATE call_history SET viewed = true WHERE record_id = $1 AND callee_id = $2`

	cmdTag, err := r.pool.Exec(ctx, query, recordID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to mark call viewed: %w", err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

// MarkAllViewed marks every unviewed record of the callee as viewed
func (r *CallHistoryRepository) MarkAllViewed(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `UPDATE call_history SET viewed = true WHERE callee_id = $1 AND viewed = false`

	cmdTag, err := r.pool.Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark calls viewed: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}
