package domain

import (
	"time"

	"github.com/google/uuid"
)

// HistoryStatus is the outcome recorded for one callee
type HistoryStatus string

const (
	HistoryStatusCompleted HistoryStatus = "completed"
	HistoryStatusMissed    HistoryStatus = "missed"
	HistoryStatusRejected  HistoryStatus = "rejected"
	HistoryStatusBusy      HistoryStatus = "busy"
)

// CallHistoryRecord represents one (caller, callee) outcome of a call
// Maps to CockroachDB call_history table
type CallHistoryRecord struct {
	RecordID       uuid.UUID     `json:"record_id" db:"record_id"`
	CallID         uuid.UUID     `json:"call_id" db:"call_id"`
	ConversationID uuid.UUID     `json:"conversation_id" db:"conversation_id"`
	CallerID       uuid.UUID     `json:"caller_id" db:"caller_id"`
	CalleeID       uuid.UUID     `json:"callee_id" db:"callee_id"`
	CallType       CallKind      `json:"call_type" db:"call_type"`
	Status         HistoryStatus `json:"status" db:"status"`
	StartTime      time.Time     `json:"start_time" db:"start_time"`
	EndTime        time.Time     `json:"end_time" db:"end_time"`
	Duration       int           `json:"duration" db:"duration"` // seconds
	Viewed         bool          `json:"viewed" db:"viewed"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// MissedRecord builds an immediate missed entry, used for members who were busy at ring time
func MissedRecord(s *CallSession, calleeID uuid.UUID, at time.Time) *CallHistoryRecord {
	return &CallHistoryRecord{
		RecordID:       uuid.New(),
		CallID:         s.CallID,
		ConversationID: s.ConversationID,
		CallerID:       s.CallerID,
		CalleeID:       calleeID,
		CallType:       s.Kind,
		Status:         HistoryStatusMissed,
		StartTime:      s.StartedAt,
		EndTime:        at,
	}
}

// CallHistoryEntry is a record joined with the other party's profile for listing
type CallHistoryEntry struct {
	CallHistoryRecord
	Direction      string    `json:"direction"` // incoming, outgoing
	OtherUserID    uuid.UUID `json:"other_user_id"`
	OtherUsername  string    `json:"other_username"`
	OtherAvatarURL *string   `json:"other_avatar_url,omitempty"`
}
