package domain

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// CallKind is the media kind a call was started with
type CallKind string

const (
	CallKindAudio CallKind = "audio"
	CallKindVideo CallKind = "video"
)

// ParseCallKind maps anything other than "video" to audio
func ParseCallKind(s string) CallKind {
	if s == string(CallKindVideo) {
		return CallKindVideo
	}
	return CallKindAudio
}

// CallState is the lifecycle state of a CallSession
type CallState string

const (
	CallStateRinging CallState = "ringing"
	CallStateActive  CallState = "active"
	CallStateClosed  CallState = "closed"
)

// UserSet is a set of user ids
type UserSet map[uuid.UUID]struct{}

// NewUserSet builds a set from ids
func NewUserSet(ids ...uuid.UUID) UserSet {
	s := make(UserSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s UserSet) Add(id uuid.UUID)      { s[id] = struct{}{} }
func (s UserSet) Remove(id uuid.UUID)   { delete(s, id) }
func (s UserSet) Has(id uuid.UUID) bool { _, ok := s[id]; return ok }

// Sorted returns the members in byte order, so payloads and records are deterministic
func (s UserSet) Sorted() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// CallSession is the server's authoritative record of one in-progress call.
// It is owned by the call registry; nothing else mutates it.
type CallSession struct {
	CallID         uuid.UUID
	ConversationID uuid.UUID
	CallerID       uuid.UUID
	Kind           CallKind
	IsGroup        bool
	State          CallState
	StartedAt      time.Time

	// CalleeIDs are the invited members, never including the caller.
	CalleeIDs UserSet
	// AcceptedIDs is the subset of CalleeIDs that joined at some point.
	AcceptedIDs UserSet
	// LiveIDs is the caller plus accepted callees that have not left.
	LiveIDs UserSet
}

// NewCallSession opens a ringing session. The caller is dropped from calleeIDs.
func NewCallSession(conversationID, callerID uuid.UUID, kind CallKind, isGroup bool, calleeIDs []uuid.UUID, now time.Time) *CallSession {
	callees := NewUserSet(calleeIDs...)
	callees.Remove(callerID)
	return &CallSession{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		CallerID:       callerID,
		Kind:           kind,
		IsGroup:        isGroup,
		State:          CallStateRinging,
		StartedAt:      now,
		CalleeIDs:      callees,
		AcceptedIDs:    NewUserSet(),
		LiveIDs:        NewUserSet(callerID),
	}
}

// IsParticipant reports whether the user is the caller or an invitee
func (s *CallSession) IsParticipant(userID uuid.UUID) bool {
	return userID == s.CallerID || s.CalleeIDs.Has(userID)
}

// Accept marks a callee as joined. It returns false when the user was already live.
func (s *CallSession) Accept(userID uuid.UUID) (bool, error) {
	if s.State == CallStateClosed {
		return false, fmt.Errorf("call %s is closed", s.CallID)
	}
	if userID != s.CallerID && !s.CalleeIDs.Has(userID) {
		return false, fmt.Errorf("user %s was not invited to call %s", userID, s.CallID)
	}
	if s.LiveIDs.Has(userID) {
		return false, nil
	}
	if userID != s.CallerID {
		s.AcceptedIDs.Add(userID)
	}
	s.LiveIDs.Add(userID)
	if s.State == CallStateRinging && len(s.AcceptedIDs) > 0 {
		s.State = CallStateActive
	}
	return true, nil
}

// Leave removes the user from the live roster and returns how many remain
func (s *CallSession) Leave(userID uuid.UUID) int {
	s.LiveIDs.Remove(userID)
	return len(s.LiveIDs)
}

// Close moves the session to its terminal state
func (s *CallSession) Close() {
	s.State = CallStateClosed
}

// Pending returns invitees who have neither accepted nor been recorded yet
func (s *CallSession) Pending() []uuid.UUID {
	out := NewUserSet()
	for id := range s.CalleeIDs {
		if !s.AcceptedIDs.Has(id) {
			out.Add(id)
		}
	}
	return out.Sorted()
}

// LivePeers returns the live roster excluding userID
func (s *CallSession) LivePeers(userID uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(s.LiveIDs))
	for _, id := range s.LiveIDs.Sorted() {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

// CheckInvariants verifies the set relations the registry relies on
func (s *CallSession) CheckInvariants() error {
	if s.CalleeIDs.Has(s.CallerID) || s.AcceptedIDs.Has(s.CallerID) {
		return fmt.Errorf("caller %s listed as callee", s.CallerID)
	}
	for id := range s.AcceptedIDs {
		if !s.CalleeIDs.Has(id) {
			return fmt.Errorf("accepted user %s was never invited", id)
		}
	}
	for id := range s.LiveIDs {
		if id != s.CallerID && !s.AcceptedIDs.Has(id) {
			return fmt.Errorf("live user %s never accepted", id)
		}
	}
	return nil
}

// HistoryRecords converts the session into one ledger record per callee
func (s *CallSession) HistoryRecords(endedAt time.Time) []*CallHistoryRecord {
	duration := int(endedAt.Sub(s.StartedAt) / time.Second)
	if duration < 0 {
		duration = 0
	}

	callees := s.CalleeIDs.Sorted()
	records := make([]*CallHistoryRecord, 0, len(callees))
	for _, calleeID := range callees {
		rec := &CallHistoryRecord{
			RecordID:       uuid.New(),
			CallID:         s.CallID,
			ConversationID: s.ConversationID,
			CallerID:       s.CallerID,
			CalleeID:       calleeID,
			CallType:       s.Kind,
			Status:         HistoryStatusMissed,
			StartTime:      s.StartedAt,
			EndTime:        endedAt,
		}
		if s.AcceptedIDs.Has(calleeID) {
			rec.Status = HistoryStatusCompleted
			rec.Duration = duration
			rec.Viewed = true
		}
		records = append(records, rec)
	}
	return records
}

// CallSnapshot is a copy of a session safe to hand out of the registry
type CallSnapshot struct {
	CallID         uuid.UUID   `json:"call_id"`
	ConversationID uuid.UUID   `json:"conversation_id"`
	CallerID       uuid.UUID   `json:"caller_id"`
	Kind           CallKind    `json:"call_type"`
	IsGroup        bool        `json:"is_group"`
	State          CallState   `json:"status"`
	StartedAt      time.Time   `json:"started_at"`
	CalleeIDs      []uuid.UUID `json:"callee_ids"`
	AcceptedIDs    []uuid.UUID `json:"accepted_ids"`
	LiveIDs        []uuid.UUID `json:"live_ids"`
}

// Snapshot copies the session
func (s *CallSession) Snapshot() *CallSnapshot {
	return &CallSnapshot{
		CallID:         s.CallID,
		ConversationID: s.ConversationID,
		CallerID:       s.CallerID,
		Kind:           s.Kind,
		IsGroup:        s.IsGroup,
		State:          s.State,
		StartedAt:      s.StartedAt,
		CalleeIDs:      s.CalleeIDs.Sorted(),
		AcceptedIDs:    s.AcceptedIDs.Sorted(),
		LiveIDs:        s.LiveIDs.Sorted(),
	}
}

// ParticipantMediaState is what a participant is currently sending
type ParticipantMediaState struct {
	UserID        uuid.UUID `json:"user_id"`
	MicMuted      bool      `json:"mic_muted"`
	CameraOff     bool      `json:"camera_off"`
	ScreenSharing bool      `json:"screen_sharing"`
}
