// Package protocol defines the JSON envelope exchanged over the signaling socket.
// Payload keys are camelCase to stay compatible with the web client.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the envelope discriminator
type Type string

// Client to server
const (
	TypeCallStart            Type = "call_start"
	TypeCallAccept           Type = "call_accept"
	TypeCallSignal           Type = "call_signal"
	TypeCallParticipantState Type = "call_participant_state"
	TypeCallEnd              Type = "call_end"
	TypeCallLeave            Type = "call_leave"
)

// Server to client. call_signal and call_participant_state are reused in this direction.
const (
	TypeCallStarted              Type = "call_started"
	TypeCallIncoming             Type = "call_incoming"
	TypeCallExistingParticipants Type = "call_existing_participants"
	TypeCallPeerAccepted         Type = "call_peer_accepted"
	TypeCallEnded                Type = "call_ended"
	TypeCallUserLeft             Type = "call_user_left"
	TypeCallInviteExpired        Type = "call_invite_expired"
	TypeCallError                Type = "call_error"
	TypeUserStatusChanged        Type = "user_status_changed"
	TypeNewCallHistory           Type = "new_call_history"
)

// Envelope is the outer frame of every socket message
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode marshals a payload into an envelope
func Encode(t Type, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: raw})
}

// MustEncode is Encode for payloads built from plain structs that cannot fail to marshal
func MustEncode(t Type, data any) []byte {
	b, err := Encode(t, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses the outer envelope
func Decode(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}
	return &env, nil
}

// Bind unmarshals the envelope data into v
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: invalid data: %w", e.Type, err)
	}
	return nil
}

// Participant describes a call member in invitations and rosters
type Participant struct {
	UserID   uuid.UUID `json:"userId"`
	Username string    `json:"username"`
	Avatar   string    `json:"avatar,omitempty"`
}

type CallStart struct {
	ConversationID uuid.UUID `json:"conversationId"`
	Kind           string    `json:"kind"`
}

type CallStarted struct {
	CallID         uuid.UUID     `json:"callId"`
	ConversationID uuid.UUID     `json:"conversationId"`
	Kind           string        `json:"kind"`
	From           string        `json:"from"`
	IsGroup        bool          `json:"isGroup"`
	Participants   []Participant `json:"participants"`
	BusyUserIDs    []uuid.UUID   `json:"busyUserIds"`
}

type CallIncoming struct {
	CallID         uuid.UUID     `json:"callId"`
	ConversationID uuid.UUID     `json:"conversationId"`
	Kind           string        `json:"kind"`
	FromUserID     uuid.UUID     `json:"fromUserId"`
	From           string        `json:"from"`
	IsGroup        bool          `json:"isGroup"`
	Participants   []Participant `json:"participants"`
}

type CallAccept struct {
	CallID         uuid.UUID `json:"callId"`
	ConversationID uuid.UUID `json:"conversationId,omitempty"`
}

type CallExistingParticipants struct {
	CallID         uuid.UUID     `json:"callId"`
	ConversationID uuid.UUID     `json:"conversationId"`
	UserIDs        []uuid.UUID   `json:"userIds"`
	Participants   []Participant `json:"participants"`
}

type CallPeerAccepted struct {
	CallID         uuid.UUID `json:"callId"`
	ConversationID uuid.UUID `json:"conversationId"`
	UserID         uuid.UUID `json:"userId"`
	Username       string    `json:"username"`
	Avatar         string    `json:"avatar,omitempty"`
}

// CallSignalOut is what a client sends; Data is relayed without inspection
type CallSignalOut struct {
	CallID   uuid.UUID       `json:"callId"`
	ToUserID uuid.UUID       `json:"toUserId"`
	Data     json.RawMessage `json:"data"`
}

// CallSignalIn is what the receiving client gets
type CallSignalIn struct {
	CallID       uuid.UUID       `json:"callId"`
	FromUserID   uuid.UUID       `json:"fromUserId"`
	FromUsername string          `json:"fromUsername,omitempty"`
	Data         json.RawMessage `json:"data"`
}

// SignalData is the opaque relay body as the negotiation engine reads it.
// It holds either a description (Type+SDP) or a Candidate.
type SignalData struct {
	Type      string          `json:"type,omitempty"` // offer, answer
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// IsCandidate reports whether the body carries an ICE candidate
func (d SignalData) IsCandidate() bool {
	return len(d.Candidate) > 0 && string(d.Candidate) != "null"
}

type ParticipantState struct {
	CallID          uuid.UUID `json:"callId"`
	UserID          uuid.UUID `json:"userId,omitempty"`
	IsMicOff        bool      `json:"isMicOff"`
	IsCameraOff     bool      `json:"isCameraOff"`
	IsScreenSharing bool      `json:"isScreenSharing"`
}

type CallEnd struct {
	CallID         uuid.UUID `json:"callId"`
	ConversationID uuid.UUID `json:"conversationId,omitempty"`
}

type CallEnded struct {
	CallID         uuid.UUID `json:"callId"`
	ConversationID uuid.UUID `json:"conversationId"`
	FromUserID     uuid.UUID `json:"fromUserId"`
	FromUsername   string    `json:"fromUsername,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

type CallLeave struct {
	CallID uuid.UUID `json:"callId"`
}

type CallUserLeft struct {
	CallID uuid.UUID `json:"callId"`
	UserID uuid.UUID `json:"userId"`
}

type CallInviteExpired struct {
	CallID uuid.UUID `json:"callId"`
}

type CallError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type UserStatusChanged struct {
	UserID     uuid.UUID `json:"userId"`
	Status     string    `json:"status"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

type NewCallHistory struct {
	RecordID uuid.UUID `json:"recordId"`
	CallID   uuid.UUID `json:"callId"`
	Status   string    `json:"status"`
}
