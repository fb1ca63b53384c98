package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// PresenceStatus is a user's current availability
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
	PresenceInCall  PresenceStatus = "in_call"
)

// Valid reports whether s is a known status
func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceOffline, PresenceAway, PresenceInCall:
		return true
	}
	return false
}

// Member is a conversation participant as seen by the call core
type Member struct {
	UserID    uuid.UUID      `json:"user_id" db:"user_id"`
	Username  string         `json:"username" db:"username"`
	AvatarURL *string        `json:"avatar_url,omitempty" db:"avatar_url"`
	Status    PresenceStatus `json:"status" db:"status"`
}

// Avatar returns the avatar url or an empty string
func (m Member) Avatar() string {
	if m.AvatarURL == nil {
		return ""
	}
	return *m.AvatarURL
}

// ConversationMembers is the directory's answer for one conversation
type ConversationMembers struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	IsGroup        bool      `json:"is_group"`
	Members        []Member  `json:"members"`
}

// Find returns the member with the given id
func (c *ConversationMembers) Find(userID uuid.UUID) (Member, bool) {
	for _, m := range c.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Member{}, false
}

// PresenceChange is published whenever a user's status changes
type PresenceChange struct {
	UserID     uuid.UUID      `json:"user_id"`
	Status     PresenceStatus `json:"status"`
	LastSeenAt time.Time      `json:"last_seen_at"`
}

// PushToken is a device token registered for call notifications
type PushToken struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform" binding:"required,oneof=android ios web"`
	VoIP     bool   `json:"voip"`
}

// ErrConversationNotFound is returned by the directory for an unknown conversation
var ErrConversationNotFound = errors.New("conversation not found")
