// Package presence maps connection and call lifecycle onto a user's status and broadcasts changes.
package presence

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/protocol"
	"huddle-backend/pkg/logger"
)

// Store is the fast presence store (Redis)
type Store interface {
	SetStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) error
	GetStatus(ctx context.Context, userID uuid.UUID) (domain.PresenceStatus, error)
	Refresh(ctx context.Context, userID uuid.UUID) error
}

// Durable keeps the long-lived copy of status and last_seen_at (CockroachDB)
type Durable interface {
	UpdateStatus(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) error
}

// Broadcaster fans a message out to every connected user
type Broadcaster interface {
	BroadcastAll(t protocol.Type, payload any)
}

// Service is the presence propagator
type Service struct {
	store   Store
	durable Durable
	out     Broadcaster
	clock   clock.Clock
}

// NewService creates a presence service. durable may be nil.
func NewService(store Store, durable Durable, out Broadcaster, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		store:   store,
		durable: durable,
		out:     out,
		clock:   clk,
	}
}

// Set records a status and tells every connected user.
// Store failures are logged; the broadcast still goes out so clients stay in step with the call state.
func (s *Service) Set(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus) {
	if err := s.store.SetStatus(ctx, userID, status); err != nil {
		logger.Warn("Failed to store presence",
			zap.String("user_id", userID.String()),
			zap.String("status", string(status)),
			zap.Error(err))
	}
	if s.durable != nil {
		if err := s.durable.UpdateStatus(ctx, userID, status); err != nil {
			logger.Warn("Failed to persist presence",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	s.out.BroadcastAll(protocol.TypeUserStatusChanged, protocol.UserStatusChanged{
		UserID:     userID,
		Status:     string(status),
		LastSeenAt: s.clock.Now().UTC(),
	})
}

// Get returns the current status. An unreadable store reads as online so a busy check never blocks a call.
func (s *Service) Get(ctx context.Context, userID uuid.UUID) domain.PresenceStatus {
	status, err := s.store.GetStatus(ctx, userID)
	if err != nil {
		logger.Debug("Presence read failed", zap.String("user_id", userID.String()), zap.Error(err))
		return domain.PresenceOnline
	}
	return status
}

// Settle resets a user after a call: online while a connection is open, offline otherwise
func (s *Service) Settle(ctx context.Context, userID uuid.UUID, connected bool) domain.PresenceStatus {
	status := domain.PresenceOffline
	if connected {
		status = domain.PresenceOnline
	}
	s.Set(ctx, userID, status)
	return status
}

// OnConnect marks a newly connected user online unless they are already in a call
func (s *Service) OnConnect(ctx context.Context, userID uuid.UUID) {
	if s.Get(ctx, userID) == domain.PresenceInCall {
		return
	}
	s.Set(ctx, userID, domain.PresenceOnline)
}

// OnDisconnect marks a user offline once their last connection is gone
func (s *Service) OnDisconnect(ctx context.Context, userID uuid.UUID) {
	s.Set(ctx, userID, domain.PresenceOffline)
}

// Heartbeat extends the presence TTL of a connected user
func (s *Service) Heartbeat(ctx context.Context, userID uuid.UUID) {
	if err := s.store.Refresh(ctx, userID); err != nil {
		logger.Debug("Presence refresh failed", zap.String("user_id", userID.String()), zap.Error(err))
	}
}
