package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/protocol"
	"huddle-backend/internal/service/call"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
)

// CallService is the part of the call registry the socket drives
type CallService interface {
	StartCall(ctx context.Context, conversationID, callerID uuid.UUID, kind domain.CallKind) (*call.StartResult, error)
	AcceptCall(ctx context.Context, callID, userID uuid.UUID) (*call.AcceptResult, error)
	EndCall(ctx context.Context, callID, requestedBy uuid.UUID) error
	LeaveCall(ctx context.Context, callID, userID uuid.UUID) error
	LeaveAll(ctx context.Context, userID uuid.UUID)
	IsLive(callID, userID uuid.UUID) bool
	Username(callID, userID uuid.UUID) string
}

// SignalRelay forwards signals and call-group events
type SignalRelay interface {
	Relay(callID, fromUserID uuid.UUID, fromUsername string, toUserID uuid.UUID, data json.RawMessage) bool
	BroadcastToCallGroup(callID uuid.UUID, t protocol.Type, payload any, except uuid.UUID) int
}

// PresenceTracker follows connection lifecycle
type PresenceTracker interface {
	OnConnect(ctx context.Context, userID uuid.UUID)
	OnDisconnect(ctx context.Context, userID uuid.UUID)
	Heartbeat(ctx context.Context, userID uuid.UUID)
}

// CallDispatcher routes client envelopes to the call registry and relay
type CallDispatcher struct {
	calls    CallService
	relay    SignalRelay
	presence PresenceTracker
}

// NewCallDispatcher creates a dispatcher
func NewCallDispatcher(calls CallService, relay SignalRelay, presence PresenceTracker) *CallDispatcher {
	return &CallDispatcher{calls: calls, relay: relay, presence: presence}
}

// Dispatch handles one client message. A returned error is sent back to the sender as call_error.
func (d *CallDispatcher) Dispatch(ctx context.Context, userID uuid.UUID, env *protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeCallStart:
		var req protocol.CallStart
		if err := env.Bind(&req); err != nil {
			return apperrors.ValidationError(err.Error())
		}
		if req.ConversationID == uuid.Nil {
			return apperrors.ValidationError("conversationId is required")
		}
		_, err := d.calls.StartCall(ctx, req.ConversationID, userID, domain.ParseCallKind(req.Kind))
		return err

	case protocol.TypeCallAccept:
		var req protocol.CallAccept
		if err := env.Bind(&req); err != nil {
			return apperrors.ValidationError(err.Error())
		}
		_, err := d.calls.AcceptCall(ctx, req.CallID, userID)
		return err

	case protocol.TypeCallSignal:
		var req protocol.CallSignalOut
		if err := env.Bind(&req); err != nil {
			return apperrors.ValidationError(err.Error())
		}
		return d.signal(userID, req)

	case protocol.TypeCallParticipantState:
		var req protocol.ParticipantState
		if err := env.Bind(&req); err != nil {
			return apperrors.ValidationError(err.Error())
		}
		if !d.calls.IsLive(req.CallID, userID) {
			return apperrors.NotParticipantError()
		}
		req.UserID = userID
		d.relay.BroadcastToCallGroup(req.CallID, protocol.TypeCallParticipantState, req, userID)
		return nil

	case protocol.TypeCallEnd:
		var req protocol.CallEnd
		if err := env.Bind(&req); err != nil {
			return apperrors.ValidationError(err.Error())
		}
		return d.calls.EndCall(ctx, req.CallID, userID)

	case protocol.TypeCallLeave:
		var req protocol.CallLeave
		if err := env.Bind(&req); err != nil {
			return apperrors.ValidationError(err.Error())
		}
		return d.calls.LeaveCall(ctx, req.CallID, userID)

	default:
		logger.Debug("Ignoring unknown message type",
			zap.String("user_id", userID.String()),
			zap.String("type", string(env.Type)))
		return nil
	}
}

// signal relays an opaque body between two live participants of the same call
func (d *CallDispatcher) signal(userID uuid.UUID, req protocol.CallSignalOut) error {
	if !d.calls.IsLive(req.CallID, userID) {
		metrics.CallSignalRejectedTotal.Inc()
		return apperrors.NotParticipantError()
	}
	if req.ToUserID == userID || !d.calls.IsLive(req.CallID, req.ToUserID) {
		metrics.CallSignalsRelayedTotal.WithLabelValues("dropped").Inc()
		logger.Debug("Dropped signal for user not in call",
			zap.String("call_id", req.CallID.String()),
			zap.String("from_user_id", userID.String()),
			zap.String("to_user_id", req.ToUserID.String()))
		return nil
	}
	d.relay.Relay(req.CallID, userID, d.calls.Username(req.CallID, userID), req.ToUserID, req.Data)
	return nil
}

func (d *CallDispatcher) OnConnect(ctx context.Context, userID uuid.UUID) {
	d.presence.OnConnect(ctx, userID)
}

// OnDisconnect runs when the user's last connection closes
func (d *CallDispatcher) OnDisconnect(ctx context.Context, userID uuid.UUID) {
	d.calls.LeaveAll(ctx, userID)
	d.presence.OnDisconnect(ctx, userID)
}

func (d *CallDispatcher) Heartbeat(ctx context.Context, userID uuid.UUID) {
	d.presence.Heartbeat(ctx, userID)
}
