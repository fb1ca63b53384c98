// Package relay routes call messages between users. It holds no call state and never
// looks inside a call_signal body.
package relay

import (
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/internal/protocol"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
)

// Transport is the per-user socket layer the relay writes to
type Transport interface {
	SendToUser(userID uuid.UUID, msg []byte) bool
	SendToGroup(group string, msg []byte, except uuid.UUID) int
	Broadcast(msg []byte)
	JoinGroup(group string, userID uuid.UUID)
	LeaveGroup(group string, userID uuid.UUID)
	IsConnected(userID uuid.UUID) bool
}

// Relay is safe for concurrent use as long as the transport is
type Relay struct {
	transport Transport
}

// New creates a relay on top of a transport
func New(transport Transport) *Relay {
	return &Relay{transport: transport}
}

// CallGroup is the transport group name for a call
func CallGroup(callID uuid.UUID) string {
	return "call:" + callID.String()
}

// Relay forwards a signal body verbatim to one user, tagged with the sender.
// A recipient without a live channel is dropped silently.
func (r *Relay) Relay(callID, fromUserID uuid.UUID, fromUsername string, toUserID uuid.UUID, data json.RawMessage) bool {
	msg, err := protocol.Encode(protocol.TypeCallSignal, protocol.CallSignalIn{
		CallID:       callID,
		FromUserID:   fromUserID,
		FromUsername: fromUsername,
		Data:         data,
	})
	if err != nil {
		logger.Warn("Failed to encode call signal", zap.String("call_id", callID.String()), zap.Error(err))
		return false
	}

	if !r.transport.SendToUser(toUserID, msg) {
		metrics.CallSignalsRelayedTotal.WithLabelValues("dropped").Inc()
		logger.Debug("Dropped call signal for offline user",
			zap.String("call_id", callID.String()),
			zap.String("to_user_id", toUserID.String()))
		return false
	}
	metrics.CallSignalsRelayedTotal.WithLabelValues("delivered").Inc()
	return true
}

// SendToUser delivers one typed message to every connection of a user
func (r *Relay) SendToUser(userID uuid.UUID, t protocol.Type, payload any) bool {
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		logger.Warn("Failed to encode message", zap.String("type", string(t)), zap.Error(err))
		return false
	}
	ok := r.transport.SendToUser(userID, msg)
	if !ok {
		logger.Debug("No live channel for user",
			zap.String("type", string(t)),
			zap.String("user_id", userID.String()))
	}
	return ok
}

// BroadcastToCallGroup sends to everyone joined to the call group except one user (uuid.Nil for nobody)
func (r *Relay) BroadcastToCallGroup(callID uuid.UUID, t protocol.Type, payload any, except uuid.UUID) int {
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		logger.Warn("Failed to encode message", zap.String("type", string(t)), zap.Error(err))
		return 0
	}
	return r.transport.SendToGroup(CallGroup(callID), msg, except)
}

// BroadcastAll sends to every connected user
func (r *Relay) BroadcastAll(t protocol.Type, payload any) {
	msg, err := protocol.Encode(t, payload)
	if err != nil {
		logger.Warn("Failed to encode message", zap.String("type", string(t)), zap.Error(err))
		return
	}
	r.transport.Broadcast(msg)
}

func (r *Relay) JoinCallGroup(callID, userID uuid.UUID) {
	r.transport.JoinGroup(CallGroup(callID), userID)
}

func (r *Relay) LeaveCallGroup(callID, userID uuid.UUID) {
	r.transport.LeaveGroup(CallGroup(callID), userID)
}

// IsConnected reports whether the user has at least one live channel
func (r *Relay) IsConnected(userID uuid.UUID) bool {
	return r.transport.IsConnected(userID)
}
