// Package call holds the authoritative record of in-progress calls and turns them into call history.
package call

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/protocol"
	"huddle-backend/internal/timer"
	"huddle-backend/pkg/config"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
	"huddle-backend/pkg/push"
)

// End reasons reported in call_ended and metrics
const (
	ReasonHangup      = "hangup"
	ReasonLastLeaver  = "last_leaver"
	ReasonRingTimeout = "ring_timeout"
)

// Directory returns conversation membership
type Directory interface {
	GetMembers(ctx context.Context, conversationID uuid.UUID) (*domain.ConversationMembers, error)
}

// Ledger accepts immutable call history records
type Ledger interface {
	Append(ctx context.Context, records ...*domain.CallHistoryRecord) error
}

// Presence reads and writes user status
type Presence interface {
	Get(ctx context.Context, userID uuid.UUID) domain.PresenceStatus
	Set(ctx context.Context, userID uuid.UUID, status domain.PresenceStatus)
	Settle(ctx context.Context, userID uuid.UUID, connected bool) domain.PresenceStatus
}

// Signaler delivers call events over the signal transport
type Signaler interface {
	SendToUser(userID uuid.UUID, t protocol.Type, payload any) bool
	BroadcastToCallGroup(callID uuid.UUID, t protocol.Type, payload any, except uuid.UUID) int
	JoinCallGroup(callID, userID uuid.UUID)
	LeaveCallGroup(callID, userID uuid.UUID)
	IsConnected(userID uuid.UUID) bool
}

// Notifier pushes call notifications to users without a live connection
type Notifier interface {
	NotifyIncomingCall(ctx context.Context, data *push.CallNotificationData, userIDs []uuid.UUID, ttl time.Duration) error
	NotifyMissedCall(ctx context.Context, data *push.CallNotificationData, userIDs []uuid.UUID) error
}

// Deps are the registry's collaborators. Notifier and Clock are optional.
type Deps struct {
	Directory Directory
	Ledger    Ledger
	Presence  Presence
	Signaler  Signaler
	Notifier  Notifier
	Timers    *timer.Table
	Clock     clock.Clock
}

type entry struct {
	session *domain.CallSession
	// profiles captured at start, used for usernames in events
	members map[uuid.UUID]domain.Member
}

// Registry owns every open CallSession. All mutation goes through its methods under mu;
// no I/O happens while mu is held.
type Registry struct {
	directory Directory
	ledger    Ledger
	presence  Presence
	signaler  Signaler
	notifier  Notifier
	timers    *timer.Table
	clock     clock.Clock
	cfg       config.CallConfig

	mu             sync.Mutex
	sessions       map[uuid.UUID]*entry
	byConversation map[uuid.UUID]uuid.UUID
}

// NewRegistry creates a call registry
func NewRegistry(deps Deps, cfg config.CallConfig) *Registry {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	timers := deps.Timers
	if timers == nil {
		timers = timer.NewTable(clk)
	}
	return &Registry{
		directory:      deps.Directory,
		ledger:         deps.Ledger,
		presence:       deps.Presence,
		signaler:       deps.Signaler,
		notifier:       deps.Notifier,
		timers:         timers,
		clock:          clk,
		cfg:            cfg,
		sessions:       make(map[uuid.UUID]*entry),
		byConversation: make(map[uuid.UUID]uuid.UUID),
	}
}

// StartResult is returned to the caller of StartCall
type StartResult struct {
	Call        *domain.CallSnapshot
	BusyUserIDs []uuid.UUID
}

// AcceptResult is returned to the caller of AcceptCall
type AcceptResult struct {
	Call *domain.CallSnapshot
	// PeerIDs are the live participants the new joiner must connect to
	PeerIDs []uuid.UUID
	// AlreadyLive is true when the accept changed nothing
	AlreadyLive bool
}

func ringKey(callID uuid.UUID) timer.Key {
	return timer.Key{CallID: callID, Kind: timer.KindRing}
}

func participants(members []domain.Member) []protocol.Participant {
	out := make([]protocol.Participant, 0, len(members))
	for _, m := range members {
		out = append(out, protocol.Participant{UserID: m.UserID, Username: m.Username, Avatar: m.Avatar()})
	}
	return out
}

func (r *Registry) loadMembers(ctx context.Context, conversationID uuid.UUID) (*domain.ConversationMembers, error) {
	members, err := r.directory.GetMembers(ctx, conversationID)
	if err != nil {
		if errors.Is(err, domain.ErrConversationNotFound) {
			return nil, apperrors.NotFoundError("Conversation")
		}
		return nil, apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to load conversation members", err)
	}
	return members, nil
}

// StartCall opens a ringing call and invites every other member of the conversation.
// Members already in a call are not invited; each gets an immediate missed record instead.
func (r *Registry) StartCall(ctx context.Context, conversationID, callerID uuid.UUID, kind domain.CallKind) (*StartResult, error) {
	conv, err := r.loadMembers(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	caller, ok := conv.Find(callerID)
	if !ok {
		return nil, apperrors.NotAMemberError()
	}

	var available, busy []uuid.UUID
	for _, m := range conv.Members {
		if m.UserID == callerID {
			continue
		}
		if r.presence.Get(ctx, m.UserID) == domain.PresenceInCall {
			busy = append(busy, m.UserID)
			continue
		}
		available = append(available, m.UserID)
	}

	now := r.clock.Now()
	session := domain.NewCallSession(conversationID, callerID, kind, conv.IsGroup, available, now)
	e := &entry{session: session, members: make(map[uuid.UUID]domain.Member, len(conv.Members))}
	for _, m := range conv.Members {
		e.members[m.UserID] = m
	}

	r.mu.Lock()
	if existingID, ok := r.byConversation[conversationID]; ok && r.cfg.OnePerConversation {
		r.mu.Unlock()
		return nil, apperrors.CallInProgressError().WithDetails(map[string]string{"call_id": existingID.String()})
	}
	r.sessions[session.CallID] = e
	r.byConversation[conversationID] = session.CallID
	snap := session.Snapshot()
	r.mu.Unlock()

	log := logger.ForCall(session.CallID, callerID)
	metrics.CallStartedTotal.WithLabelValues(string(kind), strconv.FormatBool(conv.IsGroup)).Inc()
	metrics.CallActive.Inc()

	if len(busy) > 0 {
		r.recordBusy(ctx, session, busy, now)
	}

	r.presence.Set(ctx, callerID, domain.PresenceInCall)
	r.signaler.JoinCallGroup(session.CallID, callerID)

	roster := participants(conv.Members)
	r.signaler.SendToUser(callerID, protocol.TypeCallStarted, protocol.CallStarted{
		CallID:         session.CallID,
		ConversationID: conversationID,
		Kind:           string(kind),
		From:           caller.Username,
		IsGroup:        conv.IsGroup,
		Participants:   roster,
		BusyUserIDs:    nonNil(busy),
	})

	incoming := protocol.CallIncoming{
		CallID:         session.CallID,
		ConversationID: conversationID,
		Kind:           string(kind),
		FromUserID:     callerID,
		From:           caller.Username,
		IsGroup:        conv.IsGroup,
		Participants:   roster,
	}
	var offline []uuid.UUID
	for _, id := range snap.CalleeIDs {
		if !r.signaler.SendToUser(id, protocol.TypeCallIncoming, incoming) {
			offline = append(offline, id)
		}
	}
	if len(offline) > 0 && r.notifier != nil {
		if err := r.notifier.NotifyIncomingCall(ctx, r.notificationData(session, caller), offline, r.cfg.RingTimeout); err != nil {
			log.Warn("Failed to push incoming call", zap.Error(err))
		}
	}

	callID := session.CallID
	r.timers.Set(ringKey(callID), r.cfg.RingTimeout, func() { r.onRingTimeout(callID) })

	log.Info("Call started",
		zap.String("conversation_id", conversationID.String()),
		zap.String("kind", string(kind)),
		zap.Int("invited", len(snap.CalleeIDs)),
		zap.Int("busy", len(busy)))

	return &StartResult{Call: snap, BusyUserIDs: nonNil(busy)}, nil
}

func (r *Registry) recordBusy(ctx context.Context, session *domain.CallSession, busy []uuid.UUID, now time.Time) {
	records := make([]*domain.CallHistoryRecord, 0, len(busy))
	for _, id := range busy {
		records = append(records, domain.MissedRecord(session, id, now))
	}

	log := logger.ForCall(session.CallID, session.CallerID)
	for _, id := range busy {
		metrics.CallCalleeBusyTotal.Inc()
		log.Warn("Callee busy", zap.String("callee_id", id.String()), zap.Error(apperrors.CalleeBusyError()))
	}
	if !r.appendHistory(ctx, session.CallID, records) {
		return
	}
	for _, rec := range records {
		r.signaler.SendToUser(rec.CalleeID, protocol.TypeNewCallHistory, protocol.NewCallHistory{
			RecordID: rec.RecordID,
			CallID:   rec.CallID,
			Status:   string(rec.Status),
		})
	}
}

func (r *Registry) appendHistory(ctx context.Context, callID uuid.UUID, records []*domain.CallHistoryRecord) bool {
	if len(records) == 0 {
		return true
	}
	if err := r.ledger.Append(ctx, records...); err != nil {
		metrics.CallHistoryWriteErrorsTotal.Inc()
		logger.Error("Failed to write call history",
			zap.String("call_id", callID.String()),
			zap.Int("records", len(records)),
			zap.Error(err))
		return false
	}
	for _, rec := range records {
		metrics.CallHistoryRecordsTotal.WithLabelValues(string(rec.Status)).Inc()
	}
	return true
}

// AcceptCall joins a callee to the call. Accepting again while live changes nothing.
func (r *Registry) AcceptCall(ctx context.Context, callID, userID uuid.UUID) (*AcceptResult, error) {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return nil, apperrors.CallNotFoundError()
	}
	session := e.session
	if session.State == domain.CallStateClosed {
		r.mu.Unlock()
		return nil, apperrors.CallClosedError()
	}
	if !session.IsParticipant(userID) {
		_, member := e.members[userID]
		r.mu.Unlock()
		if member {
			return nil, apperrors.NotInvitedError()
		}
		return nil, apperrors.NotAMemberError()
	}

	wasRinging := session.State == domain.CallStateRinging
	changed, err := session.Accept(userID)
	if err != nil {
		r.mu.Unlock()
		appErr := apperrors.ConflictError("Failed to accept call")
		appErr.Err = err
		return nil, appErr
	}
	peers := session.LivePeers(userID)
	snap := session.Snapshot()
	allAnswered := len(session.Pending()) == 0
	profile := e.members[userID]
	roster := make([]domain.Member, 0, len(e.members))
	for _, m := range e.members {
		roster = append(roster, m)
	}
	r.mu.Unlock()

	log := logger.ForCall(callID, userID)
	existing := protocol.CallExistingParticipants{
		CallID:         callID,
		ConversationID: snap.ConversationID,
		UserIDs:        peers,
		Participants:   participants(roster),
	}

	if !changed {
		log.Debug("Duplicate accept ignored")
		r.signaler.SendToUser(userID, protocol.TypeCallExistingParticipants, existing)
		return &AcceptResult{Call: snap, PeerIDs: peers, AlreadyLive: true}, nil
	}

	if wasRinging && snap.State == domain.CallStateActive {
		metrics.CallAcceptedTotal.Inc()
	}
	if allAnswered {
		r.timers.Cancel(ringKey(callID))
	}

	r.presence.Set(ctx, userID, domain.PresenceInCall)
	r.signaler.JoinCallGroup(callID, userID)
	r.signaler.SendToUser(userID, protocol.TypeCallExistingParticipants, existing)
	r.signaler.BroadcastToCallGroup(callID, protocol.TypeCallPeerAccepted, protocol.CallPeerAccepted{
		CallID:         callID,
		ConversationID: snap.ConversationID,
		UserID:         userID,
		Username:       profile.Username,
		Avatar:         profile.Avatar(),
	}, userID)

	log.Info("Call accepted", zap.Int("peers", len(peers)))
	return &AcceptResult{Call: snap, PeerIDs: peers}, nil
}

// EndCall closes the call for everyone and writes one history record per callee
func (r *Registry) EndCall(ctx context.Context, callID, requestedBy uuid.UUID) error {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	if !e.session.IsParticipant(requestedBy) {
		r.mu.Unlock()
		return apperrors.NotParticipantError()
	}
	r.removeLocked(e.session)
	r.mu.Unlock()

	r.finish(ctx, e, requestedBy, ReasonHangup)
	return nil
}

// LeaveCall drops a user from the live roster. One-to-one calls, and the last leaver of a group call, end the call.
func (r *Registry) LeaveCall(ctx context.Context, callID, userID uuid.UUID) error {
	r.mu.Lock()
	e, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	session := e.session
	if !session.IsParticipant(userID) {
		r.mu.Unlock()
		return apperrors.NotParticipantError()
	}
	if !session.LiveIDs.Has(userID) {
		r.mu.Unlock()
		return nil
	}

	remaining := session.Leave(userID)
	ended := remaining == 0 || !session.IsGroup
	if ended {
		r.removeLocked(session)
	}
	r.mu.Unlock()

	r.signaler.LeaveCallGroup(callID, userID)
	r.signaler.BroadcastToCallGroup(callID, protocol.TypeCallUserLeft, protocol.CallUserLeft{
		CallID: callID,
		UserID: userID,
	}, userID)

	r.presence.Settle(ctx, userID, r.signaler.IsConnected(userID))

	log := logger.ForCall(callID, userID)
	if ended {
		reason := ReasonLastLeaver
		if !session.IsGroup {
			reason = ReasonHangup
		}
		log.Info("Call ended by leave", zap.String("reason", reason))
		r.finish(ctx, e, userID, reason)
		return nil
	}

	log.Info("User left call", zap.Int("remaining", remaining))
	return nil
}

// LeaveAll removes a disconnected user from every call they are live in
func (r *Registry) LeaveAll(ctx context.Context, userID uuid.UUID) {
	r.mu.Lock()
	var callIDs []uuid.UUID
	for id, e := range r.sessions {
		if e.session.LiveIDs.Has(userID) {
			callIDs = append(callIDs, id)
		}
	}
	r.mu.Unlock()

	for _, id := range callIDs {
		if err := r.LeaveCall(ctx, id, userID); err != nil && !apperrors.HasCode(err, apperrors.ErrCodeCallNotFound) {
			logger.Warn("Failed to leave call on disconnect",
				zap.String("call_id", id.String()),
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}
}

func (r *Registry) removeLocked(session *domain.CallSession) {
	session.Close()
	delete(r.sessions, session.CallID)
	if r.byConversation[session.ConversationID] == session.CallID {
		delete(r.byConversation, session.ConversationID)
	}
}

func (r *Registry) onRingTimeout(callID uuid.UUID) {
	ctx := context.Background()

	r.mu.Lock()
	e, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return
	}
	session := e.session
	pending := session.Pending()
	if len(pending) == 0 {
		r.mu.Unlock()
		return
	}
	r.removeLocked(session)
	r.mu.Unlock()

	for _, id := range pending {
		r.signaler.SendToUser(id, protocol.TypeCallInviteExpired, protocol.CallInviteExpired{CallID: callID})
	}
	logger.ForCall(callID, session.CallerID).Info("Ring timeout with invitees still pending",
		zap.Int("pending", len(pending)),
		zap.Int("accepted", len(session.AcceptedIDs)))
	r.finish(ctx, e, uuid.Nil, ReasonRingTimeout)
}

// finish runs after the session has left the registry: history, presence and termination events
func (r *Registry) finish(ctx context.Context, e *entry, endedBy uuid.UUID, reason string) {
	session := e.session
	callID := session.CallID
	r.timers.CancelCall(callID)

	now := r.clock.Now()
	records := session.HistoryRecords(now)
	written := r.appendHistory(ctx, callID, records)

	var missed []uuid.UUID
	for _, rec := range records {
		if rec.Status != domain.HistoryStatusMissed {
			continue
		}
		missed = append(missed, rec.CalleeID)
		if written {
			r.signaler.SendToUser(rec.CalleeID, protocol.TypeNewCallHistory, protocol.NewCallHistory{
				RecordID: rec.RecordID,
				CallID:   callID,
				Status:   string(rec.Status),
			})
		}
	}
	if len(missed) > 0 && r.notifier != nil {
		if err := r.notifier.NotifyMissedCall(ctx, r.notificationData(session, e.members[session.CallerID]), missed); err != nil {
			logger.Warn("Failed to push missed call", zap.String("call_id", callID.String()), zap.Error(err))
		}
	}

	// earlier leavers were settled when they left
	reset := session.LiveIDs.Sorted()
	for _, id := range reset {
		r.presence.Settle(ctx, id, r.signaler.IsConnected(id))
	}

	ended := protocol.CallEnded{
		CallID:         callID,
		ConversationID: session.ConversationID,
		FromUserID:     endedBy,
		FromUsername:   e.members[endedBy].Username,
		Reason:         reason,
	}
	r.signaler.BroadcastToCallGroup(callID, protocol.TypeCallEnded, ended, uuid.Nil)
	for _, id := range session.Pending() {
		r.signaler.SendToUser(id, protocol.TypeCallEnded, ended)
	}
	for _, id := range reset {
		r.signaler.LeaveCallGroup(callID, id)
	}

	metrics.CallActive.Dec()
	metrics.CallEndedTotal.WithLabelValues(reason).Inc()
	metrics.CallDuration.Observe(now.Sub(session.StartedAt).Seconds())

	logger.ForCall(callID, endedBy).Info("Call ended",
		zap.String("reason", reason),
		zap.Int("records", len(records)),
		zap.Int("missed", len(missed)))
}

func (r *Registry) notificationData(session *domain.CallSession, caller domain.Member) *push.CallNotificationData {
	return &push.CallNotificationData{
		CallID:         session.CallID,
		ConversationID: session.ConversationID,
		CallerID:       session.CallerID,
		CallerName:     caller.Username,
		CallType:       string(session.Kind),
		Timestamp:      session.StartedAt.Unix(),
	}
}

// Get returns a snapshot of an open call
func (r *Registry) Get(callID uuid.UUID) (*domain.CallSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return e.session.Snapshot(), nil
}

// IsLive reports whether the user is currently in the call
func (r *Registry) IsLive(callID, userID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[callID]
	return ok && e.session.LiveIDs.Has(userID)
}

// Username returns the display name captured for a call participant
func (r *Registry) Username(callID, userID uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[callID]; ok {
		return e.members[userID].Username
	}
	return ""
}

// ActiveCount returns the number of open calls
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// CheckInvariants verifies every open session; used by tests
func (r *Registry) CheckInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.sessions {
		if err := e.session.CheckInvariants(); err != nil {
			return fmt.Errorf("call %s: %w", id, err)
		}
	}
	return nil
}

func nonNil(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return []uuid.UUID{}
	}
	return ids
}
