package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/protocol"
	"huddle-backend/pkg/config"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/push"
)

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) GetMembers(ctx context.Context, conversationID uuid.UUID) (*domain.ConversationMembers, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ConversationMembers), args.Error(1)
}

type memLedger struct {
	mu      sync.Mutex
	records []*domain.CallHistoryRecord
	err     error
}

func (l *memLedger) Append(_ context.Context, records ...*domain.CallHistoryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.records = append(l.records, records...)
	return nil
}

func (l *memLedger) all() []*domain.CallHistoryRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*domain.CallHistoryRecord(nil), l.records...)
}

func (l *memLedger) find(callee uuid.UUID) *domain.CallHistoryRecord {
	for _, rec := range l.all() {
		if rec.CalleeID == callee {
			return rec
		}
	}
	return nil
}

type memPresence struct {
	mu     sync.Mutex
	status map[uuid.UUID]domain.PresenceStatus
}

func newMemPresence() *memPresence {
	return &memPresence{status: make(map[uuid.UUID]domain.PresenceStatus)}
}

func (p *memPresence) Get(_ context.Context, userID uuid.UUID) domain.PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.status[userID]; ok {
		return s
	}
	return domain.PresenceOffline
}

func (p *memPresence) Set(_ context.Context, userID uuid.UUID, status domain.PresenceStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status[userID] = status
}

func (p *memPresence) Settle(ctx context.Context, userID uuid.UUID, connected bool) domain.PresenceStatus {
	status := domain.PresenceOffline
	if connected {
		status = domain.PresenceOnline
	}
	p.Set(ctx, userID, status)
	return status
}

type sent struct {
	to      uuid.UUID
	t       protocol.Type
	payload any
}

type fakeSignaler struct {
	mu        sync.Mutex
	connected map[uuid.UUID]bool
	groups    map[uuid.UUID]domain.UserSet
	messages  []sent
}

func newFakeSignaler(online ...uuid.UUID) *fakeSignaler {
	s := &fakeSignaler{connected: make(map[uuid.UUID]bool), groups: make(map[uuid.UUID]domain.UserSet)}
	for _, id := range online {
		s.connected[id] = true
	}
	return s
}

func (s *fakeSignaler) SendToUser(userID uuid.UUID, t protocol.Type, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected[userID] {
		return false
	}
	s.messages = append(s.messages, sent{to: userID, t: t, payload: payload})
	return true
}

func (s *fakeSignaler) BroadcastToCallGroup(callID uuid.UUID, t protocol.Type, payload any, except uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.groups[callID].Sorted() {
		if id == except || !s.connected[id] {
			continue
		}
		s.messages = append(s.messages, sent{to: id, t: t, payload: payload})
		n++
	}
	return n
}

func (s *fakeSignaler) JoinCallGroup(callID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups[callID] == nil {
		s.groups[callID] = domain.NewUserSet()
	}
	s.groups[callID].Add(userID)
}

func (s *fakeSignaler) LeaveCallGroup(callID, userID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[callID].Remove(userID)
}

func (s *fakeSignaler) IsConnected(userID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected[userID]
}

func (s *fakeSignaler) received(userID uuid.UUID, t protocol.Type) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []any
	for _, m := range s.messages {
		if m.to == userID && m.t == t {
			out = append(out, m.payload)
		}
	}
	return out
}

type fakeNotifier struct {
	mu       sync.Mutex
	incoming []uuid.UUID
	missed   []uuid.UUID
	ttl      time.Duration
}

func (n *fakeNotifier) NotifyIncomingCall(_ context.Context, _ *push.CallNotificationData, userIDs []uuid.UUID, ttl time.Duration) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.incoming = append(n.incoming, userIDs...)
	n.ttl = ttl
	return nil
}

func (n *fakeNotifier) NotifyMissedCall(_ context.Context, _ *push.CallNotificationData, userIDs []uuid.UUID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.missed = append(n.missed, userIDs...)
	return nil
}

type fixture struct {
	reg      *Registry
	dir      *MockDirectory
	ledger   *memLedger
	presence *memPresence
	sig      *fakeSignaler
	notifier *fakeNotifier
	clk      *clock.Mock
	convID   uuid.UUID
	users    []uuid.UUID
}

func testConfig() config.CallConfig {
	return config.CallConfig{
		RingTimeout:        25 * time.Second,
		ConnectTimeout:     30 * time.Second,
		DisconnectGrace:    5 * time.Second,
		FailedGrace:        3 * time.Second,
		NegotiationRetry:   2 * time.Second,
		MaxICERestarts:     3,
		OnePerConversation: true,
	}
}

// newFixture builds a conversation of n members, all connected
func newFixture(t *testing.T, n int) *fixture {
	t.Helper()
	f := &fixture{
		dir:      new(MockDirectory),
		ledger:   &memLedger{},
		presence: newMemPresence(),
		notifier: &fakeNotifier{},
		clk:      clock.NewMock(),
		convID:   uuid.New(),
	}
	f.clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	members := make([]domain.Member, 0, n)
	for i := 0; i < n; i++ {
		id := uuid.New()
		f.users = append(f.users, id)
		members = append(members, domain.Member{UserID: id, Username: string(rune('a' + i))})
		f.presence.status[id] = domain.PresenceOnline
	}
	f.sig = newFakeSignaler(f.users...)
	f.dir.On("GetMembers", mock.Anything, f.convID).Return(&domain.ConversationMembers{
		ConversationID: f.convID,
		IsGroup:        n > 2,
		Members:        members,
	}, nil)

	f.reg = NewRegistry(Deps{
		Directory: f.dir,
		Ledger:    f.ledger,
		Presence:  f.presence,
		Signaler:  f.sig,
		Notifier:  f.notifier,
		Clock:     f.clk,
	}, testConfig())
	return f
}

func TestStartCallRejectsNonMember(t *testing.T) {
	f := newFixture(t, 2)

	_, err := f.reg.StartCall(context.Background(), f.convID, uuid.New(), domain.CallKindAudio)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAMember))
	assert.Equal(t, 0, f.reg.ActiveCount())
}

func TestStartCallUnknownConversation(t *testing.T) {
	f := newFixture(t, 2)
	missing := uuid.New()
	f.dir.On("GetMembers", mock.Anything, missing).Return(nil, domain.ErrConversationNotFound)

	_, err := f.reg.StartCall(context.Background(), missing, f.users[0], domain.CallKindAudio)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestStartCallInvitesEveryOtherMember(t *testing.T) {
	f := newFixture(t, 3)
	caller, b, c := f.users[0], f.users[1], f.users[2]

	res, err := f.reg.StartCall(context.Background(), f.convID, caller, domain.CallKindVideo)
	require.NoError(t, err)

	assert.Equal(t, domain.CallStateRinging, res.Call.State)
	assert.ElementsMatch(t, []uuid.UUID{b, c}, res.Call.CalleeIDs)
	assert.Equal(t, []uuid.UUID{caller}, res.Call.LiveIDs)
	assert.Empty(t, res.BusyUserIDs)
	assert.Equal(t, domain.PresenceInCall, f.presence.Get(context.Background(), caller))

	assert.Len(t, f.sig.received(caller, protocol.TypeCallStarted), 1)
	for _, id := range []uuid.UUID{b, c} {
		got := f.sig.received(id, protocol.TypeCallIncoming)
		if assert.Len(t, got, 1) {
			in := got[0].(protocol.CallIncoming)
			assert.Equal(t, caller, in.FromUserID)
			assert.Equal(t, "video", in.Kind)
			assert.True(t, in.IsGroup)
		}
	}
	assert.NoError(t, f.reg.CheckInvariants())
}

func TestStartCallPushesOfflineCallees(t *testing.T) {
	f := newFixture(t, 3)
	offline := f.users[2]
	f.sig.connected[offline] = false

	_, err := f.reg.StartCall(context.Background(), f.convID, f.users[0], domain.CallKindAudio)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{offline}, f.notifier.incoming)
	assert.Equal(t, 25*time.Second, f.notifier.ttl)
}

func TestStartCallSecondCallInConversationRejected(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	first, err := f.reg.StartCall(ctx, f.convID, f.users[0], domain.CallKindAudio)
	require.NoError(t, err)

	_, err = f.reg.StartCall(ctx, f.convID, f.users[1], domain.CallKindAudio)
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallInProgress))
	assert.Equal(t, map[string]string{"call_id": first.Call.CallID.String()}, apperrors.GetAppError(err).Details)
	assert.Equal(t, 1, f.reg.ActiveCount())
}

func TestStartCallExcludesBusyCallees(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	busy := f.users[2]
	f.presence.Set(ctx, busy, domain.PresenceInCall)

	res, err := f.reg.StartCall(ctx, f.convID, f.users[0], domain.CallKindAudio)
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{busy}, res.BusyUserIDs)
	assert.NotContains(t, res.Call.CalleeIDs, busy)
	assert.Empty(t, f.sig.received(busy, protocol.TypeCallIncoming))

	rec := f.ledger.find(busy)
	require.NotNil(t, rec)
	assert.Equal(t, domain.HistoryStatusMissed, rec.Status)
	assert.Equal(t, 0, rec.Duration)
	assert.Len(t, f.sig.received(busy, protocol.TypeNewCallHistory), 1)
}

func TestAcceptCallAnnouncesPeersOnce(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	caller, b, c := f.users[0], f.users[1], f.users[2]

	res, err := f.reg.StartCall(ctx, f.convID, caller, domain.CallKindVideo)
	require.NoError(t, err)
	callID := res.Call.CallID

	acc, err := f.reg.AcceptCall(ctx, callID, b)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{caller}, acc.PeerIDs)
	assert.Equal(t, domain.CallStateActive, acc.Call.State)
	assert.Len(t, f.sig.received(caller, protocol.TypeCallPeerAccepted), 1)

	again, err := f.reg.AcceptCall(ctx, callID, b)
	require.NoError(t, err)
	assert.True(t, again.AlreadyLive)
	assert.Len(t, f.sig.received(caller, protocol.TypeCallPeerAccepted), 1)
	assert.Len(t, f.sig.received(b, protocol.TypeCallExistingParticipants), 2)

	acc, err = f.reg.AcceptCall(ctx, callID, c)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{caller, b}, acc.PeerIDs)
	assert.Len(t, f.sig.received(b, protocol.TypeCallPeerAccepted), 1)
	assert.Empty(t, f.sig.received(c, protocol.TypeCallPeerAccepted))
	assert.NoError(t, f.reg.CheckInvariants())
}

func TestAcceptCallErrors(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	busy := f.users[2]
	f.presence.Set(ctx, busy, domain.PresenceInCall)

	res, err := f.reg.StartCall(ctx, f.convID, f.users[0], domain.CallKindAudio)
	require.NoError(t, err)

	_, err = f.reg.AcceptCall(ctx, uuid.New(), f.users[1])
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))

	_, err = f.reg.AcceptCall(ctx, res.Call.CallID, busy)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotInvited))

	_, err = f.reg.AcceptCall(ctx, res.Call.CallID, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotAMember))
}

func TestEndCallWritesCompletedAndMissedRecords(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	caller, b, c := f.users[0], f.users[1], f.users[2]

	res, err := f.reg.StartCall(ctx, f.convID, caller, domain.CallKindAudio)
	require.NoError(t, err)
	callID := res.Call.CallID
	_, err = f.reg.AcceptCall(ctx, callID, b)
	require.NoError(t, err)

	f.clk.Add(90 * time.Second)
	require.NoError(t, f.reg.EndCall(ctx, callID, b))

	assert.Equal(t, 0, f.reg.ActiveCount())
	records := f.ledger.all()
	require.Len(t, records, 2)

	done := f.ledger.find(b)
	assert.Equal(t, domain.HistoryStatusCompleted, done.Status)
	assert.Equal(t, 90, done.Duration)
	assert.True(t, done.Viewed)

	missed := f.ledger.find(c)
	assert.Equal(t, domain.HistoryStatusMissed, missed.Status)
	assert.Equal(t, 0, missed.Duration)
	assert.False(t, missed.Viewed)
	assert.Equal(t, []uuid.UUID{c}, f.notifier.missed)

	for _, id := range f.users {
		assert.Len(t, f.sig.received(id, protocol.TypeCallEnded), 1, "call_ended for %s", id)
		assert.Equal(t, domain.PresenceOnline, f.presence.Get(ctx, id))
	}

	_, err = f.reg.AcceptCall(ctx, callID, c)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCallNotFound))
}

func TestEndCallRequiresParticipant(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	res, err := f.reg.StartCall(ctx, f.convID, f.users[0], domain.CallKindAudio)
	require.NoError(t, err)

	err = f.reg.EndCall(ctx, res.Call.CallID, uuid.New())
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotParticipant))
	assert.Equal(t, 1, f.reg.ActiveCount())
}

func TestEndCallLedgerFailureStillEnds(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	f.ledger.err = errors.New("connection refused")

	res, err := f.reg.StartCall(ctx, f.convID, f.users[0], domain.CallKindAudio)
	require.NoError(t, err)

	require.NoError(t, f.reg.EndCall(ctx, res.Call.CallID, f.users[0]))
	assert.Equal(t, 0, f.reg.ActiveCount())
	assert.Empty(t, f.sig.received(f.users[1], protocol.TypeNewCallHistory))
	assert.Len(t, f.sig.received(f.users[1], protocol.TypeCallEnded), 1)
}

func TestLeaveOneToOneEndsCall(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	caller, callee := f.users[0], f.users[1]

	res, err := f.reg.StartCall(ctx, f.convID, caller, domain.CallKindAudio)
	require.NoError(t, err)
	_, err = f.reg.AcceptCall(ctx, res.Call.CallID, callee)
	require.NoError(t, err)

	require.NoError(t, f.reg.LeaveCall(ctx, res.Call.CallID, callee))
	assert.Equal(t, 0, f.reg.ActiveCount())
	assert.Len(t, f.sig.received(caller, protocol.TypeCallEnded), 1)
	assert.Equal(t, domain.HistoryStatusCompleted, f.ledger.find(callee).Status)
}

func TestGroupCallEndsWithLastLeaver(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	caller, b, c := f.users[0], f.users[1], f.users[2]

	res, err := f.reg.StartCall(ctx, f.convID, caller, domain.CallKindAudio)
	require.NoError(t, err)
	callID := res.Call.CallID
	for _, id := range []uuid.UUID{b, c} {
		_, err = f.reg.AcceptCall(ctx, callID, id)
		require.NoError(t, err)
	}

	require.NoError(t, f.reg.LeaveCall(ctx, callID, caller))
	assert.Equal(t, 1, f.reg.ActiveCount())
	assert.Len(t, f.sig.received(b, protocol.TypeCallUserLeft), 1)
	assert.Equal(t, domain.PresenceOnline, f.presence.Get(ctx, caller))
	assert.True(t, f.reg.IsLive(callID, b))
	assert.False(t, f.reg.IsLive(callID, caller))

	// leaving twice is a no-op
	require.NoError(t, f.reg.LeaveCall(ctx, callID, caller))

	require.NoError(t, f.reg.LeaveCall(ctx, callID, b))
	assert.Equal(t, 1, f.reg.ActiveCount())
	require.NoError(t, f.reg.LeaveCall(ctx, callID, c))
	assert.Equal(t, 0, f.reg.ActiveCount())

	records := f.ledger.all()
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.Equal(t, domain.HistoryStatusCompleted, rec.Status)
	}
}

func TestRingTimeoutWithoutAnswerEndsCall(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	caller, callee := f.users[0], f.users[1]

	_, err := f.reg.StartCall(ctx, f.convID, caller, domain.CallKindAudio)
	require.NoError(t, err)

	f.clk.Add(24 * time.Second)
	assert.Equal(t, 1, f.reg.ActiveCount())

	f.clk.Add(time.Second)
	assert.Eventually(t, func() bool { return f.reg.ActiveCount() == 0 }, time.Second, 5*time.Millisecond)

	rec := f.ledger.find(callee)
	require.NotNil(t, rec)
	assert.Equal(t, domain.HistoryStatusMissed, rec.Status)
	ended := f.sig.received(caller, protocol.TypeCallEnded)
	if assert.Len(t, ended, 1) {
		assert.Equal(t, ReasonRingTimeout, ended[0].(protocol.CallEnded).Reason)
	}
	assert.Equal(t, domain.PresenceOnline, f.presence.Get(ctx, caller))
}

// C calls A and B; A answers, B never does. The ring timeout ends the call
// for everyone.
func TestRingTimeoutEndsCallWithPendingInvitees(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	a, b, c := f.users[0], f.users[1], f.users[2]

	res, err := f.reg.StartCall(ctx, f.convID, c, domain.CallKindAudio)
	require.NoError(t, err)
	callID := res.Call.CallID

	f.clk.Add(5 * time.Second)
	_, err = f.reg.AcceptCall(ctx, callID, a)
	require.NoError(t, err)

	f.clk.Add(20 * time.Second)
	assert.Eventually(t, func() bool { return len(f.ledger.all()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, f.reg.ActiveCount())

	records := f.ledger.all()
	require.Len(t, records, 2)
	ra, rb := f.ledger.find(a), f.ledger.find(b)
	require.NotNil(t, ra)
	require.NotNil(t, rb)
	assert.Equal(t, c, ra.CallerID)
	assert.Equal(t, domain.HistoryStatusCompleted, ra.Status)
	assert.Equal(t, 25, ra.Duration)
	assert.Equal(t, c, rb.CallerID)
	assert.Equal(t, domain.HistoryStatusMissed, rb.Status)

	assert.Len(t, f.sig.received(b, protocol.TypeCallInviteExpired), 1)
	for _, id := range []uuid.UUID{a, b, c} {
		ended := f.sig.received(id, protocol.TypeCallEnded)
		if assert.Len(t, ended, 1, "call_ended for %s", id) {
			assert.Equal(t, ReasonRingTimeout, ended[0].(protocol.CallEnded).Reason)
		}
	}
	assert.Empty(t, f.sig.received(a, protocol.TypeCallInviteExpired))
	assert.NoError(t, f.reg.CheckInvariants())
}

func TestAllAcceptedCancelsRingTimer(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	res, err := f.reg.StartCall(ctx, f.convID, f.users[0], domain.CallKindAudio)
	require.NoError(t, err)
	require.True(t, f.reg.timers.Pending(ringKey(res.Call.CallID)))

	_, err = f.reg.AcceptCall(ctx, res.Call.CallID, f.users[1])
	require.NoError(t, err)
	assert.False(t, f.reg.timers.Pending(ringKey(res.Call.CallID)))
}

func TestLeaveAllOnDisconnect(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	caller, callee := f.users[0], f.users[1]

	res, err := f.reg.StartCall(ctx, f.convID, caller, domain.CallKindAudio)
	require.NoError(t, err)
	_, err = f.reg.AcceptCall(ctx, res.Call.CallID, callee)
	require.NoError(t, err)

	f.sig.connected[callee] = false
	f.reg.LeaveAll(ctx, callee)

	assert.Equal(t, 0, f.reg.ActiveCount())
	assert.Equal(t, domain.PresenceOffline, f.presence.Get(ctx, callee))
	assert.Equal(t, domain.PresenceOnline, f.presence.Get(ctx, caller))
}

func TestRegistryConcurrentAccepts(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	res, err := f.reg.StartCall(ctx, f.convID, f.users[0], domain.CallKindAudio)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range f.users[1:] {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(id uuid.UUID) {
				defer wg.Done()
				_, _ = f.reg.AcceptCall(ctx, res.Call.CallID, id)
			}(id)
		}
	}
	wg.Wait()

	snap, err := f.reg.Get(res.Call.CallID)
	require.NoError(t, err)
	assert.Len(t, snap.LiveIDs, 8)
	assert.NoError(t, f.reg.CheckInvariants())
	assert.Len(t, f.sig.received(f.users[0], protocol.TypeCallPeerAccepted), 7, "one announcement per joiner")
}
