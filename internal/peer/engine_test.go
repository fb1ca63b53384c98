package peer

import (
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle-backend/internal/protocol"
	"huddle-backend/internal/timer"
	"huddle-backend/pkg/config"
)

type engineFixture struct {
	engine *Engine
	out    *outbox

	mu      sync.Mutex
	pcs     map[uuid.UUID][]*fakePC
	empty   int
	removed map[uuid.UUID]string
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	f := &engineFixture{
		out:     &outbox{},
		pcs:     make(map[uuid.UUID][]*fakePC),
		removed: make(map[uuid.UUID]string),
	}
	f.engine = NewEngine(Options{
		CallID:  uuid.New(),
		LocalID: uuid.New(),
		Factory: func(remoteID uuid.UUID) (PeerConnection, error) {
			pc := &fakePC{name: "local"}
			f.mu.Lock()
			f.pcs[remoteID] = append(f.pcs[remoteID], pc)
			f.mu.Unlock()
			return pc, nil
		},
		Signaler: f.out,
		Timers:   timer.NewTable(clock.NewMock()),
		Config:   config.DefaultCallConfig(),
		Hooks: Hooks{
			OnPeerRemoved: func(id uuid.UUID, reason string) {
				f.mu.Lock()
				f.removed[id] = reason
				f.mu.Unlock()
			},
			OnEmpty: func() {
				f.mu.Lock()
				f.empty++
				f.mu.Unlock()
			},
		},
	})
	return f
}

func (f *engineFixture) pc(id uuid.UUID) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.pcs[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

func (f *engineFixture) created(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs[id])
}

func (f *engineFixture) emptied() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.empty
}

func TestConnectAttachesTracksAndOffers(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.SetTrack(SlotAudio, newTrack(t, "audio"))

	peer := uuid.New()
	require.NoError(t, f.engine.Connect(peer))

	offers, _, _, senders := f.pc(peer).stats()
	assert.Equal(t, 1, offers, "tracks ride on the first offer")
	assert.Equal(t, 1, senders)
	assert.Equal(t, []string{"offer"}, f.out.types())
}

func TestIncomingOfferCreatesLinkAndAnswers(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.SetTrack(SlotAudio, newTrack(t, "audio"))

	peer := uuid.New()
	require.NoError(t, f.engine.HandleSignal(peer, protocol.SignalData{Type: "offer", SDP: "remote"}))

	offers, _, _, senders := f.pc(peer).stats()
	assert.Equal(t, 0, offers)
	assert.Equal(t, 1, senders)
	assert.Equal(t, []string{"answer"}, f.out.types())
	assert.ElementsMatch(t, []uuid.UUID{peer}, f.engine.Peers())
}

func TestRemovingLastPeerEmptiesCallOnce(t *testing.T) {
	f := newEngineFixture(t)
	a, b := uuid.New(), uuid.New()
	require.NoError(t, f.engine.Connect(a))
	require.NoError(t, f.engine.Connect(b))

	f.engine.Remove(a, ReasonLeft)
	assert.Equal(t, 0, f.emptied())
	assert.True(t, f.pc(a).isClosed())

	f.pc(b).onConn(ConnClosed)
	assert.Equal(t, 1, f.emptied())

	f.engine.Remove(b, ReasonLeft)
	assert.Equal(t, 1, f.emptied())
	assert.Equal(t, map[uuid.UUID]string{a: ReasonLeft, b: ReasonClosed}, f.removed)
}

func TestSignalsFromRemovedPeerAreDropped(t *testing.T) {
	f := newEngineFixture(t)
	peer := uuid.New()
	require.NoError(t, f.engine.Connect(peer))
	f.engine.Remove(peer, ReasonLeft)

	require.NoError(t, f.engine.HandleSignal(peer, protocol.SignalData{Type: "offer", SDP: "late"}))
	assert.Equal(t, 1, f.created(peer), "a late signal must not resurrect the link")
	assert.Nil(t, f.engine.Link(peer))

	// the peer re-joins
	require.NoError(t, f.engine.Expect(peer))
	assert.Equal(t, 2, f.created(peer))
	require.NoError(t, f.engine.HandleSignal(peer, protocol.SignalData{Type: "offer", SDP: "fresh"}))
	assert.Equal(t, StateStable, f.engine.Link(peer).SignalingState())
}

func TestSetTrackFansOutToEveryLink(t *testing.T) {
	f := newEngineFixture(t)
	a, b := uuid.New(), uuid.New()
	require.NoError(t, f.engine.Connect(a))
	require.NoError(t, f.engine.Connect(b))
	for _, id := range []uuid.UUID{a, b} {
		f.engine.Link(id).HandleSignal(protocol.SignalData{Type: "answer", SDP: "ok"})
	}

	camera := newTrack(t, "video")
	f.engine.SetTrack(SlotVideo, camera)
	for _, id := range []uuid.UUID{a, b} {
		offers, _, _, senders := f.pc(id).stats()
		assert.Equal(t, 2, offers)
		assert.Equal(t, 1, senders)
		f.engine.Link(id).HandleSignal(protocol.SignalData{Type: "answer", SDP: "ok"})
	}

	screen := newTrack(t, "video")
	f.engine.SetTrack(SlotVideo, screen)
	for _, id := range []uuid.UUID{a, b} {
		offers, _, _, senders := f.pc(id).stats()
		assert.Equal(t, 2, offers, "replacement does not renegotiate")
		assert.Equal(t, 1, senders)
		assert.Equal(t, screen, f.pc(id).senders[0].current())
	}

	// a peer joining later receives the current track
	late := uuid.New()
	require.NoError(t, f.engine.Connect(late))
	assert.Equal(t, screen, f.pc(late).senders[0].current())
}

func TestCloseDoesNotEmptyCall(t *testing.T) {
	f := newEngineFixture(t)
	peer := uuid.New()
	require.NoError(t, f.engine.Connect(peer))

	f.engine.Close()
	assert.True(t, f.pc(peer).isClosed())
	assert.Equal(t, 0, f.emptied())
	assert.Empty(t, f.engine.Peers())

	require.NoError(t, f.engine.Connect(uuid.New()))
	assert.Empty(t, f.engine.Peers(), "a closed engine opens no links")
}
