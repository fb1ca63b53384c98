package peer

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"huddle-backend/internal/protocol"
	"huddle-backend/internal/timer"
	"huddle-backend/pkg/config"
	"huddle-backend/pkg/logger"
)

// Signaler carries signal bodies to a remote participant through the relay
type Signaler interface {
	SendSignal(callID, toUserID uuid.UUID, data protocol.SignalData) error
}

// Factory opens a new peer connection towards remoteID
type Factory func(remoteID uuid.UUID) (PeerConnection, error)

// Hooks are called outside every engine lock
type Hooks struct {
	// OnConnected fires each time a peer reaches connected
	OnConnected func(peerID uuid.UUID)
	// OnPeerRemoved fires once per torn down link
	OnPeerRemoved func(peerID uuid.UUID, reason string)
	// OnEmpty fires when the last link of the call is removed
	OnEmpty func()
}

// Options configures an Engine
type Options struct {
	CallID   uuid.UUID
	LocalID  uuid.UUID
	Factory  Factory
	Signaler Signaler
	Timers   *timer.Table
	Config   config.CallConfig
	Hooks    Hooks
}

// Engine owns every Link of one call and fans local tracks out to them
type Engine struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	links  map[uuid.UUID]*Link
	gone   map[uuid.UUID]struct{}
	tracks map[Slot]webrtc.TrackLocal
	closed bool
}

// NewEngine creates an engine with no peers
func NewEngine(opts Options) *Engine {
	if opts.Timers == nil {
		opts.Timers = timer.NewTable(nil)
	}
	return &Engine{
		opts:   opts,
		log:    logger.ForCall(opts.CallID, opts.LocalID),
		links:  make(map[uuid.UUID]*Link),
		gone:   make(map[uuid.UUID]struct{}),
		tracks: make(map[Slot]webrtc.TrackLocal),
	}
}

// Connect opens a link to remoteID, attaches the local tracks and offers
func (e *Engine) Connect(remoteID uuid.UUID) error {
	e.mu.Lock()
	delete(e.gone, remoteID)
	e.mu.Unlock()

	l, err := e.ensure(remoteID)
	if err != nil || l == nil {
		return err
	}
	l.Negotiate()
	return nil
}

// Expect prepares a link for a peer that will offer to us
func (e *Engine) Expect(remoteID uuid.UUID) error {
	e.mu.Lock()
	delete(e.gone, remoteID)
	e.mu.Unlock()

	_, err := e.ensure(remoteID)
	return err
}

// HandleSignal routes a relayed body to the link for from, creating it on first contact.
// Bodies from peers already removed are dropped until the peer is expected again.
func (e *Engine) HandleSignal(from uuid.UUID, data protocol.SignalData) error {
	e.mu.Lock()
	_, removed := e.gone[from]
	e.mu.Unlock()
	if removed {
		e.log.Debug("Dropping signal from removed peer", zap.String("peer_id", from.String()))
		return nil
	}

	l, err := e.ensure(from)
	if err != nil || l == nil {
		return err
	}
	l.HandleSignal(data)
	return nil
}

func (e *Engine) ensure(remoteID uuid.UUID) (*Link, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil
	}
	if l, ok := e.links[remoteID]; ok {
		e.mu.Unlock()
		return l, nil
	}
	e.mu.Unlock()

	pc, err := e.opts.Factory(remoteID)
	if err != nil {
		return nil, err
	}
	l := newLink(e.opts.CallID, e.opts.LocalID, remoteID, pc, e.opts.Signaler, e.opts.Timers, e.opts.Config, e.log, linkHooks{
		connected: e.opts.Hooks.OnConnected,
		removed:   e.onRemoved,
	})

	e.mu.Lock()
	if existing, ok := e.links[remoteID]; ok || e.closed {
		e.mu.Unlock()
		l.close()
		return existing, nil
	}
	e.links[remoteID] = l
	tracks := make(map[Slot]webrtc.TrackLocal, len(e.tracks))
	for slot, t := range e.tracks {
		tracks[slot] = t
	}
	e.mu.Unlock()

	// attached before any offer so the first exchange already carries them
	for slot, t := range tracks {
		if _, err := l.attach(slot, t); err != nil {
			e.log.Warn("Failed to attach track", zap.String("slot", string(slot)), zap.Error(err))
		}
	}
	return l, nil
}

func (e *Engine) onRemoved(remoteID uuid.UUID, reason string) {
	e.mu.Lock()
	if _, ok := e.links[remoteID]; !ok {
		e.mu.Unlock()
		return
	}
	delete(e.links, remoteID)
	e.gone[remoteID] = struct{}{}
	empty := len(e.links) == 0 && !e.closed
	e.mu.Unlock()

	if e.opts.Hooks.OnPeerRemoved != nil {
		e.opts.Hooks.OnPeerRemoved(remoteID, reason)
	}
	if empty && e.opts.Hooks.OnEmpty != nil {
		e.opts.Hooks.OnEmpty()
	}
}

// Remove tears down the link to remoteID
func (e *Engine) Remove(remoteID uuid.UUID, reason string) {
	if l := e.Link(remoteID); l != nil {
		l.remove(reason)
	}
}

// SetTrack publishes track on slot to every link
func (e *Engine) SetTrack(slot Slot, track webrtc.TrackLocal) {
	e.mu.Lock()
	e.tracks[slot] = track
	links := e.snapshot()
	e.mu.Unlock()

	for _, l := range links {
		if err := l.SetTrack(slot, track); err != nil {
			e.log.Warn("Failed to set track", zap.String("peer_id", l.remoteID.String()), zap.String("slot", string(slot)), zap.Error(err))
		}
	}
}

// RemoveTrack withdraws slot from every link
func (e *Engine) RemoveTrack(slot Slot) {
	e.mu.Lock()
	delete(e.tracks, slot)
	links := e.snapshot()
	e.mu.Unlock()

	for _, l := range links {
		if err := l.RemoveTrack(slot); err != nil {
			e.log.Warn("Failed to remove track", zap.String("peer_id", l.remoteID.String()), zap.String("slot", string(slot)), zap.Error(err))
		}
	}
}

func (e *Engine) snapshot() []*Link {
	links := make([]*Link, 0, len(e.links))
	for _, l := range e.links {
		links = append(links, l)
	}
	return links
}

// Link returns the link to remoteID, or nil
func (e *Engine) Link(remoteID uuid.UUID) *Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links[remoteID]
}

// Peers returns the ids of every open link
func (e *Engine) Peers() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.links))
	for id := range e.links {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every link without firing OnEmpty
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	links := e.snapshot()
	e.links = make(map[uuid.UUID]*Link)
	e.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	e.opts.Timers.CancelCall(e.opts.CallID)
}
