package peer

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"huddle-backend/internal/protocol"
	"huddle-backend/internal/timer"
	"huddle-backend/pkg/config"
	"huddle-backend/pkg/metrics"
)

// Removal reasons
const (
	ReasonDisconnected = "disconnected"
	ReasonFailed       = "failed"
	ReasonClosed       = "closed"
	ReasonLeft         = "left"
)

// IsPolite reports whether local yields to remote on offer collision.
// Ids compare on their canonical string form.
func IsPolite(localID, remoteID uuid.UUID) bool {
	return localID.String() < remoteID.String()
}

type linkHooks struct {
	connected func(remoteID uuid.UUID)
	removed   func(remoteID uuid.UUID, reason string)
}

// Link negotiates the connection to one remote participant
type Link struct {
	callID   uuid.UUID
	localID  uuid.UUID
	remoteID uuid.UUID
	polite   bool

	pc     PeerConnection
	out    Signaler
	timers *timer.Table
	cfg    config.CallConfig
	hooks  linkHooks
	log    *zap.Logger

	mu            sync.Mutex
	answered      bool
	restartWanted bool
	haveRemote    bool
	pending       []json.RawMessage
	restarts      int
	connectivity  Connectivity
	senders       map[Slot]Sender
	closed        bool
}

func newLink(callID, localID, remoteID uuid.UUID, pc PeerConnection, out Signaler, timers *timer.Table, cfg config.CallConfig, log *zap.Logger, hooks linkHooks) *Link {
	l := &Link{
		callID:   callID,
		localID:  localID,
		remoteID: remoteID,
		polite:   IsPolite(localID, remoteID),
		pc:       pc,
		out:      out,
		timers:   timers,
		cfg:      cfg,
		hooks:    hooks,
		log:      log.With(zap.String("peer_id", remoteID.String())),
		senders:  make(map[Slot]Sender),
	}
	pc.OnICECandidate(func(c json.RawMessage) {
		l.send(protocol.SignalData{Candidate: c})
	})
	pc.OnConnectivityChange(l.onConnectivity)
	return l
}

// RemoteID returns the remote participant's id
func (l *Link) RemoteID() uuid.UUID { return l.remoteID }

// Polite reports whether this side rolls back on collision
func (l *Link) Polite() bool { return l.polite }

// SignalingState returns the current offer/answer state
func (l *Link) SignalingState() SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return StateClosed
	}
	return l.pc.SignalingState()
}

// Connectivity returns the last ICE state seen
func (l *Link) Connectivity() Connectivity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectivity
}

func (l *Link) key(kind timer.Kind) timer.Key {
	return timer.Key{CallID: l.callID, PeerID: l.remoteID, Kind: kind}
}

func (l *Link) send(data protocol.SignalData) {
	if err := l.out.SendSignal(l.callID, l.remoteID, data); err != nil {
		l.log.Warn("Failed to send signal", zap.String("type", data.Type), zap.Error(err))
	}
}

// Negotiate sends a fresh offer, or retries shortly if an exchange is in flight
func (l *Link) Negotiate() {
	l.negotiate(false)
}

func (l *Link) negotiate(iceRestart bool) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if iceRestart {
		l.restartWanted = true
	}
	if l.pc.SignalingState() != StateStable {
		l.mu.Unlock()
		l.timers.Set(l.key(timer.KindNegotiationRetry), l.cfg.NegotiationRetry, func() { l.negotiate(false) })
		return
	}

	restart := l.restartWanted
	offer, err := l.pc.CreateOffer(restart)
	if err == nil {
		err = l.pc.SetLocalDescription(offer)
	}
	if err != nil {
		l.mu.Unlock()
		l.log.Warn("Failed to create offer", zap.Bool("ice_restart", restart), zap.Error(err))
		return
	}
	l.answered = false
	l.restartWanted = false
	l.mu.Unlock()

	l.log.Debug("Sending offer", zap.Bool("ice_restart", restart))
	l.send(protocol.SignalData{Type: string(DescOffer), SDP: offer.SDP})
}

// HandleSignal applies one relayed signal body
func (l *Link) HandleSignal(data protocol.SignalData) {
	switch {
	case data.IsCandidate():
		l.addCandidate(data.Candidate)
	case data.Type == string(DescOffer):
		l.handleOffer(data.SDP)
	case data.Type == string(DescAnswer):
		l.handleAnswer(data.SDP)
	default:
		l.log.Debug("Ignoring signal", zap.String("type", data.Type))
	}
}

func (l *Link) handleOffer(sdp string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}

	rolledBack := false
	if l.pc.SignalingState() != StateStable {
		if !l.polite {
			l.mu.Unlock()
			l.log.Debug("Ignoring colliding offer")
			return
		}
		if err := l.pc.Rollback(); err != nil {
			l.mu.Unlock()
			l.log.Warn("Rollback failed", zap.Error(err))
			return
		}
		rolledBack = true
		metrics.PeerGlareRollbacksTotal.Inc()
	}

	if err := l.pc.SetRemoteDescription(Description{Type: DescOffer, SDP: sdp}); err != nil {
		l.mu.Unlock()
		l.log.Warn("Failed to apply offer", zap.Error(err))
		return
	}
	l.haveRemote = true
	l.flushLocked()

	if l.pc.SignalingState() != StateHaveRemoteOffer {
		l.mu.Unlock()
		return
	}
	answer, err := l.pc.CreateAnswer()
	if err == nil {
		err = l.pc.SetLocalDescription(answer)
	}
	l.mu.Unlock()
	if err != nil {
		l.log.Warn("Failed to answer offer", zap.Error(err))
		return
	}

	l.send(protocol.SignalData{Type: string(DescAnswer), SDP: answer.SDP})

	// the withdrawn offer may have carried local changes the remote offer lacks
	if rolledBack {
		l.Negotiate()
	}
}

func (l *Link) handleAnswer(sdp string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.answered || l.pc.SignalingState() != StateHaveLocalOffer {
		l.log.Debug("Ignoring unexpected answer")
		return
	}
	if err := l.pc.SetRemoteDescription(Description{Type: DescAnswer, SDP: sdp}); err != nil {
		l.log.Warn("Failed to apply answer", zap.Error(err))
		return
	}
	l.answered = true
	l.haveRemote = true
	l.flushLocked()
}

func (l *Link) addCandidate(c json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if !l.haveRemote {
		l.pending = append(l.pending, c)
		return
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		l.log.Debug("Failed to add candidate", zap.Error(err))
	}
}

func (l *Link) flushLocked() {
	for _, c := range l.pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.log.Debug("Failed to add queued candidate", zap.Error(err))
		}
	}
	l.pending = nil
}

func (l *Link) onConnectivity(c Connectivity) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.connectivity = c
	if c == ConnConnected {
		l.restarts = 0
	}
	l.mu.Unlock()

	l.log.Debug("Connectivity changed", zap.Stringer("state", c))

	switch c {
	case ConnChecking:
		l.timers.Cancel(l.key(timer.KindDisconnectGrace))
	case ConnConnected:
		l.timers.Cancel(l.key(timer.KindDisconnectGrace))
		l.timers.Cancel(l.key(timer.KindFailedGrace))
		if l.hooks.connected != nil {
			l.hooks.connected(l.remoteID)
		}
	case ConnDisconnected:
		l.timers.Set(l.key(timer.KindDisconnectGrace), l.cfg.DisconnectGrace, func() { l.remove(ReasonDisconnected) })
	case ConnFailed:
		l.timers.Cancel(l.key(timer.KindDisconnectGrace))
		l.mu.Lock()
		restart := l.restarts < l.cfg.MaxICERestarts
		if restart {
			l.restarts++
		}
		attempt := l.restarts
		l.mu.Unlock()

		if restart {
			metrics.PeerICERestartsTotal.Inc()
			l.log.Info("Restarting ICE", zap.Int("attempt", attempt))
			l.negotiate(true)
			return
		}
		l.timers.Set(l.key(timer.KindFailedGrace), l.cfg.FailedGrace, func() { l.remove(ReasonFailed) })
	case ConnClosed:
		l.remove(ReasonClosed)
	}
}

// SetTrack puts track on slot. An occupied slot swaps the track in place
// without renegotiating; a new slot adds a sender and renegotiates.
func (l *Link) SetTrack(slot Slot, track webrtc.TrackLocal) error {
	added, err := l.attach(slot, track)
	if err != nil {
		return err
	}
	if added {
		l.Negotiate()
	}
	return nil
}

func (l *Link) attach(slot Slot, track webrtc.TrackLocal) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false, nil
	}
	if s, ok := l.senders[slot]; ok {
		return false, s.ReplaceTrack(track)
	}
	s, err := l.pc.AddTrack(track)
	if err != nil {
		return false, err
	}
	l.senders[slot] = s
	return true, nil
}

// RemoveTrack drops the sender on slot and renegotiates
func (l *Link) RemoveTrack(slot Slot) error {
	l.mu.Lock()
	s, ok := l.senders[slot]
	if !ok || l.closed {
		l.mu.Unlock()
		return nil
	}
	delete(l.senders, slot)
	err := l.pc.RemoveTrack(s)
	l.mu.Unlock()

	if err != nil {
		return err
	}
	l.Negotiate()
	return nil
}

// Remove tears the link down and reports it to the owner
func (l *Link) Remove(reason string) {
	l.remove(reason)
}

func (l *Link) remove(reason string) {
	if !l.close() {
		return
	}
	metrics.PeerRemovedTotal.WithLabelValues(reason).Inc()
	l.log.Info("Peer removed", zap.String("reason", reason))
	if l.hooks.removed != nil {
		l.hooks.removed(l.remoteID, reason)
	}
}

// close reports whether this call did the closing
func (l *Link) close() bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.closed = true
	l.pending = nil
	l.mu.Unlock()

	l.timers.CancelPeer(l.callID, l.remoteID)
	if err := l.pc.Close(); err != nil {
		l.log.Debug("Peer connection close failed", zap.Error(err))
	}
	return true
}
