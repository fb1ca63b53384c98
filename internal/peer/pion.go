package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"huddle-backend/pkg/logger"
)

// PionFactory opens pion peer connections that share one API
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration

	onTrack func(peerID uuid.UUID, track *webrtc.TrackRemote)
}

// NewPionFactory builds the API with the default codecs and the default
// interceptors (RTCP reports, NACK, TWCC)
func NewPionFactory(iceServers []string) (*PionFactory, error) {
	return newPionFactory(iceServers, webrtc.SettingEngine{})
}

func newPionFactory(iceServers []string, se webrtc.SettingEngine) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("failed to register default interceptors: %w", err)
	}

	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}

	return &PionFactory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(i),
			webrtc.WithSettingEngine(se),
		),
		config: cfg,
	}, nil
}

// OnRemoteTrack sets the handler for incoming media. Without one, incoming
// RTP is read and discarded.
func (f *PionFactory) OnRemoteTrack(fn func(peerID uuid.UUID, track *webrtc.TrackRemote)) {
	f.onTrack = fn
}

// New implements Factory
func (f *PionFactory) New(peerID uuid.UUID) (PeerConnection, error) {
	c := &PionConnection{factory: f, peerID: peerID, onTrack: f.onTrack}
	pc, err := c.open()
	if err != nil {
		return nil, err
	}
	c.pc = pc
	return c, nil
}

// PionConnection adapts *webrtc.PeerConnection to PeerConnection.
//
// pion has no rollback transition out of have-local-offer, so Rollback
// replaces the underlying connection with a fresh one carrying the same
// local tracks. Senders handed out by AddTrack follow the replacement.
type PionConnection struct {
	factory *PionFactory
	peerID  uuid.UUID
	onTrack func(peerID uuid.UUID, track *webrtc.TrackRemote)

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	senders     []*pionSender
	onCandidate func(json.RawMessage)
	onConn      func(Connectivity)
	closed      bool
}

// pionSender survives a rollback by rebinding to the new RTP sender
type pionSender struct {
	mu    sync.Mutex
	rtp   *webrtc.RTPSender
	track webrtc.TrackLocal
	// last non-nil track, used to recreate the sender
	last webrtc.TrackLocal
}

func (s *pionSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rtp.ReplaceTrack(track); err != nil {
		return err
	}
	s.track = track
	if track != nil {
		s.last = track
	}
	return nil
}

func (s *pionSender) sender() *webrtc.RTPSender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtp
}

// attach adds the sender's track to pc without moving the sender there yet
func (s *pionSender) attach(pc *webrtc.PeerConnection) (*webrtc.RTPSender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rtp, err := pc.AddTrack(s.last)
	if err != nil {
		return nil, err
	}
	if s.track == nil {
		if err := rtp.ReplaceTrack(nil); err != nil {
			return nil, err
		}
	}
	return rtp, nil
}

func (s *pionSender) bind(rtp *webrtc.RTPSender) {
	s.mu.Lock()
	s.rtp = rtp
	s.mu.Unlock()
	drainRTCP(rtp)
}

// open builds a connection whose events reach the handlers only while it
// is the current one
func (c *PionConnection) open() (*webrtc.PeerConnection, error) {
	pc, err := c.factory.api.NewPeerConnection(c.factory.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	// recvonly transceivers keep audio and video m-lines in every offer,
	// even before any local track exists
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}

	peerID, onTrack := c.peerID, c.onTrack
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Debug("Remote track",
			zap.String("peer_id", peerID.String()),
			zap.String("codec", track.Codec().MimeType),
			zap.Uint32("ssrc", uint32(track.SSRC())))
		if onTrack != nil {
			onTrack(peerID, track)
			return
		}
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	})

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onCandidate
		current := c.pc == pc
		c.mu.Unlock()
		if !current || fn == nil {
			return
		}
		raw, err := json.Marshal(cand.ToJSON())
		if err != nil {
			return
		}
		fn(raw)
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.mu.Lock()
		fn := c.onConn
		current := c.pc == pc
		c.mu.Unlock()
		if !current || fn == nil {
			return
		}
		fn(connectivityFromICE(s))
	})

	return pc, nil
}

func (c *PionConnection) conn() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

// Raw returns the current underlying connection. It changes on Rollback.
func (c *PionConnection) Raw() *webrtc.PeerConnection { return c.conn() }

func (c *PionConnection) SignalingState() SignalingState {
	switch c.conn().SignalingState() {
	case webrtc.SignalingStateStable:
		return StateStable
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveLocalPranswer:
		return StateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveRemotePranswer:
		return StateHaveRemoteOffer
	default:
		return StateClosed
	}
}

func (c *PionConnection) CreateOffer(iceRestart bool) (Description, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	offer, err := c.conn().CreateOffer(opts)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: DescOffer, SDP: offer.SDP}, nil
}

func (c *PionConnection) CreateAnswer() (Description, error) {
	answer, err := c.conn().CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	return Description{Type: DescAnswer, SDP: answer.SDP}, nil
}

func (c *PionConnection) SetLocalDescription(desc Description) error {
	return c.conn().SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	})
}

func (c *PionConnection) SetRemoteDescription(desc Description) error {
	return c.conn().SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(string(desc.Type)),
		SDP:  desc.SDP,
	})
}

// Rollback drops the pending local offer by swapping in a new connection
// with the same local tracks. Remote tracks and ICE state start over.
func (c *PionConnection) Rollback() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	old := c.pc
	if st := old.SignalingState(); st != webrtc.SignalingStateHaveLocalOffer {
		c.mu.Unlock()
		return fmt.Errorf("no local offer to roll back in %s", st)
	}

	pc, err := c.open()
	if err != nil {
		c.mu.Unlock()
		return err
	}
	moved := make([]*webrtc.RTPSender, len(c.senders))
	for i, s := range c.senders {
		rtp, err := s.attach(pc)
		if err != nil {
			c.mu.Unlock()
			_ = pc.Close()
			return fmt.Errorf("failed to move local track: %w", err)
		}
		moved[i] = rtp
	}
	for i, s := range c.senders {
		s.bind(moved[i])
	}
	c.pc = pc
	c.mu.Unlock()

	// the old connection is no longer current so its closing events are dropped
	if err := old.Close(); err != nil {
		logger.Debug("Closing rolled back connection failed",
			zap.String("peer_id", c.peerID.String()), zap.Error(err))
	}
	return nil
}

func (c *PionConnection) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("invalid candidate: %w", err)
	}
	return c.conn().AddICECandidate(init)
}

func (c *PionConnection) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rtp, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	drainRTCP(rtp)
	s := &pionSender{rtp: rtp, track: track, last: track}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *PionConnection) RemoveTrack(sender Sender) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.senders {
		if s != sender {
			continue
		}
		c.senders = append(c.senders[:i], c.senders[i+1:]...)
		return c.pc.RemoveTrack(s.sender())
	}
	return fmt.Errorf("sender %T was not created by this connection", sender)
}

func (c *PionConnection) OnICECandidate(fn func(candidate json.RawMessage)) {
	c.mu.Lock()
	c.onCandidate = fn
	c.mu.Unlock()
}

func (c *PionConnection) OnConnectivityChange(fn func(Connectivity)) {
	c.mu.Lock()
	c.onConn = fn
	c.mu.Unlock()
}

// RTCP must be drained for the interceptors to run
func drainRTCP(rtp *webrtc.RTPSender) {
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := rtp.Read(buf); err != nil {
				return
			}
		}
	}()
}

func connectivityFromICE(s webrtc.ICEConnectionState) Connectivity {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return ConnChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return ConnConnected
	case webrtc.ICEConnectionStateDisconnected:
		return ConnDisconnected
	case webrtc.ICEConnectionStateFailed:
		return ConnFailed
	case webrtc.ICEConnectionStateClosed:
		return ConnClosed
	default:
		return ConnNew
	}
}

func (c *PionConnection) Close() error {
	c.mu.Lock()
	c.closed = true
	pc := c.pc
	c.mu.Unlock()
	return pc.Close()
}
