package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"huddle-backend/internal/protocol"
)

// fakePC enforces the offer/answer transitions pion allows. Like pion it has
// no local rollback description; Rollback is the only way back to stable.
type fakePC struct {
	mu          sync.Mutex
	state       SignalingState
	offers      int
	restarts    int
	rollbacks   int
	remoteSDPs  []string
	candidates  []string
	senders     []*fakeSender
	removed     int
	closed      bool
	onCandidate func(json.RawMessage)
	onConn      func(Connectivity)
	name        string
}

type fakeSender struct {
	mu       sync.Mutex
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	s.replaced++
	return nil
}

func (s *fakeSender) current() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

func (p *fakePC) SignalingState() SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePC) CreateOffer(iceRestart bool) (Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	if iceRestart {
		p.restarts++
	}
	return Description{Type: DescOffer, SDP: fmt.Sprintf("%s-offer-%d", p.name, p.offers)}, nil
}

func (p *fakePC) CreateAnswer() (Description, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateHaveRemoteOffer {
		return Description{}, fmt.Errorf("no remote offer")
	}
	return Description{Type: DescAnswer, SDP: p.name + "-answer"}, nil
}

func (p *fakePC) SetLocalDescription(desc Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case desc.Type == DescOffer && p.state == StateStable:
		p.state = StateHaveLocalOffer
	case desc.Type == DescAnswer && p.state == StateHaveRemoteOffer:
		p.state = StateStable
	default:
		return fmt.Errorf("cannot set local %s in %s", desc.Type, p.state)
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(desc Description) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case desc.Type == DescOffer && p.state == StateStable:
		p.state = StateHaveRemoteOffer
	case desc.Type == DescAnswer && p.state == StateHaveLocalOffer:
		p.state = StateStable
	default:
		return fmt.Errorf("cannot set remote %s in %s", desc.Type, p.state)
	}
	p.remoteSDPs = append(p.remoteSDPs, desc.SDP)
	return nil
}

func (p *fakePC) Rollback() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateHaveLocalOffer {
		return fmt.Errorf("cannot roll back in %s", p.state)
	}
	p.state = StateStable
	p.rollbacks++
	return nil
}

func (p *fakePC) AddICECandidate(c json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.candidates = append(p.candidates, string(c))
	return nil
}

func (p *fakePC) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{track: track}
	p.senders = append(p.senders, s)
	return s, nil
}

func (p *fakePC) RemoveTrack(Sender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removed++
	return nil
}

func (p *fakePC) OnICECandidate(fn func(json.RawMessage)) { p.onCandidate = fn }
func (p *fakePC) OnConnectivityChange(fn func(Connectivity)) {
	p.onConn = fn
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.state = StateClosed
	return nil
}

func (p *fakePC) stats() (offers, restarts, rollbacks, senders int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offers, p.restarts, p.rollbacks, len(p.senders)
}

func (p *fakePC) gotCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.candidates...)
}

func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type sentSignal struct {
	to   uuid.UUID
	data protocol.SignalData
}

// outbox queues signals until the test delivers them
type outbox struct {
	mu   sync.Mutex
	msgs []sentSignal
}

func (o *outbox) SendSignal(_, to uuid.UUID, data protocol.SignalData) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, sentSignal{to: to, data: data})
	return nil
}

func (o *outbox) drain() []sentSignal {
	o.mu.Lock()
	defer o.mu.Unlock()
	msgs := o.msgs
	o.msgs = nil
	return msgs
}

func (o *outbox) types() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.msgs))
	for _, m := range o.msgs {
		if m.data.IsCandidate() {
			out = append(out, "candidate")
		} else {
			out = append(out, m.data.Type)
		}
	}
	return out
}

func newTrack(t *testing.T, kind string) webrtc.TrackLocal {
	t.Helper()
	mime := webrtc.MimeTypeOpus
	if kind == "video" {
		mime = webrtc.MimeTypeVP8
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind, "local")
	require.NoError(t, err)
	return track
}

// orderedIDs returns (low, high) by canonical string form
func orderedIDs() (uuid.UUID, uuid.UUID) {
	a, b := uuid.New(), uuid.New()
	if IsPolite(a, b) {
		return a, b
	}
	return b, a
}
