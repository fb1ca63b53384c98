package media

import (
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/peer"
	"huddle-backend/internal/protocol"
	apperrors "huddle-backend/pkg/errors"
)

type sinkOp struct {
	op    string
	slot  peer.Slot
	track webrtc.TrackLocal
}

type recordingSink struct {
	mu  sync.Mutex
	ops []sinkOp
}

func (s *recordingSink) SetTrack(slot peer.Slot, track webrtc.TrackLocal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, sinkOp{op: "set", slot: slot, track: track})
}

func (s *recordingSink) RemoveTrack(slot peer.Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, sinkOp{op: "remove", slot: slot})
}

func (s *recordingSink) last() sinkOp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[len(s.ops)-1]
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ops)
}

type recordingPublisher struct {
	mu     sync.Mutex
	states []protocol.ParticipantState
}

func (p *recordingPublisher) PublishState(s protocol.ParticipantState) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s)
	return nil
}

func (p *recordingPublisher) last() protocol.ParticipantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.states[len(p.states)-1]
}

// countingDevices wraps synthetic devices and counts opens
type countingDevices struct {
	*SyntheticDevices
	mu       sync.Mutex
	cameras  int
	noCamera bool
	opened   []*SampleTrack
}

func (d *countingDevices) Camera() (*SampleTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.noCamera {
		return nil, errors.New("no camera")
	}
	d.cameras++
	t, err := d.SyntheticDevices.Camera()
	d.opened = append(d.opened, t)
	return t, err
}

type fixture struct {
	ctrl    *Controller
	devices *countingDevices
	sink    *recordingSink
	pub     *recordingPublisher
	callID  uuid.UUID
	userID  uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		devices: &countingDevices{SyntheticDevices: NewSyntheticDevices(clock.NewMock())},
		sink:    &recordingSink{},
		pub:     &recordingPublisher{},
		callID:  uuid.New(),
		userID:  uuid.New(),
	}
	f.ctrl = NewController(f.callID, f.userID, f.devices, f.sink, f.pub)
	t.Cleanup(f.ctrl.Close)
	return f
}

func TestStartAudioCallCapturesMicOnly(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Start(domain.CallKindAudio)

	state := f.ctrl.State()
	assert.False(t, state.MicMuted)
	assert.True(t, state.CameraOff)
	assert.Equal(t, 1, f.sink.count())
	assert.Equal(t, peer.SlotAudio, f.sink.last().slot)
	assert.Equal(t, 0, f.devices.cameras)
}

func TestToggleMicFlipsFlagAndPublishes(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Start(domain.CallKindAudio)
	mic := f.ctrl.mic

	muted, err := f.ctrl.ToggleMic()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.False(t, mic.Enabled())
	assert.Equal(t, protocol.ParticipantState{CallID: f.callID, UserID: f.userID, IsMicOff: true, IsCameraOff: true}, f.pub.last())

	muted, err = f.ctrl.ToggleMic()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, mic.Enabled())
	assert.Equal(t, 1, f.sink.count(), "muting never touches the sender")
}

func TestToggleMicWithoutMicrophone(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.ToggleMic()
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaUnavailable))
}

func TestToggleCameraAcquiresLazily(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Start(domain.CallKindAudio)

	off, err := f.ctrl.ToggleCamera()
	require.NoError(t, err)
	assert.False(t, off)
	assert.Equal(t, 1, f.devices.cameras)
	assert.Equal(t, sinkOp{op: "set", slot: peer.SlotVideo, track: f.ctrl.camera}, f.sink.last())

	off, err = f.ctrl.ToggleCamera()
	require.NoError(t, err)
	assert.True(t, off)
	off, err = f.ctrl.ToggleCamera()
	require.NoError(t, err)
	assert.False(t, off)

	assert.Equal(t, 1, f.devices.cameras, "the device is opened once")
	assert.Equal(t, 2, f.sink.count(), "later toggles only flip the enabled flag")
	assert.False(t, f.pub.last().IsCameraOff)
}

func TestToggleCameraUnavailable(t *testing.T) {
	f := newFixture(t)
	f.devices.noCamera = true

	off, err := f.ctrl.ToggleCamera()
	assert.True(t, off)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeMediaUnavailable))
	assert.True(t, f.ctrl.State().CameraOff)
}

func TestScreenShareReplacesCameraAndRestoresIt(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Start(domain.CallKindVideo)
	camera := f.ctrl.camera
	require.NotNil(t, camera)

	require.NoError(t, f.ctrl.StartScreenShare())
	screen := f.ctrl.screen
	assert.Equal(t, sinkOp{op: "set", slot: peer.SlotVideo, track: screen}, f.sink.last())
	assert.True(t, f.pub.last().IsScreenSharing)

	err := f.ctrl.StartScreenShare()
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeAlreadySharing))

	require.NoError(t, f.ctrl.StopScreenShare())
	assert.Equal(t, sinkOp{op: "set", slot: peer.SlotVideo, track: camera}, f.sink.last())
	assert.False(t, screen.Enabled(), "screen capture released")
	assert.False(t, f.ctrl.State().ScreenSharing)

	err = f.ctrl.StopScreenShare()
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotSharing))
}

func TestScreenShareWithoutCameraEmptiesSlotOnStop(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Start(domain.CallKindAudio)

	require.NoError(t, f.ctrl.StartScreenShare())
	require.NoError(t, f.ctrl.StopScreenShare())
	assert.Equal(t, sinkOp{op: "remove", slot: peer.SlotVideo}, f.sink.last())
}

func TestCameraEnabledDuringShareWaitsForSlot(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Start(domain.CallKindAudio)
	require.NoError(t, f.ctrl.StartScreenShare())
	before := f.sink.count()

	_, err := f.ctrl.ToggleCamera()
	require.NoError(t, err)
	assert.Equal(t, before, f.sink.count(), "screen keeps the video slot")

	require.NoError(t, f.ctrl.StopScreenShare())
	assert.Equal(t, sinkOp{op: "set", slot: peer.SlotVideo, track: f.ctrl.camera}, f.sink.last())
}

func TestRemoteStateMirror(t *testing.T) {
	f := newFixture(t)
	other := uuid.New()

	f.ctrl.ApplyRemote(protocol.ParticipantState{CallID: f.callID, UserID: other, IsMicOff: true})
	f.ctrl.ApplyRemote(protocol.ParticipantState{CallID: f.callID, UserID: f.userID, IsCameraOff: false})

	s, ok := f.ctrl.Remote(other)
	require.True(t, ok)
	assert.True(t, s.MicMuted)
	_, ok = f.ctrl.Remote(f.userID)
	assert.False(t, ok, "own echo is not mirrored")

	f.ctrl.ForgetRemote(other)
	_, ok = f.ctrl.Remote(other)
	assert.False(t, ok)
}

func TestCloseStopsEveryTrack(t *testing.T) {
	f := newFixture(t)
	f.ctrl.Start(domain.CallKindVideo)
	mic, camera := f.ctrl.mic, f.ctrl.camera

	f.ctrl.Close()
	assert.False(t, mic.Enabled())
	assert.False(t, camera.Enabled())
	f.ctrl.Close()
}
