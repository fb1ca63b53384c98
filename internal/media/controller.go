package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/peer"
	"huddle-backend/internal/protocol"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
)

// TrackSink receives every outgoing track change, normally a peer.Engine
type TrackSink interface {
	SetTrack(slot peer.Slot, track webrtc.TrackLocal)
	RemoveTrack(slot peer.Slot)
}

// StatePublisher tells the other participants what we are sending
type StatePublisher interface {
	PublishState(state protocol.ParticipantState) error
}

// Controller owns the microphone, camera and screen tracks of the local user.
// The camera and the screen share the video slot, so switching between them
// is a replacement and never renegotiates.
type Controller struct {
	callID  uuid.UUID
	userID  uuid.UUID
	devices Devices
	sink    TrackSink
	pub     StatePublisher
	log     *zap.Logger

	mu     sync.Mutex
	mic    *SampleTrack
	camera *SampleTrack
	screen *SampleTrack
	state  domain.ParticipantMediaState
	remote map[uuid.UUID]domain.ParticipantMediaState
	closed bool
}

// NewController creates a controller with nothing captured yet
func NewController(callID, userID uuid.UUID, devices Devices, sink TrackSink, pub StatePublisher) *Controller {
	return &Controller{
		callID:  callID,
		userID:  userID,
		devices: devices,
		sink:    sink,
		pub:     pub,
		log:     logger.ForCall(callID, userID),
		state: domain.ParticipantMediaState{
			UserID:    userID,
			MicMuted:  true,
			CameraOff: true,
		},
		remote: make(map[uuid.UUID]domain.ParticipantMediaState),
	}
}

// Start captures the microphone, and the camera for video calls. A device
// that cannot be opened leaves its flag off; the call goes on without it.
func (c *Controller) Start(kind domain.CallKind) {
	if mic, err := c.devices.Microphone(); err != nil {
		c.log.Warn("Microphone unavailable", zap.Error(err))
	} else if c.adopt(func() { c.mic = mic; c.state.MicMuted = false }, mic) {
		c.sink.SetTrack(peer.SlotAudio, mic)
	}

	if kind != domain.CallKindVideo {
		return
	}
	if cam, err := c.devices.Camera(); err != nil {
		c.log.Warn("Camera unavailable", zap.Error(err))
	} else if c.adopt(func() { c.camera = cam; c.state.CameraOff = false }, cam) {
		c.sink.SetTrack(peer.SlotVideo, cam)
	}
}

// adopt applies set under the lock unless the controller was closed meanwhile
func (c *Controller) adopt(set func(), track *SampleTrack) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		track.Stop()
		return false
	}
	set()
	return true
}

// ToggleMic mutes or unmutes the microphone and returns the new muted flag
func (c *Controller) ToggleMic() (bool, error) {
	c.mu.Lock()
	if c.mic == nil {
		c.mu.Unlock()
		return true, apperrors.MediaUnavailableError("microphone", nil)
	}
	c.state.MicMuted = !c.state.MicMuted
	c.mic.SetEnabled(!c.state.MicMuted)
	muted := c.state.MicMuted
	state := c.state
	c.mu.Unlock()

	c.publish(state)
	return muted, nil
}

// ToggleCamera turns the camera on or off and returns the new off flag.
// The first enable opens the device and adds a sender.
func (c *Controller) ToggleCamera() (bool, error) {
	c.mu.Lock()
	if c.camera != nil {
		c.state.CameraOff = !c.state.CameraOff
		c.camera.SetEnabled(!c.state.CameraOff)
		off := c.state.CameraOff
		state := c.state
		c.mu.Unlock()

		c.publish(state)
		return off, nil
	}
	c.mu.Unlock()

	cam, err := c.devices.Camera()
	if err != nil {
		return true, apperrors.MediaUnavailableError("camera", err)
	}

	c.mu.Lock()
	if c.closed || c.camera != nil {
		c.mu.Unlock()
		cam.Stop()
		return c.State().CameraOff, nil
	}
	c.camera = cam
	c.state.CameraOff = false
	sharing := c.state.ScreenSharing
	state := c.state
	c.mu.Unlock()

	// while sharing, the screen keeps the slot until the share stops
	if !sharing {
		c.sink.SetTrack(peer.SlotVideo, cam)
	}
	c.publish(state)
	return false, nil
}

// StartScreenShare puts the screen on the video slot
func (c *Controller) StartScreenShare() error {
	c.mu.Lock()
	sharing := c.state.ScreenSharing
	c.mu.Unlock()
	if sharing {
		return apperrors.AlreadySharingError()
	}

	screen, err := c.devices.Screen()
	if err != nil {
		return apperrors.MediaUnavailableError("screen", err)
	}

	c.mu.Lock()
	if c.closed || c.state.ScreenSharing {
		c.mu.Unlock()
		screen.Stop()
		return apperrors.AlreadySharingError()
	}
	c.screen = screen
	c.state.ScreenSharing = true
	state := c.state
	c.mu.Unlock()

	c.sink.SetTrack(peer.SlotVideo, screen)
	c.publish(state)
	return nil
}

// StopScreenShare gives the video slot back to the camera, or empties it
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	if !c.state.ScreenSharing {
		c.mu.Unlock()
		return apperrors.NotSharingError()
	}
	screen := c.screen
	cam := c.camera
	c.screen = nil
	c.state.ScreenSharing = false
	state := c.state
	c.mu.Unlock()

	if cam != nil {
		c.sink.SetTrack(peer.SlotVideo, cam)
	} else {
		c.sink.RemoveTrack(peer.SlotVideo)
	}
	screen.Stop()
	c.publish(state)
	return nil
}

func (c *Controller) publish(state domain.ParticipantMediaState) {
	err := c.pub.PublishState(protocol.ParticipantState{
		CallID:          c.callID,
		UserID:          c.userID,
		IsMicOff:        state.MicMuted,
		IsCameraOff:     state.CameraOff,
		IsScreenSharing: state.ScreenSharing,
	})
	if err != nil {
		c.log.Warn("Failed to publish media state", zap.Error(err))
	}
}

// State returns the local media state
func (c *Controller) State() domain.ParticipantMediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ApplyRemote mirrors a participant's announced media state
func (c *Controller) ApplyRemote(s protocol.ParticipantState) {
	if s.UserID == c.userID {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote[s.UserID] = domain.ParticipantMediaState{
		UserID:        s.UserID,
		MicMuted:      s.IsMicOff,
		CameraOff:     s.IsCameraOff,
		ScreenSharing: s.IsScreenSharing,
	}
}

// Remote returns the last state announced by userID
func (c *Controller) Remote(userID uuid.UUID) (domain.ParticipantMediaState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.remote[userID]
	return s, ok
}

// ForgetRemote drops a departed participant's mirror
func (c *Controller) ForgetRemote(userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.remote, userID)
}

// Close stops every capture source
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	tracks := []*SampleTrack{c.mic, c.camera, c.screen}
	c.mic, c.camera, c.screen = nil, nil, nil
	c.mu.Unlock()

	for _, t := range tracks {
		if t != nil {
			t.Stop()
		}
	}
}
