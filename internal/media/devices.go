package media

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Devices opens capture sources. Every call returns a fresh, running track
// that the caller must Stop.
type Devices interface {
	Microphone() (*SampleTrack, error)
	Camera() (*SampleTrack, error)
	Screen() (*SampleTrack, error)
}

const (
	audioFrame = 20 * time.Millisecond
	videoFrame = 33 * time.Millisecond
)

// opus TOC byte plus padding that decodes to 20ms of silence
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// smallest VP8 interframe header; receivers render it as a repeated frame
var vp8Blank = []byte{0x01, 0x00, 0x00}

// SyntheticDevices produces silent audio and blank video for headless clients
type SyntheticDevices struct {
	clock    clock.Clock
	streamID string
}

// NewSyntheticDevices creates devices paced by clk
func NewSyntheticDevices(clk clock.Clock) *SyntheticDevices {
	if clk == nil {
		clk = clock.New()
	}
	return &SyntheticDevices{clock: clk, streamID: "synthetic-" + uuid.NewString()}
}

func (d *SyntheticDevices) Microphone() (*SampleTrack, error) {
	return d.open(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "microphone", opusSilence, audioFrame)
}

func (d *SyntheticDevices) Camera() (*SampleTrack, error) {
	return d.open(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "camera", vp8Blank, videoFrame)
}

func (d *SyntheticDevices) Screen() (*SampleTrack, error) {
	return d.open(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "screen", vp8Blank, videoFrame)
}

func (d *SyntheticDevices) open(capability webrtc.RTPCodecCapability, id string, frame []byte, every time.Duration) (*SampleTrack, error) {
	track, err := NewSampleTrack(capability, id, d.streamID)
	if err != nil {
		return nil, err
	}

	ticker := d.clock.Ticker(every)
	done := make(chan struct{})
	track.OnStop(func() {
		ticker.Stop()
		close(done)
	})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// unbound tracks return nil, so writing before negotiation is harmless
				_ = track.WriteSample(pionmedia.Sample{Data: frame, Duration: every})
			}
		}
	}()
	return track, nil
}
