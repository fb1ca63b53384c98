// Package media owns the local user's outgoing tracks during a call.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// SampleTrack is a local track that drops samples while disabled.
// Muting flips the flag; the sender and its negotiation are untouched.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample

	enabled  atomic.Bool
	stopOnce sync.Once
	stop     func()
}

// NewSampleTrack creates an enabled track for one codec
func NewSampleTrack(capability webrtc.RTPCodecCapability, id, streamID string) (*SampleTrack, error) {
	inner, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &SampleTrack{TrackLocalStaticSample: inner}
	t.enabled.Store(true)
	return t, nil
}

// WriteSample forwards s to every bound sender unless the track is disabled
func (t *SampleTrack) WriteSample(s pionmedia.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

func (t *SampleTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *SampleTrack) Enabled() bool { return t.enabled.Load() }

// OnStop registers the function that releases the capture source
func (t *SampleTrack) OnStop(fn func()) { t.stop = fn }

// Stop releases the capture source. Safe to call more than once.
func (t *SampleTrack) Stop() {
	t.stopOnce.Do(func() {
		t.enabled.Store(false)
		if t.stop != nil {
			t.stop()
		}
	})
}
