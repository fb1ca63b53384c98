// Package peer negotiates one media connection per remote participant of a call.
//
// Every Link runs perfect negotiation: both sides may offer at any time, the
// polite side yields on collision and the impolite side ignores the colliding
// offer. Links talk to the network through the PeerConnection interface so the
// state machine can be driven without a real WebRTC stack.
package peer

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// SignalingState is the offer/answer state of a connection
type SignalingState int

const (
	StateStable SignalingState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateClosed
)

func (s SignalingState) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connectivity is the ICE connection state as the watchdog sees it
type Connectivity int

const (
	ConnNew Connectivity = iota
	ConnChecking
	ConnConnected
	ConnDisconnected
	ConnFailed
	ConnClosed
)

func (c Connectivity) String() string {
	switch c {
	case ConnNew:
		return "new"
	case ConnChecking:
		return "checking"
	case ConnConnected:
		return "connected"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DescriptionType is the SDP type carried in a signal
type DescriptionType string

const (
	DescOffer  DescriptionType = "offer"
	DescAnswer DescriptionType = "answer"
)

// Description is a session description
type Description struct {
	Type DescriptionType
	SDP  string
}

// Slot names an outgoing sender. Screen share and camera share the video slot.
type Slot string

const (
	SlotAudio Slot = "audio"
	SlotVideo Slot = "video"
)

// Sender carries one outgoing track
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// PeerConnection is the part of a WebRTC peer connection a Link drives.
// Candidates travel as their JSON form so they pass through the relay untouched.
type PeerConnection interface {
	SignalingState() SignalingState
	CreateOffer(iceRestart bool) (Description, error)
	CreateAnswer() (Description, error)
	SetLocalDescription(desc Description) error
	SetRemoteDescription(desc Description) error
	// Rollback abandons a pending local offer and returns to stable.
	// Senders returned by AddTrack stay usable.
	Rollback() error
	AddICECandidate(candidate json.RawMessage) error
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveTrack(sender Sender) error
	OnICECandidate(fn func(candidate json.RawMessage))
	OnConnectivityChange(fn func(Connectivity))
	Close() error
}
