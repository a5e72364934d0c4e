package call

import (
	"context"
	"fmt"
)

// ConnectionState mirrors the peer-connection state reported by the transport.
type ConnectionState int

const (
	PeerNew ConnectionState = iota
	PeerConnecting
	PeerConnected
	PeerDisconnected
	PeerFailed
	PeerClosed
)

func (s ConnectionState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	case PeerFailed:
		return "failed"
	case PeerClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PeerEvents are invoked by a PeerConnection from its own goroutines. The
// Manager wraps them so the effect always runs on the event loop.
type PeerEvents struct {
	LocalCandidate func(Candidate)
	RemoteStream   func(RemoteStream)
	StateChange    func(ConnectionState)
}

// PeerConnection is the per-call transport. CreateOffer and CreateAnswer may
// block and are never called on the event loop.
type PeerConnection interface {
	// CreateOffer creates and applies the local offer.
	CreateOffer() (string, error)
	// CreateAnswer applies the remote offer, then creates and applies the
	// local answer.
	CreateAnswer(offer string) (string, error)
	SetAnswer(sdp string) error
	AddICECandidate(c Candidate) error
	Stats() PeerStats
	Close() error
}

// PeerFactory creates one PeerConnection per negotiation attempt. stream may
// be nil for a receive-only peer.
type PeerFactory interface {
	NewPeer(stream MediaStream, ev PeerEvents) (PeerConnection, error)
}

// Constraints selects which local tracks to capture.
type Constraints struct {
	Video bool `json:"video"`
	Audio bool `json:"audio"`
}

// MediaSource opens local capture devices.
type MediaSource interface {
	Acquire(ctx context.Context, c Constraints) (MediaStream, error)
}

// MediaStream is the shared local capture handle.
type MediaStream interface {
	ID() string
	Close() error
}

// RemoteStream describes one inbound track.
type RemoteStream struct {
	StreamID string `json:"stream_id"`
	TrackID  string `json:"track_id"`
	Kind     string `json:"kind"`
	Codec    string `json:"codec"`
}

// PeerStats counts inbound RTP across all remote tracks.
type PeerStats struct {
	PacketsReceived uint64 `json:"packets_received"`
	BytesReceived   uint64 `json:"bytes_received"`
}

type unavailableSource struct{ reason string }

func (u unavailableSource) Acquire(context.Context, Constraints) (MediaStream, error) {
	return nil, fmt.Errorf("%w: %s", ErrMediaUnavailable, u.reason)
}
