package negotiation

import (
	"context"

	"callrelay/internal/calls"
	"callrelay/internal/config"
)

// Relay is the slice of the session API the engine drives. Every method acts
// on behalf of the engine's own identity.
type Relay interface {
	GetCallStatus(ctx context.Context) (calls.CallStatus, error)
	DeclineCall(ctx context.Context) error
	EndCall(ctx context.Context) error

	SendSignal(ctx context.Context, target calls.Identity, msg calls.SignalMessage) error
	FetchSignals(ctx context.Context) ([]calls.Envelope, error)
	// AckSignals drops the mailbox prefix up to and including through.
	AckSignals(ctx context.Context, through uint64) error

	EnableScreenCast(ctx context.Context) error
	DisableScreenCast(ctx context.Context) error
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type RemoteTrack struct {
	ID   string
	Kind MediaKind
}

// PeerEvents are invoked from media stack goroutines, in order per peer
// connection.
type PeerEvents struct {
	OnICECandidate    func(candidate string)
	OnConnectionState func(state ConnectionState)
	OnRemoteTrack     func(track RemoteTrack)
}

type PeerConfig struct {
	ICEServers []config.ICEServer
	Events     PeerEvents
}

// LocalMedia is a set of captured tracks. Close stops capture and releases
// the devices.
type LocalMedia interface {
	Close() error
}

// PeerConnection wraps one media session. Descriptions and candidates are
// opaque strings produced and consumed only by the same media stack.
type PeerConnection interface {
	AddLocalMedia(m LocalMedia) error
	RemoveLocalMedia(m LocalMedia) error
	// SetSendEnabled pauses or resumes outgoing camera/microphone media
	// without renegotiation.
	SetSendEnabled(kind MediaKind, enabled bool) error

	CreateOffer() (string, error)
	CreateAnswer() (string, error)
	SetLocalDescription(desc string) error
	SetRemoteDescription(desc string) error
	AddICECandidate(candidate string) error

	Close() error
}

// MediaStack acquires capture devices and builds peer connections.
// Acquisition may block on a permission prompt; implementations should
// return early when ctx is cancelled, but the engine copes with ones that
// don't.
type MediaStack interface {
	AcquireUserMedia(ctx context.Context) (LocalMedia, error)
	AcquireDisplayMedia(ctx context.Context) (LocalMedia, error)
	NewPeerConnection(cfg PeerConfig) (PeerConnection, error)
}
