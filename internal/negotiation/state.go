package negotiation

import "callrelay/internal/calls"

type State string

const (
	StateIdle           State = "idle"
	StateAcquiringMedia State = "acquiring_media"
	StateOffering       State = "offering"
	StateAwaitingOffer  State = "awaiting_offer"
	StateConnected      State = "connected"
	StateEnded          State = "ended"
	StateFailed         State = "failed"
)

// Snapshot is what the presentation layer renders.
type Snapshot struct {
	State  State
	Status calls.CallStatus
	Peer   calls.Identity
	// IsCaller is meaningful only while Peer is set.
	IsCaller bool

	Muted               bool
	CameraOff           bool
	ScreenSharing       bool
	RemoteScreenSharing bool
	RemoteTracks        int
	BufferedSignals     int

	// Err is the last user-visible error. It is cleared when a new call starts.
	Err error
}
