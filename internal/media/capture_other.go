//go:build !linux

package media

import (
	"fmt"
	"log/slog"

	"callrelay/internal/calls"

	"github.com/pion/webrtc/v4"
)

func newMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return m, nil
}

// captureUser returns no tracks; the call runs receive-only.
func captureUser(log *slog.Logger) ([]localTrack, error) {
	log.Warn("no capture drivers on this platform, joining receive-only")
	return nil, nil
}

func captureDisplay(*slog.Logger) ([]localTrack, error) {
	return nil, fmt.Errorf("%w: screen capture is not supported on this platform", calls.ErrDevicePermissionDenied)
}
