//go:build linux

package media

import (
	"fmt"
	"log/slog"

	"callrelay/internal/calls"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const videoBitRate = 1_500_000

func codecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

func newMediaEngine() (*webrtc.MediaEngine, error) {
	selector, err := codecSelector()
	if err != nil {
		return nil, err
	}
	m := &webrtc.MediaEngine{}
	selector.Populate(m)
	return m, nil
}

func cameraConstraints(c *mediadevices.MediaTrackConstraints) {
	// raw formats only; MJPEG nodes on some cameras poison the encoder
	c.FrameFormat = prop.FrameFormatOneOf{
		frame.FormatYUYV,
		frame.FormatI420,
		frame.FormatI444,
		frame.FormatRGBA,
	}
	c.Width = prop.IntRanged{Max: 640}
	c.Height = prop.IntRanged{Max: 480}
}

// captureUser tries camera and microphone together, then each alone, so a
// busy device does not take the other one down with it.
func captureUser(log *slog.Logger) ([]localTrack, error) {
	selector, err := codecSelector()
	if err != nil {
		return nil, err
	}
	if len(mediadevices.EnumerateDevices()) == 0 {
		return nil, fmt.Errorf("%w: no capture devices", calls.ErrDevicePermissionDenied)
	}

	attempts := []struct {
		label        string
		video, audio bool
	}{
		{"video+audio", true, true},
		{"video-only", true, false},
		{"audio-only", false, true},
	}
	var lastErr error
	for _, a := range attempts {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}
		if a.video {
			constraints.Video = cameraConstraints
		}
		if a.audio {
			constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
		}
		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Warn("user media attempt failed", "attempt", a.label, "err", err)
			lastErr = err
			continue
		}
		return wrapTracks(log, stream.GetTracks()), nil
	}
	return nil, fmt.Errorf("%w: %v", calls.ErrDevicePermissionDenied, lastErr)
}

func captureDisplay(log *slog.Logger) ([]localTrack, error) {
	selector, err := codecSelector()
	if err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Video: func(*mediadevices.MediaTrackConstraints) {},
		Codec: selector,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", calls.ErrDevicePermissionDenied, err)
	}
	return wrapTracks(log, stream.GetTracks()), nil
}

func wrapTracks(log *slog.Logger, tracks []mediadevices.Track) []localTrack {
	out := make([]localTrack, 0, len(tracks))
	for _, t := range tracks {
		kind := t.Kind().String()
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn("local track ended", "kind", kind, "err", err)
			}
		})
		out = append(out, t)
	}
	return out
}
