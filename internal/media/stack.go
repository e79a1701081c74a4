// Package media is the pion implementation of the negotiation media stack.
// Capture uses pion/mediadevices where the platform has drivers; elsewhere
// calls run receive-only.
package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callrelay/internal/config"
	"callrelay/internal/negotiation"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// ICE timeouts: disconnected, failed, keepalive. A brief relay hiccup must
// not end the call.
const (
	iceDisconnectedTimeout = 30 * time.Second
	iceFailedTimeout       = 120 * time.Second
	iceKeepAlive           = 2 * time.Second
)

// localTrack is a captured track that can be sent over a peer connection.
type localTrack interface {
	webrtc.TrackLocal
	Close() error
}

// Capture is a set of tracks from one getUserMedia or getDisplayMedia call.
type Capture struct {
	display bool
	tracks  []localTrack

	once sync.Once
	err  error
}

// Close stops every track. It is safe to call more than once.
func (c *Capture) Close() error {
	c.once.Do(func() {
		var errs []error
		for _, t := range c.tracks {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.err = errors.Join(errs...)
	})
	return c.err
}

type Stack struct {
	log *slog.Logger
}

func NewStack(log *slog.Logger) *Stack {
	if log == nil {
		log = slog.Default()
	}
	return &Stack{log: log.With("component", "media")}
}

func (s *Stack) AcquireUserMedia(ctx context.Context) (negotiation.LocalMedia, error) {
	c, err := s.acquire(ctx, false, captureUser)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Stack) AcquireDisplayMedia(ctx context.Context) (negotiation.LocalMedia, error) {
	c, err := s.acquire(ctx, true, captureDisplay)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type captureResult struct {
	tracks []localTrack
	err    error
}

// acquire runs the device call on its own goroutine so ctx can abandon a
// prompt that never returns. Tracks delivered after that are closed.
func (s *Stack) acquire(ctx context.Context, display bool, fn func(*slog.Logger) ([]localTrack, error)) (*Capture, error) {
	res := make(chan captureResult, 1)
	go func() {
		tracks, err := fn(s.log)
		res <- captureResult{tracks: tracks, err: err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return nil, r.err
		}
		s.log.Info("media captured", "display", display, "tracks", len(r.tracks))
		return &Capture{display: display, tracks: r.tracks}, nil
	case <-ctx.Done():
		go func() {
			r := <-res
			late := &Capture{tracks: r.tracks}
			_ = late.Close()
		}()
		return nil, ctx.Err()
	}
}

func (s *Stack) NewPeerConnection(cfg negotiation.PeerConfig) (negotiation.PeerConnection, error) {
	mediaEngine, err := newMediaEngine()
	if err != nil {
		return nil, err
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepAlive)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers(cfg.ICEServers)})
	if err != nil {
		return nil, err
	}
	return newPeer(pc, cfg.Events, s.log), nil
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}
