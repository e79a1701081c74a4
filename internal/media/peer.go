package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"callrelay/internal/negotiation"

	"github.com/pion/webrtc/v4"
)

var errForeignMedia = errors.New("media was not captured by this stack")

type sentTrack struct {
	track  localTrack
	sender *webrtc.RTPSender
}

// peer adapts a pion PeerConnection. Descriptions travel as the JSON form
// of webrtc.SessionDescription and candidates as webrtc.ICECandidateInit.
type peer struct {
	pc     *webrtc.PeerConnection
	log    *slog.Logger
	events *dispatcher

	mu      sync.Mutex
	senders map[*Capture][]sentTrack
	paused  map[negotiation.MediaKind]bool
}

func newPeer(pc *webrtc.PeerConnection, ev negotiation.PeerEvents, log *slog.Logger) *peer {
	p := &peer{
		pc:      pc,
		log:     log,
		events:  newDispatcher(),
		senders: make(map[*Capture][]sentTrack),
		paused:  make(map[negotiation.MediaKind]bool),
	}
	go p.events.run()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || ev.OnICECandidate == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			log.Error("marshal ice candidate", "err", err)
			return
		}
		p.events.push(func() { ev.OnICECandidate(string(raw)) })
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if ev.OnConnectionState == nil {
			return
		}
		state := connectionState(s)
		p.events.push(func() { ev.OnConnectionState(state) })
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug("remote track", "kind", track.Kind().String(), "id", track.ID())
		go drainRTP(track)
		if ev.OnRemoteTrack == nil {
			return
		}
		rt := negotiation.RemoteTrack{ID: track.ID(), Kind: negotiation.MediaKind(track.Kind().String())}
		p.events.push(func() { ev.OnRemoteTrack(rt) })
	})
	return p
}

// drainRTP keeps the interceptors fed. Playback is left to the platform.
func drainRTP(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func connectionState(s webrtc.PeerConnectionState) negotiation.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return negotiation.ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return negotiation.ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return negotiation.ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return negotiation.ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return negotiation.ConnectionClosed
	default:
		return negotiation.ConnectionNew
	}
}

func trackKind(t localTrack) negotiation.MediaKind {
	if t.Kind() == webrtc.RTPCodecTypeAudio {
		return negotiation.MediaAudio
	}
	return negotiation.MediaVideo
}

func (p *peer) AddLocalMedia(m negotiation.LocalMedia) error {
	c, ok := m.(*Capture)
	if !ok {
		return errForeignMedia
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(c.tracks) == 0 && !c.display {
		return p.addRecvOnly()
	}
	sent := make([]sentTrack, 0, len(c.tracks))
	for _, t := range c.tracks {
		sender, err := p.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)
		if !c.display && p.paused[trackKind(t)] {
			if err := sender.ReplaceTrack(nil); err != nil {
				return err
			}
		}
		sent = append(sent, sentTrack{track: t, sender: sender})
	}
	p.senders[c] = sent
	return nil
}

// addRecvOnly gives the session audio and video m-lines when there is
// nothing to send.
func (p *peer) addRecvOnly() error {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (p *peer) RemoveLocalMedia(m negotiation.LocalMedia) error {
	c, ok := m.(*Capture)
	if !ok {
		return errForeignMedia
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for _, s := range p.senders[c] {
		errs = append(errs, p.pc.RemoveTrack(s.sender))
	}
	delete(p.senders, c)
	return errors.Join(errs...)
}

// SetSendEnabled swaps the camera or microphone track out of its sender.
// Screen capture is not affected.
func (p *peer) SetSendEnabled(kind negotiation.MediaKind, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused[kind] = !enabled
	for c, sent := range p.senders {
		if c.display {
			continue
		}
		for _, s := range sent {
			if trackKind(s.track) != kind {
				continue
			}
			var next webrtc.TrackLocal
			if enabled {
				next = s.track
			}
			if err := s.sender.ReplaceTrack(next); err != nil {
				return fmt.Errorf("toggle %s: %w", kind, err)
			}
		}
	}
	return nil
}

func (p *peer) CreateOffer() (string, error) {
	desc, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	return encodeDescription(desc)
}

func (p *peer) CreateAnswer() (string, error) {
	desc, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	return encodeDescription(desc)
}

func (p *peer) SetLocalDescription(raw string) error {
	desc, err := decodeDescription(raw)
	if err != nil {
		return err
	}
	return p.pc.SetLocalDescription(desc)
}

func (p *peer) SetRemoteDescription(raw string) error {
	desc, err := decodeDescription(raw)
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(desc)
}

func (p *peer) AddICECandidate(raw string) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return fmt.Errorf("decode ice candidate: %w", err)
	}
	return p.pc.AddICECandidate(c)
}

// Close shuts the connection. Callbacks still queued are dropped.
func (p *peer) Close() error {
	p.events.stop()
	return p.pc.Close()
}

func encodeDescription(desc webrtc.SessionDescription) (string, error) {
	raw, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode session description: %w", err)
	}
	return string(raw), nil
}

func decodeDescription(raw string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return desc, fmt.Errorf("decode session description: %w", err)
	}
	if desc.SDP == "" {
		return desc, errors.New("decode session description: empty sdp")
	}
	return desc, nil
}

// dispatcher runs callbacks one at a time, in order, off pion's goroutines.
type dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
}

func newDispatcher() *dispatcher {
	return &dispatcher{wake: make(chan struct{}, 1)}
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, fn)
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) stop() {
	d.mu.Lock()
	d.stopped = true
	d.queue = nil
	d.mu.Unlock()
	d.signal()
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		d.mu.Lock()
		if d.stopped {
			d.mu.Unlock()
			return
		}
		if len(d.queue) == 0 {
			d.mu.Unlock()
			<-d.wake
			continue
		}
		fn := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()
		fn()
	}
}
