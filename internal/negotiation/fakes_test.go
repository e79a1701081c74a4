package negotiation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"callrelay/internal/calls"
	"callrelay/internal/directory"
	"callrelay/internal/session"
)

// localRelay drives a session.Service in-process as one identity.
type localRelay struct {
	svc *session.Service
	id  calls.Identity

	mu   sync.Mutex
	sent []calls.SignalKind
}

func (r *localRelay) GetCallStatus(ctx context.Context) (calls.CallStatus, error) {
	return r.svc.GetCallStatus(ctx, r.id)
}

func (r *localRelay) DeclineCall(ctx context.Context) error { return r.svc.DeclineCall(ctx, r.id) }
func (r *localRelay) EndCall(ctx context.Context) error     { return r.svc.EndCall(ctx, r.id) }

func (r *localRelay) SendSignal(ctx context.Context, target calls.Identity, msg calls.SignalMessage) error {
	if _, err := r.svc.SendSignal(ctx, r.id, target, msg); err != nil {
		return err
	}
	r.mu.Lock()
	r.sent = append(r.sent, msg.Kind())
	r.mu.Unlock()
	return nil
}

func (r *localRelay) FetchSignals(ctx context.Context) ([]calls.Envelope, error) {
	return r.svc.FetchSignals(ctx, r.id)
}

func (r *localRelay) AckSignals(ctx context.Context, through uint64) error {
	_, err := r.svc.AckSignals(ctx, r.id, through)
	return err
}

func (r *localRelay) EnableScreenCast(ctx context.Context) error {
	return r.svc.EnableScreenCast(ctx, r.id)
}

func (r *localRelay) DisableScreenCast(ctx context.Context) error {
	return r.svc.DisableScreenCast(ctx, r.id)
}

func (r *localRelay) sentKinds() []calls.SignalKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]calls.SignalKind(nil), r.sent...)
}

type fakeLocal struct {
	name string

	mu     sync.Mutex
	closed bool
}

func (m *fakeLocal) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *fakeLocal) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type fakeMedia struct {
	mu          sync.Mutex
	denyUser    bool
	denyDisplay bool
	// gate, when set, holds AcquireUserMedia until closed and ignores ctx,
	// like a permission prompt the user leaves open.
	gate    chan struct{}
	started chan struct{}
	user    []*fakeLocal
	display []*fakeLocal
	pcs     []*fakePC
}

func (f *fakeMedia) AcquireUserMedia(ctx context.Context) (LocalMedia, error) {
	f.mu.Lock()
	gate, started, deny := f.gate, f.started, f.denyUser
	f.started = nil
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if deny {
		return nil, errors.New("microphone blocked")
	}
	m := &fakeLocal{name: "user"}
	f.mu.Lock()
	f.user = append(f.user, m)
	f.mu.Unlock()
	return m, nil
}

func (f *fakeMedia) AcquireDisplayMedia(ctx context.Context) (LocalMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denyDisplay {
		return nil, calls.ErrDevicePermissionDenied
	}
	m := &fakeLocal{name: "display"}
	f.display = append(f.display, m)
	return m, nil
}

func (f *fakeMedia) NewPeerConnection(cfg PeerConfig) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{events: cfg.Events, send: make(map[MediaKind]bool)}
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeMedia) lastPC() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[len(f.pcs)-1]
}

func (f *fakeMedia) userMedia() []*fakeLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLocal(nil), f.user...)
}

func (f *fakeMedia) displayMedia() []*fakeLocal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLocal(nil), f.display...)
}

// fakePC records what the engine does to it. It gathers one candidate per
// local description and reports Connected once both descriptions are set.
type fakePC struct {
	events PeerEvents

	mu        sync.Mutex
	ops       []string
	local     string
	remote    string
	offers    int
	media     []LocalMedia
	send      map[MediaKind]bool
	connected bool
	closed    bool
}

func (p *fakePC) record(op string) {
	p.ops = append(p.ops, op)
}

func (p *fakePC) AddLocalMedia(m LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.media = append(p.media, m)
	return nil
}

func (p *fakePC) RemoveLocalMedia(m LocalMedia) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, have := range p.media {
		if have == m {
			p.media = append(p.media[:i], p.media[i+1:]...)
			return nil
		}
	}
	return errors.New("media not attached")
}

func (p *fakePC) SetSendEnabled(kind MediaKind, enabled bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.send[kind] = enabled
	return nil
}

func (p *fakePC) CreateOffer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offers++
	return fmt.Sprintf("offer-%d", p.offers), nil
}

func (p *fakePC) CreateAnswer() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == "" {
		return "", errors.New("no remote offer")
	}
	return "answer-to-" + p.remote, nil
}

func (p *fakePC) SetLocalDescription(desc string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = desc
	p.record("local:" + desc)
	cand := "cand-" + desc
	go p.events.OnICECandidate(cand)
	p.maybeConnect()
	return nil
}

func (p *fakePC) SetRemoteDescription(desc string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = desc
	p.record("remote:" + desc)
	p.maybeConnect()
	return nil
}

func (p *fakePC) maybeConnect() {
	if p.connected || p.local == "" || p.remote == "" {
		return
	}
	p.connected = true
	events := p.events
	go func() {
		events.OnConnectionState(ConnectionConnected)
		events.OnRemoteTrack(RemoteTrack{ID: "remote-audio", Kind: MediaAudio})
	}()
}

func (p *fakePC) AddICECandidate(candidate string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == "" {
		p.record("rejected:" + candidate)
		return errors.New("remote description not set")
	}
	p.record("candidate:" + candidate)
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePC) failConnection() {
	p.events.OnConnectionState(ConnectionFailed)
}

func (p *fakePC) snapshot() (ops []string, closed bool, send map[MediaKind]bool, media int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	send = make(map[MediaKind]bool, len(p.send))
	for k, v := range p.send {
		send[k] = v
	}
	return append([]string(nil), p.ops...), p.closed, send, len(p.media)
}

/* ===================== HARNESS ===================== */

type harness struct {
	t   *testing.T
	svc *session.Service
	dir *directory.Service

	// statusEvery overrides the status poll interval of engines started
	// afterwards.
	statusEvery time.Duration
}

func newHarness(t *testing.T, ids ...calls.Identity) *harness {
	t.Helper()
	dir := directory.NewService(directory.NewMemoryRepo(), nil)
	for _, id := range ids {
		if err := dir.SetAvailable(context.Background(), id, true); err != nil {
			t.Fatalf("set available %s: %v", id, err)
		}
	}
	svc := session.NewService(session.NewMemoryStore(), dir, session.Options{})
	return &harness{t: t, svc: svc, dir: dir}
}

type peer struct {
	id     calls.Identity
	relay  *localRelay
	media  *fakeMedia
	engine *Engine
	stop   context.CancelFunc
	done   chan struct{}
}

func (h *harness) start(id calls.Identity, media *fakeMedia) *peer {
	h.t.Helper()
	if media == nil {
		media = &fakeMedia{}
	}
	relay := &localRelay{svc: h.svc, id: id}
	statusEvery := 10 * time.Millisecond
	if h.statusEvery > 0 {
		statusEvery = h.statusEvery
	}
	e := New(Options{
		Self:           id,
		Relay:          relay,
		Media:          media,
		StatusInterval: statusEvery,
		SignalInterval: 5 * time.Millisecond,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	p := &peer{id: id, relay: relay, media: media, engine: e, stop: cancel, done: make(chan struct{})}
	go func() {
		defer close(p.done)
		if err := e.Run(ctx); err != nil {
			h.t.Errorf("engine %s: %v", id, err)
		}
	}()
	h.t.Cleanup(p.shutdown)
	return p
}

func (p *peer) shutdown() {
	p.stop()
	<-p.done
}

func (p *peer) waitState(t *testing.T, want State) Snapshot {
	t.Helper()
	return p.waitFor(t, "state "+string(want), func(s Snapshot) bool { return s.State == want })
}

func (p *peer) waitFor(t *testing.T, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		s := p.engine.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s: timed out waiting for %s, last snapshot %+v", p.id, what, s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func hasPrefix(ops []string, prefix string) int {
	for i, op := range ops {
		if strings.HasPrefix(op, prefix) {
			return i
		}
	}
	return -1
}
