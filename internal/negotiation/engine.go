// Package negotiation runs the client side of a call: it follows the call
// status, relays offers, answers and ICE candidates through the signal
// mailbox, and drives the local media stack.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"callrelay/internal/calls"
	"callrelay/internal/config"
)

const (
	defaultStatusInterval = time.Second
	defaultSignalInterval = 500 * time.Millisecond
	relayTimeout          = 10 * time.Second
	shutdownGrace         = 5 * time.Second
)

type Options struct {
	Self       calls.Identity
	Relay      Relay
	Media      MediaStack
	ICEServers []config.ICEServer

	StatusInterval time.Duration
	SignalInterval time.Duration

	Logger *slog.Logger
	// OnChange is called from the engine goroutine after every visible
	// change. It must not block.
	OnChange func(Snapshot)
}

// Engine is a single-goroutine reactor. Run owns all call state; every
// blocking operation happens on a helper goroutine that reports back through
// the events channel, and public methods only enqueue commands.
type Engine struct {
	self        calls.Identity
	relay       Relay
	media       MediaStack
	ice         []config.ICEServer
	statusEvery time.Duration
	signalEvery time.Duration
	log         *slog.Logger
	onChange    func(Snapshot)

	commands chan command
	events   chan any
	done     chan struct{}
	epoch    atomic.Uint64
	out      *outbox

	snapMu sync.RWMutex
	snap   Snapshot

	// Owned by the Run goroutine.
	ctx            context.Context
	state          State
	status         calls.CallStatus
	call           *activeCall
	buffer         signalBuffer
	skip           callKey
	statusInFlight bool
	signalInFlight bool
	muted          bool
	cameraOff      bool
	lastErr        error
}

type callKey struct {
	caller, callee calls.Identity
}

type activeCall struct {
	key      callKey
	peer     calls.Identity
	isCaller bool
	epoch    uint64

	ctx    context.Context
	cancel context.CancelFunc

	started bool
	// ready is set once the peer connection can take remote signals.
	ready bool
	local LocalMedia
	pc    PeerConnection

	display       LocalMedia
	granted       bool
	shareStarting bool
	sharing       bool
	remoteSharing bool
	remoteTracks  int
}

func New(opts Options) *Engine {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	l = l.With("identity", opts.Self.String())

	e := &Engine{
		self:        opts.Self,
		relay:       opts.Relay,
		media:       opts.Media,
		ice:         opts.ICEServers,
		statusEvery: opts.StatusInterval,
		signalEvery: opts.SignalInterval,
		log:         l,
		onChange:    opts.OnChange,
		commands:    make(chan command, 16),
		events:      make(chan any, 64),
		done:        make(chan struct{}),
		state:       StateIdle,
		status:      calls.None{},
	}
	if e.statusEvery <= 0 {
		e.statusEvery = defaultStatusInterval
	}
	if e.signalEvery <= 0 {
		e.signalEvery = defaultSignalInterval
	}
	if len(e.ice) == 0 {
		e.ice = config.DefaultICEServers()
	}
	e.out = newOutbox(&e.epoch, relayTimeout, l)
	e.out.onError = func(name string, err error) { e.post(relayError{op: name, err: err}) }
	e.snap = Snapshot{State: StateIdle, Status: calls.None{}}
	return e
}

// Snapshot returns the latest published state.
func (e *Engine) Snapshot() Snapshot {
	e.snapMu.RLock()
	defer e.snapMu.RUnlock()
	return e.snap
}

/* ===================== COMMANDS ===================== */

type cmdKind int

const (
	cmdPoke cmdKind = iota
	cmdHangup
	cmdMute
	cmdCamera
	cmdShareStart
	cmdShareStop
)

type command struct {
	kind cmdKind
	on   bool
}

func (e *Engine) send(c command) {
	select {
	case e.commands <- c:
	case <-e.done:
	}
}

// Poke polls status and signals now instead of waiting for the next tick.
func (e *Engine) Poke() { e.send(command{kind: cmdPoke}) }

// Hangup ends the current call locally and on the server. A ringing call
// is declined.
func (e *Engine) Hangup() { e.send(command{kind: cmdHangup}) }

func (e *Engine) SetMuted(muted bool) { e.send(command{kind: cmdMute, on: muted}) }

func (e *Engine) SetCameraOff(off bool) { e.send(command{kind: cmdCamera, on: off}) }

// StartScreenShare takes the screen-cast grant and only then opens display
// capture.
func (e *Engine) StartScreenShare() { e.send(command{kind: cmdShareStart}) }

func (e *Engine) StopScreenShare() { e.send(command{kind: cmdShareStop}) }

/* ===================== REACTOR ===================== */

type statusResult struct {
	st  calls.CallStatus
	err error
}

type fetchResult struct {
	epoch uint64
	batch []calls.Envelope
	err   error
}

type ackResult struct{ err error }

type mediaResult struct {
	epoch   uint64
	display bool
	m       LocalMedia
	err     error
}

type grantResult struct {
	epoch uint64
	err   error
}

type candidateEvent struct {
	epoch     uint64
	candidate string
}

type connStateEvent struct {
	epoch uint64
	state ConnectionState
}

type remoteTrackEvent struct {
	epoch uint64
	track RemoteTrack
}

type relayError struct {
	op  string
	err error
}

// post hands an event to the reactor. It reports false once Run has
// returned.
func (e *Engine) post(ev any) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	}
}

// Run drives the engine until ctx is cancelled. On return any active call
// has been torn down and hung up.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	go e.out.run(context.WithoutCancel(ctx))

	statusTick := time.NewTicker(e.statusEvery)
	defer statusTick.Stop()
	signalTick := time.NewTicker(e.signalEvery)
	defer signalTick.Stop()

	e.log.Info("engine started")
	e.pollStatus()
	e.publish()

	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case <-statusTick.C:
			e.pollStatus()
		case <-signalTick.C:
			e.pollSignals()
		case c := <-e.commands:
			e.handleCommand(c)
		case ev := <-e.events:
			e.handleEvent(ev)
		}
		e.publish()
	}
}

func (e *Engine) shutdown() {
	e.hangup()
	e.publish()
	close(e.done)
	e.out.close()
	select {
	case <-e.out.done:
	case <-time.After(shutdownGrace):
		e.log.Warn("relay writes still pending at shutdown")
	}
	e.log.Info("engine stopped")
}

func (e *Engine) handleCommand(c command) {
	switch c.kind {
	case cmdPoke:
		e.pollStatus()
		e.pollSignals()
	case cmdHangup:
		e.hangup()
	case cmdMute:
		e.muted = c.on
		e.applySendState()
	case cmdCamera:
		e.cameraOff = c.on
		e.applySendState()
	case cmdShareStart:
		e.startShare()
	case cmdShareStop:
		e.stopShare()
	}
}

func (e *Engine) handleEvent(ev any) {
	switch v := ev.(type) {
	case statusResult:
		e.onStatus(v)
	case fetchResult:
		e.onFetch(v)
	case ackResult:
		e.signalInFlight = false
		if v.err != nil && e.ctx.Err() == nil {
			e.log.Warn("signal ack failed", "err", v.err)
		}
	case mediaResult:
		if v.display {
			e.onDisplayMedia(v)
		} else {
			e.onUserMedia(v)
		}
	case grantResult:
		e.onGrant(v)
	case candidateEvent:
		if c := e.current(v.epoch); c != nil && c.pc != nil {
			e.sendSignal(c, calls.ICECandidate{Candidate: v.candidate})
		}
	case connStateEvent:
		e.onConnState(v)
	case remoteTrackEvent:
		if c := e.current(v.epoch); c != nil {
			c.remoteTracks++
			e.log.Info("remote track", "peer", c.peer.String(), "kind", v.track.Kind, "id", v.track.ID)
		}
	case relayError:
		e.lastErr = fmt.Errorf("%s: %w", v.op, v.err)
	default:
		e.log.Error("unknown engine event", "type", fmt.Sprintf("%T", ev))
	}
}

// current returns the active call if it still belongs to epoch.
func (e *Engine) current(epoch uint64) *activeCall {
	if e.call != nil && e.call.epoch == epoch {
		return e.call
	}
	return nil
}

func (e *Engine) setState(s State) {
	if e.state == s {
		return
	}
	attrs := []any{"from", e.state, "to", s}
	if c := e.call; c != nil {
		attrs = append(attrs, "peer", c.peer.String(), "caller", c.isCaller)
	}
	e.log.Info("engine state", attrs...)
	e.state = s
}

func (e *Engine) publish() {
	s := Snapshot{
		State:           e.state,
		Status:          e.status,
		Muted:           e.muted,
		CameraOff:       e.cameraOff,
		BufferedSignals: e.buffer.len(),
		Err:             e.lastErr,
	}
	if c := e.call; c != nil {
		s.Peer = c.peer
		s.IsCaller = c.isCaller
		s.ScreenSharing = c.sharing
		s.RemoteScreenSharing = c.remoteSharing
		s.RemoteTracks = c.remoteTracks
	}

	e.snapMu.Lock()
	changed := s != e.snap
	e.snap = s
	e.snapMu.Unlock()

	if changed && e.onChange != nil {
		e.onChange(s)
	}
}

/* ===================== STATUS ===================== */

func (e *Engine) pollStatus() {
	if e.statusInFlight {
		return
	}
	e.statusInFlight = true
	ctx := e.ctx
	go func() {
		st, err := e.relay.GetCallStatus(ctx)
		e.post(statusResult{st: st, err: err})
	}()
}

func (e *Engine) onStatus(r statusResult) {
	e.statusInFlight = false
	if r.err != nil {
		if e.ctx.Err() == nil {
			e.log.Warn("status poll failed", "err", r.err)
		}
		return
	}
	e.status = r.st

	switch st := r.st.(type) {
	case calls.None:
		e.skip = callKey{}
		if e.call != nil {
			e.log.Info("call ended remotely", "peer", e.call.peer.String())
			e.teardown(StateEnded)
		}
	case calls.Incoming:
		key := callKey{caller: st.Caller, callee: e.self}
		if key != e.skip {
			e.track(key, st.Caller, false)
		}
	case calls.InCall:
		key := callKey{caller: st.Caller, callee: st.Callee}
		if key == e.skip {
			return
		}
		c := e.track(key, st.Peer(e.self), st.Caller == e.self)
		if !c.started {
			e.start(c)
		}
	}
}

// track returns the call for key, tearing down any other one first.
func (e *Engine) track(key callKey, peer calls.Identity, isCaller bool) *activeCall {
	if e.call != nil && e.call.key == key {
		return e.call
	}
	if e.call != nil {
		e.teardown(StateEnded)
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.call = &activeCall{
		key:      key,
		peer:     peer,
		isCaller: isCaller,
		epoch:    e.epoch.Load(),
		ctx:      ctx,
		cancel:   cancel,
	}
	e.lastErr = nil
	e.state = StateIdle
	e.log.Info("call tracked", "peer", peer.String(), "caller", isCaller)
	return e.call
}

/* ===================== MEDIA & PEER CONNECTION ===================== */

func (e *Engine) start(c *activeCall) {
	c.started = true
	e.setState(StateAcquiringMedia)
	epoch := c.epoch
	go func() {
		m, err := e.media.AcquireUserMedia(c.ctx)
		if !e.post(mediaResult{epoch: epoch, m: m, err: err}) {
			closeMedia(m)
		}
	}()
}

func (e *Engine) onUserMedia(r mediaResult) {
	c := e.current(r.epoch)
	if c == nil || c.local != nil {
		// the call ended while the device prompt was open
		closeMedia(r.m)
		return
	}
	if r.err != nil {
		e.fail(permissionError(r.err))
		return
	}
	c.local = r.m

	pc, err := e.media.NewPeerConnection(PeerConfig{ICEServers: e.ice, Events: e.peerEvents(c.epoch)})
	if err != nil {
		e.fail(connectionError(err))
		return
	}
	c.pc = pc
	if err := pc.AddLocalMedia(c.local); err != nil {
		e.fail(connectionError(err))
		return
	}
	e.applySendState()

	if c.isCaller {
		e.setState(StateOffering)
		if err := e.offer(c); err != nil {
			e.fail(connectionError(err))
			return
		}
	} else {
		e.setState(StateAwaitingOffer)
	}
	c.ready = true
	e.replay(c)
}

func (e *Engine) peerEvents(epoch uint64) PeerEvents {
	return PeerEvents{
		OnICECandidate: func(candidate string) {
			e.post(candidateEvent{epoch: epoch, candidate: candidate})
		},
		OnConnectionState: func(s ConnectionState) {
			e.post(connStateEvent{epoch: epoch, state: s})
		},
		OnRemoteTrack: func(t RemoteTrack) {
			e.post(remoteTrackEvent{epoch: epoch, track: t})
		},
	}
}

func (e *Engine) onConnState(v connStateEvent) {
	c := e.current(v.epoch)
	if c == nil {
		return
	}
	e.log.Debug("peer connection state", "peer", c.peer.String(), "state", v.state.String())
	switch v.state {
	case ConnectionConnected:
		e.setState(StateConnected)
	case ConnectionFailed, ConnectionDisconnected:
		e.fail(fmt.Errorf("%w: peer connection %s", calls.ErrConnectionFailed, v.state))
	}
}

// applySendState pushes the mute and camera flags to the live connection.
func (e *Engine) applySendState() {
	c := e.call
	if c == nil || c.pc == nil {
		return
	}
	if err := c.pc.SetSendEnabled(MediaAudio, !e.muted); err != nil {
		e.log.Warn("toggle microphone failed", "err", err)
	}
	if err := c.pc.SetSendEnabled(MediaVideo, !e.cameraOff); err != nil {
		e.log.Warn("toggle camera failed", "err", err)
	}
}

func (e *Engine) offer(c *activeCall) error {
	sdp, err := c.pc.CreateOffer()
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(sdp); err != nil {
		return err
	}
	e.sendSignal(c, calls.Offer{SDP: sdp})
	return nil
}

/* ===================== SIGNALS ===================== */

// pollSignals starts a fetch-apply-ack cycle unless one is still running.
func (e *Engine) pollSignals() {
	if e.signalInFlight || e.call == nil {
		return
	}
	e.signalInFlight = true
	ctx, epoch := e.ctx, e.call.epoch
	go func() {
		batch, err := e.relay.FetchSignals(ctx)
		e.post(fetchResult{epoch: epoch, batch: batch, err: err})
	}()
}

func (e *Engine) onFetch(r fetchResult) {
	if r.err != nil {
		e.signalInFlight = false
		if e.ctx.Err() == nil {
			e.log.Warn("signal fetch failed", "err", r.err)
		}
		return
	}
	c := e.current(r.epoch)
	if c == nil || len(r.batch) == 0 {
		e.signalInFlight = false
		return
	}

	if n := e.buffer.push(r.batch); n > 0 && !c.ready {
		e.log.Debug("signals buffered", "count", n, "buffered", e.buffer.len())
	}
	if c.ready {
		e.replay(c)
	}

	ctx, through := e.ctx, calls.LastSeq(r.batch)
	go func() {
		e.post(ackResult{err: e.relay.AckSignals(ctx, through)})
	}()
}

// replay applies everything buffered, in arrival order.
func (e *Engine) replay(c *activeCall) {
	for _, env := range e.buffer.drain(c.peer) {
		if e.call != c {
			return
		}
		e.apply(c, env.Message)
	}
}

func (e *Engine) apply(c *activeCall, msg calls.SignalMessage) {
	switch m := msg.(type) {
	case calls.Offer:
		if err := c.pc.SetRemoteDescription(m.SDP); err != nil {
			e.fail(connectionError(err))
			return
		}
		answer, err := c.pc.CreateAnswer()
		if err != nil {
			e.fail(connectionError(err))
			return
		}
		if err := c.pc.SetLocalDescription(answer); err != nil {
			e.fail(connectionError(err))
			return
		}
		e.sendSignal(c, calls.Answer{SDP: answer})
	case calls.Answer:
		if err := c.pc.SetRemoteDescription(m.SDP); err != nil {
			e.fail(connectionError(err))
		}
	case calls.ICECandidate:
		if err := c.pc.AddICECandidate(m.Candidate); err != nil {
			e.log.Warn("ice candidate rejected", "peer", c.peer.String(), "err", err)
		}
	case calls.ScreenShareRequest:
		c.remoteSharing = true
	case calls.ScreenShareStop:
		c.remoteSharing = false
	default:
		e.log.Error("unknown signal", "type", fmt.Sprintf("%T", msg))
	}
}

func (e *Engine) sendSignal(c *activeCall, msg calls.SignalMessage) {
	peer := c.peer
	e.out.push(job{
		name:        string(msg.Kind()),
		epoch:       c.epoch,
		dropIfStale: true,
		run: func(ctx context.Context) error {
			return e.relay.SendSignal(ctx, peer, msg)
		},
	})
}

/* ===================== SCREEN SHARE ===================== */

func (e *Engine) startShare() {
	c := e.call
	if c == nil || !c.ready || e.state != StateConnected {
		e.log.Warn("screen share needs a connected call")
		return
	}
	if c.sharing || c.shareStarting {
		return
	}
	c.shareStarting = true
	epoch := c.epoch
	go func() {
		e.post(grantResult{epoch: epoch, err: e.relay.EnableScreenCast(c.ctx)})
	}()
}

func (e *Engine) onGrant(r grantResult) {
	c := e.current(r.epoch)
	if c == nil {
		if r.err == nil {
			e.releaseGrant()
		}
		return
	}
	if r.err != nil {
		c.shareStarting = false
		e.lastErr = r.err
		e.log.Info("screen share refused", "err", r.err)
		return
	}
	c.granted = true
	epoch := c.epoch
	go func() {
		m, err := e.media.AcquireDisplayMedia(c.ctx)
		if !e.post(mediaResult{epoch: epoch, display: true, m: m, err: err}) {
			closeMedia(m)
		}
	}()
}

func (e *Engine) onDisplayMedia(r mediaResult) {
	c := e.current(r.epoch)
	if c == nil {
		// teardown already released the grant
		closeMedia(r.m)
		return
	}
	c.shareStarting = false
	if r.err != nil {
		e.lastErr = permissionError(r.err)
		c.granted = false
		e.releaseGrant()
		return
	}
	if err := c.pc.AddLocalMedia(r.m); err != nil {
		closeMedia(r.m)
		e.lastErr = connectionError(err)
		c.granted = false
		e.releaseGrant()
		return
	}
	c.display = r.m
	c.sharing = true
	e.sendSignal(c, calls.ScreenShareRequest{})
	if err := e.offer(c); err != nil {
		e.fail(connectionError(err))
	}
}

// stopShare releases capture before the grant.
func (e *Engine) stopShare() {
	c := e.call
	if c == nil || !c.sharing {
		return
	}
	if err := c.pc.RemoveLocalMedia(c.display); err != nil {
		e.log.Warn("detach display media failed", "err", err)
	}
	closeMedia(c.display)
	c.display = nil
	c.sharing = false
	if err := e.offer(c); err != nil {
		e.fail(connectionError(err))
		return
	}
	e.sendSignal(c, calls.ScreenShareStop{})
	c.granted = false
	e.releaseGrant()
}

func (e *Engine) releaseGrant() {
	e.out.push(job{name: "screencast_disable", run: e.relay.DisableScreenCast})
}

/* ===================== TEARDOWN ===================== */

func (e *Engine) hangup() {
	c := e.call
	if c == nil {
		return
	}
	e.skip = c.key
	e.endRemote(c)
	e.teardown(StateEnded)
}

func (e *Engine) fail(err error) {
	c := e.call
	if c == nil {
		return
	}
	e.log.Error("call failed", "peer", c.peer.String(), "err", err)
	e.lastErr = err
	e.skip = c.key
	e.endRemote(c)
	e.teardown(StateFailed)
}

// endRemote hangs up on the server. A callee that has not seen the call
// established declines, and ends it instead if it was answered meanwhile.
func (e *Engine) endRemote(c *activeCall) {
	if !c.isCaller && !c.started {
		e.out.push(job{name: "decline", run: func(ctx context.Context) error {
			err := e.relay.DeclineCall(ctx)
			if errors.Is(err, calls.ErrNoIncomingCall) {
				return e.relay.EndCall(ctx)
			}
			return err
		}})
		return
	}
	e.out.push(job{name: "end", run: e.relay.EndCall})
}

// teardown releases everything the call holds. It runs on every exit path.
func (e *Engine) teardown(final State) {
	c := e.call
	if c != nil {
		c.cancel()
		if c.display != nil {
			closeMedia(c.display)
		}
		if c.granted {
			e.releaseGrant()
		}
		if c.pc != nil {
			if err := c.pc.Close(); err != nil {
				e.log.Warn("close peer connection failed", "err", err)
			}
		}
		closeMedia(c.local)
		e.call = nil
		e.epoch.Add(1)
	}
	// The server empties both mailboxes when a call ends, so only what this
	// side has seen is acknowledged. A blind clear could eat the next
	// caller's offer.
	if seq := e.buffer.lastSeq; seq > 0 {
		e.out.push(job{name: "ack_signals", run: func(ctx context.Context) error {
			return e.relay.AckSignals(ctx, seq)
		}})
	}
	e.buffer.discard()
	e.setState(final)
}

func closeMedia(m LocalMedia) {
	if m != nil {
		_ = m.Close()
	}
}

func permissionError(err error) error {
	if errors.Is(err, calls.ErrDevicePermissionDenied) {
		return err
	}
	return fmt.Errorf("%w: %v", calls.ErrDevicePermissionDenied, err)
}

func connectionError(err error) error {
	if errors.Is(err, calls.ErrConnectionFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", calls.ErrConnectionFailed, err)
}
