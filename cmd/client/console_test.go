package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"callrelay/internal/calls"
	"callrelay/internal/negotiation"
)

type fakeCalls struct {
	mu      sync.Mutex
	actions []string
	err     error
}

func (f *fakeCalls) add(a string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	return f.err
}

func (f *fakeCalls) InitiateCall(_ context.Context, callee calls.Identity) error {
	return f.add("call " + callee.String())
}
func (f *fakeCalls) InitiateCallByPhone(_ context.Context, phone string) error {
	return f.add("phone " + phone)
}
func (f *fakeCalls) AnswerCall(context.Context) error  { return f.add("answer") }
func (f *fakeCalls) DeclineCall(context.Context) error { return f.add("decline") }

func (f *fakeCalls) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

type fakeEngine struct {
	mu      sync.Mutex
	snap    negotiation.Snapshot
	actions []string
}

func (f *fakeEngine) Snapshot() negotiation.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeEngine) add(a string) {
	f.mu.Lock()
	f.actions = append(f.actions, a)
	f.mu.Unlock()
}

func (f *fakeEngine) Poke()   { f.add("poke") }
func (f *fakeEngine) Hangup() { f.add("hangup") }
func (f *fakeEngine) SetMuted(m bool) {
	f.mu.Lock()
	f.snap.Muted = m
	f.mu.Unlock()
	f.add("mute")
}
func (f *fakeEngine) SetCameraOff(off bool) {
	f.mu.Lock()
	f.snap.CameraOff = off
	f.mu.Unlock()
	f.add("camera")
}
func (f *fakeEngine) StartScreenShare() { f.add("share") }
func (f *fakeEngine) StopScreenShare()  { f.add("unshare") }

func (f *fakeEngine) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestConsoleCommands(t *testing.T) {
	api := &fakeCalls{}
	eng := &fakeEngine{}
	out := &syncBuffer{}
	con := newConsole(out, api, eng, nil, false)
	ctx := context.Background()

	for _, line := range []string{"c bob", "p +15550100", "a", "d", "h", "m", "m", "v", "s", ""} {
		if err := con.exec(ctx, line); err != nil {
			t.Fatalf("%q: %v", line, err)
		}
	}

	wantAPI := []string{"call bob", "phone +15550100", "answer", "decline"}
	if got := api.list(); strings.Join(got, ",") != strings.Join(wantAPI, ",") {
		t.Fatalf("api actions: expected %v, got %v", wantAPI, got)
	}
	wantEngine := []string{"poke", "poke", "poke", "poke", "hangup", "mute", "mute", "camera", "share"}
	if got := eng.list(); strings.Join(got, ",") != strings.Join(wantEngine, ",") {
		t.Fatalf("engine actions: expected %v, got %v", wantEngine, got)
	}
	if s := eng.Snapshot(); s.Muted || !s.CameraOff {
		t.Fatalf("toggles ended in the wrong place: %+v", s)
	}

	if err := con.exec(ctx, "c"); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected usage error, got %v", err)
	}
	if err := con.exec(ctx, "zz"); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected unknown command error, got %v", err)
	}
	if err := con.exec(ctx, "q"); !errors.Is(err, errQuit) {
		t.Fatalf("expected quit, got %v", err)
	}
}

func TestConsoleReportsDialFailure(t *testing.T) {
	api := &fakeCalls{err: calls.ErrUnavailable}
	eng := &fakeEngine{}
	out := &syncBuffer{}
	con := newConsole(out, api, eng, nil, false)

	if err := con.exec(context.Background(), "c bob"); err != nil {
		t.Fatalf("dial failures are printed, not returned: %v", err)
	}
	if !strings.Contains(out.String(), "call failed: callee unavailable") {
		t.Fatalf("unexpected output %q", out.String())
	}
	if len(eng.list()) != 0 {
		t.Fatalf("engine should not be poked after a failed dial")
	}
}

func TestConsoleAutoAnswersOncePerCall(t *testing.T) {
	api := &fakeCalls{}
	eng := &fakeEngine{}
	out := &syncBuffer{}
	updates := make(chan negotiation.Snapshot, 8)
	con := newConsole(out, api, eng, updates, true)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- con.run(ctx, strings.NewReader("")) }()

	ringing := negotiation.Snapshot{State: negotiation.StateIdle, Status: calls.Incoming{Caller: "alice"}, Peer: "alice"}
	updates <- ringing
	updates <- ringing
	updates <- negotiation.Snapshot{State: negotiation.StateConnected, Status: calls.InCall{Caller: "alice", Callee: "bob"}, Peer: "alice"}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), "call connected with alice") {
		if time.Now().After(deadline) {
			t.Fatalf("connected state never shown, output %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := api.list(); len(got) != 1 || got[0] != "answer" {
		t.Fatalf("expected a single answer, got %v", got)
	}
	if !strings.Contains(out.String(), "incoming call from alice") {
		t.Fatalf("incoming call not shown, output %q", out.String())
	}
}

func TestConsoleQuitStopsRun(t *testing.T) {
	con := newConsole(&syncBuffer{}, &fakeCalls{}, &fakeEngine{}, nil, false)
	err := con.run(context.Background(), strings.NewReader("m\nq\n"))
	if !errors.Is(err, errQuit) {
		t.Fatalf("expected quit, got %v", err)
	}
}
