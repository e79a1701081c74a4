package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"callrelay/internal/audit"
	"callrelay/internal/calls"
	"callrelay/internal/rbac"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeDirectory struct {
	mu        sync.Mutex
	available map[calls.Identity]bool
	roles     map[calls.Identity]string
}

func newFakeDirectory(available ...calls.Identity) *fakeDirectory {
	d := &fakeDirectory{
		available: make(map[calls.Identity]bool),
		roles:     make(map[calls.Identity]string),
	}
	for _, id := range available {
		d.available[id] = true
		d.roles[id] = rbac.RoleUser
	}
	return d
}

func (d *fakeDirectory) Available(_ context.Context, id calls.Identity) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.available[id]
	if !ok {
		return false, calls.ErrNotFound
	}
	return v, nil
}

func (d *fakeDirectory) SetAvailable(_ context.Context, id calls.Identity, available bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.available[id] = available
	return nil
}

func (d *fakeDirectory) Role(_ context.Context, id calls.Identity) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r, ok := d.roles[id]; ok {
		return r, nil
	}
	return rbac.RoleGuest, nil
}

func (d *fakeDirectory) AssignRole(_ context.Context, id calls.Identity, role string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.roles[id]; !ok {
		return calls.ErrNotFound
	}
	d.roles[id] = role
	return nil
}

// forEachStore runs fn against the memory store and the Redis store.
func forEachStore(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = rdb.Close() })
		fn(t, NewRedisStore(rdb, "test"))
	})
}

func mustStatus(t *testing.T, svc *Service, id calls.Identity) calls.CallStatus {
	t.Helper()
	st, err := svc.GetCallStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("status %s: %v", id, err)
	}
	return st
}

func expectStatus(t *testing.T, svc *Service, id calls.Identity, want calls.CallStatus) {
	t.Helper()
	if got := mustStatus(t, svc, id); got != want {
		t.Fatalf("status %s: expected %+v, got %+v", id, want, got)
	}
}

func connect(t *testing.T, svc *Service, a, b calls.Identity) {
	t.Helper()
	ctx := context.Background()
	if err := svc.InitiateCall(ctx, a, b); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := svc.AnswerCall(ctx, b); err != nil {
		t.Fatalf("answer: %v", err)
	}
}

func TestInitiateCall_WritesBothSides(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		repo := audit.NewMemoryRepo()
		svc := NewService(store, newFakeDirectory("a", "b"), Options{Audit: audit.NewService(repo)})

		if err := svc.InitiateCall(context.Background(), "a", "b"); err != nil {
			t.Fatalf("initiate: %v", err)
		}
		expectStatus(t, svc, "a", calls.InCall{Caller: "a", Callee: "b"})
		expectStatus(t, svc, "b", calls.Incoming{Caller: "a"})

		if evs := repo.Events(); len(evs) != 1 || evs[0].Type != audit.EventCallInitiated {
			t.Fatalf("expected initiate audit event, got %+v", evs)
		}
	})
}

func TestInitiateCall_Preconditions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		dir := newFakeDirectory("a", "b", "c")
		_ = dir.SetAvailable(context.Background(), "b", false)
		svc := NewService(store, dir, Options{})
		ctx := context.Background()

		if err := svc.InitiateCall(ctx, "a", "b"); !errors.Is(err, calls.ErrUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
		expectStatus(t, svc, "a", calls.None{})
		expectStatus(t, svc, "b", calls.None{})

		if err := svc.InitiateCall(ctx, "a", "a"); !errors.Is(err, calls.ErrSelfCall) {
			t.Fatalf("expected self call, got %v", err)
		}
		if err := svc.InitiateCall(ctx, "a", "ghost"); !errors.Is(err, calls.ErrNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}

		if err := svc.InitiateCall(ctx, "a", "c"); err != nil {
			t.Fatalf("initiate: %v", err)
		}
		_ = dir.SetAvailable(ctx, "b", true)
		if err := svc.InitiateCall(ctx, "a", "b"); !errors.Is(err, calls.ErrBusy) {
			t.Fatalf("expected busy, got %v", err)
		}
		if err := svc.InitiateCall(ctx, "b", "c"); !errors.Is(err, calls.ErrUnavailable) {
			t.Fatalf("expected unavailable for ringing callee, got %v", err)
		}
		expectStatus(t, svc, "b", calls.None{})
	})
}

func TestInitiateCall_ConcurrentCallersOneWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, newFakeDirectory("a", "b", "c"), Options{})
		ctx := context.Background()

		var wg sync.WaitGroup
		results := make(chan error, 2)
		for _, caller := range []calls.Identity{"a", "b"} {
			wg.Add(1)
			go func(caller calls.Identity) {
				defer wg.Done()
				results <- svc.InitiateCall(ctx, caller, "c")
			}(caller)
		}
		wg.Wait()
		close(results)

		wins := 0
		for err := range results {
			switch {
			case err == nil:
				wins++
			case errors.Is(err, calls.ErrUnavailable):
			default:
				t.Fatalf("unexpected error %v", err)
			}
		}
		if wins != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins)
		}

		in, ok := mustStatus(t, svc, "c").(calls.Incoming)
		if !ok {
			t.Fatalf("expected callee ringing")
		}
		expectStatus(t, svc, in.Caller, calls.InCall{Caller: in.Caller, Callee: "c"})
	})
}

func TestAnswerCall(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, newFakeDirectory("a", "b"), Options{})
		ctx := context.Background()

		if err := svc.AnswerCall(ctx, "b"); !errors.Is(err, calls.ErrNoIncomingCall) {
			t.Fatalf("expected no incoming call, got %v", err)
		}
		expectStatus(t, svc, "b", calls.None{})

		connect(t, svc, "a", "b")
		pair := calls.InCall{Caller: "a", Callee: "b"}
		expectStatus(t, svc, "a", pair)
		expectStatus(t, svc, "b", pair)

		if err := svc.AnswerCall(ctx, "a"); !errors.Is(err, calls.ErrNoIncomingCall) {
			t.Fatalf("expected no incoming call for in-call user, got %v", err)
		}
		expectStatus(t, svc, "a", pair)
	})
}

func TestDeclineCall_ResetsBothAndClearsMailboxes(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, newFakeDirectory("a", "b"), Options{})
		ctx := context.Background()

		if err := svc.InitiateCall(ctx, "a", "b"); err != nil {
			t.Fatalf("initiate: %v", err)
		}
		if _, err := svc.SendSignal(ctx, "a", "b", calls.Offer{SDP: "sdp1"}); err != nil {
			t.Fatalf("send: %v", err)
		}
		if err := svc.DeclineCall(ctx, "b"); err != nil {
			t.Fatalf("decline: %v", err)
		}
		expectStatus(t, svc, "a", calls.None{})
		expectStatus(t, svc, "b", calls.None{})
		if box, _ := svc.FetchSignals(ctx, "b"); len(box) != 0 {
			t.Fatalf("expected empty mailbox, got %d", len(box))
		}
		if err := svc.DeclineCall(ctx, "b"); !errors.Is(err, calls.ErrNoIncomingCall) {
			t.Fatalf("expected no incoming call, got %v", err)
		}
	})
}

func TestEndCall(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, newFakeDirectory("a", "b"), Options{})
		ctx := context.Background()

		if err := svc.EndCall(ctx, "a"); err != nil {
			t.Fatalf("end from none must be a no-op, got %v", err)
		}
		expectStatus(t, svc, "a", calls.None{})
		expectStatus(t, svc, "b", calls.None{})

		// caller hangs up while ringing
		if err := svc.InitiateCall(ctx, "a", "b"); err != nil {
			t.Fatalf("initiate: %v", err)
		}
		if err := svc.EndCall(ctx, "b"); !errors.Is(err, calls.ErrNotInCall) {
			t.Fatalf("expected ringing callee to be refused, got %v", err)
		}
		if err := svc.EndCall(ctx, "a"); err != nil {
			t.Fatalf("end: %v", err)
		}
		expectStatus(t, svc, "b", calls.None{})

		connect(t, svc, "a", "b")
		if err := svc.EnableScreenCast(ctx, "b"); err != nil {
			t.Fatalf("enable: %v", err)
		}
		if _, err := svc.SendSignal(ctx, "b", "a", calls.ScreenShareRequest{}); err != nil {
			t.Fatalf("send: %v", err)
		}
		if err := svc.EndCall(ctx, "a"); err != nil {
			t.Fatalf("end: %v", err)
		}
		expectStatus(t, svc, "a", calls.None{})
		expectStatus(t, svc, "b", calls.None{})
		if box, _ := svc.FetchSignals(ctx, "a"); len(box) != 0 {
			t.Fatalf("expected cleared mailbox")
		}

		// grant released with the call
		connect(t, svc, "a", "b")
		if err := svc.EnableScreenCast(ctx, "a"); err != nil {
			t.Fatalf("expected grant to be free after end, got %v", err)
		}
	})
}

func TestScreenCast_GlobalExclusion(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, newFakeDirectory("a", "b", "c", "d"), Options{})
		ctx := context.Background()
		connect(t, svc, "a", "b")
		connect(t, svc, "c", "d")

		if err := svc.EnableScreenCast(ctx, "a"); err != nil {
			t.Fatalf("enable: %v", err)
		}
		want := calls.InCall{Caller: "a", Callee: "b", ScreenCaster: "a", IsScreenCasting: true}
		expectStatus(t, svc, "a", want)
		expectStatus(t, svc, "b", want)

		if err := svc.EnableScreenCast(ctx, "b"); !errors.Is(err, calls.ErrScreenCastInProgress) {
			t.Fatalf("expected in progress, got %v", err)
		}
		if err := svc.EnableScreenCast(ctx, "c"); !errors.Is(err, calls.ErrScreenCastInProgress) {
			t.Fatalf("expected global exclusion, got %v", err)
		}
		expectStatus(t, svc, "a", want)

		if err := svc.DisableScreenCast(ctx, "b"); err != nil {
			t.Fatalf("disable by non-holder: %v", err)
		}
		expectStatus(t, svc, "a", want)

		if err := svc.DisableScreenCast(ctx, "a"); err != nil {
			t.Fatalf("disable: %v", err)
		}
		expectStatus(t, svc, "b", calls.InCall{Caller: "a", Callee: "b"})
		if err := svc.EnableScreenCast(ctx, "c"); err != nil {
			t.Fatalf("enable after release: %v", err)
		}
	})
}

func TestScreenCast_RequiresEstablishedCall(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, newFakeDirectory("a", "b"), Options{})
		ctx := context.Background()
		if err := svc.EnableScreenCast(ctx, "a"); !errors.Is(err, calls.ErrNotInCall) {
			t.Fatalf("expected not in call, got %v", err)
		}
		if err := svc.InitiateCall(ctx, "a", "b"); err != nil {
			t.Fatalf("initiate: %v", err)
		}
		if err := svc.EnableScreenCast(ctx, "a"); !errors.Is(err, calls.ErrNotInCall) {
			t.Fatalf("expected not in call while ringing, got %v", err)
		}
	})
}

func TestSignals_FetchIsPureAndOrdered(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, newFakeDirectory("a", "b"), Options{})
		ctx := context.Background()
		connect(t, svc, "a", "b")

		sent := []calls.SignalMessage{
			calls.Offer{SDP: "sdp1"},
			calls.ICECandidate{Candidate: "c1"},
			calls.ICECandidate{Candidate: "c2"},
		}
		for _, m := range sent {
			if _, err := svc.SendSignal(ctx, "a", "b", m); err != nil {
				t.Fatalf("send: %v", err)
			}
		}

		first, err := svc.FetchSignals(ctx, "b")
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		second, _ := svc.FetchSignals(ctx, "b")
		if len(first) != len(sent) || len(second) != len(sent) {
			t.Fatalf("expected %d signals, got %d and %d", len(sent), len(first), len(second))
		}
		for i := range sent {
			if first[i].Message != sent[i] || second[i] != first[i] {
				t.Fatalf("order mismatch at %d: %+v %+v", i, first[i], second[i])
			}
			if first[i].From != "a" {
				t.Fatalf("expected sender a, got %q", first[i].From)
			}
			if i > 0 && first[i].Seq <= first[i-1].Seq {
				t.Fatalf("sequence numbers must increase")
			}
		}

		if err := svc.ClearSignals(ctx, "b"); err != nil {
			t.Fatalf("clear: %v", err)
		}
		if box, _ := svc.FetchSignals(ctx, "b"); len(box) != 0 {
			t.Fatalf("expected empty after clear, got %d", len(box))
		}
	})
}

func TestSignals_AckKeepsLaterArrivals(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, newFakeDirectory("a", "b"), Options{})
		ctx := context.Background()
		connect(t, svc, "a", "b")

		_, _ = svc.SendSignal(ctx, "a", "b", calls.Offer{SDP: "sdp1"})
		batch, _ := svc.FetchSignals(ctx, "b")
		_, _ = svc.SendSignal(ctx, "a", "b", calls.ICECandidate{Candidate: "late"})

		n, err := svc.AckSignals(ctx, "b", calls.LastSeq(batch))
		if err != nil {
			t.Fatalf("ack: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected 1 acked, got %d", n)
		}
		rest, _ := svc.FetchSignals(ctx, "b")
		if len(rest) != 1 || rest[0].Message != (calls.ICECandidate{Candidate: "late"}) {
			t.Fatalf("expected late candidate to survive, got %+v", rest)
		}

		// sequence numbers keep growing across clears
		_ = svc.ClearSignals(ctx, "b")
		seq, _ := svc.SendSignal(ctx, "a", "b", calls.ICECandidate{Candidate: "after"})
		if seq <= rest[0].Seq {
			t.Fatalf("expected seq > %d, got %d", rest[0].Seq, seq)
		}
	})
}

func TestSendSignal_RestrictedToPeer(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, newFakeDirectory("a", "b", "c"), Options{})
		ctx := context.Background()

		if _, err := svc.SendSignal(ctx, "c", "b", calls.Offer{SDP: "x"}); !errors.Is(err, calls.ErrForbidden) {
			t.Fatalf("expected forbidden without a call, got %v", err)
		}
		connect(t, svc, "a", "b")
		if _, err := svc.SendSignal(ctx, "a", "c", calls.Offer{SDP: "x"}); !errors.Is(err, calls.ErrForbidden) {
			t.Fatalf("expected forbidden for non-peer target, got %v", err)
		}
		if _, err := svc.SendSignal(ctx, "c", "a", calls.Offer{SDP: "x"}); !errors.Is(err, calls.ErrForbidden) {
			t.Fatalf("expected forbidden for outsider, got %v", err)
		}
		if box, _ := svc.FetchSignals(ctx, "c"); len(box) != 0 {
			t.Fatalf("expected nothing queued")
		}
	})
}

func TestSendSignal_MailboxBound(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		svc := NewService(store, newFakeDirectory("a", "b"), Options{MailboxCapacity: 2})
		ctx := context.Background()
		connect(t, svc, "a", "b")

		for i := 0; i < 2; i++ {
			if _, err := svc.SendSignal(ctx, "a", "b", calls.ICECandidate{Candidate: "c"}); err != nil {
				t.Fatalf("send %d: %v", i, err)
			}
		}
		if _, err := svc.SendSignal(ctx, "a", "b", calls.ICECandidate{Candidate: "overflow"}); !errors.Is(err, calls.ErrMailboxFull) {
			t.Fatalf("expected mailbox full, got %v", err)
		}
		if box, _ := svc.FetchSignals(ctx, "b"); len(box) != 2 {
			t.Fatalf("expected queued signals intact, got %d", len(box))
		}
	})
}

func TestAssignRole_AdminOnly(t *testing.T) {
	dir := newFakeDirectory("admin", "u")
	dir.roles["admin"] = rbac.RoleAdmin
	repo := audit.NewMemoryRepo()
	svc := NewService(NewMemoryStore(), dir, Options{Audit: audit.NewService(repo)})
	ctx := context.Background()

	if err := svc.AssignRole(ctx, "u", "admin", rbac.RoleUser); !errors.Is(err, calls.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if err := svc.AssignRole(ctx, "admin", "u", "root"); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected invalid role, got %v", err)
	}
	if err := svc.AssignRole(ctx, "admin", "u", rbac.RoleAdmin); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if ok, _ := svc.IsAdmin(ctx, "u"); !ok {
		t.Fatalf("expected u to be admin")
	}
	if role, _ := svc.Role(ctx, "stranger"); role != rbac.RoleGuest {
		t.Fatalf("expected guest, got %q", role)
	}
	if evs := repo.Events(); len(evs) != 1 || evs[0].Type != audit.EventRoleAssigned {
		t.Fatalf("expected role audit event, got %+v", evs)
	}
}

func TestPresence(t *testing.T) {
	dir := newFakeDirectory("a", "b")
	svc := NewService(NewMemoryStore(), dir, Options{})
	ctx := context.Background()

	if err := svc.SetUnavailable(ctx, "b"); err != nil {
		t.Fatalf("unavailable: %v", err)
	}
	if err := svc.InitiateCall(ctx, "a", "b"); !errors.Is(err, calls.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := svc.SetAvailable(ctx, "b"); err != nil {
		t.Fatalf("available: %v", err)
	}
	if err := svc.InitiateCall(ctx, "a", "b"); err != nil {
		t.Fatalf("initiate: %v", err)
	}
}
