package audit

import (
	"context"
	"testing"
	"time"
)

func TestService_AppendRequiresActorAndType(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	if err := svc.Append(context.Background(), Event{Type: EventCallInitiated}); err == nil {
		t.Fatalf("expected error")
	}
	if err := svc.Append(context.Background(), Event{Actor: "a"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestService_RecordStampsIDAndTime(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	svc.clock = func() time.Time { return fixed }

	if err := svc.Record(context.Background(), EventCallInitiated, "alice", "bob", "ringing"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].ID == "" || !evs[0].CreatedAt.Equal(fixed) {
		t.Fatalf("expected id and timestamp, got %+v", evs[0])
	}
	if evs[0].Target != "bob" {
		t.Fatalf("expected target captured")
	}
}

func TestService_RecentIsNewestFirstPerActor(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	ctx := context.Background()
	_ = svc.Record(ctx, EventCallInitiated, "alice", "bob", "")
	_ = svc.Record(ctx, EventCallAnswered, "bob", "alice", "")
	_ = svc.Record(ctx, EventCallEnded, "alice", "bob", "")

	evs, err := svc.Recent(ctx, "alice", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(evs) != 2 || evs[0].Type != EventCallEnded || evs[1].Type != EventCallInitiated {
		t.Fatalf("unexpected events %+v", evs)
	}
}
