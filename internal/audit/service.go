package audit

import (
	"context"
	"errors"
	"time"

	"callrelay/internal/calls"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only; there are no Update or Delete methods.
type Repository interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, actor calls.Identity, limit int) ([]Event, error)
}

// Service records call lifecycle and admin events.
// Audit is internal-only. Callers should treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Actor == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Record appends a lifecycle event between actor and target.
func (s *Service) Record(ctx context.Context, t EventType, actor, target calls.Identity, message string) error {
	return s.Append(ctx, Event{
		Type:    t,
		Actor:   actor,
		Target:  target,
		Message: message,
	})
}

// Recent lists the newest events caused by actor, newest first.
func (s *Service) Recent(ctx context.Context, actor calls.Identity, limit int) ([]Event, error) {
	if actor == "" {
		return nil, ErrInvalidEvent
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, actor, limit)
}
