package audit

import (
	"time"

	"callrelay/internal/calls"
)

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - Actor is required.
// - Audit is best-effort; call flows never fail because of it.
type Event struct {
	ID   string    `json:"id" db:"id"`
	Type EventType `json:"type" db:"type"`

	// Actor is the authenticated identity causing the event.
	Actor calls.Identity `json:"actor" db:"actor"`
	// Target is the other party (callee, peer, or the user whose role changed).
	Target calls.Identity `json:"target,omitempty" db:"target"`

	Message string `json:"message,omitempty" db:"message"`
	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventCallInitiated      EventType = "call_initiated"
	EventCallAnswered       EventType = "call_answered"
	EventCallDeclined       EventType = "call_declined"
	EventCallEnded          EventType = "call_ended"
	EventScreenCastEnabled  EventType = "screen_cast_enabled"
	EventScreenCastDisabled EventType = "screen_cast_disabled"
	EventRoleAssigned       EventType = "role_assigned"
)
