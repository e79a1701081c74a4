package session

import (
	"context"

	"callrelay/internal/calls"
)

// Tx is one atomic unit of work over call statuses, mailboxes and the global
// screen-cast grant. Reads see the transaction's own staged writes. Writes are
// applied together when the transaction function returns nil and discarded
// otherwise, so a failed precondition never leaves partial state behind.
type Tx interface {
	Status(id calls.Identity) (calls.CallStatus, error)
	SetStatus(id calls.Identity, st calls.CallStatus)

	// ScreenCaster returns the current grant holder, or "".
	ScreenCaster() (calls.Identity, error)
	// SetScreenCaster sets the grant holder; "" releases it.
	SetScreenCaster(id calls.Identity)

	MailboxLen(id calls.Identity) (int, error)
	// Enqueue appends msg from sender to id's mailbox and returns its
	// sequence number.
	Enqueue(id, from calls.Identity, msg calls.SignalMessage) (uint64, error)
	ClearMailbox(id calls.Identity)
}

// Store owns all per-identity session state. Statuses and mailboxes are
// created lazily: an identity never seen before is None with an empty mailbox.
type Store interface {
	// Update runs fn atomically with respect to every other Update.
	Update(ctx context.Context, fn func(tx Tx) error) error
	// View runs fn against a consistent snapshot. fn must not write.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Mailbox returns a copy of id's queued signals in enqueue order.
	Mailbox(ctx context.Context, id calls.Identity) ([]calls.Envelope, error)
	// Ack removes the queued signals with sequence number <= through and
	// reports how many were removed.
	Ack(ctx context.Context, id calls.Identity, through uint64) (int, error)
}
