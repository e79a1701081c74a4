package session

import (
	"context"
	"errors"
	"sync"

	"callrelay/internal/calls"
)

var errReadOnly = errors.New("session: write in read-only transaction")

// MemoryStore keeps session state in process. It serves single-instance
// deployments and tests.
type MemoryStore struct {
	mu        sync.Mutex
	statuses  map[calls.Identity]calls.CallStatus
	mailboxes map[calls.Identity][]calls.Envelope
	seqs      map[calls.Identity]uint64
	caster    calls.Identity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses:  make(map[calls.Identity]calls.CallStatus),
		mailboxes: make(map[calls.Identity][]calls.Envelope),
		seqs:      make(map[calls.Identity]uint64),
	}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(s, false)
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := newMemTx(s, true)
	if err := fn(tx); err != nil {
		return err
	}
	if tx.dirty {
		return errReadOnly
	}
	return nil
}

func (s *MemoryStore) Mailbox(ctx context.Context, id calls.Identity) ([]calls.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	box := s.mailboxes[id]
	out := make([]calls.Envelope, len(box))
	copy(out, box)
	return out, nil
}

func (s *MemoryStore) Ack(ctx context.Context, id calls.Identity, through uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	box := s.mailboxes[id]
	n := ackCount(box, through)
	if n > 0 {
		s.mailboxes[id] = append([]calls.Envelope(nil), box[n:]...)
	}
	return n, nil
}

// ackCount is the length of the mailbox prefix covered by through.
func ackCount(box []calls.Envelope, through uint64) int {
	n := 0
	for n < len(box) && box[n].Seq <= through {
		n++
	}
	return n
}

// memTx stages writes over the store's maps; the store mutex is held for
// its whole lifetime.
type memTx struct {
	s        *MemoryStore
	readOnly bool
	dirty    bool

	statuses  map[calls.Identity]calls.CallStatus
	mailboxes map[calls.Identity][]calls.Envelope
	seqs      map[calls.Identity]uint64
	caster    *calls.Identity
}

func newMemTx(s *MemoryStore, readOnly bool) *memTx {
	return &memTx{
		s:         s,
		readOnly:  readOnly,
		statuses:  make(map[calls.Identity]calls.CallStatus),
		mailboxes: make(map[calls.Identity][]calls.Envelope),
		seqs:      make(map[calls.Identity]uint64),
	}
}

func (t *memTx) Status(id calls.Identity) (calls.CallStatus, error) {
	if st, ok := t.statuses[id]; ok {
		return st, nil
	}
	if st, ok := t.s.statuses[id]; ok {
		return st, nil
	}
	return calls.None{}, nil
}

func (t *memTx) SetStatus(id calls.Identity, st calls.CallStatus) {
	t.dirty = true
	if st == nil {
		st = calls.None{}
	}
	t.statuses[id] = st
}

func (t *memTx) ScreenCaster() (calls.Identity, error) {
	if t.caster != nil {
		return *t.caster, nil
	}
	return t.s.caster, nil
}

func (t *memTx) SetScreenCaster(id calls.Identity) {
	t.dirty = true
	t.caster = &id
}

func (t *memTx) mailbox(id calls.Identity) []calls.Envelope {
	if box, ok := t.mailboxes[id]; ok {
		return box
	}
	return t.s.mailboxes[id]
}

func (t *memTx) MailboxLen(id calls.Identity) (int, error) {
	return len(t.mailbox(id)), nil
}

func (t *memTx) Enqueue(id, from calls.Identity, msg calls.SignalMessage) (uint64, error) {
	if t.readOnly {
		return 0, errReadOnly
	}
	t.dirty = true
	seq, ok := t.seqs[id]
	if !ok {
		seq = t.s.seqs[id]
	}
	seq++
	t.seqs[id] = seq

	cur := t.mailbox(id)
	box := make([]calls.Envelope, len(cur), len(cur)+1)
	copy(box, cur)
	t.mailboxes[id] = append(box, calls.Envelope{Seq: seq, From: from, Message: msg})
	return seq, nil
}

func (t *memTx) ClearMailbox(id calls.Identity) {
	t.dirty = true
	t.mailboxes[id] = nil
}

func (t *memTx) commit() {
	for id, st := range t.statuses {
		if _, none := st.(calls.None); none {
			delete(t.s.statuses, id)
			continue
		}
		t.s.statuses[id] = st
	}
	for id, box := range t.mailboxes {
		t.s.mailboxes[id] = box
	}
	for id, seq := range t.seqs {
		t.s.seqs[id] = seq
	}
	if t.caster != nil {
		t.s.caster = *t.caster
	}
}
