package directory

import (
	"context"
	"sync"
	"time"

	"callrelay/internal/calls"
	"callrelay/internal/rbac"
)

// MemoryRepo keeps the directory in process. Used by the memory backend and tests.
type MemoryRepo struct {
	mu      sync.Mutex
	records map[calls.Identity]Record
	phones  map[string]calls.Identity
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		records: make(map[calls.Identity]Record),
		phones:  make(map[string]calls.Identity),
	}
}

func (r *MemoryRepo) Get(ctx context.Context, id calls.Identity) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return Record{}, calls.ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRepo) FindByPhone(ctx context.Context, phone string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.phones[phone]
	if !ok {
		return Record{}, calls.ErrNotFound
	}
	return r.records[id], nil
}

func (r *MemoryRepo) SaveProfile(ctx context.Context, id calls.Identity, p Profile, role string, now time.Time) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.phones[p.PhoneNumber]; ok && owner != id {
		return Record{}, calls.ErrPhoneNumberTaken
	}
	rec, ok := r.records[id]
	if !ok {
		rec = Record{Identity: id, CreatedAt: now}
	}
	if rec.Role == "" || rec.Role == rbac.RoleGuest {
		rec.Role = role
	}
	if rec.PhoneNumber != "" && rec.PhoneNumber != p.PhoneNumber {
		delete(r.phones, rec.PhoneNumber)
	}
	rec.Profile = p
	rec.UpdatedAt = now
	r.phones[p.PhoneNumber] = id
	r.records[id] = rec
	return rec, nil
}

// SetAvailable creates a guest record for identities never seen before.
func (r *MemoryRepo) SetAvailable(ctx context.Context, id calls.Identity, available bool, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		rec = Record{Identity: id, Role: rbac.RoleGuest, CreatedAt: now}
	}
	rec.Available = available
	rec.UpdatedAt = now
	r.records[id] = rec
	return nil
}

func (r *MemoryRepo) SetRole(ctx context.Context, id calls.Identity, role string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return calls.ErrNotFound
	}
	rec.Role = role
	rec.UpdatedAt = now
	r.records[id] = rec
	return nil
}
