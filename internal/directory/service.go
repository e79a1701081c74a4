package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"callrelay/internal/calls"
	"callrelay/internal/rbac"
)

const maxDisplayName = 64

// Service is the user directory: profiles, phone number resolution,
// presence and roles.
type Service struct {
	repo      Repository
	bootstrap map[calls.Identity]struct{}
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(repo Repository, bootstrapAdmins []string) *Service {
	b := make(map[calls.Identity]struct{}, len(bootstrapAdmins))
	for _, id := range bootstrapAdmins {
		if id = strings.TrimSpace(id); id != "" {
			b[calls.Identity(id)] = struct{}{}
		}
	}
	return &Service{repo: repo, bootstrap: b, clock: time.Now}
}

// SaveProfile stores the caller's profile. The first save gives the record
// role user, or admin for bootstrap identities.
func (s *Service) SaveProfile(ctx context.Context, id calls.Identity, p Profile) (Record, error) {
	if id == "" {
		return Record{}, calls.ErrInvalidArgument
	}
	name := strings.TrimSpace(p.DisplayName)
	if name == "" || utf8.RuneCountInString(name) > maxDisplayName {
		return Record{}, fmt.Errorf("%w: display name must be 1-%d characters", calls.ErrInvalidArgument, maxDisplayName)
	}
	phone, err := NormalizePhone(p.PhoneNumber)
	if err != nil {
		return Record{}, err
	}

	role := rbac.RoleUser
	if _, ok := s.bootstrap[id]; ok {
		role = rbac.RoleAdmin
	}
	return s.repo.SaveProfile(ctx, id, Profile{DisplayName: name, PhoneNumber: phone}, role, s.clock().UTC())
}

// Profile returns id's profile, or calls.ErrNotFound if none was saved.
func (s *Service) Profile(ctx context.Context, id calls.Identity) (Profile, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Profile{}, err
	}
	if !rec.HasProfile() {
		return Profile{}, calls.ErrNotFound
	}
	return rec.Profile, nil
}

func (s *Service) Record(ctx context.Context, id calls.Identity) (Record, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ByPhone(ctx context.Context, phone string) (Record, error) {
	normalized, err := NormalizePhone(phone)
	if err != nil {
		return Record{}, err
	}
	return s.repo.FindByPhone(ctx, normalized)
}

// ResolveIdentity maps a phone number to the identity that registered it.
func (s *Service) ResolveIdentity(ctx context.Context, phone string) (calls.Identity, error) {
	rec, err := s.ByPhone(ctx, phone)
	if err != nil {
		return "", err
	}
	return rec.Identity, nil
}

// Available reports the presence flag; unknown identities are calls.ErrNotFound.
func (s *Service) Available(ctx context.Context, id calls.Identity) (bool, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return rec.Available, nil
}

// IsAvailable is Available with unknown identities reported as unavailable.
func (s *Service) IsAvailable(ctx context.Context, id calls.Identity) (bool, error) {
	ok, err := s.Available(ctx, id)
	if errors.Is(err, calls.ErrNotFound) {
		return false, nil
	}
	return ok, err
}

func (s *Service) SetAvailable(ctx context.Context, id calls.Identity, available bool) error {
	if id == "" {
		return calls.ErrInvalidArgument
	}
	return s.repo.SetAvailable(ctx, id, available, s.clock().UTC())
}

// Role returns id's role; identities without a record are guests.
func (s *Service) Role(ctx context.Context, id calls.Identity) (string, error) {
	rec, err := s.repo.Get(ctx, id)
	if errors.Is(err, calls.ErrNotFound) {
		return rbac.RoleGuest, nil
	}
	if err != nil {
		return "", err
	}
	if rec.Role == "" {
		return rbac.RoleGuest, nil
	}
	return rec.Role, nil
}

// AssignRole sets id's role. Authorization is the caller's concern.
func (s *Service) AssignRole(ctx context.Context, id calls.Identity, role string) error {
	if !rbac.IsValid(role) {
		return calls.ErrInvalidArgument
	}
	return s.repo.SetRole(ctx, id, role, s.clock().UTC())
}

// NormalizePhone strips common separators and validates the result as an
// optional leading '+' followed by 3 to 20 digits.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", fmt.Errorf("%w: phone number contains %q", calls.ErrInvalidArgument, r)
		}
	}
	out := b.String()
	digits := len(strings.TrimPrefix(out, "+"))
	if digits < 3 || digits > 20 {
		return "", fmt.Errorf("%w: phone number must have 3-20 digits", calls.ErrInvalidArgument)
	}
	return out, nil
}
