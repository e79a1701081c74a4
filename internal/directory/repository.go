package directory

import (
	"context"
	"time"

	"callrelay/internal/calls"
)

// Repository persists directory records. Lookups of unknown identities or
// phone numbers return calls.ErrNotFound; a phone number already bound to
// another identity returns calls.ErrPhoneNumberTaken.
type Repository interface {
	Get(ctx context.Context, id calls.Identity) (Record, error)
	FindByPhone(ctx context.Context, phone string) (Record, error)
	// SaveProfile atomically creates or updates id's profile. A new record,
	// or one still at role guest, is given role; other roles are kept.
	SaveProfile(ctx context.Context, id calls.Identity, p Profile, role string, now time.Time) (Record, error)
	SetAvailable(ctx context.Context, id calls.Identity, available bool, now time.Time) error
	SetRole(ctx context.Context, id calls.Identity, role string, now time.Time) error
}
