package directory

import (
	"time"

	"callrelay/internal/calls"
)

// Profile is the user-editable part of a record.
type Profile struct {
	DisplayName string `json:"display_name"`
	PhoneNumber string `json:"phone_number"`
}

// Record is one directory entry. A record may exist without a profile when
// the identity only ever toggled presence; such records keep role guest.
type Record struct {
	Identity  calls.Identity `json:"identity" db:"identity"`
	Profile                  // display_name, phone_number
	Role      string         `json:"role" db:"role"`
	Available bool           `json:"available" db:"available"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

func (r Record) HasProfile() bool { return r.PhoneNumber != "" }
