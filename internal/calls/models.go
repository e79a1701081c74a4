package calls

import (
	"fmt"
	"strings"
)

// Identity is the opaque, comparable id of a user as established by the
// transport. The empty Identity never names a user.
type Identity string

func (id Identity) String() string { return string(id) }

// ParseIdentity trims and validates a wire value.
func ParseIdentity(raw string) (Identity, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return "", fmt.Errorf("%w: identity required", ErrInvalidArgument)
	}
	return Identity(v), nil
}

// CallStatus is one of None, Incoming or InCall.
//
// Pairing invariant: when A is InCall with B, B is InCall with A with the
// same caller and callee, or B is Incoming from A (the ringing window).
type CallStatus interface {
	Kind() StatusKind
	isCallStatus()
}

type StatusKind string

const (
	StatusNone     StatusKind = "none"
	StatusIncoming StatusKind = "incoming"
	StatusInCall   StatusKind = "inCall"
)

// None means the user is not part of any call.
type None struct{}

// Incoming means Caller is ringing this user.
type Incoming struct {
	Caller Identity
}

// InCall is an established (or, for the caller, ringing) call.
// ScreenCaster is empty when nobody in this call holds the screen-cast grant.
type InCall struct {
	Caller          Identity
	Callee          Identity
	ScreenCaster    Identity
	IsScreenCasting bool
}

func (None) Kind() StatusKind     { return StatusNone }
func (Incoming) Kind() StatusKind { return StatusIncoming }
func (InCall) Kind() StatusKind   { return StatusInCall }

func (None) isCallStatus()     {}
func (Incoming) isCallStatus() {}
func (InCall) isCallStatus()   {}

// Peer returns the other participant, or "" if self is not part of the call.
func (c InCall) Peer(self Identity) Identity {
	switch self {
	case c.Caller:
		return c.Callee
	case c.Callee:
		return c.Caller
	default:
		return ""
	}
}

// Involves reports whether id is the caller or the callee.
func (c InCall) Involves(id Identity) bool {
	return id != "" && (id == c.Caller || id == c.Callee)
}

// StatusRecord is the wire and storage shape of a CallStatus.
type StatusRecord struct {
	Kind            StatusKind `json:"kind"`
	Caller          Identity   `json:"caller,omitempty"`
	Callee          Identity   `json:"callee,omitempty"`
	ScreenCaster    Identity   `json:"screen_caster,omitempty"`
	IsScreenCasting bool       `json:"is_screen_casting"`
}

// RecordOf flattens a status. A nil status is recorded as None.
func RecordOf(s CallStatus) StatusRecord {
	switch v := s.(type) {
	case nil, None:
		return StatusRecord{Kind: StatusNone}
	case Incoming:
		return StatusRecord{Kind: StatusIncoming, Caller: v.Caller}
	case InCall:
		return StatusRecord{
			Kind:            StatusInCall,
			Caller:          v.Caller,
			Callee:          v.Callee,
			ScreenCaster:    v.ScreenCaster,
			IsScreenCasting: v.IsScreenCasting,
		}
	default:
		panic(fmt.Sprintf("calls: unknown status %T", s))
	}
}

// Status rebuilds the tagged status, rejecting records that are missing
// the fields their kind requires.
func (r StatusRecord) Status() (CallStatus, error) {
	switch r.Kind {
	case StatusNone, "":
		return None{}, nil
	case StatusIncoming:
		if r.Caller == "" {
			return nil, fmt.Errorf("%w: incoming status without caller", ErrInvalidArgument)
		}
		return Incoming{Caller: r.Caller}, nil
	case StatusInCall:
		if r.Caller == "" || r.Callee == "" {
			return nil, fmt.Errorf("%w: inCall status without participants", ErrInvalidArgument)
		}
		return InCall{
			Caller:          r.Caller,
			Callee:          r.Callee,
			ScreenCaster:    r.ScreenCaster,
			IsScreenCasting: r.IsScreenCasting,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown status kind %q", ErrInvalidArgument, r.Kind)
	}
}
