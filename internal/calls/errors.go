package calls

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable            = errors.New("callee unavailable")
	ErrBusy                   = errors.New("caller busy")
	ErrSelfCall               = errors.New("cannot call yourself")
	ErrNoIncomingCall         = errors.New("no incoming call")
	ErrNotInCall              = errors.New("not in call")
	ErrScreenCastInProgress   = errors.New("screen cast already in progress")
	ErrForbidden              = errors.New("forbidden")
	ErrNotFound               = errors.New("not found")
	ErrMailboxFull            = errors.New("mailbox full")
	ErrInvalidArgument        = errors.New("invalid argument")
	ErrPhoneNumberTaken       = errors.New("phone number already registered")
	ErrDevicePermissionDenied = errors.New("device permission denied")
	ErrConnectionFailed       = errors.New("connection failed")
)

// Wire codes. They are part of the HTTP contract; keep them stable.
const (
	CodeUnavailable            = "unavailable"
	CodeBusy                   = "busy"
	CodeSelfCall               = "self_call"
	CodeNoIncomingCall         = "no_incoming_call"
	CodeNotInCall              = "not_in_call"
	CodeScreenCastInProgress   = "screen_cast_in_progress"
	CodeForbidden              = "forbidden"
	CodeNotFound               = "not_found"
	CodeMailboxFull            = "mailbox_full"
	CodeInvalidArgument        = "invalid_argument"
	CodePhoneNumberTaken       = "phone_number_taken"
	CodeDevicePermissionDenied = "device_permission_denied"
	CodeConnectionFailed       = "connection_failed"
	CodeInternal               = "internal"
)

var codeTable = []struct {
	code string
	err  error
}{
	{CodeUnavailable, ErrUnavailable},
	{CodeBusy, ErrBusy},
	{CodeSelfCall, ErrSelfCall},
	{CodeNoIncomingCall, ErrNoIncomingCall},
	{CodeNotInCall, ErrNotInCall},
	{CodeScreenCastInProgress, ErrScreenCastInProgress},
	{CodeForbidden, ErrForbidden},
	{CodeNotFound, ErrNotFound},
	{CodeMailboxFull, ErrMailboxFull},
	{CodeInvalidArgument, ErrInvalidArgument},
	{CodePhoneNumberTaken, ErrPhoneNumberTaken},
	{CodeDevicePermissionDenied, ErrDevicePermissionDenied},
	{CodeConnectionFailed, ErrConnectionFailed},
}

// Code returns the wire code of a domain error, CodeInternal for any other
// non-nil error and "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, e := range codeTable {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return CodeInternal
}

// FromCode turns a wire code back into an error matching the sentinel.
func FromCode(code, msg string) error {
	for _, e := range codeTable {
		if e.code != code {
			continue
		}
		if msg == "" || msg == e.err.Error() {
			return e.err
		}
		return fmt.Errorf("%s: %w", msg, e.err)
	}
	if msg == "" {
		msg = "remote error"
	}
	return errors.New(msg)
}
