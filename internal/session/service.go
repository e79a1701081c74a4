package session

import (
	"context"
	"fmt"

	"callrelay/internal/audit"
	"callrelay/internal/calls"
	"callrelay/internal/rbac"
	"callrelay/pkg/logger"
)

// Directory is the slice of the user directory the session layer needs.
type Directory interface {
	// Available reports the presence flag; calls.ErrNotFound for unknown identities.
	Available(ctx context.Context, id calls.Identity) (bool, error)
	SetAvailable(ctx context.Context, id calls.Identity, available bool) error
	// Role returns rbac.RoleGuest for identities without a record.
	Role(ctx context.Context, id calls.Identity) (string, error)
	AssignRole(ctx context.Context, id calls.Identity, role string) error
}

// Auditor receives call lifecycle events. Failures are logged, never returned.
type Auditor interface {
	Record(ctx context.Context, t audit.EventType, actor, target calls.Identity, message string) error
}

// Metrics observes session operations.
type Metrics interface {
	CallInitiated()
	CallAnswered()
	CallDeclined()
	CallEnded()
	ScreenCastGranted()
	SignalRelayed(kind calls.SignalKind)
	OperationFailed(op, code string)
}

type Options struct {
	// MailboxCapacity bounds each mailbox; a send to a full mailbox fails
	// with calls.ErrMailboxFull and nothing queued is dropped.
	MailboxCapacity int
	Audit           Auditor
	Metrics         Metrics
}

const defaultMailboxCapacity = 256

// Service is the session manager. Every operation takes the acting identity
// explicitly and touches both participants inside one store transaction.
// Precondition failures are returned as calls sentinels and never mutate state.
type Service struct {
	store      Store
	dir        Directory
	audit      Auditor
	metrics    Metrics
	mailboxCap int
}

func NewService(store Store, dir Directory, opts Options) *Service {
	s := &Service{
		store:      store,
		dir:        dir,
		audit:      opts.Audit,
		metrics:    opts.Metrics,
		mailboxCap: opts.MailboxCapacity,
	}
	if s.mailboxCap <= 0 {
		s.mailboxCap = defaultMailboxCapacity
	}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}
	return s
}

/* ===================== CALL LIFECYCLE ===================== */

func (s *Service) InitiateCall(ctx context.Context, caller, callee calls.Identity) error {
	if caller == "" || callee == "" {
		return s.fail("initiate", calls.ErrInvalidArgument)
	}
	if caller == callee {
		return s.fail("initiate", calls.ErrSelfCall)
	}

	err := s.store.Update(ctx, func(tx Tx) error {
		own, err := tx.Status(caller)
		if err != nil {
			return err
		}
		if _, none := own.(calls.None); !none {
			return calls.ErrBusy
		}

		available, err := s.dir.Available(ctx, callee)
		if err != nil {
			return err
		}
		if !available {
			return calls.ErrUnavailable
		}
		theirs, err := tx.Status(callee)
		if err != nil {
			return err
		}
		if _, none := theirs.(calls.None); !none {
			return calls.ErrUnavailable
		}

		tx.SetStatus(caller, calls.InCall{Caller: caller, Callee: callee})
		tx.SetStatus(callee, calls.Incoming{Caller: caller})
		return nil
	})
	if err != nil {
		return s.fail("initiate", err)
	}
	s.metrics.CallInitiated()
	s.record(ctx, audit.EventCallInitiated, caller, callee, "ringing")
	return nil
}

func (s *Service) AnswerCall(ctx context.Context, id calls.Identity) error {
	var from calls.Identity
	err := s.store.Update(ctx, func(tx Tx) error {
		own, err := tx.Status(id)
		if err != nil {
			return err
		}
		in, ok := own.(calls.Incoming)
		if !ok {
			return calls.ErrNoIncomingCall
		}
		theirs, err := tx.Status(in.Caller)
		if err != nil {
			return err
		}
		if c, ok := theirs.(calls.InCall); !ok || c.Caller != in.Caller || c.Callee != id {
			return calls.ErrNoIncomingCall
		}

		pair := calls.InCall{Caller: in.Caller, Callee: id}
		tx.SetStatus(in.Caller, pair)
		tx.SetStatus(id, pair)
		from = in.Caller
		return nil
	})
	if err != nil {
		return s.fail("answer", err)
	}
	s.metrics.CallAnswered()
	s.record(ctx, audit.EventCallAnswered, id, from, "")
	return nil
}

func (s *Service) DeclineCall(ctx context.Context, id calls.Identity) error {
	var from calls.Identity
	err := s.store.Update(ctx, func(tx Tx) error {
		own, err := tx.Status(id)
		if err != nil {
			return err
		}
		in, ok := own.(calls.Incoming)
		if !ok {
			return calls.ErrNoIncomingCall
		}
		from = in.Caller

		tx.SetStatus(id, calls.None{})
		tx.ClearMailbox(id)
		if err := resetPeer(tx, from, id); err != nil {
			return err
		}
		tx.ClearMailbox(from)
		return nil
	})
	if err != nil {
		return s.fail("decline", err)
	}
	s.metrics.CallDeclined()
	s.record(ctx, audit.EventCallDeclined, id, from, "")
	return nil
}

// EndCall hangs up. From None it is a no-op; a callee that is still ringing
// must decline instead. A caller hanging up during the ringing window
// cancels the callee's Incoming status as well.
func (s *Service) EndCall(ctx context.Context, id calls.Identity) error {
	var peer calls.Identity
	err := s.store.Update(ctx, func(tx Tx) error {
		peer = ""
		own, err := tx.Status(id)
		if err != nil {
			return err
		}
		switch st := own.(type) {
		case calls.None:
			return nil
		case calls.Incoming:
			return calls.ErrNotInCall
		case calls.InCall:
			peer = st.Peer(id)
		default:
			return fmt.Errorf("session: unexpected status %T", own)
		}

		caster, err := tx.ScreenCaster()
		if err != nil {
			return err
		}
		if caster != "" && (caster == id || caster == peer) {
			tx.SetScreenCaster("")
		}

		tx.SetStatus(id, calls.None{})
		tx.ClearMailbox(id)
		if err := resetPeer(tx, peer, id); err != nil {
			return err
		}
		tx.ClearMailbox(peer)
		return nil
	})
	if err != nil {
		return s.fail("end", err)
	}
	if peer != "" {
		s.metrics.CallEnded()
		s.record(ctx, audit.EventCallEnded, id, peer, "")
	}
	return nil
}

// resetPeer returns peer to None if, and only if, its status still refers
// to a call with self.
func resetPeer(tx Tx, peer, self calls.Identity) error {
	st, err := tx.Status(peer)
	if err != nil {
		return err
	}
	switch v := st.(type) {
	case calls.InCall:
		if v.Involves(self) {
			tx.SetStatus(peer, calls.None{})
		}
	case calls.Incoming:
		if v.Caller == self {
			tx.SetStatus(peer, calls.None{})
		}
	case calls.None:
	}
	return nil
}

func (s *Service) GetCallStatus(ctx context.Context, id calls.Identity) (calls.CallStatus, error) {
	var st calls.CallStatus
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		st, err = tx.Status(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

/* ===================== SCREEN CAST ===================== */

// EnableScreenCast takes the single system-wide screen-cast grant.
func (s *Service) EnableScreenCast(ctx context.Context, id calls.Identity) error {
	var peer calls.Identity
	err := s.store.Update(ctx, func(tx Tx) error {
		c, err := establishedCall(tx, id)
		if err != nil {
			return err
		}
		caster, err := tx.ScreenCaster()
		if err != nil {
			return err
		}
		if caster != "" {
			return calls.ErrScreenCastInProgress
		}

		c.ScreenCaster = id
		c.IsScreenCasting = true
		tx.SetScreenCaster(id)
		tx.SetStatus(c.Caller, c)
		tx.SetStatus(c.Callee, c)
		peer = c.Peer(id)
		return nil
	})
	if err != nil {
		return s.fail("screencast_enable", err)
	}
	s.metrics.ScreenCastGranted()
	s.record(ctx, audit.EventScreenCastEnabled, id, peer, "")
	return nil
}

// DisableScreenCast releases the grant if id holds it; otherwise it is a no-op.
func (s *Service) DisableScreenCast(ctx context.Context, id calls.Identity) error {
	released := false
	err := s.store.Update(ctx, func(tx Tx) error {
		released = false
		caster, err := tx.ScreenCaster()
		if err != nil {
			return err
		}
		if caster != id {
			return nil
		}
		tx.SetScreenCaster("")
		released = true

		own, err := tx.Status(id)
		if err != nil {
			return err
		}
		c, ok := own.(calls.InCall)
		if !ok {
			return nil
		}
		c.ScreenCaster = ""
		c.IsScreenCasting = false
		for _, p := range []calls.Identity{c.Caller, c.Callee} {
			st, err := tx.Status(p)
			if err != nil {
				return err
			}
			if pc, ok := st.(calls.InCall); ok && pc.Caller == c.Caller && pc.Callee == c.Callee {
				tx.SetStatus(p, c)
			}
		}
		return nil
	})
	if err != nil {
		return s.fail("screencast_disable", err)
	}
	if released {
		s.record(ctx, audit.EventScreenCastDisabled, id, "", "")
	}
	return nil
}

// establishedCall returns id's call if both sides are in it (not ringing).
func establishedCall(tx Tx, id calls.Identity) (calls.InCall, error) {
	own, err := tx.Status(id)
	if err != nil {
		return calls.InCall{}, err
	}
	c, ok := own.(calls.InCall)
	if !ok {
		return calls.InCall{}, calls.ErrNotInCall
	}
	theirs, err := tx.Status(c.Peer(id))
	if err != nil {
		return calls.InCall{}, err
	}
	if pc, ok := theirs.(calls.InCall); !ok || pc.Caller != c.Caller || pc.Callee != c.Callee {
		return calls.InCall{}, calls.ErrNotInCall
	}
	return c, nil
}

/* ===================== SIGNAL RELAY ===================== */

// SendSignal queues msg for target. Only the other participant of the
// sender's current call may be targeted.
func (s *Service) SendSignal(ctx context.Context, from, target calls.Identity, msg calls.SignalMessage) (uint64, error) {
	if msg == nil || target == "" {
		return 0, s.fail("send_signal", calls.ErrInvalidArgument)
	}
	var seq uint64
	err := s.store.Update(ctx, func(tx Tx) error {
		own, err := tx.Status(from)
		if err != nil {
			return err
		}
		c, ok := own.(calls.InCall)
		if !ok || c.Peer(from) != target {
			return calls.ErrForbidden
		}
		n, err := tx.MailboxLen(target)
		if err != nil {
			return err
		}
		if n >= s.mailboxCap {
			return calls.ErrMailboxFull
		}
		seq, err = tx.Enqueue(target, from, msg)
		return err
	})
	if err != nil {
		return 0, s.fail("send_signal", err)
	}
	s.metrics.SignalRelayed(msg.Kind())
	return seq, nil
}

// FetchSignals is a pure read of id's mailbox.
func (s *Service) FetchSignals(ctx context.Context, id calls.Identity) ([]calls.Envelope, error) {
	return s.store.Mailbox(ctx, id)
}

func (s *Service) ClearSignals(ctx context.Context, id calls.Identity) error {
	return s.store.Update(ctx, func(tx Tx) error {
		tx.ClearMailbox(id)
		return nil
	})
}

// AckSignals drops the fetched prefix of id's mailbox up to and including
// sequence number through. Signals queued after the fetch are kept.
func (s *Service) AckSignals(ctx context.Context, id calls.Identity, through uint64) (int, error) {
	return s.store.Ack(ctx, id, through)
}

/* ===================== PRESENCE & ROLES ===================== */

func (s *Service) SetAvailable(ctx context.Context, id calls.Identity) error {
	return s.dir.SetAvailable(ctx, id, true)
}

func (s *Service) SetUnavailable(ctx context.Context, id calls.Identity) error {
	return s.dir.SetAvailable(ctx, id, false)
}

func (s *Service) Role(ctx context.Context, id calls.Identity) (string, error) {
	return s.dir.Role(ctx, id)
}

func (s *Service) IsAdmin(ctx context.Context, id calls.Identity) (bool, error) {
	role, err := s.dir.Role(ctx, id)
	if err != nil {
		return false, err
	}
	return rbac.IsAdmin(role), nil
}

// AssignRole changes target's role. Only admins may do this.
func (s *Service) AssignRole(ctx context.Context, actor, target calls.Identity, role string) error {
	if target == "" || !rbac.IsValid(role) {
		return s.fail("assign_role", calls.ErrInvalidArgument)
	}
	admin, err := s.IsAdmin(ctx, actor)
	if err != nil {
		return err
	}
	if !admin {
		return s.fail("assign_role", calls.ErrForbidden)
	}
	if err := s.dir.AssignRole(ctx, target, role); err != nil {
		return s.fail("assign_role", err)
	}
	s.record(ctx, audit.EventRoleAssigned, actor, target, role)
	return nil
}

/* ===================== INTERNAL ===================== */

func (s *Service) fail(op string, err error) error {
	s.metrics.OperationFailed(op, calls.Code(err))
	return err
}

func (s *Service) record(ctx context.Context, t audit.EventType, actor, target calls.Identity, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, t, actor, target, msg); err != nil {
		logger.From(ctx).Warn("audit append failed", "type", t, "err", err)
	}
}

type nopMetrics struct{}

func (nopMetrics) CallInitiated()                 {}
func (nopMetrics) CallAnswered()                  {}
func (nopMetrics) CallDeclined()                  {}
func (nopMetrics) CallEnded()                     {}
func (nopMetrics) ScreenCastGranted()             {}
func (nopMetrics) SignalRelayed(calls.SignalKind) {}
func (nopMetrics) OperationFailed(string, string) {}
