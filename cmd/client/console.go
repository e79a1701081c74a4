package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"callrelay/internal/calls"
	"callrelay/internal/negotiation"
)

var errQuit = errors.New("quit")

type callControl interface {
	InitiateCall(ctx context.Context, callee calls.Identity) error
	InitiateCallByPhone(ctx context.Context, phone string) error
	AnswerCall(ctx context.Context) error
	DeclineCall(ctx context.Context) error
}

type engineControl interface {
	Snapshot() negotiation.Snapshot
	Poke()
	Hangup()
	SetMuted(muted bool)
	SetCameraOff(off bool)
	StartScreenShare()
	StopScreenShare()
}

const help = `commands:
  c <identity>   call a user
  p <phone>      call a phone number
  a              answer the ringing call
  d              decline the ringing call
  h              hang up
  m              toggle microphone
  v              toggle camera
  s              toggle screen share
  q              quit`

// console reads commands from a line-oriented input and prints call state
// changes. All output goes through say.
type console struct {
	out        io.Writer
	api        callControl
	engine     engineControl
	updates    <-chan negotiation.Snapshot
	autoAnswer bool

	mu       sync.Mutex
	last     negotiation.Snapshot
	answered calls.Identity
}

func newConsole(out io.Writer, api callControl, engine engineControl, updates <-chan negotiation.Snapshot, autoAnswer bool) *console {
	return &console{out: out, api: api, engine: engine, updates: updates, autoAnswer: autoAnswer}
}

func (c *console) say(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// run processes input and updates until ctx ends or the user quits. EOF on
// input only stops reading; updates keep being shown.
func (c *console) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-c.updates:
			c.show(s)
			c.maybeAnswer(ctx, s)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := c.exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				c.say("error: %v", err)
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	s := c.engine.Snapshot()

	switch fields[0] {
	case "c":
		if arg == "" {
			return fmt.Errorf("%w: usage c <identity>", calls.ErrInvalidArgument)
		}
		return c.dial(ctx, calls.Identity(arg), "")
	case "p":
		if arg == "" {
			return fmt.Errorf("%w: usage p <phone>", calls.ErrInvalidArgument)
		}
		return c.dial(ctx, "", arg)
	case "a":
		if err := c.api.AnswerCall(ctx); err != nil {
			return err
		}
		c.engine.Poke()
	case "d":
		if err := c.api.DeclineCall(ctx); err != nil {
			return err
		}
		c.engine.Poke()
	case "h":
		c.engine.Hangup()
	case "m":
		c.engine.SetMuted(!s.Muted)
	case "v":
		c.engine.SetCameraOff(!s.CameraOff)
	case "s":
		if s.ScreenSharing {
			c.engine.StopScreenShare()
		} else {
			c.engine.StartScreenShare()
		}
	case "q":
		return errQuit
	case "?", "help":
		c.say("%s", help)
	default:
		return fmt.Errorf("%w: unknown command %q, ? for help", calls.ErrInvalidArgument, fields[0])
	}
	return nil
}

// dial calls callee, or the owner of phone when callee is empty.
func (c *console) dial(ctx context.Context, callee calls.Identity, phone string) error {
	var err error
	if callee != "" {
		err = c.api.InitiateCall(ctx, callee)
	} else {
		err = c.api.InitiateCallByPhone(ctx, phone)
	}
	if err != nil {
		c.say("call failed: %v", err)
		return nil
	}
	c.engine.Poke()
	return nil
}

func (c *console) maybeAnswer(ctx context.Context, s negotiation.Snapshot) {
	in, ringing := s.Status.(calls.Incoming)
	if !ringing {
		c.answered = ""
		return
	}
	if !c.autoAnswer || c.answered == in.Caller {
		return
	}
	c.answered = in.Caller
	if err := c.api.AnswerCall(ctx); err != nil {
		c.say("auto-answer failed: %v", err)
		return
	}
	c.engine.Poke()
}

func (c *console) show(s negotiation.Snapshot) {
	prev := c.last
	c.last = s

	if in, ok := s.Status.(calls.Incoming); ok && prev.Status != s.Status {
		c.say("incoming call from %s (a to answer, d to decline)", in.Caller)
	}
	if s.State != prev.State || s.Peer != prev.Peer {
		if s.Peer != "" {
			c.say("call %s with %s", s.State, s.Peer)
		} else {
			c.say("call %s", s.State)
		}
	}
	if s.Muted != prev.Muted || s.CameraOff != prev.CameraOff {
		c.say("microphone %s, camera %s", onOff(!s.Muted), onOff(!s.CameraOff))
	}
	if s.ScreenSharing != prev.ScreenSharing {
		c.say("screen share %s", onOff(s.ScreenSharing))
	}
	if s.RemoteScreenSharing != prev.RemoteScreenSharing {
		c.say("peer screen share %s", onOff(s.RemoteScreenSharing))
	}
	if s.Err != nil && s.Err != prev.Err {
		c.say("error: %v", s.Err)
	}
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
