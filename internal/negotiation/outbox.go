package negotiation

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type job struct {
	name  string
	epoch uint64
	// dropIfStale skips the job when the call it belongs to is gone.
	dropIfStale bool
	run         func(ctx context.Context) error
}

// outbox runs relay writes one at a time in submission order, so an offer
// always reaches the peer before the candidates gathered for it. push never
// blocks.
type outbox struct {
	mu     sync.Mutex
	queue  []job
	closed bool
	wake   chan struct{}
	done   chan struct{}

	epoch   *atomic.Uint64
	timeout time.Duration
	log     *slog.Logger
	onError func(name string, err error)
}

func newOutbox(epoch *atomic.Uint64, timeout time.Duration, log *slog.Logger) *outbox {
	return &outbox{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		epoch:   epoch,
		timeout: timeout,
		log:     log,
	}
}

func (o *outbox) push(j job) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.queue = append(o.queue, j)
	o.mu.Unlock()
	o.signal()
}

// close lets run finish the queued jobs and return.
func (o *outbox) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.signal()
}

func (o *outbox) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// run executes jobs against base, which should outlive the engine's own
// context so teardown writes still go out on shutdown.
func (o *outbox) run(base context.Context) {
	defer close(o.done)
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			<-o.wake
			continue
		}
		j := o.queue[0]
		o.queue = o.queue[1:]
		o.mu.Unlock()

		if j.dropIfStale && j.epoch != o.epoch.Load() {
			o.log.Debug("dropping stale relay write", "op", j.name)
			continue
		}
		ctx, cancel := context.WithTimeout(base, o.timeout)
		err := j.run(ctx)
		cancel()
		if err != nil {
			o.log.Warn("relay write failed", "op", j.name, "err", err)
			if o.onError != nil {
				o.onError(j.name, err)
			}
		}
	}
}
