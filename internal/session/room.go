package session

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Triviape/triviape-sub002/internal/errors"
	"github.com/Triviape/triviape-sub002/internal/protocol"
	"github.com/Triviape/triviape-sub002/internal/telemetry"
)

const inboxSize = 64

// room owns one Game and runs every operation on it from a single goroutine. Timers fire by
// posting back into the inbox, and a generation counter per timer key drops fires that were
// cancelled or replaced while already in flight.
type room struct {
	id    string
	game  *Game
	clock clockwork.Clock

	inbox    chan func()
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	timers map[string]clockwork.Timer
	gens   map[string]uint64

	summary   atomic.Pointer[protocol.SessionSummary]
	retention time.Duration
	retained  bool
	onExpire  func(id string)
}

func newRoom(id string, clock clockwork.Clock, retention time.Duration, onExpire func(string)) *room {
	return &room{
		id:        id,
		clock:     clock,
		inbox:     make(chan func(), inboxSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		timers:    make(map[string]clockwork.Timer),
		gens:      make(map[string]uint64),
		retention: retention,
		onExpire:  onExpire,
	}
}

func (r *room) run() {
	defer close(r.done)

	for {
		select {
		case fn := <-r.inbox:
			r.exec(fn)
		case <-r.quit:
			for _, t := range r.timers {
				t.Stop()
			}
			return
		}
	}
}

func (r *room) exec(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("session: operation panic",
				"session", r.id,
				"error", fmt.Errorf("%v, stack: %s", rec, debug.Stack()),
			)
		}
	}()

	fn()
	r.settle()
}

// settle runs after every operation.
func (r *room) settle() {
	s := r.game.Summary()
	r.summary.Store(&s)

	if r.game.Ended() && !r.retained {
		r.retained = true
		telemetry.SessionsEnded.WithLabelValues(s.State).Inc()
		slog.Info("session: ended", "session", r.id, "state", s.State)

		r.Schedule(timerRetention, r.retention, func() {
			go r.onExpire(r.id)
		})
	}
}

// do runs fn on the room goroutine and waits for its result. A panic in fn fails the call with
// an internal error; exec still logs it.
func (r *room) do(ctx context.Context, fn func(g *Game) error) error {
	errc := make(chan error, 1)

	op := func() {
		defer func() {
			if rec := recover(); rec != nil {
				errc <- errors.Internal(fmt.Errorf("session %s: operation panic: %v", r.id, rec))
				panic(rec)
			}
		}()

		errc <- fn(r.game)
	}

	select {
	case r.inbox <- op:
	case <-r.done:
		return sessionNotFound(r.id)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-errc:
		return err
	case <-r.done:
		return sessionNotFound(r.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *room) post(fn func()) {
	select {
	case r.inbox <- fn:
	case <-r.done:
	}
}

// Schedule must be called from the room goroutine.
func (r *room) Schedule(key string, d time.Duration, fn func()) {
	r.Cancel(key)

	gen := r.gens[key]
	r.timers[key] = r.clock.AfterFunc(d, func() {
		r.post(func() {
			if r.gens[key] != gen {
				return
			}
			delete(r.timers, key)
			fn()
		})
	})
}

func (r *room) Cancel(key string) {
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
	r.gens[key]++
}

func (r *room) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
}
