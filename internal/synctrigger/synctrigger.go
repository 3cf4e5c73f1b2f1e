// Package synctrigger implements the debounced per-wallet sync queue from
// spec §4.6 (C6) and REDESIGN FLAG R2: coalesce bursts of state-change
// events for the same wallet into a single sync dispatch after a quiet
// window, without persisting the queue across restarts (a missed debounce
// window after a crash just means one extra full sync on the next event,
// not a correctness problem the way a skipped replication write would be).
package synctrigger

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher performs the actual sync once a wallet's debounce window
// elapses. Production wiring is cmd/creatornoded's syncDispatcher, which
// picks a source peer and runs internal/syncworker.Worker.Sync; tests
// supply a fake to assert debounce behavior without real I/O.
type Dispatcher interface {
	Dispatch(ctx context.Context, wallet string)
}

// Trigger is an in-memory, debounced work queue keyed by wallet. It is the
// generalization of the teacher's per-connection write-ahead scheduling:
// same "coalesce rapid repeats, fire once" shape, different unit of work.
type Trigger struct {
	mu       sync.Mutex
	timers   map[string]*time.Timer
	debounce time.Duration
	dispatch Dispatcher
	log      zerolog.Logger
}

// New constructs a Trigger. debounce is the quiet window spec §4.6
// describes (events for the same wallet arriving within debounce of each
// other collapse into one dispatch, timed from the most recent event).
func New(debounce time.Duration, dispatch Dispatcher, log zerolog.Logger) *Trigger {
	return &Trigger{
		timers:   make(map[string]*time.Timer),
		debounce: debounce,
		dispatch: dispatch,
		log:      log.With().Str("component", "synctrigger").Logger(),
	}
}

// Enqueue schedules wallet for a debounced sync. Calling it again for the
// same wallet before the window elapses resets the timer rather than
// scheduling a second dispatch.
func (t *Trigger) Enqueue(wallet string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.timers[wallet]; ok {
		existing.Stop()
	}
	t.timers[wallet] = time.AfterFunc(t.debounce, func() { t.fire(wallet) })
	t.log.Debug().Str("wallet", wallet).Dur("debounce", t.debounce).Msg("sync enqueued")
}

// Immediate bypasses the debounce window and dispatches wallet right away,
// canceling any pending debounced timer for it. POST /sync's immediate
// mode does not go through here; it calls the sync worker directly.
func (t *Trigger) Immediate(wallet string) {
	t.mu.Lock()
	if existing, ok := t.timers[wallet]; ok {
		existing.Stop()
		delete(t.timers, wallet)
	}
	t.mu.Unlock()
	t.log.Debug().Str("wallet", wallet).Msg("sync dispatched immediately")
	t.dispatch.Dispatch(context.Background(), wallet)
}

// Cancel drops any pending debounced sync for wallet without dispatching.
func (t *Trigger) Cancel(wallet string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.timers[wallet]; ok {
		existing.Stop()
		delete(t.timers, wallet)
	}
}

// Pending reports whether wallet currently has a debounced sync scheduled.
func (t *Trigger) Pending(wallet string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[wallet]
	return ok
}

func (t *Trigger) fire(wallet string) {
	t.mu.Lock()
	delete(t.timers, wallet)
	t.mu.Unlock()
	t.log.Info().Str("wallet", wallet).Msg("debounced sync firing")
	t.dispatch.Dispatch(context.Background(), wallet)
}
