package gateway

import (
	"sync"
	"time"
)

// rateLimiter is an exact sliding-window counter keyed by (actor, class).
//
// A token bucket would refill mid-window and admit an 11th call seconds after
// the first ten, so the budget is enforced against the actual timestamps of
// the last window. allow() is a single atomic check-and-append under the
// window's lock; concurrent callers can never overshoot the budget.
type rateLimiter struct {
	window  time.Duration
	budgets map[Class]int

	mu      sync.Mutex
	entries map[string]*windowEntry
	ops     uint64
}

type windowEntry struct {
	mu   sync.Mutex
	hits []time.Time
	seen time.Time
}

func newRateLimiter(window time.Duration, budgets map[Class]int) *rateLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &rateLimiter{
		window:  window,
		budgets: budgets,
		entries: map[string]*windowEntry{},
	}
}

// allow consumes one slot for the actor/class pair, or reports false if the
// window budget is spent.
func (rl *rateLimiter) allow(actor string, class Class, now time.Time) bool {
	budget := rl.budgets[class]
	if budget <= 0 {
		return true
	}

	key := actor + "|" + string(class)
	rl.mu.Lock()
	e, ok := rl.entries[key]
	if !ok {
		e = &windowEntry{}
		rl.entries[key] = e
	}
	e.seen = now
	rl.ops++
	if rl.ops%512 == 0 {
		rl.pruneLocked(now)
	}
	rl.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	cut := now.Add(-rl.window)
	i := 0
	for i < len(e.hits) && !e.hits[i].After(cut) {
		i++
	}
	if i > 0 {
		e.hits = append(e.hits[:0], e.hits[i:]...)
	}
	if len(e.hits) >= budget {
		return false
	}
	e.hits = append(e.hits, now)
	return true
}

// pruneLocked drops entries idle for several windows so one-off actors do
// not accumulate forever.
func (rl *rateLimiter) pruneLocked(now time.Time) {
	cut := now.Add(-4 * rl.window)
	for k, e := range rl.entries {
		if e.seen.Before(cut) {
			delete(rl.entries, k)
		}
	}
}
