// Package clock implements the Clock & Scheduler (C9): a thin seam over
// monotonic time and timers so tests can inject deterministic behavior
// (spec §4.9).
package clock

import "time"

// Clock abstracts time.Now and timer construction. The real implementation
// wraps the standard library; tests substitute a fake.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	AfterFunc(d time.Duration, f func()) Timer
}

// Ticker mirrors the subset of *time.Ticker the scheduler needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Timer mirrors the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
	Reset(d time.Duration) bool
}

// Real is the production Clock, backed directly by the time package.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) NewTicker(d time.Duration) Ticker {
	return &realTicker{t: time.NewTicker(d)}
}

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type realTicker struct{ t *time.Ticker }

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }

// Scheduler owns the three periodic jobs named in spec §4.9: staleness
// sweep, global refresh, and (indirectly, via conn.Supervisor's own
// backoff timers) per-server backoff. It is a thin driver: it calls the
// supplied functions on each tick and stops cleanly when told to.
type Scheduler struct {
	clock Clock
}

func New(c Clock) *Scheduler {
	if c == nil {
		c = Real{}
	}
	return &Scheduler{clock: c}
}

// Every runs fn once per interval until stop is closed, using the
// scheduler's Clock so tests can control cadence deterministically.
func (s *Scheduler) Every(interval time.Duration, stop <-chan struct{}, fn func(now time.Time)) {
	t := s.clock.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C():
			fn(now)
		}
	}
}

// Now returns the scheduler's notion of the current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }
