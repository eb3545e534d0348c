package totem

import (
	"sync"
	"time"

	"github.com/LuminPulse-AI/Totem/sdk/golang/internal/clock"
)

// ============================================================================
// Event Loop
// ============================================================================

// Loop serializes every state-touching callback of the sync layer: socket
// events, timer fires, poll deliveries and public API calls. Only one
// function runs inside the loop at a time.
//
// Components (ConnectionManager, Router, Poller, Store) are not safe for
// concurrent use on their own; they expect to be called from inside
// Loop.Do, and they re-enter the loop themselves for asynchronous events.
type Loop struct {
	mu       sync.Mutex
	detached []func()
}

// NewLoop returns an idle loop.
func NewLoop() *Loop { return &Loop{} }

// Do runs fn inside the loop, then runs any work fn detached, outside the
// loop and in detach order.
func (l *Loop) Do(fn func()) {
	for _, f := range l.turn(fn) {
		f()
	}
}

func (l *Loop) turn(fn func()) []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	defer func() {
		// Detached work queued before a panic is dropped with it.
		if r := recover(); r != nil {
			l.detached = nil
			panic(r)
		}
	}()
	fn()
	later := l.detached
	l.detached = nil
	return later
}

// Detach queues f to run once the current turn has left the loop. It must
// only be called from inside Do. Blocking work (network fetches, user
// callbacks that may call back into the kiosk) goes through Detach.
func (l *Loop) Detach(f func()) {
	l.detached = append(l.detached, f)
}

// ============================================================================
// Scheduler
// ============================================================================

// Timer is a cancellable scheduled callback. The zero value is not usable;
// timers come from Scheduler.Schedule and Scheduler.Every.
type Timer struct {
	sched     *Scheduler
	interval  time.Duration
	fn        func()
	pending   clock.Timer
	cancelled bool
}

// Cancel stops the timer. A fire already racing towards the loop becomes a
// no-op. Must be called from inside the loop.
func (t *Timer) Cancel() {
	if t == nil || t.cancelled {
		return
	}
	t.cancelled = true
	if t.pending != nil {
		t.pending.Stop()
	}
	delete(t.sched.timers, t)
}

// Active reports whether the timer can still fire.
func (t *Timer) Active() bool {
	return t != nil && !t.cancelled
}

// Scheduler hands out timers whose callbacks run inside a Loop. Closing the
// scheduler cancels every timer it created and turns later fires into
// no-ops, so nothing scheduled can mutate state after teardown.
type Scheduler struct {
	clock  clock.Clock
	loop   *Loop
	timers map[*Timer]struct{}
	closed bool
}

// NewScheduler returns a scheduler that fires on loop using c.
func NewScheduler(c clock.Clock, loop *Loop) *Scheduler {
	return &Scheduler{
		clock:  c,
		loop:   loop,
		timers: make(map[*Timer]struct{}),
	}
}

// Now returns the scheduler's clock time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Schedule runs fn once, inside the loop, after delay.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) *Timer {
	return s.start(&Timer{sched: s, fn: fn}, delay)
}

// Every runs fn inside the loop each interval until cancelled. Intervals are
// fixed: the next fire is armed when the current one runs.
func (s *Scheduler) Every(interval time.Duration, fn func()) *Timer {
	return s.start(&Timer{sched: s, fn: fn, interval: interval}, interval)
}

func (s *Scheduler) start(t *Timer, delay time.Duration) *Timer {
	if s.closed {
		t.cancelled = true
		return t
	}
	s.timers[t] = struct{}{}
	s.arm(t, delay)
	return t
}

func (s *Scheduler) arm(t *Timer, delay time.Duration) {
	t.pending = s.clock.AfterFunc(delay, func() {
		s.loop.Do(func() { s.fire(t) })
	})
}

func (s *Scheduler) fire(t *Timer) {
	if t.cancelled || s.closed {
		return
	}
	if t.interval > 0 {
		s.arm(t, t.interval)
	} else {
		t.cancelled = true
		delete(s.timers, t)
	}
	t.fn()
}

// Pending returns the number of live timers.
func (s *Scheduler) Pending() int { return len(s.timers) }

// Close cancels all timers and refuses new ones.
func (s *Scheduler) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for t := range s.timers {
		t.Cancel()
	}
}
