package chatsync

import (
	"sync"
	"time"
)

// ============================================================================
// Scheduler
// ============================================================================

// Timer is a cancelable handle returned by a Scheduler.
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer, false if it had already fired or been stopped.
	Stop() bool
}

// Scheduler creates timers. Every timed behaviour in the package (typing
// idle, scroll settle, pending timeout, reconnect backoff) goes through one,
// so tests can drive time by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
	Now() time.Time
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
func (realScheduler) Now() time.Time                            { return time.Now() }

// RealScheduler schedules on the runtime timer heap.
var RealScheduler Scheduler = realScheduler{}

// ============================================================================
// Debouncer
// ============================================================================

// Debouncer runs a callback once after a quiet period. Each Arm cancels the
// previous countdown; a callback whose countdown was superseded never runs,
// even if its timer had already fired and was waiting for the lock.
type Debouncer struct {
	sched Scheduler
	delay time.Duration

	mu    sync.Mutex
	timer Timer
	gen   uint64
}

// NewDebouncer creates a debouncer firing delay after the last Arm.
func NewDebouncer(sched Scheduler, delay time.Duration) *Debouncer {
	if sched == nil {
		sched = RealScheduler
	}
	return &Debouncer{sched: sched, delay: delay}
}

// Arm (re)starts the countdown. f runs at most once.
func (d *Debouncer) Arm(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.sched.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.gen++
		d.mu.Unlock()
		f()
	})
}

// Cancel stops a pending countdown. It reports whether one was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer == nil {
		return false
	}
	d.timer.Stop()
	d.timer = nil
	d.gen++
	return true
}

// Pending reports whether a countdown is armed.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// ============================================================================
// Keyed timers
// ============================================================================

// timerSet holds one debouncer per key; used for per-message deadlines.
type timerSet struct {
	sched Scheduler
	delay time.Duration

	mu     sync.Mutex
	timers map[string]*Debouncer
}

func newTimerSet(sched Scheduler, delay time.Duration) *timerSet {
	return &timerSet{sched: sched, delay: delay, timers: make(map[string]*Debouncer)}
}

func (s *timerSet) arm(key string, f func()) {
	s.mu.Lock()
	d, ok := s.timers[key]
	if !ok {
		d = NewDebouncer(s.sched, s.delay)
		s.timers[key] = d
	}
	s.mu.Unlock()

	d.Arm(func() {
		s.mu.Lock()
		if s.timers[key] == d {
			delete(s.timers, key)
		}
		s.mu.Unlock()
		f()
	})
}

func (s *timerSet) cancel(key string) bool {
	s.mu.Lock()
	d, ok := s.timers[key]
	delete(s.timers, key)
	s.mu.Unlock()
	if !ok {
		return false
	}
	return d.Cancel()
}

func (s *timerSet) cancelAll() {
	s.mu.Lock()
	timers := s.timers
	s.timers = make(map[string]*Debouncer)
	s.mu.Unlock()
	for _, d := range timers {
		d.Cancel()
	}
}

func (s *timerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
