package chatsync

import (
	"testing"
	"time"
)

func TestDebouncer(t *testing.T) {
	t.Run("fires once after the last arm", func(t *testing.T) {
		clock := newFakeScheduler()
		d := NewDebouncer(clock, time.Second)
		var fired []time.Time
		for i := 0; i < 3; i++ {
			d.Arm(func() { fired = append(fired, clock.Now()) })
			clock.Advance(400 * time.Millisecond)
		}
		clock.Advance(5 * time.Second)

		if len(fired) != 1 {
			t.Fatalf("fired %d times, want 1", len(fired))
		}
		if want := at(800*time.Millisecond + time.Second); !fired[0].Equal(want) {
			t.Errorf("fired at %v, want %v", fired[0], want)
		}
		if d.Pending() {
			t.Error("still pending after firing")
		}
	})

	t.Run("cancel", func(t *testing.T) {
		clock := newFakeScheduler()
		d := NewDebouncer(clock, time.Second)
		fired := false
		d.Arm(func() { fired = true })
		if !d.Cancel() {
			t.Error("Cancel = false with a pending countdown")
		}
		if d.Cancel() {
			t.Error("second Cancel = true")
		}
		clock.Advance(2 * time.Second)
		if fired {
			t.Error("cancelled callback fired")
		}
	})

	t.Run("superseded fire is a no-op", func(t *testing.T) {
		clock := newFakeScheduler()
		d := NewDebouncer(clock, time.Second)

		var stale func()
		d.sched = schedulerFunc(func(dur time.Duration, f func()) Timer {
			stale = f
			return clock.AfterFunc(dur, func() {})
		})
		calls := 0
		d.Arm(func() { calls++ })
		first := stale
		d.Arm(func() { calls += 10 })
		first()
		if calls != 0 {
			t.Errorf("stale callback ran, calls = %d", calls)
		}
		stale()
		if calls != 10 {
			t.Errorf("calls = %d, want 10", calls)
		}
	})
}

type schedulerFunc func(d time.Duration, f func()) Timer

func (f schedulerFunc) AfterFunc(d time.Duration, fn func()) Timer { return f(d, fn) }
func (f schedulerFunc) Now() time.Time                             { return testEpoch }

func TestTimerSet(t *testing.T) {
	clock := newFakeScheduler()
	s := newTimerSet(clock, time.Second)
	var fired []string
	s.arm("a", func() { fired = append(fired, "a") })
	s.arm("b", func() { fired = append(fired, "b") })
	if s.len() != 2 {
		t.Fatalf("len = %d", s.len())
	}
	if !s.cancel("a") {
		t.Error("cancel(a) = false")
	}
	clock.Advance(time.Second)
	if len(fired) != 1 || fired[0] != "b" {
		t.Errorf("fired = %v, want [b]", fired)
	}
	if s.len() != 0 {
		t.Errorf("len = %d after firing", s.len())
	}

	s.arm("c", func() { fired = append(fired, "c") })
	s.cancelAll()
	clock.Advance(time.Second)
	if len(fired) != 1 {
		t.Errorf("fired = %v after cancelAll", fired)
	}
}
