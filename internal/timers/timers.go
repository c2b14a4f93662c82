// Package timers provides a small cancellable-timer abstraction for a
// "fire once after a delay unless cancelled first" primitive — used by the
// listener's gap-retransmission timer in internal/reorder — backed by a
// Clock so tests can drive time explicitly instead of sleeping (spec DESIGN
// NOTES).
package timers

import (
	"sync"
	"time"
)

// Clock abstracts time so production code uses wall time and tests can
// substitute a virtual clock without real sleeps.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Handle
}

// Handle cancels a scheduled callback. Stop is safe to call more than
// once and after the callback has already fired.
type Handle interface {
	Stop() bool
}

// realClock is the production Clock, backed by time.AfterFunc.
type realClock struct{}

// Real is the wall-clock Clock used outside of tests.
var Real Clock = realClock{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Handle {
	return &realHandle{t: time.AfterFunc(d, f)}
}

type realHandle struct{ t *time.Timer }

func (h *realHandle) Stop() bool { return h.t.Stop() }

// Virtual is a manually-advanced Clock for deterministic tests: Now()
// is the start time plus every duration passed to Advance so far, and
// AfterFunc callbacks fire synchronously, in deadline order (ties in
// schedule order), as Advance crosses their deadline.
type Virtual struct {
	mu      sync.Mutex
	now     time.Time
	pending []*virtualEntry
	seq     uint64
}

type virtualEntry struct {
	deadline time.Time
	f        func()
	seq      uint64
	fired    bool
	stopped  bool
}

// NewVirtual returns a Virtual clock starting at start.
func NewVirtual(start time.Time) *Virtual {
	return &Virtual{now: start}
}

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) AfterFunc(d time.Duration, f func()) Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.seq++
	e := &virtualEntry{deadline: v.now.Add(d), f: f, seq: v.seq}
	v.pending = append(v.pending, e)
	return e
}

// Advance moves the virtual clock forward by d, firing (in deadline order,
// ties broken by schedule order) every callback whose deadline falls at or
// before the new time.
func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	now := v.now
	due := make([]*virtualEntry, 0)
	for _, e := range v.pending {
		if !e.fired && !e.stopped && !e.deadline.After(now) {
			due = append(due, e)
		}
	}
	v.mu.Unlock()

	for i := 0; i < len(due); i++ {
		for j := i + 1; j < len(due); j++ {
			if due[j].deadline.Before(due[i].deadline) ||
				(due[j].deadline.Equal(due[i].deadline) && due[j].seq < due[i].seq) {
				due[i], due[j] = due[j], due[i]
			}
		}
	}

	for _, e := range due {
		v.mu.Lock()
		already := e.fired || e.stopped
		if !already {
			e.fired = true
		}
		v.mu.Unlock()
		if !already {
			e.f()
		}
	}
}

func (e *virtualEntry) Stop() bool {
	if e.fired || e.stopped {
		return false
	}
	e.stopped = true
	return true
}

// Debounced schedules f to run after d, cancelling any previously
// scheduled-but-not-fired call on the same Debounced. internal/reorder
// uses its ScheduleIfIdle variant for the gap-retransmission timer.
type Debounced struct {
	mu     sync.Mutex
	clock  Clock
	delay  time.Duration
	handle Handle
}

// NewDebounced returns a Debounced that schedules onto clock after delay.
func NewDebounced(clock Clock, delay time.Duration) *Debounced {
	return &Debounced{clock: clock, delay: delay}
}

// Schedule cancels any pending fire and arms a new one calling f after delay.
func (d *Debounced) Schedule(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		d.handle.Stop()
	}
	d.handle = d.clock.AfterFunc(d.delay, f)
}

// ScheduleIfIdle arms a new call to f after delay only if no call is
// currently pending; otherwise it leaves the existing timer untouched.
// Returns whether it armed a new timer. Used where a steady trickle of
// triggering events must not keep pushing a deadline back (spec §4.5 step
// 6: "if no retransmission timer is already armed, arm one").
func (d *Debounced) ScheduleIfIdle(f func()) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		return false
	}
	d.handle = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		d.handle = nil
		d.mu.Unlock()
		f()
	})
	return true
}

// Cancel stops any pending fire without scheduling a new one.
func (d *Debounced) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handle != nil {
		d.handle.Stop()
		d.handle = nil
	}
}
