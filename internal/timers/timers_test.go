package timers

import (
	"testing"
	"time"
)

func TestVirtualAfterFuncFiresOnAdvance(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	fired := false
	v.AfterFunc(100*time.Millisecond, func() { fired = true })

	v.Advance(50 * time.Millisecond)
	if fired {
		t.Fatal("should not fire before its deadline")
	}
	v.Advance(60 * time.Millisecond)
	if !fired {
		t.Fatal("should fire once the deadline has passed")
	}
}

func TestVirtualStopPreventsFiring(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	fired := false
	h := v.AfterFunc(10*time.Millisecond, func() { fired = true })
	if !h.Stop() {
		t.Fatal("Stop should succeed before the deadline")
	}
	v.Advance(20 * time.Millisecond)
	if fired {
		t.Fatal("stopped callback must not fire")
	}
	if h.Stop() {
		t.Fatal("second Stop call should report false")
	}
}

func TestVirtualFiresInScheduleOrderOnTies(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	var order []int
	v.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	v.AfterFunc(10*time.Millisecond, func() { order = append(order, 2) })
	v.Advance(10 * time.Millisecond)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected schedule order [1 2], got %v", order)
	}
}

func TestDebouncedScheduleCancelsPrior(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	d := NewDebounced(v, 50*time.Millisecond)
	count := 0
	d.Schedule(func() { count++ })
	v.Advance(10 * time.Millisecond)
	d.Schedule(func() { count++ }) // restarts the timer
	v.Advance(40 * time.Millisecond)
	if count != 0 {
		t.Fatalf("expected no fire yet (restarted), got count=%d", count)
	}
	v.Advance(20 * time.Millisecond)
	if count != 1 {
		t.Fatalf("expected exactly one fire, got %d", count)
	}
}

func TestDebouncedCancel(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	d := NewDebounced(v, 10*time.Millisecond)
	fired := false
	d.Schedule(func() { fired = true })
	d.Cancel()
	v.Advance(20 * time.Millisecond)
	if fired {
		t.Fatal("cancelled debounce must not fire")
	}
}
