package scheduler

import (
	"testing"
	"time"
)

func TestVirtualScheduleFiresAfterDelay(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	fired := false
	v.Schedule(func() { fired = true }, 30*time.Second)

	v.Advance(29 * time.Second)
	if fired {
		t.Fatalf("timer fired early")
	}
	v.Advance(1 * time.Second)
	if !fired {
		t.Fatalf("timer did not fire at delay boundary")
	}
}

func TestVirtualCancelPreventsFire(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	fired := false
	id := v.Schedule(func() { fired = true }, 10*time.Second)
	v.Cancel(id)
	v.Advance(time.Minute)
	if fired {
		t.Fatalf("cancelled timer fired")
	}
}

func TestVirtualIntervalRepeats(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	count := 0
	v.ScheduleInterval(func() { count++ }, 60*time.Second)
	v.Advance(61 * time.Second)
	v.Advance(60 * time.Second)
	v.Advance(60 * time.Second)
	if count != 3 {
		t.Fatalf("expected 3 fires, got %d", count)
	}
}

func TestVirtualDisposeStopsFutureFires(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	fired := false
	v.Schedule(func() { fired = true }, 5*time.Second)
	v.Dispose()
	v.Advance(time.Minute)
	if fired {
		t.Fatalf("disposed scheduler fired a timer")
	}
}

func TestRealSchedulerCancelIdempotent(t *testing.T) {
	s := New()
	id := s.Schedule(func() {}, time.Hour)
	s.Cancel(id)
	s.Cancel(id) // must not panic
	s.Dispose()
}
