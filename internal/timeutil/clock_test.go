package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_Since(t *testing.T) {
	clock := RealClock{}
	past := time.Now().Add(-time.Second)
	d := clock.Since(past)

	if d < time.Second {
		t.Errorf("Since() returned %v, expected >= 1s", d)
	}
}

func TestOrReal(t *testing.T) {
	if _, ok := OrReal(nil).(RealClock); !ok {
		t.Error("OrReal(nil) should be a RealClock")
	}
	mock := NewMockClock(time.Unix(0, 0))
	if OrReal(mock) != Clock(mock) {
		t.Error("OrReal should keep a non-nil clock")
	}
}

func TestMockClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)

	if !clock.Now().Equal(start) {
		t.Errorf("Now() = %v, want %v", clock.Now(), start)
	}

	// a plain mock clock does not move
	if !clock.Now().Equal(start) {
		t.Errorf("second Now() = %v, want %v", clock.Now(), start)
	}
	if d := clock.Since(start.Add(-5 * time.Second)); d != 5*time.Second {
		t.Errorf("Since() = %v, want 5s", d)
	}
}

func TestSteppingClock(t *testing.T) {
	start := time.Unix(100, 0)
	clock := NewSteppingClock(start, time.Millisecond)

	t0 := clock.Now()
	if !t0.Equal(start) {
		t.Errorf("first Now() = %v, want %v", t0, start)
	}
	// Since reads the clock once more
	if d := clock.Since(t0); d != time.Millisecond {
		t.Errorf("Since() = %v, want 1ms", d)
	}
	if d := clock.Now().Sub(start); d != 2*time.Millisecond {
		t.Errorf("clock advanced %v, want 2ms", d)
	}
}
