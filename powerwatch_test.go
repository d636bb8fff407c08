package powerwatch

import (
	"testing"
	"time"
)

func TestSensorFrozenBoundary(t *testing.T) {
	t.Parallel()

	until := time.Date(2026, 3, 1, 12, 20, 0, 0, time.UTC)
	up := true
	s := Sensor{UUID: "esp32-boundary", FrozenUntil: &until, FrozenIsUp: &up}

	if !s.Frozen(until.Add(-time.Minute)) {
		t.Fatalf("expected frozen before the deadline")
	}
	if !s.Frozen(until) {
		t.Fatalf("expected frozen at exactly frozen_until")
	}
	if s.Frozen(until.Add(time.Nanosecond)) {
		t.Fatalf("expected unfrozen after frozen_until")
	}
	if s.Frozen(time.Time{}) != true {
		t.Fatalf("expected frozen at the zero instant while deadline is set")
	}

	s.FrozenUntil = nil
	if s.Frozen(until) {
		t.Fatalf("expected unfrozen with no deadline")
	}
}

func TestSensorAliveHonorsFreezeThroughSilence(t *testing.T) {
	t.Parallel()

	const timeout = 150 * time.Second
	beat := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	until := beat.Add(20 * time.Minute)
	up := true
	s := Sensor{UUID: "esp32-silent", LastHeartbeat: &beat, FrozenUntil: &until, FrozenIsUp: &up}

	// Long past staleness, but the pinned state carries through the window,
	// deadline instant included.
	if !s.Alive(until, timeout) {
		t.Fatalf("expected pinned state at the freeze deadline")
	}
	if s.Alive(until.Add(time.Second), timeout) {
		t.Fatalf("expected heartbeat staleness after the freeze expires")
	}

	down := false
	s.FrozenIsUp = &down
	fresh := until.Add(-time.Minute)
	s.LastHeartbeat = &fresh
	if s.Alive(until, timeout) {
		t.Fatalf("expected pinned down state to win over a fresh heartbeat")
	}
}
