package freeze

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"powerwatch"
	"powerwatch/internal/fake"
	"powerwatch/internal/store"
)

const staleAfter = 150 * time.Second

func newHarness(t *testing.T) (*Controller, *store.Store, *fake.Clock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	clock := fake.NewClock(time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC))
	return NewController(s, clock, staleAfter), s, clock
}

func TestFreezeExplicitState(t *testing.T) {
	t.Parallel()
	c, s, clock := newHarness(t)
	ctx := context.Background()

	if _, err := s.UpsertHeartbeat(ctx, "esp-1", 1, 1, "", clock.Now()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	up := true
	until, err := c.Freeze(ctx, "esp-1", 20*time.Minute, &up)
	if err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if !until.Equal(clock.Now().Add(20 * time.Minute)) {
		t.Fatalf("until = %v", until)
	}

	sensor, _, err := s.SensorByUUID(ctx, "esp-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !sensor.Frozen(clock.Now()) || sensor.FrozenIsUp == nil || !*sensor.FrozenIsUp {
		t.Fatalf("sensor = %+v, want frozen up", sensor)
	}

	if err := c.Unfreeze(ctx, "esp-1"); err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	sensor, _, _ = s.SensorByUUID(ctx, "esp-1")
	if sensor.Frozen(clock.Now()) {
		t.Fatal("still frozen after unfreeze")
	}
}

func TestFreezeUnknownSensor(t *testing.T) {
	t.Parallel()
	c, _, _ := newHarness(t)
	if _, err := c.Freeze(context.Background(), "ghost", time.Minute, nil); err == nil {
		t.Fatal("freezing an unknown sensor succeeded")
	}
}

func TestFreezeSeedsFromSectionState(t *testing.T) {
	t.Parallel()
	c, s, clock := newHarness(t)
	ctx := context.Background()
	key := powerwatch.SectionKey{BuildingID: 1, SectionID: 1}

	if _, err := s.UpsertHeartbeat(ctx, "esp-1", 1, 1, "", clock.Now()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	// Section is known down even though the sensor just beat.
	if _, _, err := s.CommitTransition(ctx, key, false, clock.Now(), "", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if _, err := c.Freeze(ctx, "esp-1", time.Hour, nil); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	sensor, _, err := s.SensorByUUID(ctx, "esp-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sensor.FrozenIsUp == nil || *sensor.FrozenIsUp {
		t.Fatalf("assumed state = %+v, want seeded from down section", sensor.FrozenIsUp)
	}
}

func TestFreezeSeedsFromHeartbeatWhenSectionUnknown(t *testing.T) {
	t.Parallel()
	c, s, clock := newHarness(t)
	ctx := context.Background()

	if _, err := s.UpsertHeartbeat(ctx, "esp-1", 1, 1, "", clock.Now()); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := c.Freeze(ctx, "esp-1", time.Hour, nil); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	sensor, _, err := s.SensorByUUID(ctx, "esp-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if sensor.FrozenIsUp == nil || !*sensor.FrozenIsUp {
		t.Fatal("fresh heartbeat should seed assumed up")
	}
}

func TestFreezeAllAndUnfreezeBatch(t *testing.T) {
	t.Parallel()
	c, s, clock := newHarness(t)
	ctx := context.Background()

	for _, uuid := range []string{"a", "b"} {
		if _, err := s.UpsertHeartbeat(ctx, uuid, 1, 1, "", clock.Now()); err != nil {
			t.Fatalf("heartbeat %s: %v", uuid, err)
		}
	}
	if _, err := s.UpsertHeartbeat(ctx, "c", 2, 1, "", clock.Now()); err != nil {
		t.Fatalf("heartbeat c: %v", err)
	}

	clock.Advance(time.Minute)
	stamp, count, err := c.FreezeAll(ctx, 20*time.Minute)
	if err != nil {
		t.Fatalf("freeze all: %v", err)
	}
	if count != 3 {
		t.Fatalf("froze %d, want 3", count)
	}

	n, err := c.UnfreezeBatch(ctx, stamp)
	if err != nil {
		t.Fatalf("unfreeze batch: %v", err)
	}
	if n != 3 {
		t.Fatalf("unfroze %d, want 3", n)
	}
	sensor, _, err := s.SensorByUUID(ctx, "c")
	if err != nil {
		t.Fatalf("lookup c: %v", err)
	}
	if sensor.Frozen(clock.Now()) {
		t.Fatal("batch unfreeze should clear the batch rows")
	}
}
