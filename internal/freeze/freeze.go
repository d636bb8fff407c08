// Package freeze pins sensors to an assumed state during firmware flashing
// and deploys, so a silent sensor does not read as an outage.
package freeze

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"powerwatch"
)

// Store is the slice of the persistence layer the controller needs.
type Store interface {
	SensorByUUID(ctx context.Context, uuid string) (powerwatch.Sensor, bool, error)
	SectionState(ctx context.Context, key powerwatch.SectionKey) (powerwatch.SectionState, bool, error)
	SectionStates(ctx context.Context) ([]powerwatch.SectionState, error)
	FreezeSensor(ctx context.Context, uuid string, until time.Time, assumedUp bool, frozenAt time.Time) error
	UnfreezeSensor(ctx context.Context, uuid string) error
	FreezeAll(ctx context.Context, until, frozenAt time.Time, assumed func(powerwatch.Sensor) bool) (int, error)
	UnfreezeByFrozenAt(ctx context.Context, frozenAt time.Time) (int, error)
}

// Controller applies freezes. staleAfter is used when seeding the assumed
// state from heartbeat freshness.
type Controller struct {
	store      Store
	clock      powerwatch.Clock
	staleAfter time.Duration
}

func NewController(store Store, clock powerwatch.Clock, staleAfter time.Duration) *Controller {
	return &Controller{store: store, clock: clock, staleAfter: staleAfter}
}

// Freeze pins one sensor for d. When assumedUp is nil the pinned state is
// seeded from the section's current state, falling back to the sensor's own
// heartbeat freshness when the section has never been evaluated. Returns the
// freeze deadline.
func (c *Controller) Freeze(ctx context.Context, uuid string, d time.Duration, assumedUp *bool) (time.Time, error) {
	now := c.clock.Now()
	sensor, ok, err := c.store.SensorByUUID(ctx, uuid)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, fmt.Errorf("freeze: unknown sensor %q", uuid)
	}

	pinned := false
	switch {
	case assumedUp != nil:
		pinned = *assumedUp
	default:
		state, known, err := c.store.SectionState(ctx, sensor.Section())
		if err != nil {
			return time.Time{}, err
		}
		if known {
			pinned = state.IsUp
		} else {
			pinned = heartbeatFresh(sensor, now, c.staleAfter)
		}
	}

	until := now.Add(d)
	if err := c.store.FreezeSensor(ctx, uuid, until, pinned, now); err != nil {
		return time.Time{}, err
	}
	slog.Info("sensor frozen", "uuid", uuid, "until", until, "assumed_up", pinned)
	return until, nil
}

// Unfreeze returns the sensor to pure heartbeat liveness.
func (c *Controller) Unfreeze(ctx context.Context, uuid string) error {
	if err := c.store.UnfreezeSensor(ctx, uuid); err != nil {
		return err
	}
	slog.Info("sensor unfrozen", "uuid", uuid)
	return nil
}

// FreezeAll pins every active sensor for d, each to its section's current
// state. All rows get the same stamp; UnfreezeBatch(stamp) undoes exactly
// this operation, leaving individually frozen sensors alone.
func (c *Controller) FreezeAll(ctx context.Context, d time.Duration) (time.Time, int, error) {
	now := c.clock.Now()
	states, err := c.store.SectionStates(ctx)
	if err != nil {
		return time.Time{}, 0, err
	}
	byKey := make(map[powerwatch.SectionKey]bool, len(states))
	for _, st := range states {
		byKey[powerwatch.SectionKey{BuildingID: st.BuildingID, SectionID: st.SectionID}] = st.IsUp
	}

	count, err := c.store.FreezeAll(ctx, now.Add(d), now, func(sensor powerwatch.Sensor) bool {
		if isUp, ok := byKey[sensor.Section()]; ok {
			return isUp
		}
		return heartbeatFresh(sensor, now, c.staleAfter)
	})
	if err != nil {
		return time.Time{}, 0, err
	}
	slog.Info("all sensors frozen", "count", count, "until", now.Add(d), "stamp", now)
	return now, count, nil
}

// UnfreezeBatch clears the freeze on rows stamped at exactly stamp.
func (c *Controller) UnfreezeBatch(ctx context.Context, stamp time.Time) (int, error) {
	count, err := c.store.UnfreezeByFrozenAt(ctx, stamp)
	if err != nil {
		return 0, err
	}
	slog.Info("batch unfrozen", "count", count, "stamp", stamp)
	return count, nil
}

// heartbeatFresh is liveness from heartbeats alone, ignoring any freeze
// already on the row.
func heartbeatFresh(s powerwatch.Sensor, now time.Time, staleAfter time.Duration) bool {
	return s.LastHeartbeat != nil && now.Sub(*s.LastHeartbeat) < staleAfter
}
