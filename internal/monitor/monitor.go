package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"powerwatch"
	"powerwatch/internal/check"
	"powerwatch/internal/metrics"
	"powerwatch/internal/queue"
	"powerwatch/internal/store"
)

// Store is the slice of the persistence layer the monitor needs.
type Store interface {
	ActiveSensors(ctx context.Context) ([]powerwatch.Sensor, error)
	SectionState(ctx context.Context, key powerwatch.SectionKey) (powerwatch.SectionState, bool, error)
	SectionStates(ctx context.Context) ([]powerwatch.SectionState, error)
	CommitTransition(ctx context.Context, key powerwatch.SectionKey, isUp bool, now time.Time,
		jobKind string, payloadFor func(eventID int64, ts time.Time) ([]byte, error)) (store.Transition, bool, error)
	TouchSectionState(ctx context.Context, key powerwatch.SectionKey, now time.Time) error
}

// Config tunes the monitor loop.
type Config struct {
	TickInterval  time.Duration
	StaleAfter    time.Duration
	ThresholdUp   float64
	ThresholdDown float64
}

// Monitor runs the liveness pass on a fixed tick and on ingress pokes. All
// section evaluation happens on one goroutine.
type Monitor struct {
	store Store
	clock powerwatch.Clock
	cfg   Config

	// poke wakes the loop early after a heartbeat. Capacity 1: a lost poke
	// costs at most one tick of latency.
	poke chan struct{}

	lastTick atomic.Int64 // unix nanos of the last completed pass
}

func New(s Store, clock powerwatch.Clock, cfg Config) *Monitor {
	check.Assert(clock != nil, "monitor.New: clock must not be nil")
	check.Assertf(cfg.ThresholdDown <= cfg.ThresholdUp,
		"monitor.New: threshold_down %.2f above threshold_up %.2f", cfg.ThresholdDown, cfg.ThresholdUp)
	return &Monitor{
		store: s,
		clock: clock,
		cfg:   cfg,
		poke:  make(chan struct{}, 1),
	}
}

// Poke requests an early evaluation pass. Never blocks.
func (m *Monitor) Poke() {
	select {
	case m.poke <- struct{}{}:
	default:
	}
}

// LastTick returns when the last pass completed, or zero before the first.
func (m *Monitor) LastTick() time.Time {
	ns := m.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Run loops until ctx is canceled. A failed pass is logged and retried on the
// next tick; the persisted state is the source of truth, so nothing is lost.
func (m *Monitor) Run(ctx context.Context) error {
	log := slog.With("component", "monitor")
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := m.Pass(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("monitor pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-m.poke:
		}
	}
}

// Pass evaluates every section once. Sections are processed in ascending
// (building, section) order so concurrent observers see deterministic
// progress.
func (m *Monitor) Pass(ctx context.Context) error {
	now := m.clock.Now()
	sensors, err := m.store.ActiveSensors(ctx)
	if err != nil {
		return fmt.Errorf("load sensors: %w", err)
	}

	tallies := TallySections(sensors, now, m.cfg.StaleAfter)
	for _, key := range SortedKeys(tallies) {
		if err := m.evaluate(ctx, key, tallies[key], now); err != nil {
			return err
		}
	}

	// A persisted state whose section has no active sensors left cannot be
	// evaluated; surface the orphan so an operator reconciles the catalog.
	states, err := m.store.SectionStates(ctx)
	if err != nil {
		return fmt.Errorf("load section states: %w", err)
	}
	for _, st := range states {
		key := powerwatch.SectionKey{BuildingID: st.BuildingID, SectionID: st.SectionID}
		if _, ok := tallies[key]; !ok {
			slog.Error("section state without active sensors",
				"building_id", st.BuildingID, "section_id", st.SectionID)
		}
	}
	m.lastTick.Store(now.UnixNano())
	return nil
}

func (m *Monitor) evaluate(ctx context.Context, key powerwatch.SectionKey, tally Tally, now time.Time) error {
	var prev *bool
	state, known, err := m.store.SectionState(ctx, key)
	if err != nil {
		return fmt.Errorf("section %d/%d: %w", key.BuildingID, key.SectionID, err)
	}
	var prevChange time.Time
	if known {
		prev = &state.IsUp
		prevChange = state.LastChange
	}

	isUp := Decide(tally, prev, m.cfg.ThresholdUp, m.cfg.ThresholdDown)
	if known && isUp == state.IsUp {
		return m.store.TouchSectionState(ctx, key, now)
	}

	eventType := powerwatch.EventDown
	if isUp {
		eventType = powerwatch.EventUp
	}
	tr, changed, err := m.store.CommitTransition(ctx, key, isUp, now, queue.KindLightNotify,
		func(eventID int64, ts time.Time) ([]byte, error) {
			return queue.EncodeLightNotify(queue.LightNotifyPayload{
				BuildingID: key.BuildingID,
				SectionID:  key.SectionID,
				EventType:  string(eventType),
				Timestamp:  ts,
				EventID:    eventID,
				PrevChange: prevChange,
			})
		})
	if err != nil {
		return fmt.Errorf("section %d/%d: %w", key.BuildingID, key.SectionID, err)
	}
	if changed {
		metrics.TransitionsTotal.WithLabelValues(string(tr.Type)).Inc()
		slog.Info("section transition",
			"building_id", key.BuildingID,
			"section_id", key.SectionID,
			"event", string(tr.Type),
			"online", tally.Online,
			"total", tally.Total)
	}
	return nil
}
