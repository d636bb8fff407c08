package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"powerwatch"
)

// Transition is the internal record published when a section changes state.
type Transition struct {
	EventID    int64
	Type       powerwatch.EventType
	BuildingID int
	SectionID  int
	Timestamp  time.Time
	// PrevChange is the previous last_change, used for "was up/down for N"
	// texts. Zero on the first transition of a section.
	PrevChange time.Time
}

// SectionState returns the persisted state or (zero, false) when the section
// has never been written.
func (s *Store) SectionState(ctx context.Context, key powerwatch.SectionKey) (powerwatch.SectionState, bool, error) {
	var (
		st         powerwatch.SectionState
		isUp       int
		lastChange string
		updatedAt  string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT building_id, section_id, is_up, last_change, updated_at
		 FROM section_power_state WHERE building_id = ? AND section_id = ?`,
		key.BuildingID, key.SectionID,
	).Scan(&st.BuildingID, &st.SectionID, &isUp, &lastChange, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return powerwatch.SectionState{}, false, nil
	}
	if err != nil {
		return powerwatch.SectionState{}, false, fmt.Errorf("query section state %v: %w", key, err)
	}
	st.IsUp = isUp != 0
	if st.LastChange, err = parseTime(lastChange); err != nil {
		return powerwatch.SectionState{}, false, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return powerwatch.SectionState{}, false, err
	}
	return st, true, nil
}

// SectionStates returns all persisted section states ordered by key.
func (s *Store) SectionStates(ctx context.Context) ([]powerwatch.SectionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT building_id, section_id, is_up, last_change, updated_at
		 FROM section_power_state ORDER BY building_id, section_id`)
	if err != nil {
		return nil, fmt.Errorf("query section states: %w", err)
	}
	defer rows.Close()

	var out []powerwatch.SectionState
	for rows.Next() {
		var (
			st         powerwatch.SectionState
			isUp       int
			lastChange string
			updatedAt  string
		)
		if err := rows.Scan(&st.BuildingID, &st.SectionID, &isUp, &lastChange, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan section state: %w", err)
		}
		st.IsUp = isUp != 0
		if st.LastChange, err = parseTime(lastChange); err != nil {
			return nil, err
		}
		if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// TouchSectionState refreshes updated_at without changing the state. The
// monitor calls it every tick so the health surface can see progress.
func (s *Store) TouchSectionState(ctx context.Context, key powerwatch.SectionKey, now time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE section_power_state SET updated_at = ? WHERE building_id = ? AND section_id = ?`,
			encodeTime(now), key.BuildingID, key.SectionID,
		); err != nil {
			return fmt.Errorf("touch section state %v: %w", key, err)
		}
		return nil
	})
}

// CommitTransition persists a section state change in one transaction:
// upsert of section_power_state, an appended power event (dropped if it would
// break the up/down alternation), and a notification job whose payload is
// built from the new event id. Returns (transition, true) when a row was
// written; (zero, false) when the state already matched.
func (s *Store) CommitTransition(
	ctx context.Context,
	key powerwatch.SectionKey,
	isUp bool,
	now time.Time,
	jobKind string,
	payloadFor func(eventID int64, ts time.Time) ([]byte, error),
) (Transition, bool, error) {
	eventType := powerwatch.EventDown
	if isUp {
		eventType = powerwatch.EventUp
	}
	tr := Transition{
		Type:       eventType,
		BuildingID: key.BuildingID,
		SectionID:  key.SectionID,
		Timestamp:  now,
	}
	changed := false

	err := s.write(ctx, func(tx *sql.Tx) error {
		changed = false

		var (
			curUp      sql.NullInt64
			lastChange sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT is_up, last_change FROM section_power_state WHERE building_id = ? AND section_id = ?`,
			key.BuildingID, key.SectionID,
		).Scan(&curUp, &lastChange)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("query section state %v: %w", key, err)
		}
		if err == nil {
			if (curUp.Int64 != 0) == isUp {
				return nil // unchanged
			}
			if prev, perr := parseTimePtr(lastChange); perr == nil && prev != nil {
				tr.PrevChange = *prev
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO section_power_state (building_id, section_id, is_up, last_change, updated_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(building_id, section_id) DO UPDATE SET
			 is_up = excluded.is_up,
			 last_change = excluded.last_change,
			 updated_at = excluded.updated_at`,
			key.BuildingID, key.SectionID, boolToInt(isUp), encodeTime(now), encodeTime(now),
		); err != nil {
			return fmt.Errorf("upsert section state %v: %w", key, err)
		}

		// Alternation guard: the log never records two equal successive
		// event types for one section.
		var lastType string
		err = tx.QueryRowContext(ctx,
			`SELECT event_type FROM events WHERE building_id = ? AND section_id = ? ORDER BY id DESC LIMIT 1`,
			key.BuildingID, key.SectionID,
		).Scan(&lastType)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("query last event %v: %w", key, err)
		}
		if err == nil && lastType == string(eventType) {
			changed = true // state row updated, duplicate event dropped
			return nil
		}

		res, err := tx.ExecContext(ctx,
			`INSERT INTO events (event_type, building_id, section_id, timestamp) VALUES (?, ?, ?, ?)`,
			string(eventType), key.BuildingID, key.SectionID, encodeTime(now),
		)
		if err != nil {
			return fmt.Errorf("append event %v: %w", key, err)
		}
		eventID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("event id: %w", err)
		}
		tr.EventID = eventID

		if jobKind != "" && payloadFor != nil {
			payload, err := payloadFor(eventID, now)
			if err != nil {
				return fmt.Errorf("build %s payload: %w", jobKind, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO admin_jobs (kind, payload, status, created_at, attempts) VALUES (?, ?, 'pending', ?, 0)`,
				jobKind, string(payload), encodeTime(now),
			); err != nil {
				return fmt.Errorf("enqueue %s job: %w", jobKind, err)
			}
		}

		changed = true
		return nil
	})
	if err != nil {
		return Transition{}, false, err
	}
	return tr, changed, nil
}

// LastEvent returns the newest event for a section, or (zero, false).
func (s *Store) LastEvent(ctx context.Context, key powerwatch.SectionKey) (powerwatch.PowerEvent, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, event_type, building_id, section_id, timestamp
		 FROM events WHERE building_id = ? AND section_id = ? ORDER BY id DESC LIMIT 1`,
		key.BuildingID, key.SectionID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return powerwatch.PowerEvent{}, false, nil
	}
	if err != nil {
		return powerwatch.PowerEvent{}, false, err
	}
	return ev, true, nil
}

// EventsSince returns a section's events at or after since, oldest first.
func (s *Store) EventsSince(ctx context.Context, key powerwatch.SectionKey, since time.Time) ([]powerwatch.PowerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event_type, building_id, section_id, timestamp
		 FROM events WHERE building_id = ? AND section_id = ? AND timestamp >= ? ORDER BY id`,
		key.BuildingID, key.SectionID, encodeTime(since))
	if err != nil {
		return nil, fmt.Errorf("query events %v: %w", key, err)
	}
	defer rows.Close()

	var out []powerwatch.PowerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (powerwatch.PowerEvent, error) {
	var (
		ev powerwatch.PowerEvent
		ts string
	)
	if err := row.Scan(&ev.ID, (*string)(&ev.Type), &ev.BuildingID, &ev.SectionID, &ts); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return powerwatch.PowerEvent{}, err
		}
		return powerwatch.PowerEvent{}, fmt.Errorf("scan event: %w", err)
	}
	t, err := parseTime(ts)
	if err != nil {
		return powerwatch.PowerEvent{}, err
	}
	ev.Timestamp = t
	return ev, nil
}

// OutageStats summarizes a section's event log over a period.
type OutageStats struct {
	Uptime        time.Duration
	Downtime      time.Duration
	OutageCount   int
	UptimePercent float64
}

// OutageStatsSince walks the event log from since to now and accumulates
// up/down durations. The interval after the last event is attributed to that
// event's state.
func (s *Store) OutageStatsSince(ctx context.Context, key powerwatch.SectionKey, since, now time.Time) (OutageStats, error) {
	events, err := s.EventsSince(ctx, key, since)
	if err != nil {
		return OutageStats{}, err
	}
	var stats OutageStats
	for i, ev := range events {
		end := now
		if i+1 < len(events) {
			end = events[i+1].Timestamp
		}
		d := end.Sub(ev.Timestamp)
		if d < 0 {
			d = 0
		}
		if ev.Type == powerwatch.EventDown {
			stats.Downtime += d
			stats.OutageCount++
		} else {
			stats.Uptime += d
		}
	}
	total := stats.Uptime + stats.Downtime
	if total > 0 {
		stats.UptimePercent = float64(stats.Uptime) / float64(total) * 100
	} else {
		stats.UptimePercent = 100
	}
	return stats, nil
}
