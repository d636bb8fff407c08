package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"powerwatch"
)

const sensorColumns = `uuid, building_id, section_id, comment, created_at,
	last_heartbeat, is_active, frozen_until, frozen_is_up, frozen_at`

// HeartbeatResult reports what a heartbeat upsert did.
type HeartbeatResult struct {
	Created bool
	// Moved is set when an existing sensor changed placement.
	Moved         bool
	OldBuildingID int
	OldSectionID  int
}

// UpsertHeartbeat registers the sensor on first contact and stamps
// last_heartbeat. Placement and comment are refreshed only when the sensor is
// not frozen: a frozen row keeps its pinned placement, only the heartbeat
// advances. Repeated identical heartbeats are safe.
func (s *Store) UpsertHeartbeat(ctx context.Context, uuid string, buildingID, sectionID int, comment string, now time.Time) (HeartbeatResult, error) {
	var res HeartbeatResult
	err := s.write(ctx, func(tx *sql.Tx) error {
		var (
			curBuilding, curSection int
			frozenUntil             sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT building_id, section_id, frozen_until FROM sensors WHERE uuid = ?`, uuid,
		).Scan(&curBuilding, &curSection, &frozenUntil)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO sensors (uuid, building_id, section_id, comment, created_at, last_heartbeat, is_active)
				 VALUES (?, ?, ?, ?, ?, ?, 1)`,
				uuid, buildingID, sectionID, nullIfEmpty(comment), encodeTime(now), encodeTime(now),
			); err != nil {
				return fmt.Errorf("insert sensor %s: %w", uuid, err)
			}
			res.Created = true
			return nil
		case err != nil:
			return fmt.Errorf("query sensor %s: %w", uuid, err)
		}

		frozen := false
		if until, err := parseTimePtr(frozenUntil); err == nil && until != nil {
			frozen = until.After(now)
		}
		if frozen {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sensors SET last_heartbeat = ? WHERE uuid = ?`,
				encodeTime(now), uuid,
			); err != nil {
				return fmt.Errorf("update heartbeat %s: %w", uuid, err)
			}
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sensors SET building_id = ?, section_id = ?, comment = ?, last_heartbeat = ? WHERE uuid = ?`,
			buildingID, sectionID, nullIfEmpty(comment), encodeTime(now), uuid,
		); err != nil {
			return fmt.Errorf("update sensor %s: %w", uuid, err)
		}
		if curBuilding != buildingID || curSection != sectionID {
			res.Moved = true
			res.OldBuildingID = curBuilding
			res.OldSectionID = curSection
		}
		return nil
	})
	return res, err
}

// SensorByUUID returns the sensor or (zero, false) when unknown.
func (s *Store) SensorByUUID(ctx context.Context, uuid string) (powerwatch.Sensor, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sensorColumns+` FROM sensors WHERE uuid = ?`, uuid)
	sensor, err := scanSensor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return powerwatch.Sensor{}, false, nil
	}
	if err != nil {
		return powerwatch.Sensor{}, false, err
	}
	return sensor, true, nil
}

// ActiveSensors returns all active sensors ordered by placement, then uuid.
// The order fixes the aggregator's section iteration.
func (s *Store) ActiveSensors(ctx context.Context) ([]powerwatch.Sensor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sensorColumns+` FROM sensors
		 WHERE is_active = 1
		 ORDER BY building_id, section_id, uuid`)
	if err != nil {
		return nil, fmt.Errorf("query active sensors: %w", err)
	}
	defer rows.Close()

	var out []powerwatch.Sensor
	for rows.Next() {
		sensor, err := scanSensor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sensor)
	}
	return out, rows.Err()
}

// DeactivateSensor retires a sensor. Rows are never deleted.
func (s *Store) DeactivateSensor(ctx context.Context, uuid string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE sensors SET is_active = 0 WHERE uuid = ?`, uuid); err != nil {
			return fmt.Errorf("deactivate sensor %s: %w", uuid, err)
		}
		return nil
	})
}

// FreezeSensor pins the sensor to assumedUp until the deadline. frozenAt
// stamps the operation so bulk unfreeze can target only its own rows.
func (s *Store) FreezeSensor(ctx context.Context, uuid string, until time.Time, assumedUp bool, frozenAt time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sensors SET frozen_until = ?, frozen_is_up = ?, frozen_at = ? WHERE uuid = ?`,
			encodeTime(until), boolToInt(assumedUp), encodeTime(frozenAt), uuid,
		)
		if err != nil {
			return fmt.Errorf("freeze sensor %s: %w", uuid, err)
		}
		return requireRow(res, "sensor "+uuid)
	})
}

// UnfreezeSensor clears the freeze fields.
func (s *Store) UnfreezeSensor(ctx context.Context, uuid string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sensors SET frozen_until = NULL, frozen_is_up = NULL, frozen_at = NULL WHERE uuid = ?`,
			uuid,
		)
		if err != nil {
			return fmt.Errorf("unfreeze sensor %s: %w", uuid, err)
		}
		return requireRow(res, "sensor "+uuid)
	})
}

// FreezeAll freezes every active sensor until the deadline, stamping all rows
// with the same frozenAt so UnfreezeByFrozenAt undoes exactly this batch.
// Each sensor is pinned to assumed(sensor); returns the number frozen.
func (s *Store) FreezeAll(ctx context.Context, until time.Time, frozenAt time.Time, assumed func(powerwatch.Sensor) bool) (int, error) {
	sensors, err := s.ActiveSensors(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	err = s.write(ctx, func(tx *sql.Tx) error {
		for _, sensor := range sensors {
			if _, err := tx.ExecContext(ctx,
				`UPDATE sensors SET frozen_until = ?, frozen_is_up = ?, frozen_at = ? WHERE uuid = ?`,
				encodeTime(until), boolToInt(assumed(sensor)), encodeTime(frozenAt), sensor.UUID,
			); err != nil {
				return fmt.Errorf("freeze sensor %s: %w", sensor.UUID, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// UnfreezeByFrozenAt clears the freeze on rows stamped with exactly frozenAt.
// Sensors frozen individually by an operator keep their freeze.
func (s *Store) UnfreezeByFrozenAt(ctx context.Context, frozenAt time.Time) (int, error) {
	var count int
	err := s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sensors SET frozen_until = NULL, frozen_is_up = NULL, frozen_at = NULL WHERE frozen_at = ?`,
			encodeTime(frozenAt),
		)
		if err != nil {
			return fmt.Errorf("unfreeze batch: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("unfreeze batch rows: %w", err)
		}
		count = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// ErrNotFound reports an operation against a missing row.
var ErrNotFound = errors.New("not found")

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSensor(row rowScanner) (powerwatch.Sensor, error) {
	var (
		sensor     powerwatch.Sensor
		comment    sql.NullString
		createdAt  string
		heartbeat  sql.NullString
		isActive   int
		frozenTill sql.NullString
		frozenUp   sql.NullInt64
		frozenAt   sql.NullString
	)
	if err := row.Scan(
		&sensor.UUID, &sensor.BuildingID, &sensor.SectionID, &comment, &createdAt,
		&heartbeat, &isActive, &frozenTill, &frozenUp, &frozenAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return powerwatch.Sensor{}, err
		}
		return powerwatch.Sensor{}, fmt.Errorf("scan sensor: %w", err)
	}
	sensor.Comment = comment.String
	created, err := parseTime(createdAt)
	if err != nil {
		return powerwatch.Sensor{}, err
	}
	sensor.CreatedAt = created
	if sensor.LastHeartbeat, err = parseTimePtr(heartbeat); err != nil {
		return powerwatch.Sensor{}, err
	}
	sensor.IsActive = isActive != 0
	if sensor.FrozenUntil, err = parseTimePtr(frozenTill); err != nil {
		return powerwatch.Sensor{}, err
	}
	if frozenUp.Valid {
		v := frozenUp.Int64 != 0
		sensor.FrozenIsUp = &v
	}
	if sensor.FrozenAt, err = parseTimePtr(frozenAt); err != nil {
		return powerwatch.Sensor{}, err
	}
	return sensor, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
