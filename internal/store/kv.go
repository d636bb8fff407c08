package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// KVLightGlobal is the operator override for light notifications. Anything
// but "off" means enabled. Deploy tooling must never touch it; freezing is
// per-sensor.
const KVLightGlobal = "light_notifications_global"

// KVSet stores a process-wide switch.
func (s *Store) KVSet(ctx context.Context, k, v string) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (k, v) VALUES (?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
			k, v,
		); err != nil {
			return fmt.Errorf("kv set %q: %w", k, err)
		}
		return nil
	})
}

// KVGet returns the value and whether the key exists.
func (s *Store) KVGet(ctx context.Context, k string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT v FROM kv WHERE k = ?`, k).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv get %q: %w", k, err)
	}
	return v, true, nil
}

// LightNotificationsEnabled reports the global switch; absent means on.
func (s *Store) LightNotificationsEnabled(ctx context.Context) (bool, error) {
	v, ok, err := s.KVGet(ctx, KVLightGlobal)
	if err != nil {
		return false, err
	}
	return !ok || v != "off", nil
}
