package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"powerwatch"
)

const subscriberColumns = `chat_id, building_id, section_id, light_notifications,
	alert_notifications, schedule_notifications, quiet_start, quiet_end, is_active, subscribed_at`

// UpsertSubscriber registers a chat, keeping existing settings on conflict.
func (s *Store) UpsertSubscriber(ctx context.Context, chatID int64, now time.Time) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscribers (chat_id, subscribed_at) VALUES (?, ?)
			 ON CONFLICT(chat_id) DO UPDATE SET is_active = 1`,
			chatID, encodeTime(now),
		); err != nil {
			return fmt.Errorf("upsert subscriber %d: %w", chatID, err)
		}
		return nil
	})
}

// SetSubscriberPlace points a subscriber at a building and optional section.
func (s *Store) SetSubscriberPlace(ctx context.Context, chatID int64, buildingID int, sectionID *int) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET building_id = ?, section_id = ? WHERE chat_id = ?`,
			buildingID, intPtrToAny(sectionID), chatID,
		)
		if err != nil {
			return fmt.Errorf("set subscriber place %d: %w", chatID, err)
		}
		return requireRow(res, fmt.Sprintf("subscriber %d", chatID))
	})
}

// SetQuietHours sets or clears (both nil) the subscriber's quiet window.
func (s *Store) SetQuietHours(ctx context.Context, chatID int64, start, end *int) error {
	if (start == nil) != (end == nil) {
		return fmt.Errorf("quiet hours: start and end must both be set or both be nil")
	}
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET quiet_start = ?, quiet_end = ? WHERE chat_id = ?`,
			intPtrToAny(start), intPtrToAny(end), chatID,
		)
		if err != nil {
			return fmt.Errorf("set quiet hours %d: %w", chatID, err)
		}
		return requireRow(res, fmt.Sprintf("subscriber %d", chatID))
	})
}

// SetLightNotifications toggles power-transition notifications.
func (s *Store) SetLightNotifications(ctx context.Context, chatID int64, enabled bool) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET light_notifications = ? WHERE chat_id = ?`,
			boolToInt(enabled), chatID,
		)
		if err != nil {
			return fmt.Errorf("set light notifications %d: %w", chatID, err)
		}
		return requireRow(res, fmt.Sprintf("subscriber %d", chatID))
	})
}

// DeactivateSubscriber marks a chat inactive. Used when the messenger reports
// a permanent delivery failure (user blocked the bot, chat gone).
func (s *Store) DeactivateSubscriber(ctx context.Context, chatID int64) error {
	return s.write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscribers SET is_active = 0 WHERE chat_id = ?`, chatID,
		); err != nil {
			return fmt.Errorf("deactivate subscriber %d: %w", chatID, err)
		}
		return nil
	})
}

// Subscriber returns one subscriber row.
func (s *Store) Subscriber(ctx context.Context, chatID int64) (powerwatch.Subscriber, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE chat_id = ?`, chatID)
	sub, err := scanSubscriber(row)
	if errors.Is(err, sql.ErrNoRows) {
		return powerwatch.Subscriber{}, false, nil
	}
	if err != nil {
		return powerwatch.Subscriber{}, false, err
	}
	return sub, true, nil
}

// ActiveSubscribers returns every active subscriber.
func (s *Store) ActiveSubscribers(ctx context.Context) ([]powerwatch.Subscriber, error) {
	return s.querySubscribers(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE is_active = 1 ORDER BY chat_id`)
}

// LightSubscribers returns active subscribers of the section who have light
// notifications on: subscribers of the building with no section preference,
// plus subscribers pinned to exactly this section. Quiet hours are the
// notifier's concern, not a query filter; admin exemptions live there.
func (s *Store) LightSubscribers(ctx context.Context, key powerwatch.SectionKey) ([]powerwatch.Subscriber, error) {
	return s.querySubscribers(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers
		 WHERE is_active = 1 AND light_notifications = 1 AND building_id = ?
		   AND (section_id IS NULL OR section_id = ?)
		 ORDER BY chat_id`,
		key.BuildingID, key.SectionID)
}

func (s *Store) querySubscribers(ctx context.Context, query string, args ...any) ([]powerwatch.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	var out []powerwatch.Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func scanSubscriber(row rowScanner) (powerwatch.Subscriber, error) {
	var (
		sub          powerwatch.Subscriber
		buildingID   sql.NullInt64
		sectionID    sql.NullInt64
		light        int
		alert        int
		schedule     int
		quietStart   sql.NullInt64
		quietEnd     sql.NullInt64
		isActive     int
		subscribedAt sql.NullString
	)
	if err := row.Scan(
		&sub.ChatID, &buildingID, &sectionID, &light, &alert, &schedule,
		&quietStart, &quietEnd, &isActive, &subscribedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return powerwatch.Subscriber{}, err
		}
		return powerwatch.Subscriber{}, fmt.Errorf("scan subscriber: %w", err)
	}
	if buildingID.Valid {
		v := int(buildingID.Int64)
		sub.BuildingID = &v
	}
	if sectionID.Valid {
		v := int(sectionID.Int64)
		sub.SectionID = &v
	}
	sub.LightNotifications = light != 0
	sub.AlertNotifications = alert != 0
	sub.ScheduleNotifications = schedule != 0
	if quietStart.Valid {
		v := int(quietStart.Int64)
		sub.QuietStart = &v
	}
	if quietEnd.Valid {
		v := int(quietEnd.Int64)
		sub.QuietEnd = &v
	}
	sub.IsActive = isActive != 0
	var err error
	if sub.SubscribedAt, err = parseTimePtr(subscribedAt); err != nil {
		return powerwatch.Subscriber{}, err
	}
	return sub, nil
}

func intPtrToAny(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
