// Package powerwatch holds the shared domain records for the residential
// power-outage monitoring service: buildings split into sections, the ESP32
// sensors that report heartbeats, the derived per-section power state, and
// the subscribers that receive transition notifications.
package powerwatch

import "time"

// Clock abstracts time.Now() for deterministic testing.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// EventType is the direction of a power transition.
type EventType string

const (
	EventUp   EventType = "up"
	EventDown EventType = "down"
)

// Building is one house of the complex. The catalog is static and seeded
// at install time.
type Building struct {
	ID            int
	Name          string
	Address       string
	SectionsCount int
}

// SectionKey identifies one section of one building.
type SectionKey struct {
	BuildingID int
	SectionID  int
}

// Sensor is an ESP32 unit installed at a building section. Sensors are never
// deleted; retiring one clears IsActive.
type Sensor struct {
	UUID          string
	BuildingID    int
	SectionID     int
	Comment       string
	CreatedAt     time.Time
	LastHeartbeat *time.Time
	IsActive      bool

	// Maintenance freeze. While FrozenUntil is in the future the sensor
	// contributes FrozenIsUp to its section regardless of heartbeats.
	// FrozenAt stamps who froze it, so bulk unfreeze touches only its own rows.
	FrozenUntil *time.Time
	FrozenIsUp  *bool
	FrozenAt    *time.Time
}

// Frozen reports whether the maintenance freeze is active at now. The
// boundary is inclusive: a sensor frozen until T still holds its pinned
// state at exactly T, so a deploy window of N minutes covers all N minutes.
func (s Sensor) Frozen(now time.Time) bool {
	return s.FrozenUntil != nil && !s.FrozenUntil.Before(now)
}

// Alive reports the sensor's contribution to its section at now: the pinned
// state while frozen, otherwise heartbeat freshness. The stale boundary is
// half-open: a sensor whose last beat is exactly timeout old is stale.
func (s Sensor) Alive(now time.Time, timeout time.Duration) bool {
	if s.Frozen(now) {
		return s.FrozenIsUp != nil && *s.FrozenIsUp
	}
	if s.LastHeartbeat == nil {
		return false
	}
	return now.Sub(*s.LastHeartbeat) < timeout
}

// Section returns the sensor's placement key.
func (s Sensor) Section() SectionKey {
	return SectionKey{BuildingID: s.BuildingID, SectionID: s.SectionID}
}

// SectionState is the persisted power state of one section.
type SectionState struct {
	BuildingID int
	SectionID  int
	IsUp       bool
	LastChange time.Time
	UpdatedAt  time.Time
}

// PowerEvent is one row of the append-only transition log. Successive events
// for the same section alternate between up and down.
type PowerEvent struct {
	ID         int64
	Type       EventType
	BuildingID int
	SectionID  int
	Timestamp  time.Time
}

// Subscriber is a chat that receives notifications. Nil BuildingID means the
// subscriber has not picked a building yet and receives nothing.
type Subscriber struct {
	ChatID                int64
	BuildingID            *int
	SectionID             *int
	LightNotifications    bool
	AlertNotifications    bool
	ScheduleNotifications bool
	QuietStart            *int
	QuietEnd              *int
	IsActive              bool
	SubscribedAt          *time.Time
}

// InQuietHours reports whether hour falls into the subscriber's quiet window
// [start, end). The window may wrap around midnight: 23–7 covers
// {23,0,1,2,3,4,5,6}. An unset or empty window never matches.
func (s Subscriber) InQuietHours(hour int) bool {
	if s.QuietStart == nil || s.QuietEnd == nil {
		return false
	}
	start, end := *s.QuietStart, *s.QuietEnd
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
