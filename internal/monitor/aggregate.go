// Package monitor derives per-section power state from sensor heartbeats.
// The pure policy lives in this file; the loop driving it is in monitor.go.
package monitor

import (
	"sort"
	"time"

	"powerwatch"
)

// Tally counts one section's sensors.
type Tally struct {
	Online int
	Total  int
}

// TallySections groups sensors by section and counts liveness at now. Frozen
// sensors contribute their pinned state, everything else is heartbeat
// freshness against staleAfter.
func TallySections(sensors []powerwatch.Sensor, now time.Time, staleAfter time.Duration) map[powerwatch.SectionKey]Tally {
	out := make(map[powerwatch.SectionKey]Tally)
	for _, sensor := range sensors {
		if !sensor.IsActive {
			continue
		}
		t := out[sensor.Section()]
		t.Total++
		if sensor.Alive(now, staleAfter) {
			t.Online++
		}
		out[sensor.Section()] = t
	}
	return out
}

// SortedKeys fixes the section iteration order within a pass.
func SortedKeys(tallies map[powerwatch.SectionKey]Tally) []powerwatch.SectionKey {
	keys := make([]powerwatch.SectionKey, 0, len(tallies))
	for k := range tallies {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].BuildingID != keys[j].BuildingID {
			return keys[i].BuildingID < keys[j].BuildingID
		}
		return keys[i].SectionID < keys[j].SectionID
	})
	return keys
}

// Decide applies the hysteresis policy: up when the online ratio exceeds
// thresholdUp, down when every sensor is offline or the ratio falls below
// thresholdDown, and the previous state inside the band [thresholdDown,
// thresholdUp]. The inclusive band is what absorbs flapping at exactly half
// of the sensors. A section seen for the first time (prev == nil) defaults
// to up while any sensor is online.
func Decide(t Tally, prev *bool, thresholdUp, thresholdDown float64) bool {
	if t.Online == 0 {
		return false
	}
	ratio := float64(t.Online) / float64(t.Total)
	if ratio > thresholdUp {
		return true
	}
	if ratio < thresholdDown {
		return false
	}
	if prev != nil {
		return *prev
	}
	return true
}
