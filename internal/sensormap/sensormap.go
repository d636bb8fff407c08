// Package sensormap holds the canonical UUID → (building, section) placement
// map for rollout sensors. The map is loaded once at startup from a YAML file
// and is immutable afterwards; a heartbeat from a mapped UUID always uses the
// canonical placement, whatever the firmware reports.
package sensormap

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Placement is the canonical home of a sensor.
type Placement struct {
	BuildingID int `yaml:"building_id"`
	SectionID  int `yaml:"section_id"`
}

type file struct {
	Sensors map[string]Placement `yaml:"sensors"`
}

// Map is the immutable canonical placement map. The zero value is usable and
// empty.
type Map struct {
	placements map[string]Placement
}

// Load reads the map from path. An empty path yields an empty map: the
// service runs fine without a canonical map, it just trusts heartbeats.
func Load(path string) (*Map, error) {
	if path == "" {
		return &Map{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sensor map: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse sensor map %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes the YAML map. UUID keys are folded to lower case; entries
// with a non-positive building or section are rejected.
func Parse(data []byte) (*Map, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	placements := make(map[string]Placement, len(f.Sensors))
	for uuid, p := range f.Sensors {
		uuid = strings.ToLower(strings.TrimSpace(uuid))
		if uuid == "" {
			continue
		}
		if p.BuildingID <= 0 || p.SectionID <= 0 {
			return nil, fmt.Errorf("sensor %q: invalid placement %d/%d", uuid, p.BuildingID, p.SectionID)
		}
		placements[uuid] = p
	}
	return &Map{placements: placements}, nil
}

// Lookup returns the canonical placement for uuid, matching case-insensitively.
func (m *Map) Lookup(uuid string) (Placement, bool) {
	p, ok := m.placements[strings.ToLower(strings.TrimSpace(uuid))]
	return p, ok
}

// Len returns the number of mapped sensors.
func (m *Map) Len() int { return len(m.placements) }
