package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"powerwatch"
)

// Static catalog of the complex, seeded once into the buildings table.
// IDs are stable; the address is the house number within the complex.
var buildingCatalog = []powerwatch.Building{
	{ID: 1, Name: "Ньюкасл", Address: "24-в", SectionsCount: 3},
	{ID: 2, Name: "Оксфорд", Address: "28-б", SectionsCount: 3},
	{ID: 3, Name: "Кембрідж", Address: "26", SectionsCount: 3},
	{ID: 4, Name: "Ліверпуль", Address: "24-а", SectionsCount: 3},
	{ID: 5, Name: "Брістоль", Address: "24-б", SectionsCount: 3},
	{ID: 6, Name: "Бермінгем", Address: "26-б", SectionsCount: 3},
	{ID: 7, Name: "Честер", Address: "28-д", SectionsCount: 3},
	{ID: 8, Name: "Манчестер", Address: "26-г", SectionsCount: 3},
	{ID: 9, Name: "Брайтон", Address: "26-в", SectionsCount: 3},
	{ID: 10, Name: "Лондон", Address: "28-е", SectionsCount: 3},
	{ID: 11, Name: "Лінкольн", Address: "28-к", SectionsCount: 3},
	{ID: 12, Name: "Віндзор", Address: "26-д", SectionsCount: 3},
	{ID: 13, Name: "Ноттінгем", Address: "24-г", SectionsCount: 3},
	{ID: 14, Name: "Престон", Address: "-", SectionsCount: 1},
}

// Service categories seeded for the places catalog owned by the mini-app.
var serviceCategorySeed = []string{"Кафе", "Аптеки", "Магазини", "Сервіси"}

var createStatements = []string{
	`CREATE TABLE IF NOT EXISTS buildings (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	address TEXT NOT NULL,
	sections_count INTEGER NOT NULL DEFAULT 1
)`,
	`CREATE TABLE IF NOT EXISTS sensors (
	uuid TEXT PRIMARY KEY,
	building_id INTEGER NOT NULL,
	section_id INTEGER NOT NULL DEFAULT 1,
	comment TEXT,
	created_at TEXT NOT NULL,
	last_heartbeat TEXT,
	is_active INTEGER NOT NULL DEFAULT 1,
	frozen_until TEXT,
	frozen_is_up INTEGER,
	frozen_at TEXT,
	FOREIGN KEY (building_id) REFERENCES buildings(id)
)`,
	`CREATE TABLE IF NOT EXISTS section_power_state (
	building_id INTEGER NOT NULL,
	section_id INTEGER NOT NULL,
	is_up INTEGER NOT NULL,
	last_change TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (building_id, section_id)
)`,
	`CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	building_id INTEGER NOT NULL,
	section_id INTEGER NOT NULL,
	timestamp TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_events_section ON events (building_id, section_id, id)`,
	`CREATE TABLE IF NOT EXISTS subscribers (
	chat_id INTEGER PRIMARY KEY,
	building_id INTEGER,
	section_id INTEGER,
	light_notifications INTEGER NOT NULL DEFAULT 1,
	alert_notifications INTEGER NOT NULL DEFAULT 1,
	schedule_notifications INTEGER NOT NULL DEFAULT 1,
	quiet_start INTEGER,
	quiet_end INTEGER,
	is_active INTEGER NOT NULL DEFAULT 1,
	subscribed_at TEXT
)`,
	`CREATE TABLE IF NOT EXISTS admin_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	created_by INTEGER,
	created_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	updated_at TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	progress_current INTEGER NOT NULL DEFAULT 0,
	progress_total INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
)`,
	`CREATE INDEX IF NOT EXISTS idx_admin_jobs_claim ON admin_jobs (status, created_at)`,
	`CREATE TABLE IF NOT EXISTS kv (k TEXT PRIMARY KEY, v TEXT)`,
	`CREATE TABLE IF NOT EXISTS general_services (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
)`,
}

// Additive column migrations for databases created by earlier schema
// revisions. "duplicate column" failures are expected and ignored.
var alterStatements = []string{
	`ALTER TABLE sensors ADD COLUMN section_id INTEGER NOT NULL DEFAULT 1`,
	`ALTER TABLE sensors ADD COLUMN comment TEXT`,
	`ALTER TABLE sensors ADD COLUMN frozen_until TEXT`,
	`ALTER TABLE sensors ADD COLUMN frozen_is_up INTEGER`,
	`ALTER TABLE sensors ADD COLUMN frozen_at TEXT`,
	`ALTER TABLE subscribers ADD COLUMN section_id INTEGER`,
	`ALTER TABLE subscribers ADD COLUMN schedule_notifications INTEGER NOT NULL DEFAULT 1`,
	`ALTER TABLE subscribers ADD COLUMN is_active INTEGER NOT NULL DEFAULT 1`,
	`ALTER TABLE buildings ADD COLUMN sections_count INTEGER NOT NULL DEFAULT 1`,
	`ALTER TABLE events ADD COLUMN building_id INTEGER NOT NULL DEFAULT 1`,
	`ALTER TABLE events ADD COLUMN section_id INTEGER NOT NULL DEFAULT 1`,
}

// migrate applies the additive schema and seeds static catalogs. Runs at
// Open; destructive migrations are out-of-process.
func (s *Store) migrate() error {
	for _, stmt := range createStatements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
	}
	for _, stmt := range alterStatements {
		if _, err := s.db.Exec(stmt); err != nil && !isDuplicateColumn(err) {
			return fmt.Errorf("apply migration %q: %w", stmt, err)
		}
	}
	if err := s.seedBuildings(); err != nil {
		return err
	}
	if err := s.seedServiceCategories(); err != nil {
		return err
	}
	return nil
}

func isDuplicateColumn(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "duplicate column")
}

func (s *Store) seedBuildings() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM buildings`).Scan(&count); err != nil {
		return fmt.Errorf("count buildings: %w", err)
	}
	if count > 0 {
		return nil
	}
	for _, b := range buildingCatalog {
		if _, err := s.db.Exec(
			`INSERT INTO buildings (id, name, address, sections_count) VALUES (?, ?, ?, ?)`,
			b.ID, b.Name, b.Address, b.SectionsCount,
		); err != nil {
			return fmt.Errorf("seed building %d: %w", b.ID, err)
		}
	}
	return nil
}

func (s *Store) seedServiceCategories() error {
	for _, name := range serviceCategorySeed {
		if _, err := s.db.Exec(
			`INSERT INTO general_services (name) VALUES (?) ON CONFLICT(name) DO NOTHING`,
			name,
		); err != nil {
			return fmt.Errorf("seed service category %q: %w", name, err)
		}
	}
	return nil
}

// Buildings returns the catalog ordered by id.
func (s *Store) Buildings(ctx context.Context) ([]powerwatch.Building, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, address, sections_count FROM buildings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query buildings: %w", err)
	}
	defer rows.Close()

	var out []powerwatch.Building
	for rows.Next() {
		var b powerwatch.Building
		if err := rows.Scan(&b.ID, &b.Name, &b.Address, &b.SectionsCount); err != nil {
			return nil, fmt.Errorf("scan building: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// BuildingByID returns the building or (zero, false) when unknown.
func (s *Store) BuildingByID(ctx context.Context, id int) (powerwatch.Building, bool, error) {
	var b powerwatch.Building
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, address, sections_count FROM buildings WHERE id = ?`, id,
	).Scan(&b.ID, &b.Name, &b.Address, &b.SectionsCount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return powerwatch.Building{}, false, nil
		}
		return powerwatch.Building{}, false, fmt.Errorf("query building %d: %w", id, err)
	}
	return b, true, nil
}
