// Package store persists per-instrument scan numbering state and path
// templates in SQLite. It is the authoritative side of number allocation:
// the legacy tracker directory is reconciled against it, never the other
// way round.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when an instrument has no configuration row.
var ErrNotFound = errors.New("instrument not found")

// Configuration is one instrument's stored numbering and templating state.
// Empty template strings mean the template has never been configured.
type Configuration struct {
	ID                int64
	Name              string
	ScanNumber        int64
	DirectoryTemplate string
	ScanTemplate      string
	DetectorTemplate  string
	TrackerExtension  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Update carries the fields of an upsert. Nil pointers leave the stored
// value untouched, so callers can change one template without knowing the
// others.
type Update struct {
	ScanNumber        *int64
	DirectoryTemplate *string
	ScanTemplate      *string
	DetectorTemplate  *string
	TrackerExtension  *string
}

// Store manages the instruments database.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewStore creates or opens the instruments store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{
		db:     db,
		dbPath: dbPath,
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// initSchema creates the database schema.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instruments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		scan_number INTEGER NOT NULL DEFAULT 0,
		directory_template TEXT NOT NULL DEFAULT '',
		scan_template TEXT NOT NULL DEFAULT '',
		detector_template TEXT NOT NULL DEFAULT '',
		tracker_extension TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

const configurationColumns = `id, name, scan_number, directory_template,
	scan_template, detector_template, tracker_extension, created_at, updated_at`

func scanConfiguration(row *sql.Row) (*Configuration, error) {
	var c Configuration
	err := row.Scan(&c.ID, &c.Name, &c.ScanNumber, &c.DirectoryTemplate,
		&c.ScanTemplate, &c.DetectorTemplate, &c.TrackerExtension,
		&c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return &c, nil
}

// CurrentConfiguration returns an instrument's configuration without
// changing it.
func (s *Store) CurrentConfiguration(name string) (*Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+configurationColumns+` FROM instruments WHERE name = ?`, name)
	return scanConfiguration(row)
}

// NextScanConfiguration advances the instrument's scan number in one
// transaction and returns the row as it stands afterwards. The stored
// number first merges with candidate, so a legacy tracker that ran ahead
// pulls the store forward instead of being clobbered:
//
//	scan_number = MAX(scan_number, candidate) + 1
//
// The returned ScanNumber is the newly allocated number. Unknown
// instruments return ErrNotFound; nothing is ever auto-created here.
func (s *Store) NextScanConfiguration(name string, candidate int64) (*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		UPDATE instruments
		SET scan_number = MAX(scan_number, ?) + 1, updated_at = ?
		WHERE name = ?
	`, candidate, time.Now(), name)
	if err != nil {
		return nil, fmt.Errorf("failed to advance scan number: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	c, err := scanConfiguration(tx.QueryRow(`SELECT `+configurationColumns+` FROM instruments WHERE name = ?`, name))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit allocation: %w", err)
	}
	return c, nil
}

// UpsertConfiguration creates the instrument row if missing and applies the
// non-nil fields of u. The whole upsert is one transaction: if any part
// fails the stored row is unchanged.
func (s *Store) UpsertConfiguration(name string, u Update) (*Configuration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()

	existing, err := scanConfiguration(tx.QueryRow(`SELECT `+configurationColumns+` FROM instruments WHERE name = ?`, name))
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	if existing == nil {
		existing = &Configuration{Name: name, CreatedAt: now}
	}

	if u.ScanNumber != nil {
		existing.ScanNumber = *u.ScanNumber
	}
	if u.DirectoryTemplate != nil {
		existing.DirectoryTemplate = *u.DirectoryTemplate
	}
	if u.ScanTemplate != nil {
		existing.ScanTemplate = *u.ScanTemplate
	}
	if u.DetectorTemplate != nil {
		existing.DetectorTemplate = *u.DetectorTemplate
	}
	if u.TrackerExtension != nil {
		existing.TrackerExtension = *u.TrackerExtension
	}
	existing.UpdatedAt = now

	_, err = tx.Exec(`
		INSERT INTO instruments (name, scan_number, directory_template, scan_template,
			detector_template, tracker_extension, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			scan_number = excluded.scan_number,
			directory_template = excluded.directory_template,
			scan_template = excluded.scan_template,
			detector_template = excluded.detector_template,
			tracker_extension = excluded.tracker_extension,
			updated_at = excluded.updated_at
	`, existing.Name, existing.ScanNumber, existing.DirectoryTemplate, existing.ScanTemplate,
		existing.DetectorTemplate, existing.TrackerExtension, existing.CreatedAt, existing.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert configuration: %w", err)
	}

	c, err := scanConfiguration(tx.QueryRow(`SELECT `+configurationColumns+` FROM instruments WHERE name = ?`, name))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit upsert: %w", err)
	}
	return c, nil
}

// SetScanNumber overwrites the stored scan number, used by operator-driven
// synchronisation against the legacy tracker.
func (s *Store) SetScanNumber(name string, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE instruments SET scan_number = ?, updated_at = ? WHERE name = ?`,
		n, time.Now(), name)
	if err != nil {
		return fmt.Errorf("failed to set scan number: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListInstruments returns every configured instrument ordered by name.
func (s *Store) ListInstruments() ([]Configuration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + configurationColumns + ` FROM instruments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list instruments: %w", err)
	}
	defer rows.Close()

	var configs []Configuration
	for rows.Next() {
		var c Configuration
		if err := rows.Scan(&c.ID, &c.Name, &c.ScanNumber, &c.DirectoryTemplate,
			&c.ScanTemplate, &c.DetectorTemplate, &c.TrackerExtension,
			&c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan instrument row: %w", err)
		}
		configs = append(configs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate instruments: %w", err)
	}
	return configs, nil
}
