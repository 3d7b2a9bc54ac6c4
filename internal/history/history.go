// Package history keeps an append-only ledger of scan number allocations.
// Every allocation records what both sides of the reconciliation looked
// like beforehand, so operators can see when and how a drifted tracker was
// healed. The ledger is advisory: allocation never fails because a ledger
// write failed.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one allocation event.
type Entry struct {
	ID           int64
	Instrument   string
	ScanNumber   int64
	StoredBefore int64
	LegacyBefore int64
	Healed       bool
	TrackerOK    bool
	TrackerError string
	CreatedAt    time.Time
}

// Ledger is the allocations database.
type Ledger struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewLedger initializes the ledger database at the given path.
func NewLedger(path string) (*Ledger, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ledger := &Ledger{db: db, dbPath: path}
	if err := ledger.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return ledger, nil
}

// initialize creates the required tables.
func (l *Ledger) initialize() error {
	allocationsTable := `
	CREATE TABLE IF NOT EXISTS allocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		instrument TEXT NOT NULL,
		scan_number INTEGER NOT NULL,
		stored_before INTEGER NOT NULL,
		legacy_before INTEGER NOT NULL,
		healed INTEGER NOT NULL DEFAULT 0,
		tracker_ok INTEGER NOT NULL DEFAULT 1,
		tracker_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_allocations_instrument ON allocations(instrument);
	CREATE INDEX IF NOT EXISTS idx_allocations_created ON allocations(created_at);
	`

	if _, err := l.db.Exec(allocationsTable); err != nil {
		return fmt.Errorf("failed to create allocations table: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.dbPath
}

// Record appends one allocation event and fills in e.ID.
func (l *Ledger) Record(e *Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	res, err := l.db.Exec(`
		INSERT INTO allocations (instrument, scan_number, stored_before, legacy_before,
			healed, tracker_ok, tracker_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Instrument, e.ScanNumber, e.StoredBefore, e.LegacyBefore,
		e.Healed, e.TrackerOK, e.TrackerError, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record allocation: %w", err)
	}

	id, err := res.LastInsertId()
	if err == nil {
		e.ID = id
	}
	return nil
}

// Recent returns the newest allocations, most recent first. An empty
// instrument name returns events across all instruments. Limit falls back
// to 50 when zero or negative.
func (l *Ledger) Recent(instrument string, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, instrument, scan_number, stored_before, legacy_before,
			healed, tracker_ok, tracker_error, created_at
		FROM allocations
	`
	args := []interface{}{}
	if instrument != "" {
		query += ` WHERE instrument = ?`
		args = append(args, instrument)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query allocations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Instrument, &e.ScanNumber, &e.StoredBefore,
			&e.LegacyBefore, &e.Healed, &e.TrackerOK, &e.TrackerError, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate allocations: %w", err)
	}
	return entries, nil
}
