// internal/secevent/sqlite.go
package secevent

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS security_events (
		id          TEXT PRIMARY KEY,
		occurred_at TEXT NOT NULL,
		kind        TEXT NOT NULL,
		details     TEXT NOT NULL DEFAULT '',
		source      TEXT NOT NULL DEFAULT '',
		device_id   TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_kind ON security_events (kind)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_device ON security_events (device_id)`,
}

// storedTimeLayout is fixed width and always UTC, so ORDER BY on the text
// column sorts chronologically.
const storedTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteSink mirrors events into a SQLite table for querying. Rows are only
// ever inserted.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (or creates) a SQLite database at path and runs migrations.
func OpenSQLiteSink(path string) (*SQLiteSink, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// Write inserts one event row.
func (s *SQLiteSink) Write(e Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO security_events (id, occurred_at, kind, details, source, device_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp.UTC().Format(storedTimeLayout), string(e.Kind), e.Details, e.Source, e.DeviceID)
	return err
}

// Query returns up to limit events, newest first. Empty kind or deviceID match everything.
func (s *SQLiteSink) Query(ctx context.Context, kind Kind, deviceID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, occurred_at, kind, details, source, device_id FROM security_events
		 WHERE (? = '' OR kind = ?) AND (? = '' OR device_id = ?)
		 ORDER BY occurred_at DESC, rowid DESC LIMIT ?`,
		string(kind), string(kind), deviceID, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var events []Event
	for rows.Next() {
		var e Event
		var occurred, k string
		if err := rows.Scan(&e.ID, &occurred, &k, &e.Details, &e.Source, &e.DeviceID); err != nil {
			return nil, err
		}
		e.Kind = Kind(k)
		e.Timestamp, err = time.Parse(storedTimeLayout, occurred)
		if err != nil {
			// Rows from before the fixed-width layout.
			e.Timestamp, _ = time.Parse(time.RFC3339Nano, occurred)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountByKind aggregates every stored event, including those from previous runs.
func (s *SQLiteSink) CountByKind(ctx context.Context) (map[Kind]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM security_events GROUP BY kind`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	counts := make(map[Kind]int)
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return nil, err
		}
		counts[Kind(k)] = n
	}
	return counts, rows.Err()
}
