package auditlog

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/marcus-qen/glasswatch/internal/observe"
	"github.com/marcus-qen/glasswatch/internal/plan"
)

// Filter narrows store queries. Zero values match everything.
type Filter struct {
	Service plan.Identity
	Status  observe.ColorState
	Since   time.Time
	Until   time.Time
	Limit   int
}

// Store mirrors audit entries into SQLite for queries the flat CSV files
// cannot answer.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite audit store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS audit_entries (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp  TEXT NOT NULL,
		service    TEXT NOT NULL,
		status     TEXT NOT NULL,
		alert_sent INTEGER NOT NULL,
		alert_type TEXT,
		recipients TEXT
	)`); err != nil {
		_ = db.Close()
		return nil, err
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_service ON audit_entries(service)`)
	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_entries(timestamp)`)

	return &Store{db: db}, nil
}

// Insert persists one entry.
func (s *Store) Insert(e Entry) error {
	sent := 0
	if e.AlertSent {
		sent = 1
	}
	_, err := s.db.Exec(`INSERT INTO audit_entries (timestamp, service, status, alert_sent, alert_type, recipients)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Service),
		string(e.Status),
		sent,
		e.AlertType,
		strings.Join(e.Recipients, "; "),
	)
	return err
}

// Recent returns the n most recent entries, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	return s.Query(Filter{Limit: n})
}

// Query returns entries matching f, newest first.
func (s *Store) Query(f Filter) ([]Entry, error) {
	query, args := buildQuery(f)
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// StreamCSV writes matching entries to w as CSV, newest first, with the
// same header the day buckets use.
func (s *Store) StreamCSV(ctx context.Context, w io.Writer, f Filter) error {
	query, args := buildQuery(f)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		if err := cw.Write(e.record()); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// Purge deletes entries older than now - olderThan and returns the count.
func (s *Store) Purge(olderThan time.Duration) (int64, error) {
	if olderThan < 0 {
		return 0, errors.New("olderThan must be >= 0")
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339Nano)
	res, err := s.db.Exec("DELETE FROM audit_entries WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close shuts down the store.
func (s *Store) Close() error {
	return s.db.Close()
}

func buildQuery(f Filter) (string, []any) {
	query := "SELECT timestamp, service, status, alert_sent, alert_type, recipients FROM audit_entries WHERE 1=1"
	var args []any

	if f.Service != "" {
		query += " AND service = ?"
		args = append(args, string(f.Service))
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var ts, service, status, recipients string
	var sent int
	if err := rows.Scan(&ts, &service, &status, &sent, &e.AlertType, &recipients); err != nil {
		return Entry{}, err
	}
	e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	e.Service = plan.Identity(service)
	e.Status = observe.ColorState(status)
	e.AlertSent = sent != 0
	if recipients != "" {
		e.Recipients = strings.Split(recipients, "; ")
	}
	return e, nil
}
