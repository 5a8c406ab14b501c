// Package auditlog keeps the on-disk history of every observation outcome
// and alert attempt: day-bucketed CSV files for operators who want to open
// them in a spreadsheet, plus a SQLite mirror for queries.
package auditlog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/glasswatch/internal/notify"
	"github.com/marcus-qen/glasswatch/internal/observe"
	"github.com/marcus-qen/glasswatch/internal/plan"
)

// csvHeader is the first row of every day bucket. Column names are part of
// the on-disk format; downstream spreadsheets key on them.
var csvHeader = []string{"Timestamp", "Service Name", "Status", "Alert Sent", "Alert Type", "Recipients"}

// Entry is one audit row: a status observation outcome or an alert attempt.
type Entry struct {
	Timestamp  time.Time          `json:"timestamp"`
	Service    plan.Identity      `json:"service"`
	Status     observe.ColorState `json:"status"`
	AlertSent  bool               `json:"alert_sent"`
	AlertType  string             `json:"alert_type,omitempty"`
	Recipients []string           `json:"recipients,omitempty"`
}

func (e Entry) record() []string {
	return []string{
		e.Timestamp.Format("2006-01-02 15:04:05"),
		string(e.Service),
		string(e.Status),
		fmt.Sprintf("%t", e.AlertSent),
		e.AlertType,
		strings.Join(e.Recipients, "; "),
	}
}

// bucketName returns the CSV filename for the entry's calendar date.
func bucketName(t time.Time) string {
	return t.Format("06_01_02") + ".csv"
}

// Logger appends audit entries to day-bucketed CSV files under dir.
// A new file gets the header row; all writes go through one mutex so
// concurrent callers never interleave rows.
type Logger struct {
	dir   string
	log   *zap.Logger
	store *Store // optional SQLite mirror

	mu sync.Mutex
}

// NewLogger creates a CSV audit logger writing under dir. The directory is
// created if missing. store may be nil; when present every entry is
// mirrored into it, and mirror failures degrade to CSV-only.
func NewLogger(dir string, store *Store, log *zap.Logger) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Logger{dir: dir, log: log, store: store}, nil
}

// Record appends one entry to the day bucket for its timestamp.
func (l *Logger) Record(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	err := l.appendLocked(entry)
	l.mu.Unlock()

	if err != nil {
		l.log.Error("audit CSV write failed",
			zap.String("service", string(entry.Service)),
			zap.Error(err),
		)
		return err
	}

	if l.store != nil {
		if serr := l.store.Insert(entry); serr != nil {
			l.log.Warn("audit store insert failed, CSV row kept",
				zap.String("service", string(entry.Service)),
				zap.Error(serr),
			)
		}
	}
	return nil
}

// RecordAttempts writes one row per delivery attempt for a status change.
func (l *Logger) RecordAttempts(attempts []notify.Attempt) error {
	var firstErr error
	for _, a := range attempts {
		entry := Entry{
			Timestamp:  a.Timestamp,
			Service:    a.Service,
			Status:     a.Status,
			AlertSent:  a.Success,
			AlertType:  string(a.Channel),
			Recipients: a.Recipients,
		}
		if err := l.Record(entry); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *Logger) appendLocked(entry Entry) error {
	path := filepath.Join(l.dir, bucketName(entry.Timestamp))

	_, statErr := os.Stat(path)
	newBucket := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open bucket: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if newBucket {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.Write(entry.record()); err != nil {
		return fmt.Errorf("write row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// PurgeBuckets removes CSV day buckets whose date is older than cutoff.
// Returns the number of files deleted.
func (l *Logger) PurgeBuckets(cutoff time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("read audit dir: %w", err)
	}

	cutoffDay := cutoff.Format("06_01_02")
	deleted := 0
	for _, de := range entries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".csv") {
			continue
		}
		day := strings.TrimSuffix(name, ".csv")
		if _, perr := time.Parse("06_01_02", day); perr != nil {
			continue
		}
		if day < cutoffDay {
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
				l.log.Warn("failed to remove expired bucket", zap.String("file", name), zap.Error(err))
				continue
			}
			deleted++
		}
	}
	return deleted, nil
}
