package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Plan is the resolved set of recipients for one service.
type Plan struct {
	Service           Identity
	DisplayName       string
	Email             []string
	WhatsApp          []string
	WhatsAppGroups    []string
	IsDefaultFallback bool
}

// HasRecipients reports whether any channel has at least one recipient.
func (p Plan) HasRecipients() bool {
	return len(p.Email) > 0 || len(p.WhatsApp) > 0 || len(p.WhatsAppGroups) > 0
}

// entry mirrors one service block in service_config.json. The file shape is
// shared with the configuration-editing UI, which owns all mutation.
type entry struct {
	DisplayName    string   `json:"display_name,omitempty"`
	Patterns       []string `json:"patterns,omitempty"`
	Email          []string `json:"email"`
	WhatsApp       []string `json:"whatsapp"`
	WhatsAppGroups []string `json:"whatsapp_groups"`
}

type tableFile struct {
	DefaultConfig entry            `json:"default_config"`
	Services      map[string]entry `json:"services"`
}

type compiledEntry struct {
	name     string
	identity Identity
	patterns []*regexp.Regexp
	entry    entry
}

// Table is a read-through accessor over the notification plan file.
// Every lookup sees the file's current content: the table re-checks the
// mtime on each call and reloads when it changed, so external edits take
// effect on the next tick without restart. The table never writes the file.
type Table struct {
	path   string
	logger *zap.Logger

	mu       sync.Mutex
	loadedAt time.Time
	modTime  time.Time
	defaults entry
	entries  []compiledEntry
}

// NewTable creates a table over the given plan file path.
func NewTable(path string, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{path: path, logger: logger}
}

// PlanFor resolves the notification plan for an identity. A miss is not an
// error: it yields a plan built from the default recipients with
// IsDefaultFallback set. rawLabel is used for pattern matching against
// noisy OCR output and for the plan's display name.
func (t *Table) PlanFor(identity Identity, rawLabel string) Plan {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.refreshLocked()

	for _, ce := range t.entries {
		if ce.identity == identity {
			return t.planFromEntry(ce, identity, rawLabel)
		}
	}

	// OCR output is noisy; configured patterns catch labels whose exact
	// identity match failed (e.g. "BTSS Cyber Channel" vs "BTSS").
	for _, ce := range t.entries {
		for _, re := range ce.patterns {
			if re.MatchString(rawLabel) {
				return t.planFromEntry(ce, identity, rawLabel)
			}
		}
	}

	return Plan{
		Service:           identity,
		DisplayName:       rawLabel,
		Email:             append([]string(nil), t.defaults.Email...),
		WhatsApp:          append([]string(nil), t.defaults.WhatsApp...),
		WhatsAppGroups:    append([]string(nil), t.defaults.WhatsAppGroups...),
		IsDefaultFallback: true,
	}
}

func (t *Table) planFromEntry(ce compiledEntry, identity Identity, rawLabel string) Plan {
	display := ce.entry.DisplayName
	if display == "" {
		display = ce.name
	}
	if display == "" {
		display = rawLabel
	}
	return Plan{
		Service:        identity,
		DisplayName:    display,
		Email:          append([]string(nil), ce.entry.Email...),
		WhatsApp:       append([]string(nil), ce.entry.WhatsApp...),
		WhatsAppGroups: append([]string(nil), ce.entry.WhatsAppGroups...),
	}
}

// refreshLocked reloads the plan file if its mtime moved. A missing or
// broken file degrades to empty defaults; lookups then fall back to an
// empty default plan rather than failing the tick.
func (t *Table) refreshLocked() {
	info, err := os.Stat(t.path)
	if err != nil {
		if !t.loadedAt.IsZero() {
			return // keep the last good snapshot
		}
		t.logger.Warn("plan file unavailable, using empty defaults",
			zap.String("path", t.path), zap.Error(err))
		t.loadedAt = time.Now()
		return
	}
	if !t.loadedAt.IsZero() && info.ModTime().Equal(t.modTime) {
		return
	}

	if err := t.loadLocked(); err != nil {
		t.logger.Warn("plan file reload failed, keeping previous snapshot",
			zap.String("path", t.path), zap.Error(err))
		return
	}
	t.modTime = info.ModTime()
	t.loadedAt = time.Now()
	t.logger.Info("plan table loaded",
		zap.String("path", t.path),
		zap.Int("services", len(t.entries)),
	)
}

func (t *Table) loadLocked() error {
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read plan file: %w", err)
	}

	var f tableFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse plan file: %w", err)
	}

	entries := make([]compiledEntry, 0, len(f.Services))
	for name, e := range f.Services {
		identity, err := ResolveIdentity(name)
		if err != nil {
			t.logger.Warn("skipping plan entry with empty identity", zap.String("name", name))
			continue
		}
		ce := compiledEntry{name: name, identity: identity, entry: e}
		for _, p := range e.Patterns {
			re, err := regexp.Compile("(?i)" + p)
			if err != nil {
				t.logger.Warn("invalid plan pattern, skipping",
					zap.String("service", name), zap.String("pattern", p), zap.Error(err))
				continue
			}
			ce.patterns = append(ce.patterns, re)
		}
		entries = append(entries, ce)
	}
	// Deterministic pattern precedence regardless of map order.
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	t.defaults = f.DefaultConfig
	t.entries = entries
	return nil
}
