// Package track maintains last-known status per service and debounces noisy
// observations into confirmed StatusChanged events. A single misread
// indicator (flicker, OCR noise, camera glare) must not trigger an alert
// storm: a transition is confirmed only after K consecutive agreeing reads.
package track

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marcus-qen/glasswatch/internal/observe"
	"github.com/marcus-qen/glasswatch/internal/plan"
)

const defaultConfirmThreshold = 2

// StatusChanged is a confirmed transition for one service.
type StatusChanged struct {
	ID           string
	Service      plan.Identity
	DisplayLabel string
	Old          observe.ColorState
	New          observe.ColorState
	ObservedAt   time.Time
}

// State is one service's tracked record. Stable status and the pending
// candidate are kept separate so a half-confirmed transition can never be
// mistaken for the current status.
type State struct {
	Service      plan.Identity      `json:"service"`
	DisplayLabel string             `json:"display_label"`
	Current      observe.ColorState `json:"current"`
	Pending      observe.ColorState `json:"pending,omitempty"`
	PendingSince *time.Time         `json:"pending_since,omitempty"`
	PendingCount int                `json:"pending_count,omitempty"`
	LastAlertAt  *time.Time         `json:"last_alert_at,omitempty"`
	FirstSeenAt  time.Time          `json:"first_seen_at"`
	LastSeenAt   time.Time          `json:"last_seen_at"`
}

// Tracker owns all per-service state. Records are created lazily on first
// observation and never deleted; a service that disappears from the frame
// and returns resumes its history.
type Tracker struct {
	threshold int
	logger    *zap.Logger

	mu     sync.Mutex
	states map[plan.Identity]*State
	// seenTick guards the at-most-one-event-per-identity-per-tick rule when
	// several labels in one frame resolve to the same identity.
	seenTick map[plan.Identity]struct{}
}

// NewTracker creates a tracker with the given confirmation threshold.
// threshold <= 0 falls back to the default of 2 consecutive reads.
func NewTracker(threshold int, logger *zap.Logger) *Tracker {
	if threshold <= 0 {
		threshold = defaultConfirmThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		threshold: threshold,
		logger:    logger,
		states:    make(map[plan.Identity]*State),
		seenTick:  make(map[plan.Identity]struct{}),
	}
}

// BeginTick resets per-tick bookkeeping. The loop calls it once before
// feeding the tick's observations.
func (t *Tracker) BeginTick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seenTick = make(map[plan.Identity]struct{})
}

// Observe applies one observation to the service's state machine and
// returns a StatusChanged event when a transition is confirmed, or nil.
func (t *Tracker) Observe(identity plan.Identity, label string, obs observe.Observation) *StatusChanged {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.seenTick[identity]; dup {
		t.logger.Debug("duplicate label in frame, keeping first observation",
			zap.String("service", string(identity)), zap.String("label", label))
		return nil
	}
	t.seenTick[identity] = struct{}{}

	st, ok := t.states[identity]
	if !ok {
		st = &State{
			Service:      identity,
			DisplayLabel: label,
			Current:      observe.StateUnknown,
			FirstSeenAt:  obs.ObservedAt,
		}
		t.states[identity] = st
	}
	st.LastSeenAt = obs.ObservedAt
	if label != "" {
		st.DisplayLabel = label
	}

	s := obs.Color

	// UNKNOWN is a failed read, not a status: it neither starts nor
	// continues a pending transition.
	if s == observe.StateUnknown {
		t.logger.Debug("unreadable indicator",
			zap.String("service", string(identity)), zap.String("label", label))
		return nil
	}

	switch {
	case s == st.Current:
		st.Pending = ""
		st.PendingSince = nil
		st.PendingCount = 0
		return nil

	case s == st.Pending:
		st.PendingCount++
		if st.PendingCount < t.threshold {
			return nil
		}
		old := st.Current
		st.Current = s
		st.Pending = ""
		st.PendingSince = nil
		st.PendingCount = 0

		t.logger.Info("status transition confirmed",
			zap.String("service", string(identity)),
			zap.String("old", string(old)),
			zap.String("new", string(s)),
		)
		return &StatusChanged{
			ID:           uuid.NewString(),
			Service:      identity,
			DisplayLabel: st.DisplayLabel,
			Old:          old,
			New:          s,
			ObservedAt:   obs.ObservedAt,
		}

	default:
		since := obs.ObservedAt
		st.Pending = s
		st.PendingSince = &since
		st.PendingCount = 1
		if t.threshold <= 1 {
			// Degenerate configuration: confirm immediately.
			old := st.Current
			st.Current = s
			st.Pending = ""
			st.PendingSince = nil
			st.PendingCount = 0
			return &StatusChanged{
				ID:           uuid.NewString(),
				Service:      identity,
				DisplayLabel: st.DisplayLabel,
				Old:          old,
				New:          s,
				ObservedAt:   obs.ObservedAt,
			}
		}
		return nil
	}
}

// MarkAlerted records the time an alert was dispatched for a service.
func (t *Tracker) MarkAlerted(identity plan.Identity, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.states[identity]; ok {
		ts := at
		st.LastAlertAt = &ts
	}
}

// Snapshot returns a copy of all tracked states, sorted by identity.
func (t *Tracker) Snapshot() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]State, 0, len(t.states))
	for _, st := range t.states {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Len returns the number of tracked services.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
