package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/zap"

	"github.com/marcus-qen/glasswatch/internal/auditlog"
	"github.com/marcus-qen/glasswatch/internal/metrics"
	"github.com/marcus-qen/glasswatch/internal/notify"
	"github.com/marcus-qen/glasswatch/internal/observe"
	"github.com/marcus-qen/glasswatch/internal/plan"
	"github.com/marcus-qen/glasswatch/internal/track"
)

type recordingChannel struct {
	typ  notify.ChannelType
	fail bool

	mu   sync.Mutex
	sent []notify.Message
}

func (r *recordingChannel) Type() notify.ChannelType { return r.typ }

func (r *recordingChannel) Send(ctx context.Context, msg notify.Message, recipients []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("transport down")
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type errorSource struct{}

func (errorSource) Poll(ctx context.Context) ([]observe.Observation, error) {
	return nil, fmt.Errorf("capture stalled: %w", observe.ErrSourceUnavailable)
}

func frame(ts time.Time, states map[string]observe.ColorState) []observe.Observation {
	var obs []observe.Observation
	for label, state := range states {
		obs = append(obs, observe.Observation{RawLabel: label, Color: state, ObservedAt: ts})
	}
	return obs
}

func writePlanFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "service_config.json")
	content := `{
  "default_config": {"email": ["fallback@example.com"], "whatsapp": [], "whatsapp_groups": []},
  "services": {
    "API Gateway": {"email": ["ops@example.com"], "whatsapp": [], "whatsapp_groups": []}
  }
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type testHarness struct {
	loop    *Loop
	source  *observe.SliceSource
	email   *recordingChannel
	tracker *track.Tracker
	audit   *auditlog.Logger
	dir     string
	metrics *metrics.Set
}

func newHarness(t *testing.T, frames ...[]observe.Observation) *testHarness {
	t.Helper()

	source := observe.NewSliceSource(frames...)
	table := plan.NewTable(writePlanFile(t), zap.NewNop())
	tracker := track.NewTracker(2, zap.NewNop())

	email := &recordingChannel{typ: notify.ChannelEmail}
	dispatcher := notify.NewDispatcher(email, nil, nil, nil,
		notify.Options{RetryBackoff: time.Millisecond, SendTimeout: time.Second}, logr.Discard())

	dir := t.TempDir()
	audit, err := auditlog.NewLogger(dir, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	loop := New(source, table, tracker, dispatcher, audit, m, time.Minute, zap.NewNop())
	return &testHarness{
		loop:    loop,
		source:  source,
		email:   email,
		tracker: tracker,
		audit:   audit,
		dir:     dir,
		metrics: m,
	}
}

func TestLoop_ConfirmedTransitionAlerts(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t,
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateUp}),
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateUp}),
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateDown}),
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateDown}),
	)

	ctx := context.Background()
	h.loop.tick(ctx) // first UP read: pending
	h.loop.tick(ctx) // UP confirmed; recovery alerts are off, nothing sent
	if h.email.count() != 0 {
		t.Fatalf("UP confirmation sent %d alerts, want 0", h.email.count())
	}
	h.loop.tick(ctx) // first DOWN read: pending
	if h.email.count() != 0 {
		t.Fatalf("unconfirmed DOWN sent %d alerts, want 0", h.email.count())
	}
	h.loop.tick(ctx) // second DOWN read: confirmed, alert

	if h.email.count() != 1 {
		t.Fatalf("sent %d alerts, want 1", h.email.count())
	}
	if h.email.sent[0].Status != observe.StateDown {
		t.Errorf("alert status = %q", h.email.sent[0].Status)
	}

	states := h.tracker.Snapshot()
	if len(states) != 1 || states[0].Current != observe.StateDown {
		t.Errorf("tracked state = %+v", states)
	}
	if states[0].LastAlertAt == nil {
		t.Error("LastAlertAt not set after successful delivery")
	}

	completed, skipped := h.loop.TickCounts()
	if completed != 4 || skipped != 0 {
		t.Errorf("ticks = %d/%d", completed, skipped)
	}
}

func TestLoop_SourceFailureSkipsTick(t *testing.T) {
	table := plan.NewTable(writePlanFile(t), zap.NewNop())
	tracker := track.NewTracker(2, zap.NewNop())
	email := &recordingChannel{typ: notify.ChannelEmail}
	dispatcher := notify.NewDispatcher(email, nil, nil, nil, notify.Options{}, logr.Discard())
	loop := New(errorSource{}, table, tracker, dispatcher, nil, nil, time.Minute, zap.NewNop())

	loop.tick(context.Background())

	completed, skipped := loop.TickCounts()
	if completed != 0 || skipped != 1 {
		t.Errorf("ticks = %d/%d, want 0/1", completed, skipped)
	}
	if tracker.Len() != 0 {
		t.Error("skipped tick must not touch tracked state")
	}
	if email.count() != 0 {
		t.Error("skipped tick must not alert")
	}
}

func TestLoop_FlickerDoesNotAlert(t *testing.T) {
	ts := time.Now().UTC()
	h := newHarness(t,
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateUp}),
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateDown}),
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateUp}),
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateUp}),
	)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		h.loop.tick(ctx)
	}

	// The single DOWN read never confirms and the UP confirmation is
	// suppressed by the recovery policy, so nothing goes out.
	if h.email.count() != 0 {
		t.Errorf("flicker produced %d alerts: %+v", h.email.count(), h.email.sent)
	}
}

func TestLoop_AuditRowsWritten(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	h := newHarness(t,
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateUp}),
	)
	h.loop.tick(context.Background())

	data, err := os.ReadFile(filepath.Join(h.dir, "26_03_01.csv"))
	if err != nil {
		t.Fatalf("audit bucket missing: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("audit bucket empty")
	}
}

func TestLoop_UnresolvableLabelDropped(t *testing.T) {
	ts := time.Now().UTC()
	h := newHarness(t,
		frame(ts, map[string]observe.ColorState{"!!!": observe.StateDown}),
	)
	h.loop.tick(context.Background())

	if h.tracker.Len() != 0 {
		t.Error("unresolvable label must not create tracked state")
	}
	completed, _ := h.loop.TickCounts()
	if completed != 1 {
		t.Error("tick still counts as completed")
	}
}

func TestLoop_DeadSourceTerminatesLoop(t *testing.T) {
	table := plan.NewTable(writePlanFile(t), zap.NewNop())
	tracker := track.NewTracker(2, zap.NewNop())
	dispatcher := notify.NewDispatcher(nil, nil, nil, nil, notify.Options{}, logr.Discard())
	loop := New(errorSource{}, table, tracker, dispatcher, nil, nil, time.Minute, zap.NewNop())

	ctx := context.Background()
	var err error
	for i := 0; i < maxConsecutiveFailures; i++ {
		err = loop.tick(ctx)
	}
	if err == nil {
		t.Fatal("expected error after sustained source failure")
	}
	if !errors.Is(err, observe.ErrSourceUnavailable) {
		t.Errorf("error should wrap the source failure: %v", err)
	}

	_, skipped := loop.TickCounts()
	if skipped != maxConsecutiveFailures {
		t.Errorf("skipped = %d, want %d", skipped, maxConsecutiveFailures)
	}
}

func TestLoop_FailureCounterResets(t *testing.T) {
	ts := time.Now().UTC()
	h := newHarness(t,
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateUp}),
	)
	h.loop.consecFailed = maxConsecutiveFailures - 1
	if err := h.loop.tick(context.Background()); err != nil {
		t.Fatalf("healthy tick returned %v", err)
	}
	if h.loop.consecFailed != 0 {
		t.Errorf("consecFailed = %d after healthy tick", h.loop.consecFailed)
	}
}

func TestLoop_RunStopsOnCancel(t *testing.T) {
	ts := time.Now().UTC()
	h := newHarness(t,
		frame(ts, map[string]observe.ColorState{"API Gateway": observe.StateUp}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.loop.Run(ctx) }()

	// Give the first immediate tick time to complete.
	deadline := time.After(5 * time.Second)
	for {
		if c, _ := h.loop.TickCounts(); c >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first tick never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !h.loop.Started() {
		t.Error("Started should report true")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
