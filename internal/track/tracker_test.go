package track

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/glasswatch/internal/observe"
	"github.com/marcus-qen/glasswatch/internal/plan"
)

func obsAt(color observe.ColorState, at time.Time) observe.Observation {
	return observe.Observation{RawLabel: "svc", Color: color, ObservedAt: at}
}

// feed runs one observation per tick and collects emitted events.
func feed(t *testing.T, tr *Tracker, identity plan.Identity, colors ...observe.ColorState) []*StatusChanged {
	t.Helper()
	var events []*StatusChanged
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, c := range colors {
		tr.BeginTick()
		if ev := tr.Observe(identity, "svc", obsAt(c, base.Add(time.Duration(i)*time.Minute))); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

func confirmTo(t *testing.T, tr *Tracker, identity plan.Identity, s observe.ColorState) {
	t.Helper()
	if n := len(feed(t, tr, identity, s, s)); n != 1 {
		t.Fatalf("setup: expected 1 confirmation event, got %d", n)
	}
}

func TestTracker_ConfirmsAfterK(t *testing.T) {
	tr := NewTracker(2, zap.NewNop())
	confirmTo(t, tr, "apigateway", observe.StateUp)

	events := feed(t, tr, "apigateway", observe.StateDown, observe.StateDown)
	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly 1", len(events))
	}
	ev := events[0]
	if ev.Old != observe.StateUp || ev.New != observe.StateDown {
		t.Errorf("event = %s -> %s, want UP -> DOWN", ev.Old, ev.New)
	}
	if ev.ID == "" {
		t.Error("event ID not set")
	}
}

func TestTracker_NoEventAfterFirstRead(t *testing.T) {
	tr := NewTracker(2, zap.NewNop())
	confirmTo(t, tr, "apigateway", observe.StateUp)

	if events := feed(t, tr, "apigateway", observe.StateDown); len(events) != 0 {
		t.Fatalf("single differing read emitted %d events, want 0", len(events))
	}
}

func TestTracker_FlickerSuppressed(t *testing.T) {
	tr := NewTracker(2, zap.NewNop())
	confirmTo(t, tr, "apigateway", observe.StateUp)

	// DOWN then back to UP: pending transition must be reset.
	if events := feed(t, tr, "apigateway", observe.StateDown, observe.StateUp); len(events) != 0 {
		t.Fatalf("flicker emitted %d events, want 0", len(events))
	}

	// The earlier flicker must not pre-count toward a later real outage.
	if events := feed(t, tr, "apigateway", observe.StateDown); len(events) != 0 {
		t.Fatal("pending count survived the reset")
	}
	if events := feed(t, tr, "apigateway", observe.StateDown); len(events) != 1 {
		t.Fatal("real outage not confirmed after K reads")
	}
}

func TestTracker_StableStatusNeverReemits(t *testing.T) {
	tr := NewTracker(2, zap.NewNop())
	confirmTo(t, tr, "db", observe.StateDown)

	if events := feed(t, tr, "db", observe.StateDown, observe.StateDown, observe.StateDown); len(events) != 0 {
		t.Fatalf("stable status re-emitted %d events", len(events))
	}
}

func TestTracker_UnknownIsNotAStatus(t *testing.T) {
	tr := NewTracker(2, zap.NewNop())
	confirmTo(t, tr, "db", observe.StateUp)

	// UNKNOWN must not start a pending transition.
	if events := feed(t, tr, "db", observe.StateUnknown, observe.StateUnknown); len(events) != 0 {
		t.Fatal("UNKNOWN reads confirmed a transition")
	}
	// A failed read in the middle of an outage must not reset the pending
	// count either: the two DOWN reads around it still confirm.
	events := feed(t, tr, "db", observe.StateDown, observe.StateUnknown, observe.StateDown)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (UNKNOWN is invisible to debounce)", len(events))
	}
	if events[0].Old != observe.StateUp || events[0].New != observe.StateDown {
		t.Errorf("event = %s -> %s", events[0].Old, events[0].New)
	}
}

func TestTracker_PendingSwitchRestartsCount(t *testing.T) {
	tr := NewTracker(3, zap.NewNop())
	if events := feed(t, tr, "svc", observe.StateUp, observe.StateUp, observe.StateUp); len(events) != 1 {
		t.Fatal("setup: K=3 confirmation")
	}

	events := feed(t, tr, "svc",
		observe.StateDown, observe.StateDown, // 2 of 3
		observe.StateUp, // back to current: reset
		observe.StateDown, observe.StateDown, // only 2 of 3 again
	)
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
	if events := feed(t, tr, "svc", observe.StateDown); len(events) != 1 {
		t.Fatal("third consecutive read should confirm")
	}
}

func TestTracker_DuplicateLabelWithinTick(t *testing.T) {
	tr := NewTracker(2, zap.NewNop())
	base := time.Now().UTC()

	// "DB-Service" and "db service" resolve to the same identity; the
	// second observation in the same tick must be ignored.
	tr.BeginTick()
	tr.Observe("dbservice", "DB-Service", obsAt(observe.StateDown, base))
	tr.Observe("dbservice", "db service", obsAt(observe.StateDown, base))

	tr.BeginTick()
	ev := tr.Observe("dbservice", "DB-Service", obsAt(observe.StateDown, base.Add(time.Minute)))
	if ev == nil {
		t.Fatal("expected confirmation on second tick, got none")
	}
	if ev.Old != observe.StateUnknown || ev.New != observe.StateDown {
		t.Errorf("event = %s -> %s", ev.Old, ev.New)
	}
}

func TestTracker_SnapshotAndLen(t *testing.T) {
	tr := NewTracker(2, zap.NewNop())
	feed(t, tr, "b", observe.StateUp)
	feed(t, tr, "a", observe.StateDown)

	if tr.Len() != 2 {
		t.Fatalf("Len = %d, want 2", tr.Len())
	}
	snap := tr.Snapshot()
	if len(snap) != 2 || snap[0].Service != "a" || snap[1].Service != "b" {
		t.Errorf("snapshot not sorted: %+v", snap)
	}
	if snap[0].Current != observe.StateUnknown {
		t.Errorf("unconfirmed service should still be UNKNOWN, got %s", snap[0].Current)
	}
	if snap[0].PendingCount != 1 || snap[0].Pending != observe.StateDown {
		t.Errorf("pending fields = %+v", snap[0])
	}
}

func TestTracker_MarkAlerted(t *testing.T) {
	tr := NewTracker(2, zap.NewNop())
	feed(t, tr, "svc", observe.StateDown)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tr.MarkAlerted("svc", at)

	snap := tr.Snapshot()
	if snap[0].LastAlertAt == nil || !snap[0].LastAlertAt.Equal(at) {
		t.Errorf("LastAlertAt = %v, want %v", snap[0].LastAlertAt, at)
	}
}
