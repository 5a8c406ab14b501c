// Package monitor runs the observation loop: poll the source, resolve
// service identities, advance the debounce tracker, and dispatch alerts
// for confirmed status changes.
package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/glasswatch/internal/auditlog"
	"github.com/marcus-qen/glasswatch/internal/metrics"
	"github.com/marcus-qen/glasswatch/internal/notify"
	"github.com/marcus-qen/glasswatch/internal/observe"
	"github.com/marcus-qen/glasswatch/internal/plan"
	"github.com/marcus-qen/glasswatch/internal/telemetry"
	"github.com/marcus-qen/glasswatch/internal/track"
)

// Loop drives the monitor. Ticks are strictly sequential: a tick finishes
// its dispatch and audit writes before the next one starts.
type Loop struct {
	source     observe.Source
	plans      *plan.Table
	tracker    *track.Tracker
	dispatcher *notify.Dispatcher
	audit      *auditlog.Logger
	metrics    *metrics.Set
	logger     *zap.Logger
	interval   time.Duration

	started      atomic.Bool
	completed    atomic.Uint64
	skipped      atomic.Uint64
	tickSeq      atomic.Uint64
	consecFailed int
}

// maxConsecutiveFailures is the point at which source failures stop looking
// transient. A dead capture pipeline should take the daemon down where an
// operator will notice, not skip ticks silently forever.
const maxConsecutiveFailures = 10

// New assembles the loop. audit and metrics may be nil in dry-run setups.
func New(
	source observe.Source,
	plans *plan.Table,
	tracker *track.Tracker,
	dispatcher *notify.Dispatcher,
	audit *auditlog.Logger,
	m *metrics.Set,
	interval time.Duration,
	logger *zap.Logger,
) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Loop{
		source:     source,
		plans:      plans,
		tracker:    tracker,
		dispatcher: dispatcher,
		audit:      audit,
		metrics:    m,
		logger:     logger,
		interval:   interval,
	}
}

// Started reports whether the loop has begun ticking.
func (l *Loop) Started() bool { return l.started.Load() }

// TickCounts returns completed and skipped tick totals.
func (l *Loop) TickCounts() (completed, skipped uint64) {
	return l.completed.Load(), l.skipped.Load()
}

// Run ticks until ctx is cancelled. The first tick runs immediately.
// A cancelled context stops the loop after the current tick finishes;
// Run then returns nil.
func (l *Loop) Run(ctx context.Context) error {
	l.started.Store(true)
	l.logger.Info("monitor loop starting", zap.Duration("interval", l.interval))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	if err := l.tick(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("monitor loop stopped",
				zap.Uint64("ticks_completed", l.completed.Load()),
				zap.Uint64("ticks_skipped", l.skipped.Load()),
			)
			return nil
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	seq := l.tickSeq.Add(1)
	ctx, tickSpan := telemetry.StartTickSpan(ctx, seq)
	defer tickSpan.End()

	pollCtx, pollSpan := telemetry.StartPollSpan(ctx)
	observations, err := l.source.Poll(pollCtx)
	telemetry.EndPollSpan(pollSpan, len(observations), err)
	if err != nil {
		// A failed capture says nothing about the services. Skip the
		// tick; tracked state is untouched.
		l.logger.Warn("observation source unavailable, skipping tick",
			zap.Uint64("tick", seq), zap.Error(err))
		l.skipped.Add(1)
		if l.metrics != nil {
			l.metrics.RecordTick(true)
		}
		l.consecFailed++
		if l.consecFailed >= maxConsecutiveFailures {
			return fmt.Errorf("observation source failed %d consecutive ticks: %w", l.consecFailed, err)
		}
		return nil
	}
	l.consecFailed = 0

	l.tracker.BeginTick()
	for _, obs := range observations {
		l.handleObservation(ctx, obs)
	}

	l.completed.Add(1)
	if l.metrics != nil {
		l.metrics.RecordTick(false)
		l.metrics.ServicesTracked.Set(float64(l.tracker.Len()))
	}
	l.logger.Debug("tick complete",
		zap.Uint64("tick", seq), zap.Int("observations", len(observations)))
	return nil
}

func (l *Loop) handleObservation(ctx context.Context, obs observe.Observation) {
	if l.metrics != nil {
		l.metrics.RecordObservation(string(obs.Color))
	}

	identity, err := plan.ResolveIdentity(obs.RawLabel)
	if err != nil {
		l.logger.Debug("unresolvable label dropped", zap.String("label", obs.RawLabel))
		return
	}

	event := l.tracker.Observe(identity, obs.RawLabel, obs)

	l.recordAudit(auditlog.Entry{
		Timestamp: obs.ObservedAt,
		Service:   identity,
		Status:    obs.Color,
	})

	if event == nil {
		return
	}

	l.logger.Info("status change confirmed",
		zap.String("service", string(event.Service)),
		zap.String("old", string(event.Old)),
		zap.String("new", string(event.New)),
	)
	if l.metrics != nil {
		l.metrics.RecordTransition(string(event.Service), string(event.New))
	}

	l.dispatch(ctx, *event)
}

func (l *Loop) dispatch(ctx context.Context, event track.StatusChanged) {
	p := l.plans.PlanFor(event.Service, event.DisplayLabel)

	dispatchCtx, span := telemetry.StartDispatchSpan(ctx, string(event.Service), string(event.New))
	start := time.Now()
	attempts := l.dispatcher.Dispatch(dispatchCtx, event, p)
	elapsed := time.Since(start)

	failures := 0
	delivered := false
	for _, a := range attempts {
		if a.Success {
			delivered = true
		} else {
			failures++
		}
		if l.metrics != nil {
			outcome := "sent"
			switch {
			case a.Channel == notify.ChannelNone:
				outcome = "suppressed"
			case !a.Success:
				outcome = "failed"
			}
			l.metrics.RecordAlert(string(a.Channel), outcome, elapsed)
		}
	}
	telemetry.EndDispatchSpan(span, len(attempts), failures)

	if delivered {
		l.tracker.MarkAlerted(event.Service, time.Now().UTC())
	}

	if l.audit != nil {
		if err := l.audit.RecordAttempts(attempts); err != nil && l.metrics != nil {
			l.metrics.LogWriteFailuresTotal.Inc()
		}
	}
}

func (l *Loop) recordAudit(entry auditlog.Entry) {
	if l.audit == nil {
		return
	}
	if err := l.audit.Record(entry); err != nil && l.metrics != nil {
		l.metrics.LogWriteFailuresTotal.Inc()
	}
}
