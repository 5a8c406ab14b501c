package auditlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Retention purges expired CSV buckets and store rows on a cron schedule.
type Retention struct {
	logger   *Logger
	store    *Store
	keepFor  time.Duration
	schedule cron.Schedule
	log      *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetention builds a retention job. spec is a standard five-field cron
// expression; keepFor is how long entries are retained. store may be nil.
func NewRetention(logger *Logger, store *Store, spec string, keepFor time.Duration, log *zap.Logger) (*Retention, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("parse retention schedule %q: %w", spec, err)
	}
	return &Retention{
		logger:   logger,
		store:    store,
		keepFor:  keepFor,
		schedule: sched,
		log:      log,
	}, nil
}

// Start launches the schedule loop. Safe to call once per instance.
func (r *Retention) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			next := r.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				r.RunOnce()
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight purge to finish.
func (r *Retention) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// RunOnce applies retention immediately.
func (r *Retention) RunOnce() {
	if r.keepFor <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-r.keepFor)

	files, err := r.logger.PurgeBuckets(cutoff)
	if err != nil {
		r.log.Warn("bucket purge failed", zap.Error(err))
	}

	var rows int64
	if r.store != nil {
		rows, err = r.store.Purge(r.keepFor)
		if err != nil {
			r.log.Warn("store purge failed", zap.Error(err))
		}
	}

	if files > 0 || rows > 0 {
		r.log.Info("retention applied",
			zap.Int("buckets_deleted", files),
			zap.Int64("rows_deleted", rows),
		)
	}
}
