package notify

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/marcus-qen/glasswatch/internal/observe"
	"github.com/marcus-qen/glasswatch/internal/plan"
	"github.com/marcus-qen/glasswatch/internal/track"
)

const (
	defaultRetryBackoff = 5 * time.Second
	defaultSendTimeout  = 30 * time.Second
)

// Attempt is the immutable record of one delivery try for one channel.
// Written once, never updated.
type Attempt struct {
	ID         string             `json:"id"`
	Timestamp  time.Time          `json:"timestamp"`
	Service    plan.Identity      `json:"service"`
	Status     observe.ColorState `json:"status"`
	Channel    ChannelType        `json:"channel"`
	Recipients []string           `json:"recipients,omitempty"`
	Success    bool               `json:"success"`
	Err        string             `json:"error,omitempty"`
}

// Options tunes dispatcher behavior.
type Options struct {
	// NotifyOnRecover sends a "recovered" notice on UP transitions using
	// the same plan and channel logic. Default off: DOWN-only alerting.
	NotifyOnRecover bool

	// RetryBackoff is the pause before the single per-channel retry.
	RetryBackoff time.Duration

	// SendTimeout bounds each channel send so a stop request is never
	// blocked behind a wedged transport.
	SendTimeout time.Duration
}

// Dispatcher executes a notification plan for a confirmed status change.
// It is invoked exactly once per emitted event; it never reaches back into
// tracker state.
type Dispatcher struct {
	email    Channel
	whatsapp Channel
	groups   Channel
	limiter  *RateLimiter
	opts     Options
	log      logr.Logger

	// test seam; defaults to time.Sleep-with-context
	sleep func(ctx context.Context, d time.Duration)
}

// NewDispatcher creates a dispatcher over the given channels. Any channel
// may be nil; plans are simply never routed to it.
func NewDispatcher(email, whatsapp, groups Channel, limiter *RateLimiter, opts Options, log logr.Logger) *Dispatcher {
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	return &Dispatcher{
		email:    email,
		whatsapp: whatsapp,
		groups:   groups,
		limiter:  limiter,
		opts:     opts,
		log:      log,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

type task struct {
	channel    Channel
	recipients []string
}

// Dispatch sends the alert for event on every configured channel with
// recipients in the plan. Channels run concurrently and are isolated: one
// failing transport never prevents attempts on the others. Each channel
// gets one retry after a short backoff; a second failure is recorded as an
// unsuccessful attempt, not an error — the state has already transitioned.
func (d *Dispatcher) Dispatch(ctx context.Context, event track.StatusChanged, p plan.Plan) []Attempt {
	now := time.Now().UTC()

	if event.New == observe.StateUp && !d.opts.NotifyOnRecover {
		d.log.V(1).Info("recovery alert suppressed by policy", "service", string(event.Service))
		return []Attempt{d.noneAttempt(event, now, "recovery alerts disabled")}
	}

	if d.limiter != nil && !d.limiter.Allow(event.Service) {
		d.log.Info("alert rate-limited", "service", string(event.Service))
		return []Attempt{d.noneAttempt(event, now, "rate limited")}
	}

	msg := Message{
		Service:      event.Service,
		DisplayLabel: event.DisplayLabel,
		Status:       event.New,
		OldStatus:    event.Old,
		Timestamp:    event.ObservedAt,
	}

	var tasks []task
	if d.email != nil && len(p.Email) > 0 {
		tasks = append(tasks, task{d.email, p.Email})
	}
	if d.whatsapp != nil && len(p.WhatsApp) > 0 {
		tasks = append(tasks, task{d.whatsapp, p.WhatsApp})
	}
	if d.groups != nil && len(p.WhatsAppGroups) > 0 {
		ids := make([]string, 0, len(p.WhatsAppGroups))
		for _, link := range p.WhatsAppGroups {
			ids = append(ids, GroupID(link))
		}
		tasks = append(tasks, task{d.groups, ids})
	}

	if len(tasks) == 0 {
		d.log.Info("no recipients on any channel", "service", string(event.Service),
			"defaultFallback", p.IsDefaultFallback)
		return []Attempt{d.noneAttempt(event, now, "no recipients configured")}
	}

	attempts := make([]Attempt, len(tasks))
	var wg sync.WaitGroup
	for i, tk := range tasks {
		wg.Add(1)
		go func(i int, tk task) {
			defer wg.Done()
			attempts[i] = d.sendWithRetry(ctx, tk, msg, event)
		}(i, tk)
	}
	wg.Wait()

	sort.Slice(attempts, func(i, j int) bool { return attempts[i].Channel < attempts[j].Channel })
	return attempts
}

func (d *Dispatcher) sendWithRetry(ctx context.Context, tk task, msg Message, event track.StatusChanged) Attempt {
	attempt := Attempt{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC(),
		Service:    event.Service,
		Status:     event.New,
		Channel:    tk.channel.Type(),
		Recipients: append([]string(nil), tk.recipients...),
	}

	err := d.sendOnce(ctx, tk, msg)
	if err != nil && ctx.Err() == nil {
		d.log.Info("channel send failed, retrying",
			"channel", string(tk.channel.Type()),
			"service", string(event.Service),
			"error", err.Error(),
		)
		d.sleep(ctx, d.opts.RetryBackoff)
		if ctx.Err() == nil {
			err = d.sendOnce(ctx, tk, msg)
		}
	}

	if err != nil {
		attempt.Err = err.Error()
		d.log.Error(err, "channel delivery failed",
			"channel", string(tk.channel.Type()),
			"service", string(event.Service),
		)
		return attempt
	}

	attempt.Success = true
	d.log.Info("alert sent",
		"channel", string(tk.channel.Type()),
		"service", string(event.Service),
		"status", string(event.New),
		"recipients", len(tk.recipients),
	)
	return attempt
}

func (d *Dispatcher) sendOnce(ctx context.Context, tk task, msg Message) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.opts.SendTimeout)
	defer cancel()
	return tk.channel.Send(sendCtx, msg, tk.recipients)
}

func (d *Dispatcher) noneAttempt(event track.StatusChanged, now time.Time, reason string) Attempt {
	return Attempt{
		ID:        uuid.NewString(),
		Timestamp: now,
		Service:   event.Service,
		Status:    event.New,
		Channel:   ChannelNone,
		Success:   false,
		Err:       reason,
	}
}

// --- Rate limiter ---

// RateLimiter bounds alerts per service per hour. A camera pointed at a
// flapping dashboard should not page anyone a hundred times.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[plan.Identity][]time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter allowing maxPerHour alerts per service.
// maxPerHour <= 0 disables limiting.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[plan.Identity][]time.Time),
		now:        time.Now,
	}
}

// Allow reports whether the service is within its alert budget, and counts
// the alert if so.
func (rl *RateLimiter) Allow(service plan.Identity) bool {
	if rl.maxPerHour <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-1 * time.Hour)

	recent := rl.counts[service][:0]
	for _, t := range rl.counts[service] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		rl.counts[service] = recent
		return false
	}

	rl.counts[service] = append(recent, now)
	return true
}
