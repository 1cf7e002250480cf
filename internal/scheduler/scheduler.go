// Package scheduler drives envelope delivery: a single tick loop that
// sweeps cron misfires at startup, delivers due channel envelopes,
// wakes agents with due inbox work, and sleeps until the next scheduled
// deliver_at.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/cron"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
	"github.com/nextlevelbuilder/hiboss/internal/router"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

const (
	// channelBatchLimit caps channel deliveries per tick.
	channelBatchLimit = 100

	// maxWake clamps the armed timer. Anything farther out is treated
	// as "wake in 24 days and re-evaluate".
	maxWake = 24 * 24 * time.Hour
)

// Scheduler owns the wake timer; nothing else touches it.
type Scheduler struct {
	store  *store.Store
	router *router.Router
	exec   router.AgentNotifier
	mat    *cron.Materializer
	logger *slog.Logger
	now    func() time.Time

	// notify coalesces external "an envelope was created" signals.
	notify chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock pins the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(st *store.Store, r *router.Router, exec router.AgentNotifier, mat *cron.Materializer, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:  st,
		router: r,
		exec:   exec,
		mat:    mat,
		logger: logger,
		now:    time.Now,
		notify: make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OnEnvelopeCreated re-evaluates the wake timer after an envelope is
// persisted. Non-blocking; signals coalesce.
func (s *Scheduler) OnEnvelopeCreated(e envelope.Envelope) {
	if e.DeliverAt == 0 {
		return // immediate envelopes were dispatched by the router
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Start runs the tick loop until ctx is cancelled. The first tick is
// the startup tick, which runs the cron misfire sweep before any
// delivery so downtime occurrences are skipped, not replayed.
func (s *Scheduler) Start(ctx context.Context) error {
	s.Tick(ctx, "startup")

	timer := time.NewTimer(s.nextWake(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.Tick(ctx, "timer")
		case <-s.notify:
			s.Tick(ctx, "notify")
		}
		timer.Stop()
		timer.Reset(s.nextWake(ctx))
	}
}

// Tick runs one scheduling pass. Exported for tests and for the
// startup sequence; reason is only logged.
func (s *Scheduler) Tick(ctx context.Context, reason string) {
	s.logger.Debug("scheduler tick", "reason", reason)

	if reason == "startup" {
		if err := s.mat.MisfireSweep(ctx); err != nil {
			s.logger.Error("misfire sweep failed", "error", err)
		}
	}

	// Due channel envelopes, in dispatch order.
	due, err := s.store.ListDueChannelEnvelopes(ctx, channelBatchLimit)
	if err != nil {
		s.logger.Error("due channel query failed", "error", err)
	}
	for _, e := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.router.DeliverChannelEnvelope(ctx, e); err != nil {
			s.logger.Error("channel delivery failed", "envelope", e.ShortID(), "error", err)
		}
	}

	// Agents with due inbox work. Missing agents get their envelopes
	// terminated so they cannot loop forever.
	names, err := s.store.ListAgentsWithDueEnvelopes(ctx)
	if err != nil {
		s.logger.Error("due agents query failed", "error", err)
	}
	for _, name := range names {
		if _, err := s.store.GetAgent(ctx, name); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.router.HandleMissingAgent(ctx, name)
				continue
			}
			s.logger.Error("agent lookup failed", "agent", name, "error", err)
			continue
		}
		s.exec.CheckAndRun(name)
	}
}

// nextWake computes how long to sleep: until the earliest future
// deliver_at, clamped to maxWake; or maxWake when nothing is scheduled
// (an external notification will wake us sooner).
func (s *Scheduler) nextWake(ctx context.Context) time.Duration {
	next, err := s.store.NextScheduledEnvelope(ctx)
	if err != nil {
		s.logger.Error("next scheduled query failed", "error", err)
		return time.Minute
	}
	if next == nil {
		return maxWake
	}
	d := time.UnixMilli(next.DeliverAt).Sub(s.now())
	if d < 0 {
		d = 0
	}
	if d > maxWake {
		d = maxWake
	}
	s.logger.Debug("scheduler armed", "envelope", next.ShortID(), "wake_in", d.Truncate(time.Millisecond))
	return d
}
