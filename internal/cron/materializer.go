// Package cron turns recurring schedules into envelopes. Each enabled
// schedule keeps exactly one materialized pending envelope whose
// deliver_at is the next fire time, strictly after now. Missed fires
// are skipped on startup, never replayed.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/hiboss/internal/address"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// Notify is called after a materialized envelope is committed so the
// scheduler can re-arm its wake timer.
type Notify func(e envelope.Envelope)

// Materializer owns cron schedule lifecycle and envelope advancement.
type Materializer struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
	notify Notify
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithClock pins the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Materializer) { m.now = now }
}

// WithNotify sets the post-commit envelope notification hook.
func WithNotify(fn Notify) Option {
	return func(m *Materializer) { m.notify = fn }
}

// New creates a Materializer.
func New(st *store.Store, logger *slog.Logger, opts ...Option) *Materializer {
	m := &Materializer{store: st, logger: logger, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetNotify attaches the post-commit hook after construction; the
// scheduler is built later in the wiring sequence.
func (m *Materializer) SetNotify(fn Notify) { m.notify = fn }

// Validate checks a cron expression and optional IANA timezone,
// normalizing errors to "Invalid cron: <expr> (<reason>)".
func Validate(expr, timezone string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("Invalid cron: %s (unparseable expression)", expr)
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("Invalid cron: %s (unknown timezone %q)", expr, timezone)
		}
	}
	return nil
}

// Explain returns the next count fire times for an expression, without
// touching any schedule. Pure except for the clock.
func Explain(expr, timezone string, count int, now time.Time) ([]time.Time, error) {
	if err := Validate(expr, timezone); err != nil {
		return nil, err
	}
	loc := time.UTC
	if timezone != "" {
		loc, _ = time.LoadLocation(timezone)
	}
	if count <= 0 {
		count = 3
	}

	fires := make([]time.Time, 0, count)
	ref := now.In(loc)
	for i := 0; i < count; i++ {
		next, err := gronx.NextTickAfter(expr, ref, false)
		if err != nil {
			return nil, fmt.Errorf("Invalid cron: %s (%v)", expr, err)
		}
		fires = append(fires, next)
		ref = next
	}
	return fires, nil
}

// effectiveLocation resolves the schedule's zone: explicit IANA zone or
// the boss default.
func (m *Materializer) effectiveLocation(ctx context.Context, c store.CronSchedule) (*time.Location, error) {
	if c.Timezone != "" {
		loc, err := time.LoadLocation(c.Timezone)
		if err != nil {
			return nil, fmt.Errorf("Invalid cron: %s (unknown timezone %q)", c.Expr, c.Timezone)
		}
		return loc, nil
	}
	return m.store.BossLocation(ctx)
}

// nextFire computes the schedule's next fire strictly after ref.
func nextFire(expr string, ref time.Time, loc *time.Location) (time.Time, error) {
	next, err := gronx.NextTickAfter(expr, ref.In(loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("Invalid cron: %s (%v)", expr, err)
	}
	return next, nil
}

// Create validates and persists a schedule, then materializes its first
// envelope in the same transaction.
func (m *Materializer) Create(ctx context.Context, c store.CronSchedule) (store.CronSchedule, error) {
	if err := Validate(c.Expr, c.Timezone); err != nil {
		return store.CronSchedule{}, err
	}
	if _, err := address.Parse(c.To); err != nil {
		return store.CronSchedule{}, err
	}
	c.Enabled = true

	loc, err := m.effectiveLocation(ctx, c)
	if err != nil {
		return store.CronSchedule{}, err
	}

	var created store.CronSchedule
	var materialized envelope.Envelope
	err = m.store.InTransaction(ctx, func(tx *store.Tx) error {
		created, err = tx.CreateCronSchedule(ctx, c)
		if err != nil {
			return err
		}
		materialized, err = m.materializeTx(ctx, tx, created, loc)
		return err
	})
	if err != nil {
		return store.CronSchedule{}, err
	}
	created.PendingEnvelopeID = materialized.ID

	if m.notify != nil {
		m.notify(materialized)
	}
	return created, nil
}

// materializeTx creates the schedule's next envelope and records it as
// pending, all inside tx.
func (m *Materializer) materializeTx(ctx context.Context, tx *store.Tx, c store.CronSchedule, loc *time.Location) (envelope.Envelope, error) {
	fire, err := nextFire(c.Expr, m.now(), loc)
	if err != nil {
		return envelope.Envelope{}, err
	}

	to, err := address.Parse(c.To)
	if err != nil {
		return envelope.Envelope{}, err
	}

	meta := envelope.Metadata{CronScheduleID: c.ID}
	for k, v := range c.Metadata {
		if meta.Extra == nil {
			meta.Extra = make(map[string]string)
		}
		meta.Extra[k] = v
	}

	e, err := tx.CreateEnvelope(ctx, store.CreateEnvelopeInput{
		From:      address.AgentAddr(address.ReservedAgentName),
		To:        to,
		Content:   envelope.Content{Text: c.Text, Attachments: c.Attachments},
		DeliverAt: fire.UnixMilli(),
		Metadata:  meta,
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := tx.SetPendingEnvelopeID(ctx, c.ID, e.ID); err != nil {
		return envelope.Envelope{}, err
	}

	m.logger.Debug("cron materialized",
		"schedule", envelope.ShortID(c.ID), "envelope", e.ShortID(),
		"fire", fire.UTC().Format(time.RFC3339))
	return e, nil
}

// CompleteEnvelope is the shared terminal transition used by the router
// and executor: it marks the envelope done and, when the envelope was
// materialized by a schedule, advances that schedule atomically in the
// same transaction.
func (m *Materializer) CompleteEnvelope(ctx context.Context, envelopeID, deliveryErr string) (envelope.Envelope, error) {
	var done, next envelope.Envelope
	err := m.store.InTransaction(ctx, func(tx *store.Tx) error {
		var err error
		done, err = tx.MarkEnvelopeDone(ctx, envelopeID, deliveryErr)
		if err != nil {
			return err
		}
		next, err = m.advanceTx(ctx, tx, done)
		return err
	})
	if err != nil {
		return envelope.Envelope{}, err
	}
	if next.ID != "" && m.notify != nil {
		m.notify(next)
	}
	return done, nil
}

// advanceTx materializes the next occurrence for the schedule that
// produced done, if the schedule is still enabled and done was its
// current pending envelope.
func (m *Materializer) advanceTx(ctx context.Context, tx *store.Tx, done envelope.Envelope) (envelope.Envelope, error) {
	scheduleID := done.Metadata.CronScheduleID
	if scheduleID == "" {
		return envelope.Envelope{}, nil
	}
	c, err := tx.GetCronScheduleExact(ctx, scheduleID)
	if errors.Is(err, store.ErrNotFound) {
		// Schedule deleted after materialization; nothing to advance.
		m.logger.Debug("cron advance skipped, schedule gone", "schedule", envelope.ShortID(scheduleID))
		return envelope.Envelope{}, nil
	}
	if err != nil {
		return envelope.Envelope{}, err
	}
	if !c.Enabled || c.PendingEnvelopeID != done.ID {
		return envelope.Envelope{}, nil
	}

	loc, err := m.effectiveLocation(ctx, c)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return m.materializeTx(ctx, tx, c, loc)
}

// Disable stops a schedule and cancels its pending materialized
// envelope so it is never delivered.
func (m *Materializer) Disable(ctx context.Context, scheduleID string) error {
	c, err := m.store.GetCronSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	return m.store.InTransaction(ctx, func(tx *store.Tx) error {
		if c.PendingEnvelopeID != "" {
			if _, err := tx.MarkEnvelopeDone(ctx, c.PendingEnvelopeID, "cancelled: schedule disabled"); err != nil {
				return err
			}
			if err := tx.SetPendingEnvelopeID(ctx, c.ID, ""); err != nil {
				return err
			}
		}
		return tx.SetCronEnabled(ctx, c.ID, false)
	})
}

// Enable re-enables a schedule and materializes its next occurrence.
func (m *Materializer) Enable(ctx context.Context, scheduleID string) error {
	c, err := m.store.GetCronSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	loc, err := m.effectiveLocation(ctx, c)
	if err != nil {
		return err
	}

	var materialized envelope.Envelope
	err = m.store.InTransaction(ctx, func(tx *store.Tx) error {
		if err := tx.SetCronEnabled(ctx, c.ID, true); err != nil {
			return err
		}
		if c.PendingEnvelopeID != "" {
			return nil // still has a live materialized envelope
		}
		materialized, err = m.materializeTx(ctx, tx, c, loc)
		return err
	})
	if err != nil {
		return err
	}
	if materialized.ID != "" && m.notify != nil {
		m.notify(materialized)
	}
	return nil
}

// Delete cancels the pending envelope and removes the schedule.
func (m *Materializer) Delete(ctx context.Context, scheduleID string) error {
	c, err := m.store.GetCronSchedule(ctx, scheduleID)
	if err != nil {
		return err
	}
	return m.store.InTransaction(ctx, func(tx *store.Tx) error {
		if c.PendingEnvelopeID != "" {
			if _, err := tx.MarkEnvelopeDone(ctx, c.PendingEnvelopeID, "cancelled: schedule deleted"); err != nil {
				return err
			}
		}
		return tx.DeleteCronSchedule(ctx, c.ID)
	})
}

// MisfireSweep runs once at startup, before the first delivery pass.
// Every enabled schedule whose materialized envelope became due while
// the daemon was down has that envelope marked done ("missed") and the
// schedule advanced strictly after now. Missed occurrences are skipped,
// never replayed.
func (m *Materializer) MisfireSweep(ctx context.Context) error {
	schedules, err := m.store.ListEnabledCronSchedules(ctx)
	if err != nil {
		return err
	}
	nowMS := m.now().UnixMilli()

	for _, c := range schedules {
		if c.PendingEnvelopeID == "" {
			continue
		}
		e, err := m.store.GetEnvelope(ctx, c.PendingEnvelopeID)
		if err != nil {
			m.logger.Warn("misfire sweep: pending envelope missing",
				"schedule", envelope.ShortID(c.ID), "envelope", envelope.ShortID(c.PendingEnvelopeID), "error", err)
			continue
		}
		if e.Status != envelope.StatusPending || !e.IsDue(nowMS) {
			continue
		}

		if _, err := m.CompleteEnvelope(ctx, e.ID, "missed: daemon was down at fire time"); err != nil {
			m.logger.Error("misfire sweep failed", "schedule", envelope.ShortID(c.ID), "error", err)
			continue
		}
		m.logger.Info("cron misfire skipped",
			"schedule", envelope.ShortID(c.ID), "missed_envelope", e.ShortID())
	}
	return nil
}
