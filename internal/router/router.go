// Package router creates envelopes and dispatches them to the right
// sink: agent inboxes (via the executor) or channel outbound delivery
// (via the bound adapter).
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/hiboss/internal/adapters"
	"github.com/nextlevelbuilder/hiboss/internal/address"
	"github.com/nextlevelbuilder/hiboss/internal/cron"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// AgentNotifier is the executor surface the router needs: a
// non-blocking "this agent may have work" signal.
type AgentNotifier interface {
	CheckAndRun(name string)
}

// CreatedListener is notified after an envelope is persisted, letting
// the scheduler re-arm its wake timer for future deliveries.
type CreatedListener interface {
	OnEnvelopeCreated(e envelope.Envelope)
}

// Router validates, persists, and dispatches envelopes.
type Router struct {
	store    *store.Store
	mat      *cron.Materializer
	registry *adapters.Registry
	exec     AgentNotifier
	logger   *slog.Logger

	listener CreatedListener
}

// New creates a Router. The scheduler attaches itself later via
// SetCreatedListener because the two are constructed in sequence.
func New(st *store.Store, mat *cron.Materializer, registry *adapters.Registry, exec AgentNotifier, logger *slog.Logger) *Router {
	return &Router{store: st, mat: mat, registry: registry, exec: exec, logger: logger}
}

// SetCreatedListener attaches the scheduler notification hook.
func (r *Router) SetCreatedListener(l CreatedListener) { r.listener = l }

// RouteInput is a validated-at-the-boundary envelope creation request.
// Principal resolution (from impersonation, from_boss) happens in the
// IPC layer; structural and binding validation happens here.
type RouteInput struct {
	From      address.Address
	To        address.Address
	FromBoss  bool
	Content   envelope.Content
	ReplyTo   string
	DeliverAt int64 // unix-ms UTC, 0 = immediate
	Metadata  envelope.Metadata
}

// RouteEnvelope validates and persists an envelope, then dispatches it
// when immediately due. Envelopes with a future deliver_at are only
// persisted; the scheduler picks them up at their wake time.
func (r *Router) RouteEnvelope(ctx context.Context, in RouteInput) (envelope.Envelope, error) {
	if in.From.IsZero() || in.To.IsZero() {
		return envelope.Envelope{}, fmt.Errorf("%w: from and to are required", store.ErrInvalidInput)
	}
	for _, a := range in.Content.Attachments {
		if !a.ValidSource() {
			return envelope.Envelope{}, fmt.Errorf("%w: attachment source %q must be an absolute path, URL, or telegram:file-id:<id>", store.ErrInvalidInput, a.Source)
		}
	}

	switch {
	case in.To.IsChannel():
		// Channels only receive from agents, and the sender agent must
		// hold a binding for the adapter even when the envelope was
		// boss-impersonated.
		if !in.From.IsAgent() {
			return envelope.Envelope{}, fmt.Errorf("%w: channel destinations require an agent sender", store.ErrInvalidInput)
		}
		if _, err := r.store.GetBinding(ctx, in.From.Agent, in.To.Adapter); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return envelope.Envelope{}, fmt.Errorf("%w: agent %q has no %s binding", store.ErrInvalidInput, in.From.Agent, in.To.Adapter)
			}
			return envelope.Envelope{}, err
		}
	case in.To.IsAgent():
		if _, err := r.store.GetAgent(ctx, in.To.Agent); err != nil {
			return envelope.Envelope{}, err
		}
	}

	e, err := r.store.CreateEnvelope(ctx, store.CreateEnvelopeInput{
		From:      in.From,
		To:        in.To,
		FromBoss:  in.FromBoss,
		Content:   in.Content,
		ReplyTo:   in.ReplyTo,
		DeliverAt: in.DeliverAt,
		Metadata:  in.Metadata,
	})
	if err != nil {
		return envelope.Envelope{}, err
	}

	if r.listener != nil {
		r.listener.OnEnvelopeCreated(e)
	}

	if e.IsDue(e.CreatedAt) {
		switch {
		case e.To.IsAgent():
			r.exec.CheckAndRun(e.To.Agent)
		case e.To.IsChannel():
			// Outbound delivery must not block the caller.
			go func() {
				if err := r.DeliverChannelEnvelope(context.Background(), e); err != nil {
					r.logger.Error("immediate channel delivery failed", "envelope", e.ShortID(), "error", err)
				}
			}()
		}
	}
	return e, nil
}

// DeliverChannelEnvelope sends one due channel envelope through the
// sender agent's bound adapter. The envelope terminates either way: an
// adapter failure is recorded as metadata.lastDeliveryError and the
// envelope still becomes done. Retry is an explicit caller concern,
// modeled as new envelopes.
func (r *Router) DeliverChannelEnvelope(ctx context.Context, e envelope.Envelope) error {
	deliveryErr := r.send(ctx, e)

	errText := ""
	if deliveryErr != nil {
		errText = deliveryErr.Error()
		r.logger.Warn("channel delivery failed, envelope terminated",
			"envelope", e.ShortID(), "to", e.To.String(), "error", errText)
	} else {
		r.logger.Info("channel delivery", "envelope", e.ShortID(), "to", e.To.String())
	}

	if _, err := r.mat.CompleteEnvelope(ctx, e.ID, errText); err != nil {
		return fmt.Errorf("terminate envelope %s: %w", e.ShortID(), err)
	}
	return nil
}

func (r *Router) send(ctx context.Context, e envelope.Envelope) error {
	if !e.From.IsAgent() {
		return fmt.Errorf("channel envelope has non-agent sender %q", e.From.String())
	}
	if _, err := r.store.GetBinding(ctx, e.From.Agent, e.To.Adapter); err != nil {
		return fmt.Errorf("sender binding: %w", err)
	}
	adapter, ok := r.registry.Get(e.To.Adapter)
	if !ok {
		return fmt.Errorf("adapter %q not running", e.To.Adapter)
	}
	return adapter.Send(ctx, e)
}

// HandleMissingAgent terminates all due pending envelopes addressed to
// an agent name that has no agent row, preventing unbounded retry.
func (r *Router) HandleMissingAgent(ctx context.Context, name string) {
	batch, err := r.store.PendingForAgent(ctx, name, 0)
	if err != nil {
		r.logger.Error("missing-agent sweep query failed", "agent", name, "error", err)
		return
	}
	for _, e := range batch {
		if _, err := r.mat.CompleteEnvelope(ctx, e.ID, fmt.Sprintf("agent %q not found", name)); err != nil {
			r.logger.Error("missing-agent terminate failed", "envelope", e.ShortID(), "error", err)
		}
	}
	if len(batch) > 0 {
		r.logger.Warn("terminated envelopes for missing agent", "agent", name, "count", len(batch))
	}
}

// ConsumePending explicitly acknowledges an agent's due pending inbox
// envelopes without a run (the "consume" listing operation). Returns
// the consumed snapshots.
func (r *Router) ConsumePending(ctx context.Context, agentName string, limit int) ([]envelope.Envelope, error) {
	batch, err := r.store.PendingForAgent(ctx, agentName, limit)
	if err != nil {
		return nil, err
	}
	out := make([]envelope.Envelope, 0, len(batch))
	for _, e := range batch {
		done, err := r.mat.CompleteEnvelope(ctx, e.ID, "")
		if err != nil {
			return out, err
		}
		out = append(out, done)
	}
	return out, nil
}

// DropPendingBatch marks the agent's due pending non-cron envelopes
// done. Used after /abort so the cancelled batch is not re-processed;
// cron-materialized envelopes stay pending so their schedule state
// remains consistent.
func (r *Router) DropPendingBatch(ctx context.Context, agentName, reason string) (int, error) {
	batch, err := r.store.PendingForAgent(ctx, agentName, 0)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, e := range batch {
		if e.Source() == envelope.SourceCron {
			continue
		}
		if _, err := r.mat.CompleteEnvelope(ctx, e.ID, reason); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, nil
}

// HandleInbound wraps a normalized platform message into an envelope
// addressed to the bound agent. Implements adapters.InboundHandler.
func (r *Router) HandleInbound(ctx context.Context, in adapters.Inbound) error {
	bossID, err := r.store.BossID(ctx, in.AdapterType)
	if err != nil {
		return err
	}

	meta := envelope.Metadata{}
	if in.SenderName != "" {
		meta.FromName = in.SenderName
	}
	if in.MessageID != "" {
		meta.Extra = map[string]string{"channelMessageId": in.MessageID}
	}

	_, err = r.RouteEnvelope(ctx, RouteInput{
		From:     address.ChannelAddr(in.AdapterType, in.ChatID),
		To:       address.AgentAddr(in.AgentName),
		FromBoss: bossID != "" && in.SenderID == bossID,
		Content:  envelope.Content{Text: in.Text, Attachments: in.Attachments},
		Metadata: meta,
	})
	return err
}
