package ipc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/address"
	"github.com/nextlevelbuilder/hiboss/internal/auth"
	"github.com/nextlevelbuilder/hiboss/internal/cron"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
	"github.com/nextlevelbuilder/hiboss/internal/router"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// bossSenderAddr is the from address used when the boss sends without
// impersonating: the reserved background agent, flagged from_boss.
var bossSenderAddr = address.AgentAddr(address.ReservedAgentName)

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, invalidParams("malformed params: %v", err)
	}
	return v, nil
}

// agentView is an agent row with the token withheld.
type agentView struct {
	store.Agent
	Token string `json:"token,omitempty"`
}

func viewAgent(a store.Agent) agentView {
	v := agentView{Agent: a}
	v.Agent.Token = ""
	return v
}

func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ---- envelope.* ----

type envelopeSendParams struct {
	From        string                `json:"from,omitempty"`
	To          string                `json:"to"`
	Text        string                `json:"text,omitempty"`
	Attachments []envelope.Attachment `json:"attachments,omitempty"`
	ReplyTo     string                `json:"replyTo,omitempty"`
	DeliverAt   string                `json:"deliverAt,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
}

func (s *Server) handleEnvelopeSend(ctx context.Context, p auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[envelopeSendParams](params)
	if err != nil {
		return nil, err
	}
	to, err := address.Parse(in.To)
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	// Sender identity: agents speak as themselves unless privileged;
	// the boss speaks as the background agent unless impersonating.
	var from address.Address
	switch {
	case in.From == "":
		if p.Boss {
			from = bossSenderAddr
		} else {
			from = address.AgentAddr(p.Agent.Name)
		}
	default:
		from, err = address.Parse(in.From)
		if err != nil {
			return nil, invalidParams("%v", err)
		}
		if !p.Privileged() && (p.Agent == nil || from.String() != address.AgentAddr(p.Agent.Name).String()) {
			return nil, fmt.Errorf("%w: impersonating %q requires a privileged sender", auth.ErrUnauthorized, in.From)
		}
	}

	if err := envelope.ValidateUserMetadata(in.Metadata, p.Privileged()); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	meta := envelope.Metadata{}
	for k, v := range in.Metadata {
		if k == envelope.MetaFromName {
			meta.FromName = v
			continue
		}
		if meta.Extra == nil {
			meta.Extra = make(map[string]string)
		}
		meta.Extra[k] = v
	}

	var deliverAt int64
	if in.DeliverAt != "" {
		loc, err := s.store.BossLocation(ctx)
		if err != nil {
			return nil, err
		}
		deliverAt, err = address.ParseDeliverAt(in.DeliverAt, s.now(), loc)
		if err != nil {
			return nil, invalidParams("%v", err)
		}
	}

	e, err := s.router.RouteEnvelope(ctx, router.RouteInput{
		From:      from,
		To:        to,
		FromBoss:  p.Boss,
		Content:   envelope.Content{Text: in.Text, Attachments: in.Attachments},
		ReplyTo:   in.ReplyTo,
		DeliverAt: deliverAt,
		Metadata:  meta,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

type envelopeListParams struct {
	Address string `json:"address"`
	Box     string `json:"box,omitempty"` // inbox (default) | outbox
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Consume bool   `json:"consume,omitempty"`
}

func (s *Server) handleEnvelopeList(ctx context.Context, p auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[envelopeListParams](params)
	if err != nil {
		return nil, err
	}
	addr, err := address.Parse(in.Address)
	if err != nil {
		return nil, invalidParams("%v", err)
	}

	if in.Consume {
		// Consuming acknowledges due pending inbox work without a run.
		// Only the owning agent (or the boss) may do that.
		if !addr.IsAgent() {
			return nil, invalidParams("consume requires an agent address")
		}
		if !p.Boss && (p.Agent == nil || p.Agent.Name != addr.Agent) {
			return nil, fmt.Errorf("%w: only agent %q may consume its inbox", auth.ErrUnauthorized, addr.Agent)
		}
		return s.router.ConsumePending(ctx, addr.Agent, in.Limit)
	}

	box := store.BoxInbox
	switch in.Box {
	case "", "inbox":
	case "outbox":
		box = store.BoxOutbox
	default:
		return nil, invalidParams("box must be inbox or outbox, got %q", in.Box)
	}
	var status envelope.Status
	switch in.Status {
	case "":
	case string(envelope.StatusPending), string(envelope.StatusDone):
		status = envelope.Status(in.Status)
	default:
		return nil, invalidParams("status must be pending or done, got %q", in.Status)
	}
	return s.store.ListEnvelopes(ctx, store.ListFilter{
		Address: addr,
		Box:     box,
		Status:  status,
		Limit:   in.Limit,
	})
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Server) handleEnvelopeGet(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[idParams](params)
	if err != nil {
		return nil, err
	}
	return s.store.GetEnvelope(ctx, in.ID)
}

// ---- cron.* ----

type cronCreateParams struct {
	Agent       string                `json:"agent,omitempty"` // default: the calling agent
	Cron        string                `json:"cron"`
	Timezone    string                `json:"timezone,omitempty"`
	To          string                `json:"to"`
	Text        string                `json:"text,omitempty"`
	Attachments []envelope.Attachment `json:"attachments,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
}

func (s *Server) handleCronCreate(ctx context.Context, p auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[cronCreateParams](params)
	if err != nil {
		return nil, err
	}
	owner := in.Agent
	if owner == "" {
		if p.Agent == nil {
			return nil, invalidParams("agent is required for boss-created schedules")
		}
		owner = p.Agent.Name
	}
	if _, err := s.store.GetAgent(ctx, owner); err != nil {
		return nil, err
	}
	if _, err := address.Parse(in.To); err != nil {
		return nil, invalidParams("%v", err)
	}
	if err := envelope.ValidateUserMetadata(in.Metadata, p.Privileged()); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	return s.mat.Create(ctx, store.CronSchedule{
		AgentName:   owner,
		Expr:        in.Cron,
		Timezone:    in.Timezone,
		Enabled:     true,
		To:          in.To,
		Text:        in.Text,
		Attachments: in.Attachments,
		Metadata:    in.Metadata,
	})
}

type cronListParams struct {
	Agent string `json:"agent,omitempty"`
}

func (s *Server) handleCronList(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[cronListParams](params)
	if err != nil {
		return nil, err
	}
	return s.store.ListCronSchedules(ctx, in.Agent)
}

func (s *Server) handleCronEnable(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[idParams](params)
	if err != nil {
		return nil, err
	}
	sched, err := s.store.GetCronSchedule(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if err := s.mat.Enable(ctx, sched.ID); err != nil {
		return nil, err
	}
	return s.store.GetCronSchedule(ctx, sched.ID)
}

func (s *Server) handleCronDisable(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[idParams](params)
	if err != nil {
		return nil, err
	}
	sched, err := s.store.GetCronSchedule(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if err := s.mat.Disable(ctx, sched.ID); err != nil {
		return nil, err
	}
	return s.store.GetCronSchedule(ctx, sched.ID)
}

func (s *Server) handleCronDelete(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[idParams](params)
	if err != nil {
		return nil, err
	}
	sched, err := s.store.GetCronSchedule(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if err := s.mat.Delete(ctx, sched.ID); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": sched.ID}, nil
}

type cronExplainParams struct {
	Cron     string `json:"cron"`
	Timezone string `json:"timezone,omitempty"`
	Count    int    `json:"count,omitempty"`
}

func (s *Server) handleCronExplain(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[cronExplainParams](params)
	if err != nil {
		return nil, err
	}
	if in.Count <= 0 {
		in.Count = 5
	}
	tz := in.Timezone
	if tz == "" {
		loc, err := s.store.BossLocation(ctx)
		if err != nil {
			return nil, err
		}
		tz = loc.String()
	}
	fires, err := cron.Explain(in.Cron, tz, in.Count, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalidInput, err)
	}
	out := make([]string, len(fires))
	for i, t := range fires {
		out[i] = t.Format(time.RFC3339)
	}
	return map[string]any{"cron": in.Cron, "timezone": tz, "next": out}, nil
}

// ---- agent.* ----

type agentRegisterParams struct {
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	Workspace       string `json:"workspace,omitempty"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	AutoLevel       string `json:"autoLevel,omitempty"`
	Permission      string `json:"permission,omitempty"`
}

func (s *Server) handleAgentRegister(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[agentRegisterParams](params)
	if err != nil {
		return nil, err
	}
	if in.Permission != "" {
		if _, err := auth.ParseLevel(in.Permission); err != nil {
			return nil, err
		}
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	a, err := s.store.CreateAgent(ctx, store.Agent{
		Name:            in.Name,
		Token:           token,
		Description:     in.Description,
		Workspace:       in.Workspace,
		Model:           in.Model,
		ReasoningEffort: in.ReasoningEffort,
		AutoLevel:       in.AutoLevel,
		Permission:      in.Permission,
	})
	if err != nil {
		return nil, err
	}
	// The token is revealed exactly once, at registration.
	return a, nil
}

type agentSetParams struct {
	Agent           string  `json:"agent"`
	Description     *string `json:"description,omitempty"`
	Workspace       *string `json:"workspace,omitempty"`
	Model           *string `json:"model,omitempty"`
	ReasoningEffort *string `json:"reasoningEffort,omitempty"`
	AutoLevel       *string `json:"autoLevel,omitempty"`
	Permission      *string `json:"permission,omitempty"`
}

func (s *Server) handleAgentSet(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[agentSetParams](params)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAgent(ctx, in.Agent)
	if err != nil {
		return nil, err
	}
	if in.Description != nil {
		a.Description = *in.Description
	}
	if in.Workspace != nil {
		a.Workspace = *in.Workspace
	}
	if in.Model != nil {
		a.Model = *in.Model
	}
	if in.ReasoningEffort != nil {
		a.ReasoningEffort = *in.ReasoningEffort
	}
	if in.AutoLevel != nil {
		a.AutoLevel = *in.AutoLevel
	}
	if in.Permission != nil {
		if _, err := auth.ParseLevel(*in.Permission); err != nil {
			return nil, err
		}
		a.Permission = *in.Permission
	}
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	return viewAgent(a), nil
}

func (s *Server) handleAgentList(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]agentView, len(agents))
	for i, a := range agents {
		out[i] = viewAgent(a)
	}
	return out, nil
}

type agentNameParams struct {
	Agent string `json:"agent"`
}

func (s *Server) handleAgentStatus(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[agentNameParams](params)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAgent(ctx, in.Agent)
	if err != nil {
		return nil, err
	}
	due, err := s.store.CountDuePendingForAgent(ctx, a.Name)
	if err != nil {
		return nil, err
	}
	current, err := s.store.GetCurrentRunning(ctx, a.Name)
	if err != nil {
		return nil, err
	}
	last, err := s.store.GetLastFinished(ctx, a.Name)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"agent":       viewAgent(a),
		"busy":        s.exec.IsBusy(a.Name),
		"due_pending": due,
		"current_run": current,
		"last_run":    last,
	}, nil
}

func (s *Server) handleAgentDelete(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[agentNameParams](params)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAgent(ctx, in.Agent)
	if err != nil {
		return nil, err
	}
	s.exec.AbortCurrentRun(a.Name, "agent deleted")
	if err := s.store.DeleteAgent(ctx, a.Name); err != nil {
		return nil, err
	}
	if s.agentHome != nil {
		if home := s.agentHome(a.Name); home != "" {
			if err := os.RemoveAll(home); err != nil {
				s.logger.Warn("agent home cleanup failed", "agent", a.Name, "error", err)
			}
		}
	}
	return map[string]any{"deleted": a.Name}, nil
}

type bindParams struct {
	Agent        string `json:"agent"`
	Adapter      string `json:"adapter"`
	AdapterToken string `json:"adapterToken"`
}

func (s *Server) handleAgentBind(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[bindParams](params)
	if err != nil {
		return nil, err
	}
	if in.Adapter == "" || in.AdapterToken == "" {
		return nil, invalidParams("adapter and adapterToken are required")
	}
	if _, err := s.store.GetAgent(ctx, in.Agent); err != nil {
		return nil, err
	}
	if err := s.store.CreateBinding(ctx, store.Binding{
		AgentName:    in.Agent,
		AdapterType:  in.Adapter,
		AdapterToken: in.AdapterToken,
	}); err != nil {
		return nil, err
	}
	return map[string]any{"agent": in.Agent, "adapter": in.Adapter}, nil
}

type unbindParams struct {
	Agent   string `json:"agent"`
	Adapter string `json:"adapter"`
}

func (s *Server) handleAgentUnbind(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[unbindParams](params)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteBinding(ctx, in.Agent, in.Adapter); err != nil {
		return nil, err
	}
	return map[string]any{"agent": in.Agent, "adapter": in.Adapter}, nil
}

type refreshParams struct {
	Agent  string `json:"agent,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleAgentRefresh(ctx context.Context, p auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[refreshParams](params)
	if err != nil {
		return nil, err
	}
	name := in.Agent
	if name == "" && p.Agent != nil {
		name = p.Agent.Name
	}
	if name == "" {
		return nil, invalidParams("agent is required")
	}
	if _, err := s.store.GetAgent(ctx, name); err != nil {
		return nil, err
	}
	reason := in.Reason
	if reason == "" {
		reason = "manual"
	}
	if err := s.exec.RequestSessionRefresh(ctx, name, reason); err != nil {
		return nil, err
	}
	return map[string]any{"agent": name, "reason": reason}, nil
}

type abortParams struct {
	Agent  string `json:"agent"`
	Reason string `json:"reason,omitempty"`
	Drop   bool   `json:"drop,omitempty"` // also drop the due non-cron batch
}

func (s *Server) handleAgentAbort(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[abortParams](params)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetAgent(ctx, in.Agent); err != nil {
		return nil, err
	}
	reason := in.Reason
	if reason == "" {
		reason = "aborted"
	}
	cancelled := s.exec.AbortCurrentRun(in.Agent, reason)
	dropped := 0
	if in.Drop {
		dropped, err = s.router.DropPendingBatch(ctx, in.Agent, reason)
		if err != nil {
			return nil, err
		}
	}
	return map[string]any{"cancelled": cancelled, "dropped": dropped}, nil
}

func (s *Server) handleAgentSelf(ctx context.Context, p auth.Principal, params json.RawMessage) (any, error) {
	if p.Agent == nil {
		return nil, invalidParams("self requires an agent principal")
	}
	a, err := s.store.GetAgent(ctx, p.Agent.Name)
	if err != nil {
		return nil, err
	}
	return viewAgent(a), nil
}

type sessionPolicyParams struct {
	Agent            string  `json:"agent"`
	DailyResetAt     *string `json:"dailyResetAt,omitempty"` // "HH:MM", "" clears
	IdleTimeout      *string `json:"idleTimeout,omitempty"`  // Go duration, "" clears
	MaxContextLength *int    `json:"maxContextLength,omitempty"`
}

func (s *Server) handleSessionPolicySet(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[sessionPolicyParams](params)
	if err != nil {
		return nil, err
	}
	a, err := s.store.GetAgent(ctx, in.Agent)
	if err != nil {
		return nil, err
	}
	if in.DailyResetAt != nil {
		if *in.DailyResetAt != "" {
			if _, err := time.Parse("15:04", *in.DailyResetAt); err != nil {
				return nil, invalidParams("dailyResetAt must be HH:MM, got %q", *in.DailyResetAt)
			}
		}
		a.DailyResetAt = *in.DailyResetAt
	}
	if in.IdleTimeout != nil {
		if *in.IdleTimeout == "" {
			a.IdleTimeoutMS = 0
		} else {
			d, err := time.ParseDuration(*in.IdleTimeout)
			if err != nil || d < 0 {
				return nil, invalidParams("idleTimeout must be a non-negative duration, got %q", *in.IdleTimeout)
			}
			a.IdleTimeoutMS = d.Milliseconds()
		}
	}
	if in.MaxContextLength != nil {
		if *in.MaxContextLength < 0 {
			return nil, invalidParams("maxContextLength must be non-negative")
		}
		a.MaxContextLen = *in.MaxContextLength
	}
	if err := s.store.UpdateAgent(ctx, a); err != nil {
		return nil, err
	}
	return viewAgent(a), nil
}

// ---- daemon.* ----

func (s *Server) handleDaemonStatus(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"pid":       os.Getpid(),
		"uptime_ms": s.now().Sub(s.startedAt).Milliseconds(),
		"socket":    s.socketPath,
		"agents":    len(agents),
		"adapters":  s.registry.Types(),
	}, nil
}

func (s *Server) handleDaemonPing(context.Context, auth.Principal, json.RawMessage) (any, error) {
	return map[string]any{"pong": true}, nil
}

func (s *Server) handleDaemonTime(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	loc, err := s.store.BossLocation(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	return map[string]any{
		"unix_ms":  now.UnixMilli(),
		"local":    now.In(loc).Format(time.RFC3339),
		"timezone": loc.String(),
	}, nil
}

// ---- boss.verify / reaction.set ----

type bossVerifyParams struct {
	BossToken string `json:"bossToken"`
}

func (s *Server) handleBossVerify(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[bossVerifyParams](params)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.VerifyBoss(ctx, in.BossToken)
	if err != nil {
		return nil, err
	}
	return map[string]any{"valid": ok}, nil
}

type reactionParams struct {
	Adapter   string `json:"adapter"`
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"` // base36 or dec:<n>
	Emoji     string `json:"emoji"`
}

func (s *Server) handleReactionSet(ctx context.Context, _ auth.Principal, params json.RawMessage) (any, error) {
	in, err := decode[reactionParams](params)
	if err != nil {
		return nil, err
	}
	adapter, ok := s.registry.Get(in.Adapter)
	if !ok {
		return nil, fmt.Errorf("adapter %q: %w", in.Adapter, store.ErrNotFound)
	}
	if err := adapter.React(ctx, in.ChatID, in.MessageID, in.Emoji); err != nil {
		return nil, err
	}
	return map[string]any{"ok": true}, nil
}
