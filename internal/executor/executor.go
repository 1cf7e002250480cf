// Package executor owns per-agent provider sessions and the
// single-flight run contract: at most one run per agent is ever in
// flight, and signals arriving during a run coalesce into one re-check.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/cron"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
	"github.com/nextlevelbuilder/hiboss/internal/provider"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// batchLimit caps the envelopes consumed per run turn.
const batchLimit = 50

// RefreshReasonNew is the manual /new refresh reason; it also clears
// the persisted session handle.
const RefreshReasonNew = "command:/new"

// Executor coordinates per-agent execution. Sessions and locks live
// only in memory; delivery state lives in the store, so nothing is lost
// across restarts.
type Executor struct {
	store    *store.Store
	mat      *cron.Materializer
	provider provider.Provider
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	agents map[string]*agentState
	closed bool
}

// agentState is the per-agent coordination block. All fields are
// guarded by mu.
type agentState struct {
	mu sync.Mutex

	busy    bool
	recheck bool // another check requested while a run was in flight

	pendingRefresh string // refresh reason to apply before the next run
	cancel         context.CancelFunc

	session            provider.Session
	sessionCreatedAt   time.Time
	lastRunCompletedAt time.Time
	staleAfterRun      bool // max-context rule tripped on the last run
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock pins the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(x *Executor) { x.now = now }
}

// New creates an Executor.
func New(st *store.Store, mat *cron.Materializer, prov provider.Provider, logger *slog.Logger, opts ...Option) *Executor {
	x := &Executor{
		store:    st,
		mat:      mat,
		provider: prov,
		logger:   logger,
		now:      time.Now,
		agents:   make(map[string]*agentState),
	}
	for _, o := range opts {
		o(x)
	}
	return x
}

func (x *Executor) state(name string) *agentState {
	x.mu.Lock()
	defer x.mu.Unlock()
	st, ok := x.agents[name]
	if !ok {
		st = &agentState{}
		x.agents[name] = st
	}
	return st
}

// CheckAndRun asks the executor to process the agent's due inbox.
// Non-blocking: when a run is already in flight the request coalesces
// into a single re-check after that run finishes.
func (x *Executor) CheckAndRun(name string) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.mu.Unlock()

	st := x.state(name)
	st.mu.Lock()
	if st.busy {
		st.recheck = true
		st.mu.Unlock()
		return
	}
	st.busy = true
	st.mu.Unlock()

	go x.runLoop(name, st)
}

// runLoop holds the single-flight slot for the agent, running until no
// re-check is pending.
func (x *Executor) runLoop(name string, st *agentState) {
	for {
		x.runOnce(context.Background(), name, st)

		st.mu.Lock()
		if st.recheck {
			st.recheck = false
			st.mu.Unlock()
			continue
		}
		st.busy = false
		st.mu.Unlock()
		return
	}
}

// runOnce performs one run: refresh the session if policy demands,
// consume the due batch, invoke the provider, and settle envelope and
// audit state.
func (x *Executor) runOnce(ctx context.Context, name string, st *agentState) {
	agent, err := x.store.GetAgent(ctx, name)
	if err != nil {
		x.logger.Warn("executor: agent lookup failed", "agent", name, "error", err)
		return
	}

	batch, err := x.store.PendingForAgent(ctx, name, batchLimit)
	if err != nil {
		x.logger.Error("executor: pending query failed", "agent", name, "error", err)
		return
	}
	if len(batch) == 0 {
		return
	}

	sess, err := x.ensureSession(ctx, st, agent)
	if err != nil {
		x.logger.Error("executor: session open failed", "agent", name, "error", err)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()
	defer func() {
		cancel()
		st.mu.Lock()
		st.cancel = nil
		st.mu.Unlock()
	}()

	audit, err := x.store.StartRun(ctx, name)
	if err != nil {
		x.logger.Error("executor: start run failed", "agent", name, "error", err)
		return
	}

	x.logger.Info("run started", "agent", name, "run", envelope.ShortID(audit.ID), "envelopes", len(batch))

	result, err := sess.Run(runCtx, renderTurn(batch))
	if err != nil {
		// Failed runs leave envelopes pending so the next run retries them.
		if errors.Is(runCtx.Err(), context.Canceled) {
			x.store.CancelRun(ctx, audit.ID, err.Error())
			x.logger.Warn("run cancelled", "agent", name, "run", envelope.ShortID(audit.ID))
		} else {
			x.store.FailRun(ctx, audit.ID, err.Error())
			x.logger.Error("run failed", "agent", name, "run", envelope.ShortID(audit.ID), "error", err)
		}
		return
	}

	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}

	contextLength := 0
	if result.Usage != nil {
		contextLength = result.Usage.ContextLength
	}
	if err := x.store.CompleteRun(ctx, audit.ID, ids, result.Response, contextLength); err != nil {
		x.logger.Error("executor: complete run failed", "agent", name, "error", err)
	}

	// Terminal transitions advance any cron schedules atomically.
	for _, e := range batch {
		if _, err := x.mat.CompleteEnvelope(ctx, e.ID, ""); err != nil {
			x.logger.Error("executor: envelope completion failed",
				"agent", name, "envelope", e.ShortID(), "error", err)
		}
	}

	// Persist the resume handle snapshot after a successful run.
	if h := sess.Handle(); h != "" {
		if err := x.store.SetAgentSessionHandle(ctx, name, h); err != nil {
			x.logger.Warn("executor: persist session handle failed", "agent", name, "error", err)
		}
	}

	st.mu.Lock()
	st.lastRunCompletedAt = x.now()
	// Max-context rule: evaluated after a successful run, and only when
	// the provider actually reported usage.
	if contextLength > 0 && agent.MaxContextLen > 0 && contextLength > agent.MaxContextLen {
		st.staleAfterRun = true
	}
	st.mu.Unlock()

	x.logger.Info("run completed", "agent", name, "run", envelope.ShortID(audit.ID),
		"envelopes", len(batch), "context_length", contextLength)
}

// ensureSession returns a usable session for the agent, refreshing per
// policy. Resume from the persisted handle is best-effort; failure
// falls back to a fresh session and never blocks delivery.
func (x *Executor) ensureSession(ctx context.Context, st *agentState, agent store.Agent) (provider.Session, error) {
	st.mu.Lock()
	reason := st.pendingRefresh
	st.pendingRefresh = ""
	if reason == "" {
		reason = x.refreshReasonLocked(ctx, st, agent)
	}
	current := st.session
	st.mu.Unlock()

	if current != nil && reason == "" {
		return current, nil
	}

	if current != nil {
		x.logger.Info("session refresh", "agent", agent.Name, "reason", reason)
		if err := current.Close(); err != nil {
			x.logger.Warn("session close failed", "agent", agent.Name, "error", err)
		}
	}

	cfg := provider.SessionConfig{
		AgentName:       agent.Name,
		Workspace:       agent.Workspace,
		Model:           agent.Model,
		ReasoningEffort: agent.ReasoningEffort,
		AutoLevel:       agent.AutoLevel,
	}

	var sess provider.Session
	var err error
	if handle := agent.SessionHandle(); handle != "" && reason != RefreshReasonNew {
		sess, err = x.provider.Resume(ctx, cfg, handle)
		if err != nil {
			x.logger.Warn("session resume failed, opening fresh", "agent", agent.Name, "error", err)
			sess = nil
		}
	}
	if sess == nil {
		sess, err = x.provider.Open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open session: %w", err)
		}
	}

	st.mu.Lock()
	st.session = sess
	st.sessionCreatedAt = x.now()
	st.staleAfterRun = false
	st.mu.Unlock()
	return sess, nil
}

// RequestSessionRefresh records a refresh to apply before the next run;
// when the agent is idle it triggers a check immediately. The /new
// reason also clears the persisted resume handle.
func (x *Executor) RequestSessionRefresh(ctx context.Context, name, reason string) error {
	if reason == RefreshReasonNew {
		if err := x.store.SetAgentSessionHandle(ctx, name, ""); err != nil {
			return err
		}
	}

	st := x.state(name)
	st.mu.Lock()
	st.pendingRefresh = reason
	busy := st.busy
	st.mu.Unlock()

	x.logger.Info("session refresh requested", "agent", name, "reason", reason, "deferred", busy)
	if !busy {
		x.CheckAndRun(name)
	}
	return nil
}

// AbortCurrentRun cancels the agent's in-flight run, if any, and
// reports whether one was cancelled. The caller decides what happens to
// the batch (typically marking due non-cron envelopes done).
func (x *Executor) AbortCurrentRun(name, reason string) bool {
	st := x.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.busy || st.cancel == nil {
		return false
	}
	x.logger.Warn("aborting run", "agent", name, "reason", reason)
	st.cancel()
	return true
}

// IsBusy reports whether a run is in flight for the agent.
func (x *Executor) IsBusy(name string) bool {
	st := x.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.busy
}

// RecoverOnStartup enqueues a check for every agent with due pending
// work. Sessions were lost with the old process; each first run resumes
// best-effort from the persisted handle.
func (x *Executor) RecoverOnStartup(ctx context.Context) error {
	if _, err := x.store.RecoverInterruptedRuns(ctx); err != nil {
		return err
	}
	names, err := x.store.ListAgentsWithDueEnvelopes(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		x.CheckAndRun(name)
	}
	if len(names) > 0 {
		x.logger.Info("startup recovery queued", "agents", len(names))
	}
	return nil
}

// CloseAll disposes all cached sessions and stops accepting checks.
func (x *Executor) CloseAll() {
	x.mu.Lock()
	x.closed = true
	states := make(map[string]*agentState, len(x.agents))
	for k, v := range x.agents {
		states[k] = v
	}
	x.mu.Unlock()

	for name, st := range states {
		st.mu.Lock()
		if st.cancel != nil {
			st.cancel()
		}
		sess := st.session
		st.session = nil
		st.mu.Unlock()
		if sess != nil {
			if err := sess.Close(); err != nil {
				x.logger.Warn("session close failed", "agent", name, "error", err)
			}
		}
	}
}

// renderTurn converts a due batch into a provider turn, preserving
// dispatch order.
func renderTurn(batch []envelope.Envelope) provider.Turn {
	turn := provider.Turn{Messages: make([]provider.Message, 0, len(batch))}
	for _, e := range batch {
		from := e.From.String()
		if e.Metadata.FromName != "" {
			from = e.Metadata.FromName
		}
		msg := provider.Message{From: from, Text: e.Content.Text}
		for _, a := range e.Content.Attachments {
			msg.Attachments = append(msg.Attachments, a.Source)
		}
		turn.Messages = append(turn.Messages, msg)
	}
	return turn
}
