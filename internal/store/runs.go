package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/hiboss/internal/envelope"
)

// RunStatus is the lifecycle of one agent run audit record.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// maxResponseLen caps the persisted final response.
const maxResponseLen = 16_000

// AgentRun is the audit record for one provider session invocation.
type AgentRun struct {
	ID            string    `json:"id"`
	AgentName     string    `json:"agent_name"`
	StartedAt     int64     `json:"started_at"`
	CompletedAt   int64     `json:"completed_at,omitempty"`
	EnvelopeIDs   []string  `json:"envelope_ids,omitempty"`
	Response      string    `json:"response,omitempty"`
	Status        RunStatus `json:"status"`
	Error         string    `json:"error,omitempty"`
	ContextLength int       `json:"context_length,omitempty"` // provider-reported usage; 0 = not reported
}

const runCols = `id, agent_name, started_at, completed_at, envelope_ids, response, status, error, context_length`

// StartRun creates a running audit row and returns it.
func (s *Store) StartRun(ctx context.Context, agentName string) (AgentRun, error) {
	r := AgentRun{
		ID:        envelope.NewID(),
		AgentName: agentName,
		StartedAt: s.nowMS(),
		Status:    RunRunning,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_runs (id, agent_name, started_at, status) VALUES (?, ?, ?, ?)`,
		r.ID, r.AgentName, r.StartedAt, string(r.Status))
	if err != nil {
		return AgentRun{}, fmt.Errorf("start run: %w", err)
	}
	return r, nil
}

// CompleteRun finishes a run successfully, recording the processed
// envelope ids, the (truncated) final response, and provider-reported
// context length when available.
func (s *Store) CompleteRun(ctx context.Context, id string, envelopeIDs []string, response string, contextLength int) error {
	return s.finishRun(ctx, id, RunCompleted, envelopeIDs, response, "", contextLength)
}

// FailRun finishes a run with an error; processed envelopes stay
// pending for retry.
func (s *Store) FailRun(ctx context.Context, id string, errMsg string) error {
	return s.finishRun(ctx, id, RunFailed, nil, "", errMsg, 0)
}

// CancelRun finishes a run as cancelled (the /abort path).
func (s *Store) CancelRun(ctx context.Context, id string, reason string) error {
	return s.finishRun(ctx, id, RunCancelled, nil, "", reason, 0)
}

func (s *Store) finishRun(ctx context.Context, id string, status RunStatus, envelopeIDs []string, response, errMsg string, contextLength int) error {
	var idsJSON any
	if len(envelopeIDs) > 0 {
		data, err := json.Marshal(envelopeIDs)
		if err != nil {
			return fmt.Errorf("marshal envelope ids: %w", err)
		}
		idsJSON = string(data)
	}
	if len(response) > maxResponseLen {
		response = cutAtRune(response, maxResponseLen) + "…[truncated]"
	}
	var ctxLen any
	if contextLength > 0 {
		ctxLen = contextLength
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET completed_at = ?, envelope_ids = ?, response = ?, status = ?, error = ?, context_length = ?
		 WHERE id = ? AND status = ?`,
		s.nowMS(), idsJSON, response, string(status), errMsg, ctxLen, id, string(RunRunning))
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Already finished or unknown; finishing is not retried.
		return fmt.Errorf("run %q not running: %w", envelope.ShortID(id), ErrNotFound)
	}
	s.logger.Debug("run finished", "id", envelope.ShortID(id), "status", status, "error", errMsg)
	return nil
}

// GetCurrentRunning returns the agent's in-flight run, if any.
func (s *Store) GetCurrentRunning(ctx context.Context, agentName string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM agent_runs WHERE agent_name = ? AND status = ?
		 ORDER BY started_at DESC LIMIT 1`, agentName, string(RunRunning))
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetLastFinished returns the agent's most recently finished run, if any.
func (s *Store) GetLastFinished(ctx context.Context, agentName string) (*AgentRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runCols+` FROM agent_runs WHERE agent_name = ? AND status != ?
		 ORDER BY completed_at DESC LIMIT 1`, agentName, string(RunRunning))
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRuns returns recent runs for an agent, newest first.
func (s *Store) ListRuns(ctx context.Context, agentName string, limit int) ([]AgentRun, error) {
	query := `SELECT ` + runCols + ` FROM agent_runs WHERE agent_name = ? ORDER BY started_at DESC`
	args := []any{agentName}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecoverInterruptedRuns marks any rows still "running" from a previous
// process as failed. Called once at daemon start, before the executor
// accepts work.
func (s *Store) RecoverInterruptedRuns(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agent_runs SET status = ?, completed_at = ?, error = ? WHERE status = ?`,
		string(RunFailed), s.nowMS(), "daemon restarted while run in flight", string(RunRunning))
	if err != nil {
		return 0, fmt.Errorf("recover runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("recovered interrupted runs", "count", n)
	}
	return int(n), nil
}

func scanRun(r rowScanner) (AgentRun, error) {
	var (
		run         AgentRun
		completedAt sql.NullInt64
		idsJSON     sql.NullString
		status      string
		ctxLen      sql.NullInt64
	)
	err := r.Scan(&run.ID, &run.AgentName, &run.StartedAt, &completedAt, &idsJSON,
		&run.Response, &status, &run.Error, &ctxLen)
	if err != nil {
		return AgentRun{}, err
	}
	run.CompletedAt = completedAt.Int64
	run.Status = RunStatus(status)
	run.ContextLength = int(ctxLen.Int64)
	if idsJSON.Valid && strings.TrimSpace(idsJSON.String) != "" {
		if err := json.Unmarshal([]byte(idsJSON.String), &run.EnvelopeIDs); err != nil {
			return AgentRun{}, fmt.Errorf("stored envelope ids: %w", err)
		}
	}
	return run, nil
}
