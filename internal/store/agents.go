package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/hiboss/internal/address"
)

// Agent is a registered agent row. The token is stored plaintext by
// design; the database file is protected by filesystem permissions.
type Agent struct {
	Name            string            `json:"name"`
	Token           string            `json:"token,omitempty"`
	Description     string            `json:"description,omitempty"`
	Workspace       string            `json:"workspace,omitempty"`
	Model           string            `json:"model,omitempty"`
	ReasoningEffort string            `json:"reasoning_effort,omitempty"`
	AutoLevel       string            `json:"auto_level,omitempty"`
	Permission      string            `json:"permission"`
	DailyResetAt    string            `json:"daily_reset_at,omitempty"` // "HH:MM" in boss timezone
	IdleTimeoutMS   int64             `json:"idle_timeout_ms,omitempty"`
	MaxContextLen   int               `json:"max_context_length,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       int64             `json:"created_at"`
}

// SessionHandle returns the persisted provider session handle, if any.
func (a Agent) SessionHandle() string { return a.Metadata["sessionHandle"] }

// Binding associates an agent with an adapter credential, letting it
// speak on that channel. (adapter_type, adapter_token) is unique.
type Binding struct {
	AgentName    string `json:"agent_name"`
	AdapterType  string `json:"adapter_type"`
	AdapterToken string `json:"adapter_token"`
	CreatedAt    int64  `json:"created_at"`
}

const agentCols = `name, token, description, workspace, model, reasoning_effort, auto_level,
	permission, daily_reset_at, idle_timeout_ms, max_context_length, metadata, created_at`

// CreateAgent inserts a new agent. Duplicate names (case-insensitive)
// surface as ErrAlreadyExists.
func (s *Store) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	return createAgent(ctx, s.db, s, a)
}

// CreateAgent is the transactional variant, used by setup reconciliation.
func (t *Tx) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	return createAgent(ctx, t.tx, t.s, a)
}

func createAgent(ctx context.Context, q dbtx, s *Store, a Agent) (Agent, error) {
	if !address.ValidAgentName(a.Name) {
		return Agent{}, fmt.Errorf("%w: invalid agent name %q", ErrInvalidInput, a.Name)
	}
	if a.Permission == "" {
		a.Permission = "standard"
	}
	a.CreatedAt = s.nowMS()

	metaJSON, err := marshalMeta(a.Metadata)
	if err != nil {
		return Agent{}, err
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO agents (`+agentCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Name, a.Token, a.Description, a.Workspace, a.Model, a.ReasoningEffort, a.AutoLevel,
		a.Permission, a.DailyResetAt, a.IdleTimeoutMS, a.MaxContextLen, metaJSON, a.CreatedAt,
	)
	if isConstraintErr(err) {
		return Agent{}, fmt.Errorf("agent %q: %w", a.Name, ErrAlreadyExists)
	}
	if err != nil {
		return Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	s.logger.Info("agent created", "name", a.Name, "permission", a.Permission)
	return a, nil
}

// GetAgent looks up an agent by name (case-insensitive).
func (s *Store) GetAgent(ctx context.Context, name string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return Agent{}, fmt.Errorf("agent %q: %w", name, ErrNotFound)
	}
	return a, err
}

// ListAgents returns all agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentCols+` FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgent replaces the mutable fields of an agent row. The name and
// token are immutable here; SetAgentMetadata handles metadata.
func (s *Store) UpdateAgent(ctx context.Context, a Agent) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET description = ?, workspace = ?, model = ?, reasoning_effort = ?,
		 auto_level = ?, permission = ?, daily_reset_at = ?, idle_timeout_ms = ?, max_context_length = ?
		 WHERE name = ?`,
		a.Description, a.Workspace, a.Model, a.ReasoningEffort, a.AutoLevel,
		a.Permission, a.DailyResetAt, a.IdleTimeoutMS, a.MaxContextLen, a.Name,
	)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRow(res, fmt.Sprintf("agent %q", a.Name))
}

// SetAgentMetadata replaces the agent's metadata map (sessionHandle
// lives here).
func (s *Store) SetAgentMetadata(ctx context.Context, name string, meta map[string]string) error {
	metaJSON, err := marshalMeta(meta)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET metadata = ? WHERE name = ?`, metaJSON, name)
	if err != nil {
		return fmt.Errorf("set agent metadata: %w", err)
	}
	return requireRow(res, fmt.Sprintf("agent %q", name))
}

// SetAgentSessionHandle persists (or clears, when handle is empty) the
// opaque provider session handle on the agent row.
func (s *Store) SetAgentSessionHandle(ctx context.Context, name, handle string) error {
	a, err := s.GetAgent(ctx, name)
	if err != nil {
		return err
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	if handle == "" {
		delete(meta, "sessionHandle")
	} else {
		meta["sessionHandle"] = handle
	}
	return s.SetAgentMetadata(ctx, name, meta)
}

// DeleteAgent removes the agent plus its bindings and cron schedules.
// Historical envelopes and runs are preserved.
func (s *Store) DeleteAgent(ctx context.Context, name string) error {
	return s.InTransaction(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx, `DELETE FROM agents WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
		if err := requireRow(res, fmt.Sprintf("agent %q", name)); err != nil {
			return err
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM bindings WHERE agent_name = ?`, name); err != nil {
			return fmt.Errorf("delete bindings: %w", err)
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM cron_schedules WHERE agent_name = ?`, name); err != nil {
			return fmt.Errorf("delete cron schedules: %w", err)
		}
		return nil
	})
}

// CreateBinding adds an adapter credential binding for an agent.
func (s *Store) CreateBinding(ctx context.Context, b Binding) error {
	if _, err := s.GetAgent(ctx, b.AgentName); err != nil {
		return err
	}
	return createBinding(ctx, s.db, s, b)
}

// CreateBinding is the transactional variant. The agent row is assumed
// to exist within the same transaction.
func (t *Tx) CreateBinding(ctx context.Context, b Binding) error {
	return createBinding(ctx, t.tx, t.s, b)
}

func createBinding(ctx context.Context, q dbtx, s *Store, b Binding) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO bindings (agent_name, adapter_type, adapter_token, created_at) VALUES (?, ?, ?, ?)`,
		b.AgentName, b.AdapterType, b.AdapterToken, s.nowMS())
	if isConstraintErr(err) {
		return fmt.Errorf("binding for %s: %w", b.AdapterType, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	return nil
}

// DeleteBinding removes one binding.
func (s *Store) DeleteBinding(ctx context.Context, agentName, adapterType string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bindings WHERE agent_name = ? AND adapter_type = ?`, agentName, adapterType)
	if err != nil {
		return fmt.Errorf("delete binding: %w", err)
	}
	return requireRow(res, fmt.Sprintf("binding %s/%s", agentName, adapterType))
}

// ListBindings returns the bindings for one agent, or all bindings when
// agentName is empty.
func (s *Store) ListBindings(ctx context.Context, agentName string) ([]Binding, error) {
	query := `SELECT agent_name, adapter_type, adapter_token, created_at FROM bindings`
	var args []any
	if agentName != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY agent_name, adapter_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.AgentName, &b.AdapterType, &b.AdapterToken, &b.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetBinding returns the agent's binding for one adapter type.
func (s *Store) GetBinding(ctx context.Context, agentName, adapterType string) (Binding, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_name, adapter_type, adapter_token, created_at FROM bindings
		 WHERE agent_name = ? AND adapter_type = ?`, agentName, adapterType)
	var b Binding
	err := row.Scan(&b.AgentName, &b.AdapterType, &b.AdapterToken, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return Binding{}, fmt.Errorf("binding %s/%s: %w", agentName, adapterType, ErrNotFound)
	}
	if err != nil {
		return Binding{}, fmt.Errorf("get binding: %w", err)
	}
	return b, nil
}

// FindAgentByToken resolves an agent principal from its plaintext token.
func (s *Store) FindAgentByToken(ctx context.Context, token string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE token = ?`, token)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return Agent{}, fmt.Errorf("token: %w", ErrNotFound)
	}
	return a, err
}

// VerifyBoss checks a candidate token against the stored boss token
// hash (SHA-256 hex).
func (s *Store) VerifyBoss(ctx context.Context, token string) (bool, error) {
	stored, err := s.GetConfig(ctx, ConfigBossTokenHash)
	if err != nil || stored == "" {
		return false, err
	}
	return HashToken(token) == stored, nil
}

// HashToken is the boss-token hashing scheme: SHA-256, lowercase hex.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func scanAgent(r rowScanner) (Agent, error) {
	var (
		a        Agent
		metaJSON sql.NullString
	)
	err := r.Scan(&a.Name, &a.Token, &a.Description, &a.Workspace, &a.Model,
		&a.ReasoningEffort, &a.AutoLevel, &a.Permission, &a.DailyResetAt,
		&a.IdleTimeoutMS, &a.MaxContextLen, &metaJSON, &a.CreatedAt)
	if err != nil {
		return Agent{}, err
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &a.Metadata); err != nil {
			return Agent{}, fmt.Errorf("stored agent metadata: %w", err)
		}
	}
	return a, nil
}

func marshalMeta(meta map[string]string) (any, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
