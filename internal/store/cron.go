package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/hiboss/internal/envelope"
)

// CronSchedule is a recurring rule that materializes at most one
// pending envelope per occurrence. The template fields describe the
// envelope produced at each fire.
type CronSchedule struct {
	ID                string                `json:"id"`
	AgentName         string                `json:"agent_name"`
	Expr              string                `json:"cron"`
	Timezone          string                `json:"timezone,omitempty"` // IANA; empty = boss timezone
	Enabled           bool                  `json:"enabled"`
	PendingEnvelopeID string                `json:"pending_envelope_id,omitempty"`
	To                string                `json:"to"` // address wire form
	Text              string                `json:"text,omitempty"`
	Attachments       []envelope.Attachment `json:"attachments,omitempty"`
	Metadata          map[string]string     `json:"metadata,omitempty"`
	CreatedAt         int64                 `json:"created_at"`
}

const cronCols = `id, agent_name, expr, timezone, enabled, pending_envelope_id, to_addr, text, attachments, metadata, created_at`

// CreateCronSchedule persists a new schedule. The materializer assigns
// pending_envelope_id afterwards, in the same transaction.
func (s *Store) CreateCronSchedule(ctx context.Context, c CronSchedule) (CronSchedule, error) {
	return createCronSchedule(ctx, s.db, s, c)
}

// CreateCronSchedule is the transactional variant.
func (t *Tx) CreateCronSchedule(ctx context.Context, c CronSchedule) (CronSchedule, error) {
	return createCronSchedule(ctx, t.tx, t.s, c)
}

func createCronSchedule(ctx context.Context, q dbtx, s *Store, c CronSchedule) (CronSchedule, error) {
	if c.ID == "" {
		c.ID = envelope.NewID()
	}
	c.CreatedAt = s.nowMS()

	attachJSON, err := marshalAttachments(c.Attachments)
	if err != nil {
		return CronSchedule{}, err
	}
	metaJSON, err := marshalMeta(c.Metadata)
	if err != nil {
		return CronSchedule{}, err
	}
	var pendingID any
	if c.PendingEnvelopeID != "" {
		pendingID = c.PendingEnvelopeID
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO cron_schedules (`+cronCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.AgentName, c.Expr, c.Timezone, boolToInt(c.Enabled), pendingID,
		c.To, c.Text, attachJSON, metaJSON, c.CreatedAt,
	)
	if isConstraintErr(err) {
		return CronSchedule{}, fmt.Errorf("cron schedule: %w", ErrAlreadyExists)
	}
	if err != nil {
		return CronSchedule{}, fmt.Errorf("insert cron schedule: %w", err)
	}
	s.logger.Info("cron schedule created", "id", envelope.ShortID(c.ID), "agent", c.AgentName, "expr", c.Expr)
	return c, nil
}

// GetCronSchedule resolves a full id or unique prefix, with the same
// ambiguity contract as GetEnvelope.
func (s *Store) GetCronSchedule(ctx context.Context, idOrPrefix string) (CronSchedule, error) {
	prefix, err := envelope.NormalizeIDPrefix(idOrPrefix)
	if err != nil {
		return CronSchedule{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cronCols+` FROM cron_schedules WHERE id LIKE ? || '%' ORDER BY created_at ASC LIMIT 10`,
		prefix)
	if err != nil {
		return CronSchedule{}, fmt.Errorf("query cron prefix: %w", err)
	}
	defer rows.Close()

	var matches []CronSchedule
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return CronSchedule{}, err
		}
		matches = append(matches, c)
	}
	if err := rows.Err(); err != nil {
		return CronSchedule{}, err
	}

	switch len(matches) {
	case 0:
		return CronSchedule{}, fmt.Errorf("cron schedule %q: %w", idOrPrefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		ae := &AmbiguousError{Prefix: prefix}
		for _, m := range matches {
			ae.Candidates = append(ae.Candidates, Candidate{
				ID:    m.ID,
				Short: envelope.ShortID(m.ID),
				Label: m.Expr,
			})
		}
		return CronSchedule{}, ae
	}
}

// GetCronScheduleExact is the transactional exact-id lookup used during
// advancement.
func (t *Tx) GetCronScheduleExact(ctx context.Context, id string) (CronSchedule, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+cronCols+` FROM cron_schedules WHERE id = ?`, id)
	c, err := scanCron(row)
	if err == sql.ErrNoRows {
		return CronSchedule{}, fmt.Errorf("cron schedule %q: %w", envelope.ShortID(id), ErrNotFound)
	}
	return c, err
}

// ListCronSchedules returns schedules, optionally filtered by agent.
func (s *Store) ListCronSchedules(ctx context.Context, agentName string) ([]CronSchedule, error) {
	query := `SELECT ` + cronCols + ` FROM cron_schedules`
	var args []any
	if agentName != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cron schedules: %w", err)
	}
	defer rows.Close()

	var out []CronSchedule
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListEnabledCronSchedules returns all enabled schedules; the startup
// misfire sweep walks these.
func (s *Store) ListEnabledCronSchedules(ctx context.Context) ([]CronSchedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cronCols+` FROM cron_schedules WHERE enabled = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled cron schedules: %w", err)
	}
	defer rows.Close()

	var out []CronSchedule
	for rows.Next() {
		c, err := scanCron(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetCronEnabled flips the enabled flag.
func (s *Store) SetCronEnabled(ctx context.Context, id string, enabled bool) error {
	return setCronEnabled(ctx, s.db, id, enabled)
}

// SetCronEnabled is the transactional variant.
func (t *Tx) SetCronEnabled(ctx context.Context, id string, enabled bool) error {
	return setCronEnabled(ctx, t.tx, id, enabled)
}

func setCronEnabled(ctx context.Context, q dbtx, id string, enabled bool) error {
	res, err := q.ExecContext(ctx,
		`UPDATE cron_schedules SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("set cron enabled: %w", err)
	}
	return requireRow(res, fmt.Sprintf("cron schedule %q", envelope.ShortID(id)))
}

// DeleteCronSchedule removes the schedule row. The materializer cancels
// any pending envelope first.
func (s *Store) DeleteCronSchedule(ctx context.Context, id string) error {
	return deleteCronSchedule(ctx, s.db, id)
}

// DeleteCronSchedule is the transactional variant.
func (t *Tx) DeleteCronSchedule(ctx context.Context, id string) error {
	return deleteCronSchedule(ctx, t.tx, id)
}

func deleteCronSchedule(ctx context.Context, q dbtx, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM cron_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete cron schedule: %w", err)
	}
	return requireRow(res, fmt.Sprintf("cron schedule %q", envelope.ShortID(id)))
}

// SetPendingEnvelopeID records (or clears, with "") the id of the
// schedule's materialized not-yet-delivered envelope.
func (s *Store) SetPendingEnvelopeID(ctx context.Context, scheduleID, envelopeID string) error {
	return setPendingEnvelopeID(ctx, s.db, scheduleID, envelopeID)
}

// SetPendingEnvelopeID is the transactional variant.
func (t *Tx) SetPendingEnvelopeID(ctx context.Context, scheduleID, envelopeID string) error {
	return setPendingEnvelopeID(ctx, t.tx, scheduleID, envelopeID)
}

func setPendingEnvelopeID(ctx context.Context, q dbtx, scheduleID, envelopeID string) error {
	var v any
	if envelopeID != "" {
		v = envelopeID
	}
	res, err := q.ExecContext(ctx,
		`UPDATE cron_schedules SET pending_envelope_id = ? WHERE id = ?`, v, scheduleID)
	if err != nil {
		return fmt.Errorf("set pending envelope id: %w", err)
	}
	return requireRow(res, fmt.Sprintf("cron schedule %q", envelope.ShortID(scheduleID)))
}

func scanCron(r rowScanner) (CronSchedule, error) {
	var (
		c          CronSchedule
		enabled    int
		pendingID  sql.NullString
		attachJSON sql.NullString
		metaJSON   sql.NullString
	)
	err := r.Scan(&c.ID, &c.AgentName, &c.Expr, &c.Timezone, &enabled, &pendingID,
		&c.To, &c.Text, &attachJSON, &metaJSON, &c.CreatedAt)
	if err != nil {
		return CronSchedule{}, err
	}
	c.Enabled = enabled != 0
	c.PendingEnvelopeID = pendingID.String
	if attachJSON.Valid && attachJSON.String != "" {
		if err := json.Unmarshal([]byte(attachJSON.String), &c.Attachments); err != nil {
			return CronSchedule{}, fmt.Errorf("stored cron attachments: %w", err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &c.Metadata); err != nil {
			return CronSchedule{}, fmt.Errorf("stored cron metadata: %w", err)
		}
	}
	return c, nil
}

func marshalAttachments(atts []envelope.Attachment) (any, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(atts)
	if err != nil {
		return nil, fmt.Errorf("marshal attachments: %w", err)
	}
	return string(data), nil
}
