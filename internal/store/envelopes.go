package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/nextlevelbuilder/hiboss/internal/address"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
)

// dueOrder is the ordering contract for all due-work queries: immediate
// envelopes interleave with scheduled ones by effective time, ties
// broken by creation time.
const dueOrder = `COALESCE(deliver_at, created_at) ASC, created_at ASC`

const envelopeCols = `id, from_addr, to_addr, from_boss, text, attachments, reply_to, deliver_at, status, created_at, metadata`

// CreateEnvelopeInput is the caller-supplied part of a new envelope.
type CreateEnvelopeInput struct {
	From      address.Address
	To        address.Address
	FromBoss  bool
	Content   envelope.Content
	ReplyTo   string
	DeliverAt int64 // unix-ms UTC, 0 = immediate
	Metadata  envelope.Metadata
}

// CreateEnvelope assigns an id and created_at, persists the envelope as
// pending, and returns the snapshot.
func (s *Store) CreateEnvelope(ctx context.Context, in CreateEnvelopeInput) (envelope.Envelope, error) {
	return createEnvelope(ctx, s.db, s, in)
}

// CreateEnvelope is the transactional variant.
func (t *Tx) CreateEnvelope(ctx context.Context, in CreateEnvelopeInput) (envelope.Envelope, error) {
	return createEnvelope(ctx, t.tx, t.s, in)
}

func createEnvelope(ctx context.Context, q dbtx, s *Store, in CreateEnvelopeInput) (envelope.Envelope, error) {
	e := envelope.Envelope{
		ID:        envelope.NewID(),
		From:      in.From,
		To:        in.To,
		FromBoss:  in.FromBoss,
		Content:   in.Content,
		ReplyTo:   in.ReplyTo,
		DeliverAt: in.DeliverAt,
		Status:    envelope.StatusPending,
		CreatedAt: s.nowMS(),
		Metadata:  in.Metadata,
	}

	var attachJSON, metaJSON, replyTo, deliverAt any
	if len(e.Content.Attachments) > 0 {
		data, err := json.Marshal(e.Content.Attachments)
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("marshal attachments: %w", err)
		}
		attachJSON = string(data)
	}
	if !e.Metadata.IsEmpty() {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return envelope.Envelope{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(data)
	}
	if e.ReplyTo != "" {
		replyTo = e.ReplyTo
	}
	if e.DeliverAt != 0 {
		deliverAt = e.DeliverAt
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO envelopes (`+envelopeCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.From.String(), e.To.String(), boolToInt(e.FromBoss), e.Content.Text,
		attachJSON, replyTo, deliverAt, string(e.Status), e.CreatedAt, metaJSON,
	)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("insert envelope: %w", err)
	}

	s.logger.Debug("envelope created",
		"id", e.ShortID(), "from", e.From.String(), "to", e.To.String(),
		"deliver_at", e.DeliverAt)
	return e, nil
}

// MarkEnvelopeDone performs the terminal pending → done transition.
// Idempotent: marking a done envelope again is a no-op. When deliveryErr
// is non-empty it is recorded as metadata.lastDeliveryError. Returns the
// fresh snapshot.
func (s *Store) MarkEnvelopeDone(ctx context.Context, id, deliveryErr string) (envelope.Envelope, error) {
	return markEnvelopeDone(ctx, s.db, s, id, deliveryErr)
}

// MarkEnvelopeDone is the transactional variant, used so cron
// advancement happens atomically with the terminal transition.
func (t *Tx) MarkEnvelopeDone(ctx context.Context, id, deliveryErr string) (envelope.Envelope, error) {
	return markEnvelopeDone(ctx, t.tx, t.s, id, deliveryErr)
}

func markEnvelopeDone(ctx context.Context, q dbtx, s *Store, id, deliveryErr string) (envelope.Envelope, error) {
	e, err := getEnvelopeExact(ctx, q, id)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if e.Status == envelope.StatusDone {
		return e, nil
	}

	e.Status = envelope.StatusDone
	if deliveryErr != "" {
		e.Metadata.LastDeliveryError = deliveryErr
	}
	var metaJSON any
	if !e.Metadata.IsEmpty() {
		data, merr := json.Marshal(e.Metadata)
		if merr != nil {
			return envelope.Envelope{}, fmt.Errorf("marshal metadata: %w", merr)
		}
		metaJSON = string(data)
	}

	_, err = q.ExecContext(ctx,
		`UPDATE envelopes SET status = ?, metadata = ? WHERE id = ? AND status = ?`,
		string(envelope.StatusDone), metaJSON, id, string(envelope.StatusPending),
	)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("mark envelope done: %w", err)
	}

	s.logger.Debug("envelope done", "id", envelope.ShortID(id), "delivery_error", deliveryErr)
	return e, nil
}

// GetEnvelope resolves a full id or any prefix. A prefix matching two
// or more rows yields an AmbiguousError listing the candidates; the
// store never picks one.
func (s *Store) GetEnvelope(ctx context.Context, idOrPrefix string) (envelope.Envelope, error) {
	prefix, err := envelope.NormalizeIDPrefix(idOrPrefix)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if len(prefix) == 32 {
		return getEnvelopeExact(ctx, s.db, prefix)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+envelopeCols+` FROM envelopes WHERE id LIKE ? || '%' ORDER BY created_at ASC LIMIT 10`,
		prefix)
	if err != nil {
		return envelope.Envelope{}, fmt.Errorf("query envelope prefix: %w", err)
	}
	defer rows.Close()

	var matches []envelope.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return envelope.Envelope{}, err
		}
		matches = append(matches, e)
	}
	if err := rows.Err(); err != nil {
		return envelope.Envelope{}, err
	}

	switch len(matches) {
	case 0:
		return envelope.Envelope{}, fmt.Errorf("envelope %q: %w", idOrPrefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		ae := &AmbiguousError{Prefix: prefix}
		for _, m := range matches {
			ae.Candidates = append(ae.Candidates, Candidate{
				ID:    m.ID,
				Short: m.ShortID(),
				Label: excerpt(m.Content.Text, 40),
			})
		}
		return envelope.Envelope{}, ae
	}
}

func getEnvelopeExact(ctx context.Context, q dbtx, id string) (envelope.Envelope, error) {
	row := q.QueryRowContext(ctx, `SELECT `+envelopeCols+` FROM envelopes WHERE id = ?`, id)
	e, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return envelope.Envelope{}, fmt.Errorf("envelope %q: %w", envelope.ShortID(id), ErrNotFound)
	}
	return e, err
}

// Box selects which side of an address a listing filters on.
type Box string

const (
	BoxInbox  Box = "inbox"  // to = address
	BoxOutbox Box = "outbox" // from = address
)

// ListFilter narrows ListEnvelopes.
type ListFilter struct {
	Address address.Address
	Box     Box
	Status  envelope.Status // empty = any
	Limit   int
}

// ListEnvelopes returns envelopes for an address box, newest-effective
// first is not wanted here: listings use the same due ordering so
// output matches dispatch order.
func (s *Store) ListEnvelopes(ctx context.Context, f ListFilter) ([]envelope.Envelope, error) {
	col := "to_addr"
	if f.Box == BoxOutbox {
		col = "from_addr"
	}
	query := `SELECT ` + envelopeCols + ` FROM envelopes WHERE ` + col + ` = ?`
	args := []any{f.Address.String()}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY ` + dueOrder
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryEnvelopes(ctx, query, args...)
}

// PendingForAgent returns the agent's due pending envelopes in dispatch
// order.
func (s *Store) PendingForAgent(ctx context.Context, name string, limit int) ([]envelope.Envelope, error) {
	query := `SELECT ` + envelopeCols + ` FROM envelopes
		WHERE to_addr = ? AND status = ? AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY ` + dueOrder
	args := []any{address.AgentAddr(name).String(), string(envelope.StatusPending), s.nowMS()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEnvelopes(ctx, query, args...)
}

// CountDuePendingForAgent counts the agent's currently due pending work.
func (s *Store) CountDuePendingForAgent(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM envelopes
		 WHERE to_addr = ? AND status = ? AND (deliver_at IS NULL OR deliver_at <= ?)`,
		address.AgentAddr(name).String(), string(envelope.StatusPending), s.nowMS(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count due pending: %w", err)
	}
	return n, nil
}

// ListDueChannelEnvelopes returns due pending envelopes addressed to
// channels, in dispatch order.
func (s *Store) ListDueChannelEnvelopes(ctx context.Context, limit int) ([]envelope.Envelope, error) {
	query := `SELECT ` + envelopeCols + ` FROM envelopes
		WHERE status = ? AND to_addr LIKE 'channel:%' AND (deliver_at IS NULL OR deliver_at <= ?)
		ORDER BY ` + dueOrder
	args := []any{string(envelope.StatusPending), s.nowMS()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryEnvelopes(ctx, query, args...)
}

// ListAgentsWithDueEnvelopes returns the distinct agent names that have
// due pending inbox work.
func (s *Store) ListAgentsWithDueEnvelopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT substr(to_addr, 7) FROM envelopes
		 WHERE status = ? AND to_addr LIKE 'agent:%' AND (deliver_at IS NULL OR deliver_at <= ?)`,
		string(envelope.StatusPending), s.nowMS())
	if err != nil {
		return nil, fmt.Errorf("list agents with due envelopes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// NextScheduledEnvelope returns the pending envelope with the smallest
// future deliver_at, or nil when nothing is scheduled. The scheduler
// uses it to arm its wake timer.
func (s *Store) NextScheduledEnvelope(ctx context.Context) (*envelope.Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+envelopeCols+` FROM envelopes
		 WHERE status = ? AND deliver_at IS NOT NULL AND deliver_at > ?
		 ORDER BY deliver_at ASC LIMIT 1`,
		string(envelope.StatusPending), s.nowMS())
	e, err := scanEnvelope(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) queryEnvelopes(ctx context.Context, query string, args ...any) ([]envelope.Envelope, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query envelopes: %w", err)
	}
	defer rows.Close()

	var out []envelope.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(r rowScanner) (envelope.Envelope, error) {
	var (
		e          envelope.Envelope
		fromStr    string
		toStr      string
		fromBoss   int
		attachJSON sql.NullString
		replyTo    sql.NullString
		deliverAt  sql.NullInt64
		status     string
		metaJSON   sql.NullString
	)
	err := r.Scan(&e.ID, &fromStr, &toStr, &fromBoss, &e.Content.Text,
		&attachJSON, &replyTo, &deliverAt, &status, &e.CreatedAt, &metaJSON)
	if err != nil {
		return envelope.Envelope{}, err
	}

	if e.From, err = address.Parse(fromStr); err != nil {
		return envelope.Envelope{}, fmt.Errorf("stored from address: %w", err)
	}
	if e.To, err = address.Parse(toStr); err != nil {
		return envelope.Envelope{}, fmt.Errorf("stored to address: %w", err)
	}
	e.FromBoss = fromBoss != 0
	e.ReplyTo = replyTo.String
	e.DeliverAt = deliverAt.Int64
	e.Status = envelope.Status(status)
	if attachJSON.Valid && attachJSON.String != "" {
		if err := json.Unmarshal([]byte(attachJSON.String), &e.Content.Attachments); err != nil {
			return envelope.Envelope{}, fmt.Errorf("stored attachments: %w", err)
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
			return envelope.Envelope{}, fmt.Errorf("stored metadata: %w", err)
		}
	}
	return e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// cutAtRune truncates s to at most n bytes without splitting a rune.
func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func excerpt(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return cutAtRune(s, maxLen) + "..."
}
