// Package envelope defines the durable message primitive. An envelope
// carries content between an agent and either another agent's inbox or
// a chat channel, with an optional scheduled delivery time.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/hiboss/internal/address"
)

// Status is the envelope lifecycle state. The only legal transition is
// pending → done; done is terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusDone    Status = "done"
)

// Source classifies where an envelope came from. It is derived from the
// envelope, never stored.
type Source string

const (
	SourceChannel Source = "channel"
	SourceCron    Source = "cron"
	SourceAgent   Source = "agent"
)

// Reserved metadata keys. User input may not set these.
const (
	MetaCronScheduleID    = "cronScheduleId"
	MetaFromName          = "fromName"
	MetaSessionHandle     = "sessionHandle"
	MetaLastDeliveryError = "lastDeliveryError"
)

// reservedMetaKeys are rejected when supplied by unprivileged callers.
// fromName is allowed for privileged senders only, enforced by the router.
var reservedMetaKeys = map[string]bool{
	MetaCronScheduleID:    true,
	MetaSessionHandle:     true,
	MetaLastDeliveryError: true,
}

// Metadata is the open-ended envelope key/value bag. Known keys get
// typed accessors; everything else round-trips through Extra.
type Metadata struct {
	CronScheduleID    string `json:"cronScheduleId,omitempty"`
	FromName          string `json:"fromName,omitempty"`
	LastDeliveryError string `json:"lastDeliveryError,omitempty"`

	Extra map[string]string `json:"-"`
}

// MarshalJSON flattens known keys and Extra into one object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.CronScheduleID != "" {
		out[MetaCronScheduleID] = m.CronScheduleID
	}
	if m.FromName != "" {
		out[MetaFromName] = m.FromName
	}
	if m.LastDeliveryError != "" {
		out[MetaLastDeliveryError] = m.LastDeliveryError
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits known keys out of the flat object.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		switch k {
		case MetaCronScheduleID:
			m.CronScheduleID = v
		case MetaFromName:
			m.FromName = v
		case MetaLastDeliveryError:
			m.LastDeliveryError = v
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]string)
			}
			m.Extra[k] = v
		}
	}
	return nil
}

// IsEmpty reports whether no metadata is set.
func (m Metadata) IsEmpty() bool {
	return m.CronScheduleID == "" && m.FromName == "" && m.LastDeliveryError == "" && len(m.Extra) == 0
}

// ValidateUserMetadata rejects reserved keys in caller-supplied metadata.
// fromName passes only for privileged callers.
func ValidateUserMetadata(raw map[string]string, privileged bool) error {
	for k := range raw {
		if reservedMetaKeys[k] {
			return fmt.Errorf("metadata key %q is reserved", k)
		}
		if k == MetaFromName && !privileged {
			return fmt.Errorf("metadata key %q requires a privileged sender", k)
		}
	}
	return nil
}

// Attachment is a file carried with the envelope content. Source is an
// absolute local path, a URL, or the opaque token "telegram:file-id:<id>".
type Attachment struct {
	Source string `json:"source"`
	Name   string `json:"name,omitempty"`
	Mime   string `json:"mime,omitempty"`
}

// ValidSource reports whether the attachment source uses one of the
// accepted forms.
func (a Attachment) ValidSource() bool {
	s := a.Source
	switch {
	case strings.HasPrefix(s, "/"):
		return true
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return true
	case strings.HasPrefix(s, "telegram:file-id:") && len(s) > len("telegram:file-id:"):
		return true
	default:
		return false
	}
}

// Content is the envelope payload.
type Content struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Envelope is a persisted message. Envelopes are values; mutation goes
// through the store, which returns fresh snapshots.
type Envelope struct {
	ID        string          `json:"id"` // compact lowercase hex, no hyphens
	From      address.Address `json:"from"`
	To        address.Address `json:"to"`
	FromBoss  bool            `json:"from_boss"`
	Content   Content         `json:"content"`
	ReplyTo   string          `json:"reply_to,omitempty"`
	DeliverAt int64           `json:"deliver_at,omitempty"` // unix-ms UTC, 0 = immediate
	Status    Status          `json:"status"`
	CreatedAt int64           `json:"created_at"` // unix-ms UTC
	Metadata  Metadata        `json:"metadata,omitempty"`
}

// Source derives the envelope's origin classification.
func (e Envelope) Source() Source {
	switch {
	case e.From.IsChannel():
		return SourceChannel
	case e.Metadata.CronScheduleID != "":
		return SourceCron
	default:
		return SourceAgent
	}
}

// ShortID is the 8-hex display prefix of the envelope id.
func (e Envelope) ShortID() string { return ShortID(e.ID) }

// IsDue reports whether the envelope is deliverable at nowMS.
// The due predicate is total: an unset deliver_at is always due.
func (e Envelope) IsDue(nowMS int64) bool {
	return e.DeliverAt == 0 || e.DeliverAt <= nowMS
}

// EffectiveAt is the ordering instant: deliver_at when set, else
// created_at. Due-work queries order by (EffectiveAt, CreatedAt).
func (e Envelope) EffectiveAt() int64 {
	if e.DeliverAt != 0 {
		return e.DeliverAt
	}
	return e.CreatedAt
}

// NewID generates a compact envelope id: UUID as lowercase hex without
// hyphens.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShortID returns the first 8 characters of a compact id.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// NormalizeIDPrefix lowercases and strips hyphens from a user-supplied
// id or prefix so it can be prefix-matched against stored compact ids.
func NormalizeIDPrefix(s string) (string, error) {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if s == "" {
		return "", fmt.Errorf("empty id")
	}
	for _, r := range s {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return "", fmt.Errorf("invalid id %q: not hex", s)
		}
	}
	if len(s) > 32 {
		return "", fmt.Errorf("invalid id %q: longer than a full id", s)
	}
	return s, nil
}
