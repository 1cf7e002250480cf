// Package adapters defines the contract between the daemon core and
// platform chat adapters (Telegram, Discord, ...). The core consumes
// this interface; platform specifics stay behind it.
package adapters

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/hiboss/internal/envelope"
)

// Inbound is a platform message normalized by an adapter. The daemon
// wraps it into an envelope addressed to the adapter's bound agent.
type Inbound struct {
	AdapterType string
	AgentName   string // the agent bound to the receiving credential
	ChatID      string
	SenderID    string
	SenderName  string
	Text        string
	Attachments []envelope.Attachment
	MessageID   string // compact platform message id (base36 for Telegram)
}

// InboundHandler receives normalized platform messages; the router
// implements it.
type InboundHandler interface {
	HandleInbound(ctx context.Context, in Inbound) error
}

// Adapter is one platform connection bound to a single credential.
type Adapter interface {
	// Type is the adapter's platform identifier ("telegram", "discord").
	Type() string

	// Start begins receiving platform events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the connection down.
	Stop(ctx context.Context) error

	// Send delivers an outbound envelope to its channel destination.
	Send(ctx context.Context, e envelope.Envelope) error

	// React sets an emoji reaction on a platform message.
	React(ctx context.Context, chatID, messageID, emoji string) error
}

// Registry holds the started adapters keyed by type. One adapter per
// type; the binding table scopes which agent may speak through it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. Duplicate types are a wiring bug.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[a.Type()]; ok {
		return fmt.Errorf("adapter %q already registered", a.Type())
	}
	r.adapters[a.Type()] = a
	return nil
}

// Get returns the adapter for a type.
func (r *Registry) Get(adapterType string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[adapterType]
	return a, ok
}

// Types lists the registered adapter types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		out = append(out, t)
	}
	return out
}

// StartAll starts every registered adapter; the first failure wins.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for t, a := range r.adapters {
		if err := a.Start(ctx); err != nil {
			return fmt.Errorf("start adapter %s: %w", t, err)
		}
	}
	return nil
}

// StopAll stops every adapter, collecting nothing: stop is best-effort.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		a.Stop(ctx)
	}
}

// EncodeMessageID renders a numeric platform message id in the compact
// base36 form used in envelope metadata and the reaction API.
func EncodeMessageID(id int64) string {
	return strconv.FormatInt(id, 36)
}

// ParseMessageID accepts a message id in base36 or explicit "dec:<n>"
// decimal form.
func ParseMessageID(s string) (int64, error) {
	if dec, ok := strings.CutPrefix(s, "dec:"); ok {
		id, err := strconv.ParseInt(dec, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid decimal message id %q", s)
		}
		return id, nil
	}
	id, err := strconv.ParseInt(strings.ToLower(s), 36, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q: want base36 or dec:<n>", s)
	}
	return id, nil
}
