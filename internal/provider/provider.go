// Package provider defines the narrow contract the executor needs from
// an LLM backend: open or resume a conversation session, run one turn,
// dispose. Concrete SDK bindings live outside the core.
package provider

import "context"

// SessionConfig carries the per-agent provider settings.
type SessionConfig struct {
	AgentName       string
	Workspace       string
	Model           string
	ReasoningEffort string
	AutoLevel       string
}

// Message is one rendered inbox envelope within a turn.
type Message struct {
	From        string   // display sender (address wire form or fromName override)
	Text        string
	Attachments []string // attachment sources
}

// Turn is one batch of pending envelopes delivered to the session.
type Turn struct {
	Messages []Message
}

// Usage is the provider-reported resource accounting for a run.
// ContextLength of 0 means the provider did not report it; refresh
// policy must skip the max-context rule in that case, not guess.
type Usage struct {
	ContextLength int
}

// RunResult is the outcome of one session turn.
type RunResult struct {
	Response string
	Usage    *Usage // nil when the provider reports nothing
}

// Session is a live provider conversation. Handle returns an opaque
// resume token persisted on the agent row; it may change across runs.
type Session interface {
	Handle() string
	Run(ctx context.Context, turn Turn) (*RunResult, error)
	Close() error
}

// Provider opens and resumes sessions. Resume failures are expected
// (expired handles, provider restarts); callers fall back to Open.
type Provider interface {
	Open(ctx context.Context, cfg SessionConfig) (Session, error)
	Resume(ctx context.Context, cfg SessionConfig, handle string) (Session, error)
}
