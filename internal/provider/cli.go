package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/google/uuid"
)

// CLIProvider drives an external agent CLI, one process per turn. The
// command receives the rendered turn on stdin and the session id via
// flag, so the CLI owns conversation state keyed by that id. This keeps
// SDK specifics out of the daemon while exercising the full session
// contract.
type CLIProvider struct {
	Command string
	Args    []string // extra args before the generated ones
	Logger  *slog.Logger
}

// NewCLIProvider creates a provider around an agent CLI binary.
func NewCLIProvider(command string, logger *slog.Logger) *CLIProvider {
	return &CLIProvider{Command: command, Logger: logger}
}

// Open starts a fresh session under a new id.
func (p *CLIProvider) Open(_ context.Context, cfg SessionConfig) (Session, error) {
	if p.Command == "" {
		return nil, fmt.Errorf("no provider command configured")
	}
	return &cliSession{p: p, cfg: cfg, handle: uuid.NewString()}, nil
}

// Resume reuses a previous session id. The CLI decides whether it still
// remembers the conversation; a forgotten id just behaves like a new
// session.
func (p *CLIProvider) Resume(_ context.Context, cfg SessionConfig, handle string) (Session, error) {
	if p.Command == "" {
		return nil, fmt.Errorf("no provider command configured")
	}
	if handle == "" {
		return nil, fmt.Errorf("empty session handle")
	}
	return &cliSession{p: p, cfg: cfg, handle: handle}, nil
}

type cliSession struct {
	p      *CLIProvider
	cfg    SessionConfig
	handle string
}

func (s *cliSession) Handle() string { return s.handle }

func (s *cliSession) Close() error { return nil }

// cliResult is the structured output the CLI may print. Plain text
// output is accepted as the response with no usage.
type cliResult struct {
	Response      string `json:"response"`
	ContextLength int    `json:"context_length"`
}

func (s *cliSession) Run(ctx context.Context, turn Turn) (*RunResult, error) {
	args := append([]string(nil), s.p.Args...)
	args = append(args, "--session", s.handle)
	if s.cfg.Model != "" {
		args = append(args, "--model", s.cfg.Model)
	}
	if s.cfg.ReasoningEffort != "" {
		args = append(args, "--reasoning-effort", s.cfg.ReasoningEffort)
	}
	if s.cfg.AutoLevel != "" {
		args = append(args, "--auto-level", s.cfg.AutoLevel)
	}

	cmd := exec.CommandContext(ctx, s.p.Command, args...)
	if s.cfg.Workspace != "" {
		cmd.Dir = s.cfg.Workspace
	}
	cmd.Stdin = strings.NewReader(renderPrompt(turn))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("provider command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	out := strings.TrimSpace(stdout.String())
	var parsed cliResult
	if err := json.Unmarshal([]byte(out), &parsed); err == nil && parsed.Response != "" {
		res := &RunResult{Response: parsed.Response}
		if parsed.ContextLength > 0 {
			res.Usage = &Usage{ContextLength: parsed.ContextLength}
		}
		return res, nil
	}
	return &RunResult{Response: out}, nil
}

// renderPrompt serializes the turn as sender-labeled blocks.
func renderPrompt(turn Turn) string {
	var b strings.Builder
	for i, m := range turn.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[From: %s]\n%s", m.From, m.Text)
		for _, src := range m.Attachments {
			fmt.Fprintf(&b, "\n[Attachment: %s]", src)
		}
	}
	return b.String()
}
