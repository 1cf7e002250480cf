package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
)

// PolicyVersion is the only supported permission policy file version.
const PolicyVersion = 1

// Policy maps IPC methods to the minimum level required. Methods absent
// from the file default to boss.
type Policy struct {
	Version    int               `json:"version"`
	Operations map[string]string `json:"operations"`
}

// Require returns the minimum level for a method.
func (p Policy) Require(method string) Level {
	if name, ok := p.Operations[method]; ok {
		if l, err := ParseLevel(name); err == nil {
			return l
		}
	}
	return BossLevel
}

// DefaultPolicy is applied when no policy file exists: day-to-day read
// and messaging methods open to standard agents, everything mutating
// above that.
func DefaultPolicy() Policy {
	return Policy{
		Version: PolicyVersion,
		Operations: map[string]string{
			"envelope.send":    "standard",
			"envelope.list":    "standard",
			"envelope.get":     "standard",
			"cron.create":      "standard",
			"cron.list":        "standard",
			"cron.explain":     "standard",
			"cron.enable":      "privileged",
			"cron.disable":     "privileged",
			"cron.delete":      "privileged",
			"agent.list":       "standard",
			"agent.status":     "standard",
			"agent.self":       "restricted",
			"agent.refresh":    "standard",
			"reaction.set":     "standard",
			"daemon.status":    "restricted",
			"daemon.ping":      "restricted",
			"daemon.time":      "restricted",
			"boss.verify":      "restricted",
		},
	}
}

// PolicyEngine holds the current policy and hot-reloads it when the
// policy file changes on disk.
type PolicyEngine struct {
	path   string
	logger *slog.Logger

	mu     sync.RWMutex
	policy Policy
}

// NewPolicyEngine loads the policy file at path, falling back to the
// default policy when the file is absent.
func NewPolicyEngine(path string, logger *slog.Logger) (*PolicyEngine, error) {
	pe := &PolicyEngine{path: path, logger: logger, policy: DefaultPolicy()}
	if err := pe.reload(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		logger.Debug("no permission policy file, using defaults", "path", path)
	}
	return pe, nil
}

// Require returns the minimum level for a method under the current
// policy.
func (pe *PolicyEngine) Require(method string) Level {
	pe.mu.RLock()
	defer pe.mu.RUnlock()
	return pe.policy.Require(method)
}

// Check gates one method call.
func (pe *PolicyEngine) Check(p Principal, method string) error {
	required := pe.Require(method)
	if p.Level < required {
		return fmt.Errorf("%w: %s requires %s, principal %s has %s",
			ErrUnauthorized, method, required, p.Name(), p.Level)
	}
	return nil
}

func (pe *PolicyEngine) reload() error {
	data, err := os.ReadFile(pe.path)
	if err != nil {
		return err
	}
	var p Policy
	if err := json5.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse policy %s: %w", pe.path, err)
	}
	if p.Version != PolicyVersion {
		return fmt.Errorf("policy %s: unsupported version %d", pe.path, p.Version)
	}
	// Validate level names up front so a typo fails loudly at load, not
	// silently at check time.
	for method, name := range p.Operations {
		if _, err := ParseLevel(name); err != nil {
			return fmt.Errorf("policy %s: method %q: %w", pe.path, method, err)
		}
	}

	pe.mu.Lock()
	pe.policy = p
	pe.mu.Unlock()
	pe.logger.Info("permission policy loaded", "path", pe.path, "operations", len(p.Operations))
	return nil
}

// Watch hot-reloads the policy when the file changes. Blocks until ctx
// is cancelled; a missing file is fine (the default policy stays).
func (pe *PolicyEngine) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("policy watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files, which drops a watch
	// on the file itself.
	if err := watcher.Add(dirOf(pe.path)); err != nil {
		return fmt.Errorf("policy watcher add: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != pe.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := pe.reload(); err != nil && !os.IsNotExist(err) {
				pe.logger.Error("policy reload failed, keeping previous", "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			pe.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
