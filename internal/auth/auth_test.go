package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLevelOrdering(t *testing.T) {
	if !(Restricted < Standard && Standard < Privileged && Privileged < BossLevel) {
		t.Fatal("level ordering broken")
	}
	for _, name := range []string{"restricted", "standard", "privileged", "boss"} {
		l, err := ParseLevel(name)
		if err != nil {
			t.Errorf("ParseLevel(%q): %v", name, err)
		}
		if l.String() != name {
			t.Errorf("round trip %q -> %q", name, l.String())
		}
	}
	if _, err := ParseLevel("root"); !errors.Is(err, store.ErrInvalidInput) {
		t.Errorf("unknown level: got %v", err)
	}
}

func TestPrincipal(t *testing.T) {
	boss := Principal{Boss: true, Level: BossLevel}
	if boss.Name() != "boss" || !boss.Privileged() {
		t.Errorf("boss principal = %+v", boss)
	}

	agent := Principal{Agent: &store.Agent{Name: "nex"}, Level: Standard}
	if agent.Name() != "nex" || agent.Privileged() {
		t.Errorf("standard agent principal = %+v", agent)
	}

	priv := Principal{Agent: &store.Agent{Name: "ops"}, Level: Privileged}
	if !priv.Privileged() {
		t.Error("privileged agent not privileged")
	}
}

func TestPolicyRequireDefaultsToBoss(t *testing.T) {
	p := DefaultPolicy()
	if got := p.Require("envelope.send"); got != Standard {
		t.Errorf("envelope.send = %s", got)
	}
	if got := p.Require("cron.delete"); got != Privileged {
		t.Errorf("cron.delete = %s", got)
	}
	if got := p.Require("daemon.ping"); got != Restricted {
		t.Errorf("daemon.ping = %s", got)
	}
	// Anything not listed, including typos and new methods, needs boss.
	if got := p.Require("agent.register"); got != BossLevel {
		t.Errorf("agent.register = %s", got)
	}
	if got := p.Require("no.such.method"); got != BossLevel {
		t.Errorf("unlisted method = %s", got)
	}
}

func TestPolicyEngineMissingFileUsesDefaults(t *testing.T) {
	pe, err := NewPolicyEngine(filepath.Join(t.TempDir(), "permissions.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := pe.Require("envelope.send"); got != Standard {
		t.Errorf("defaults not applied: %s", got)
	}
}

func TestPolicyEngineLoadsJSON5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "permissions.json")
	// json5: comments and trailing commas are legal.
	content := `{
		version: 1,
		operations: {
			// lock messaging down to privileged agents
			"envelope.send": "privileged",
			"daemon.ping": "restricted",
		},
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	pe, err := NewPolicyEngine(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := pe.Require("envelope.send"); got != Privileged {
		t.Errorf("envelope.send = %s", got)
	}
	// Not listed in the file: the default-boss rule applies, the built-in
	// defaults do not leak through.
	if got := pe.Require("envelope.list"); got != BossLevel {
		t.Errorf("envelope.list = %s", got)
	}
}

func TestPolicyEngineRejectsBadFiles(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"wrong version", `{version: 2, operations: {}}`},
		{"unknown level", `{version: 1, operations: {"envelope.send": "root"}}`},
		{"unparseable", `{version: `},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "permissions.json")
			if err := os.WriteFile(path, []byte(tc.content), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := NewPolicyEngine(path, testLogger()); err == nil {
				t.Error("bad policy file accepted")
			}
		})
	}
}

func TestPolicyEngineCheck(t *testing.T) {
	pe, err := NewPolicyEngine(filepath.Join(t.TempDir(), "permissions.json"), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	standard := Principal{Agent: &store.Agent{Name: "nex"}, Level: Standard}
	if err := pe.Check(standard, "envelope.send"); err != nil {
		t.Errorf("standard blocked from envelope.send: %v", err)
	}
	if err := pe.Check(standard, "cron.delete"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("standard allowed cron.delete: %v", err)
	}

	boss := Principal{Boss: true, Level: BossLevel}
	if err := pe.Check(boss, "cron.delete"); err != nil {
		t.Errorf("boss blocked: %v", err)
	}
}

func TestPolicyEngineHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "permissions.json")

	pe, err := NewPolicyEngine(path, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if got := pe.Require("envelope.send"); got != Standard {
		t.Fatalf("precondition: %s", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- pe.Watch(ctx) }()

	// Give the watcher a moment to attach before the write.
	time.Sleep(100 * time.Millisecond)
	content := `{version: 1, operations: {"envelope.send": "boss"}}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if pe.Require("envelope.send") == BossLevel {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := pe.Require("envelope.send"); got != BossLevel {
		t.Fatalf("policy not reloaded: %s", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not stop on cancel")
	}
}

func TestAuthenticatorResolve(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}

	if err := s.SetConfig(ctx, store.ConfigBossTokenHash, store.HashToken("boss-secret")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateAgent(ctx, store.Agent{Name: "nex", Token: "agent-token", Permission: "privileged"}); err != nil {
		t.Fatal(err)
	}

	a := NewAuthenticator(s)

	boss, err := a.Resolve(ctx, "boss-secret")
	if err != nil {
		t.Fatal(err)
	}
	if !boss.Boss || boss.Level != BossLevel {
		t.Errorf("boss principal = %+v", boss)
	}

	agent, err := a.Resolve(ctx, "agent-token")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Boss || agent.Agent == nil || agent.Agent.Name != "nex" || agent.Level != Privileged {
		t.Errorf("agent principal = %+v", agent)
	}

	if _, err := a.Resolve(ctx, "bogus"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("unknown token: got %v", err)
	}
	if _, err := a.Resolve(ctx, ""); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("empty token: got %v", err)
	}
}
