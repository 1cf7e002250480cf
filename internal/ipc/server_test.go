package ipc

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/adapters"
	"github.com/nextlevelbuilder/hiboss/internal/auth"
	"github.com/nextlevelbuilder/hiboss/internal/cron"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
	"github.com/nextlevelbuilder/hiboss/internal/executor"
	"github.com/nextlevelbuilder/hiboss/internal/provider"
	"github.com/nextlevelbuilder/hiboss/internal/router"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

type stubSession struct{ handle string }

func (s *stubSession) Handle() string { return s.handle }
func (s *stubSession) Run(ctx context.Context, turn provider.Turn) (*provider.RunResult, error) {
	return &provider.RunResult{Response: "ok"}, nil
}
func (s *stubSession) Close() error { return nil }

type stubProvider struct{}

func (p *stubProvider) Open(ctx context.Context, cfg provider.SessionConfig) (provider.Session, error) {
	return &stubSession{handle: "sess-" + cfg.AgentName}, nil
}

func (p *stubProvider) Resume(ctx context.Context, cfg provider.SessionConfig, handle string) (provider.Session, error) {
	return &stubSession{handle: handle}, nil
}

type daemon struct {
	store  *store.Store
	socket string
}

// startDaemon wires a full server over a throwaway store and socket and
// returns once the socket accepts connections. seedBoss stores the hash
// for "boss-secret" up front; first-boot tests start without it.
func startDaemon(t *testing.T, seedBoss bool) *daemon {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if seedBoss {
		if err := s.SetConfig(ctx, store.ConfigBossTokenHash, store.HashToken("boss-secret")); err != nil {
			t.Fatal(err)
		}
	}

	logger := discardLogger()
	authn := auth.NewAuthenticator(s)
	policy, err := auth.NewPolicyEngine(filepath.Join(dir, "permissions.json"), logger)
	if err != nil {
		t.Fatal(err)
	}
	mat := cron.New(s, logger)
	registry := adapters.NewRegistry()
	exec := executor.New(s, mat, &stubProvider{}, logger)
	t.Cleanup(exec.CloseAll)
	rt := router.New(s, mat, registry, exec, logger)

	sockPath := filepath.Join(dir, "daemon.sock")
	srv := NewServer(s, authn, policy, rt, exec, mat, registry, sockPath, logger)
	go srv.Serve(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.DialTimeout("unix", sockPath, time.Second)
		if err == nil {
			conn.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket never came up: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return &daemon{store: s, socket: sockPath}
}

func dialAs(t *testing.T, d *daemon, token string) *Client {
	t.Helper()
	c, err := Dial(d.socket, token)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func wireCode(t *testing.T, err error) string {
	t.Helper()
	var wire *Error
	if !errors.As(err, &wire) {
		t.Fatalf("error %v is not a wire error", err)
	}
	return wire.Code
}

func TestServerSetupAndMessaging(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, true)
	boss := dialAs(t, d, "boss-secret")

	var ping struct {
		Pong bool `json:"pong"`
	}
	if err := boss.CallInto(ctx, "daemon.ping", nil, &ping); err != nil {
		t.Fatal(err)
	}
	if !ping.Pong {
		t.Error("ping did not pong")
	}

	var setup struct {
		Completed bool              `json:"completed"`
		Created   map[string]string `json:"created"`
		Issues    []string          `json:"issues"`
	}
	err := boss.CallInto(ctx, "setup.execute", map[string]any{
		"bossName":     "Duc",
		"bossTimezone": "Asia/Ho_Chi_Minh",
		"bossToken":    "boss-secret",
		"agents": []map[string]any{
			{
				"name": "nex",
				"bindings": []map[string]any{
					{"adapter": "telegram", "token": "tg-cred"},
				},
			},
			{"name": "lead"},
		},
	}, &setup)
	if err != nil {
		t.Fatal(err)
	}
	if !setup.Completed || len(setup.Issues) != 0 {
		t.Fatalf("setup = %+v", setup)
	}
	if setup.Created["nex"] == "" || setup.Created["lead"] == "" {
		t.Fatalf("agent tokens not returned: %v", setup.Created)
	}

	// Agents authenticate with their freshly minted tokens.
	nex := dialAs(t, d, setup.Created["nex"])

	var sent envelope.Envelope
	err = nex.CallInto(ctx, "envelope.send", map[string]any{
		"to":        "agent:lead",
		"text":      "weekly report is due",
		"deliverAt": "+1h",
	}, &sent)
	if err != nil {
		t.Fatal(err)
	}
	if got := sent.From.String(); got != "agent:nex" {
		t.Errorf("sender = %q, want the calling agent", got)
	}
	if sent.DeliverAt == 0 || sent.Status != envelope.StatusPending {
		t.Errorf("scheduled envelope = %+v", sent)
	}

	var fetched envelope.Envelope
	if err := nex.CallInto(ctx, "envelope.get", map[string]any{"id": sent.ID[:8]}, &fetched); err != nil {
		t.Fatal(err)
	}
	if fetched.ID != sent.ID {
		t.Errorf("prefix lookup returned %s", fetched.ID)
	}

	var inbox []envelope.Envelope
	if err := nex.CallInto(ctx, "envelope.list", map[string]any{"address": "agent:lead"}, &inbox); err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 1 || inbox[0].ID != sent.ID {
		t.Errorf("inbox = %+v", inbox)
	}

	var valid struct {
		Valid bool `json:"valid"`
	}
	if err := boss.CallInto(ctx, "boss.verify", map[string]any{"bossToken": "boss-secret"}, &valid); err != nil {
		t.Fatal(err)
	}
	if !valid.Valid {
		t.Error("boss token rejected")
	}
}

func TestServerRejections(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, true)
	boss := dialAs(t, d, "boss-secret")

	var reg store.Agent
	if err := boss.CallInto(ctx, "agent.register", map[string]any{"name": "nex"}, &reg); err != nil {
		t.Fatal(err)
	}
	if reg.Token == "" {
		t.Fatal("registration did not reveal the token")
	}
	agent := dialAs(t, d, reg.Token)

	// agent.register is boss-only under the default policy.
	if _, err := agent.Call(ctx, "agent.register", map[string]any{"name": "mole"}); wireCode(t, err) != CodeUnauthorized {
		t.Errorf("standard agent registered an agent: %v", err)
	}

	if _, err := boss.Call(ctx, "envelope.ship", nil); wireCode(t, err) != CodeNotFound {
		t.Errorf("unknown method: %v", err)
	}

	if _, err := boss.Call(ctx, "memory.search", map[string]any{"query": "q"}); wireCode(t, err) != CodeInternal {
		t.Errorf("memory method: %v", err)
	}

	stranger := dialAs(t, d, "wrong-token")
	if _, err := stranger.Call(ctx, "daemon.ping", nil); wireCode(t, err) != CodeUnauthorized {
		t.Errorf("bad token: %v", err)
	}

	if _, err := boss.Call(ctx, "envelope.get", map[string]any{"id": "ffffffff"}); wireCode(t, err) != CodeNotFound {
		t.Errorf("missing envelope: %v", err)
	}

	if _, err := agent.Call(ctx, "envelope.send", map[string]any{
		"from": "agent:other", "to": "agent:nex", "text": "spoofed",
	}); wireCode(t, err) != CodeUnauthorized {
		t.Error("standard agent impersonated another sender")
	}
}

func setupTopology(bossToken string) map[string]any {
	return map[string]any{
		"bossToken": bossToken,
		"agents": []map[string]any{
			{
				"name": "nex",
				"bindings": []map[string]any{
					{"adapter": "telegram", "token": "tg-cred"},
				},
			},
			{"name": "lead"},
		},
	}
}

func TestServerFirstBootSetup(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, false)

	// No boss token exists yet; setup must still be reachable.
	anon := dialAs(t, d, "")
	var check struct {
		Completed bool `json:"completed"`
	}
	if err := anon.CallInto(ctx, "setup.check", nil, &check); err != nil {
		t.Fatal(err)
	}
	if check.Completed {
		t.Fatal("fresh store reports setup completed")
	}

	// Everything else stays locked down before setup.
	if _, err := anon.Call(ctx, "daemon.ping", nil); wireCode(t, err) != CodeUnauthorized {
		t.Errorf("fresh daemon answered ping without a token: %v", err)
	}

	var setup struct {
		Completed bool              `json:"completed"`
		Created   map[string]string `json:"created"`
	}
	if err := anon.CallInto(ctx, "setup.execute", setupTopology("first-secret"), &setup); err != nil {
		t.Fatal(err)
	}
	if !setup.Completed || setup.Created["nex"] == "" {
		t.Fatalf("setup = %+v", setup)
	}

	// The token chosen during setup is now the boss token.
	boss := dialAs(t, d, "first-secret")
	if _, err := boss.Call(ctx, "daemon.ping", nil); err != nil {
		t.Errorf("setup boss token rejected: %v", err)
	}

	// Post-completion the setup methods need a real principal again.
	if _, err := anon.Call(ctx, "setup.execute", setupTopology("hijack")); wireCode(t, err) != CodeUnauthorized {
		t.Error("completed daemon accepted an unauthenticated setup.execute")
	}
}

func TestServerSetupRetryRequiresStoredToken(t *testing.T) {
	ctx := context.Background()
	// Hash stored, setup not completed: an interrupted earlier run.
	d := startDaemon(t, true)
	anon := dialAs(t, d, "")

	if _, err := anon.Call(ctx, "setup.execute", setupTopology("wrong-secret")); wireCode(t, err) != CodeUnauthorized {
		t.Errorf("mismatched boss token accepted: %v", err)
	}

	var setup struct {
		Completed bool `json:"completed"`
	}
	if err := anon.CallInto(ctx, "setup.execute", setupTopology("boss-secret"), &setup); err != nil {
		t.Fatal(err)
	}
	if !setup.Completed {
		t.Fatalf("setup = %+v", setup)
	}
}

func TestServerSetupExecuteIdempotent(t *testing.T) {
	ctx := context.Background()
	d := startDaemon(t, false)
	anon := dialAs(t, d, "")

	var first struct {
		Created map[string]string `json:"created"`
	}
	if err := anon.CallInto(ctx, "setup.execute", setupTopology("first-secret"), &first); err != nil {
		t.Fatal(err)
	}
	if len(first.Created) != 2 {
		t.Fatalf("created = %v", first.Created)
	}

	// The identical topology again: existing agents and bindings are
	// no-ops, nothing rolls back, no tokens are re-issued.
	boss := dialAs(t, d, "first-secret")
	var second struct {
		Completed bool              `json:"completed"`
		Created   map[string]string `json:"created"`
		Issues    []string          `json:"issues"`
	}
	if err := boss.CallInto(ctx, "setup.execute", setupTopology("first-secret"), &second); err != nil {
		t.Fatal(err)
	}
	if !second.Completed || len(second.Issues) != 0 {
		t.Fatalf("second execute = %+v", second)
	}
	if len(second.Created) != 0 {
		t.Errorf("re-issued tokens: %v", second.Created)
	}
}
