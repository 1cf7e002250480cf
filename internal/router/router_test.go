package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/adapters"
	"github.com/nextlevelbuilder/hiboss/internal/address"
	"github.com/nextlevelbuilder/hiboss/internal/cron"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

type fakeAdapter struct {
	typ     string
	sendErr error

	mu   sync.Mutex
	sent []envelope.Envelope
}

func (a *fakeAdapter) Type() string                    { return a.typ }
func (a *fakeAdapter) Start(ctx context.Context) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error  { return nil }

func (a *fakeAdapter) Send(ctx context.Context, e envelope.Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return a.sendErr
	}
	a.sent = append(a.sent, e)
	return nil
}

func (a *fakeAdapter) React(ctx context.Context, chatID, messageID, emoji string) error { return nil }

func (a *fakeAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

type fakeNotifier struct {
	mu    sync.Mutex
	names []string
}

func (n *fakeNotifier) CheckAndRun(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.names = append(n.names, name)
}

func (n *fakeNotifier) calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.names...)
}

type fakeListener struct {
	mu      sync.Mutex
	created []envelope.Envelope
}

func (l *fakeListener) OnEnvelopeCreated(e envelope.Envelope) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.created = append(l.created, e)
}

func (l *fakeListener) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.created)
}

func newTestRouter(t *testing.T) (*Router, *store.Store, *adapters.Registry, *fakeNotifier) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := adapters.NewRegistry()
	exec := &fakeNotifier{}
	r := New(s, cron.New(s, logger), registry, exec, logger)
	return r, s, registry, exec
}

func mustAgentWithBinding(t *testing.T, s *store.Store, name, adapterType string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.CreateAgent(ctx, store.Agent{Name: name, Token: "tok-" + name}); err != nil {
		t.Fatal(err)
	}
	if adapterType != "" {
		if err := s.CreateBinding(ctx, store.Binding{
			AgentName: name, AdapterType: adapterType, AdapterToken: "cred-" + name,
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRouteEnvelopeToAgent(t *testing.T) {
	ctx := context.Background()
	r, s, _, exec := newTestRouter(t)
	mustAgentWithBinding(t, s, "nex", "")

	lst := &fakeListener{}
	r.SetCreatedListener(lst)

	e, err := r.RouteEnvelope(ctx, RouteInput{
		From:    address.AgentAddr("vera"),
		To:      address.AgentAddr("nex"),
		Content: envelope.Content{Text: "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != envelope.StatusPending {
		t.Errorf("status = %q", e.Status)
	}
	if got := exec.calls(); len(got) != 1 || got[0] != "nex" {
		t.Errorf("executor signals = %v", got)
	}
	if lst.count() != 1 {
		t.Errorf("listener calls = %d", lst.count())
	}
}

func TestRouteEnvelopeToUnknownAgent(t *testing.T) {
	ctx := context.Background()
	r, _, _, _ := newTestRouter(t)

	_, err := r.RouteEnvelope(ctx, RouteInput{
		From:    address.AgentAddr("vera"),
		To:      address.AgentAddr("ghost"),
		Content: envelope.Content{Text: "anyone there"},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRouteEnvelopeValidation(t *testing.T) {
	ctx := context.Background()
	r, s, _, _ := newTestRouter(t)
	mustAgentWithBinding(t, s, "nex", "")

	cases := []struct {
		name string
		in   RouteInput
	}{
		{"missing from", RouteInput{To: address.AgentAddr("nex")}},
		{"missing to", RouteInput{From: address.AgentAddr("nex")}},
		{"channel sender for channel destination", RouteInput{
			From: address.ChannelAddr("telegram", "1"),
			To:   address.ChannelAddr("telegram", "2"),
		}},
		{"channel destination without binding", RouteInput{
			From: address.AgentAddr("nex"),
			To:   address.ChannelAddr("telegram", "42"),
		}},
		{"bad attachment source", RouteInput{
			From:    address.AgentAddr("nex"),
			To:      address.AgentAddr("nex"),
			Content: envelope.Content{Attachments: []envelope.Attachment{{Source: "relative.pdf"}}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := r.RouteEnvelope(ctx, tc.in); !errors.Is(err, store.ErrInvalidInput) {
				t.Errorf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestRouteScheduledEnvelopeNotDispatched(t *testing.T) {
	ctx := context.Background()
	r, s, _, exec := newTestRouter(t)
	mustAgentWithBinding(t, s, "nex", "")

	_, err := r.RouteEnvelope(ctx, RouteInput{
		From:      address.AgentAddr("vera"),
		To:        address.AgentAddr("nex"),
		Content:   envelope.Content{Text: "later"},
		DeliverAt: time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := exec.calls(); len(got) != 0 {
		t.Errorf("future envelope dispatched immediately: %v", got)
	}
}

func TestImmediateChannelDelivery(t *testing.T) {
	ctx := context.Background()
	r, s, registry, _ := newTestRouter(t)
	mustAgentWithBinding(t, s, "nex", "telegram")

	tg := &fakeAdapter{typ: "telegram"}
	if err := registry.Register(tg); err != nil {
		t.Fatal(err)
	}

	e, err := r.RouteEnvelope(ctx, RouteInput{
		From:    address.AgentAddr("nex"),
		To:      address.ChannelAddr("telegram", "42"),
		Content: envelope.Content{Text: "outbound"},
	})
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, "async delivery", func() bool {
		got, err := s.GetEnvelope(ctx, e.ID)
		return err == nil && got.Status == envelope.StatusDone
	})
	if tg.sentCount() != 1 {
		t.Errorf("adapter sends = %d", tg.sentCount())
	}
	got, _ := s.GetEnvelope(ctx, e.ID)
	if got.Metadata.LastDeliveryError != "" {
		t.Errorf("unexpected delivery error %q", got.Metadata.LastDeliveryError)
	}
}

func TestChannelDeliveryFailureTerminatesEnvelope(t *testing.T) {
	ctx := context.Background()
	r, s, registry, _ := newTestRouter(t)
	mustAgentWithBinding(t, s, "nex", "telegram")

	tg := &fakeAdapter{typ: "telegram", sendErr: fmt.Errorf("403 forbidden")}
	if err := registry.Register(tg); err != nil {
		t.Fatal(err)
	}

	e, err := s.CreateEnvelope(ctx, store.CreateEnvelopeInput{
		From: address.AgentAddr("nex"), To: address.ChannelAddr("telegram", "42"),
		Content: envelope.Content{Text: "doomed"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.DeliverChannelEnvelope(ctx, e); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetEnvelope(ctx, e.ID)
	if got.Status != envelope.StatusDone {
		t.Fatalf("status = %q, want done even on adapter failure", got.Status)
	}
	if got.Metadata.LastDeliveryError == "" {
		t.Error("delivery error not recorded")
	}
}

func TestChannelDeliveryWithoutRunningAdapter(t *testing.T) {
	ctx := context.Background()
	r, s, _, _ := newTestRouter(t)
	mustAgentWithBinding(t, s, "nex", "telegram")

	e, err := s.CreateEnvelope(ctx, store.CreateEnvelopeInput{
		From: address.AgentAddr("nex"), To: address.ChannelAddr("telegram", "42"),
		Content: envelope.Content{Text: "no adapter"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := r.DeliverChannelEnvelope(ctx, e); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetEnvelope(ctx, e.ID)
	if got.Status != envelope.StatusDone || got.Metadata.LastDeliveryError == "" {
		t.Errorf("envelope = %q err=%q", got.Status, got.Metadata.LastDeliveryError)
	}
}

func TestHandleMissingAgent(t *testing.T) {
	ctx := context.Background()
	r, s, _, _ := newTestRouter(t)

	// Rows addressed to an agent that was never registered (or was
	// deleted after the envelopes were created).
	var ids []string
	for i := 0; i < 3; i++ {
		e, err := s.CreateEnvelope(ctx, store.CreateEnvelopeInput{
			From: address.AgentAddr(address.ReservedAgentName), To: address.AgentAddr("ghost"),
			Content: envelope.Content{Text: "hello?"},
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}

	r.HandleMissingAgent(ctx, "ghost")

	for _, id := range ids {
		got, _ := s.GetEnvelope(ctx, id)
		if got.Status != envelope.StatusDone || got.Metadata.LastDeliveryError == "" {
			t.Errorf("envelope %s = %q err=%q", got.ShortID(), got.Status, got.Metadata.LastDeliveryError)
		}
	}
}

func TestConsumePending(t *testing.T) {
	ctx := context.Background()
	r, s, _, _ := newTestRouter(t)
	mustAgentWithBinding(t, s, "nex", "")

	for _, text := range []string{"one", "two"} {
		if _, err := s.CreateEnvelope(ctx, store.CreateEnvelopeInput{
			From: address.AgentAddr("vera"), To: address.AgentAddr("nex"),
			Content: envelope.Content{Text: text},
		}); err != nil {
			t.Fatal(err)
		}
	}

	consumed, err := r.ConsumePending(ctx, "nex", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(consumed) != 2 {
		t.Fatalf("consumed = %d", len(consumed))
	}
	for _, e := range consumed {
		if e.Status != envelope.StatusDone {
			t.Errorf("consumed envelope %s still %q", e.ShortID(), e.Status)
		}
	}

	if n, _ := s.CountDuePendingForAgent(ctx, "nex"); n != 0 {
		t.Errorf("due pending after consume = %d", n)
	}
}

func TestDropPendingBatchSparesCronEnvelopes(t *testing.T) {
	ctx := context.Background()
	r, s, _, _ := newTestRouter(t)
	mustAgentWithBinding(t, s, "nex", "")

	plain, err := s.CreateEnvelope(ctx, store.CreateEnvelopeInput{
		From: address.AgentAddr("vera"), To: address.AgentAddr("nex"),
		Content: envelope.Content{Text: "droppable"},
	})
	if err != nil {
		t.Fatal(err)
	}
	cronOrigin, err := s.CreateEnvelope(ctx, store.CreateEnvelopeInput{
		From: address.AgentAddr(address.ReservedAgentName), To: address.AgentAddr("nex"),
		Content:  envelope.Content{Text: "materialized"},
		Metadata: envelope.Metadata{CronScheduleID: "aabb0000000000000000000000000000"},
	})
	if err != nil {
		t.Fatal(err)
	}

	dropped, err := r.DropPendingBatch(ctx, "nex", "aborted by operator")
	if err != nil {
		t.Fatal(err)
	}
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}

	got, _ := s.GetEnvelope(ctx, plain.ID)
	if got.Status != envelope.StatusDone {
		t.Errorf("plain envelope = %q", got.Status)
	}
	got, _ = s.GetEnvelope(ctx, cronOrigin.ID)
	if got.Status != envelope.StatusPending {
		t.Errorf("cron envelope = %q, want spared", got.Status)
	}
}

func TestHandleInbound(t *testing.T) {
	ctx := context.Background()
	r, s, _, exec := newTestRouter(t)
	mustAgentWithBinding(t, s, "nex", "telegram")
	if err := s.SetBossID(ctx, "telegram", "777"); err != nil {
		t.Fatal(err)
	}

	err := r.HandleInbound(ctx, adapters.Inbound{
		AdapterType: "telegram",
		AgentName:   "nex",
		ChatID:      "777",
		SenderID:    "777",
		SenderName:  "@duc",
		Text:        "status?",
		MessageID:   "k3",
	})
	if err != nil {
		t.Fatal(err)
	}

	list, err := s.ListEnvelopes(ctx, store.ListFilter{
		Address: address.AgentAddr("nex"), Box: store.BoxInbox,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("inbox = %d", len(list))
	}
	e := list[0]
	if !e.FromBoss {
		t.Error("boss sender not detected")
	}
	if e.From != address.ChannelAddr("telegram", "777") {
		t.Errorf("from = %s", e.From)
	}
	if e.Metadata.FromName != "@duc" || e.Metadata.Extra["channelMessageId"] != "k3" {
		t.Errorf("metadata = %+v", e.Metadata)
	}
	if got := exec.calls(); len(got) != 1 || got[0] != "nex" {
		t.Errorf("executor signals = %v", got)
	}
}

func TestHandleInboundNonBossSender(t *testing.T) {
	ctx := context.Background()
	r, s, _, _ := newTestRouter(t)
	mustAgentWithBinding(t, s, "nex", "telegram")
	if err := s.SetBossID(ctx, "telegram", "777"); err != nil {
		t.Fatal(err)
	}

	if err := r.HandleInbound(ctx, adapters.Inbound{
		AdapterType: "telegram", AgentName: "nex",
		ChatID: "555", SenderID: "555", Text: "hi",
	}); err != nil {
		t.Fatal(err)
	}

	list, _ := s.ListEnvelopes(ctx, store.ListFilter{
		Address: address.AgentAddr("nex"), Box: store.BoxInbox,
	})
	if len(list) != 1 || list[0].FromBoss {
		t.Errorf("inbox = %+v", list)
	}
}
