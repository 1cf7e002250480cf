package cron

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/hiboss/internal/address"
	"github.com/nextlevelbuilder/hiboss/internal/envelope"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMaterializer(t *testing.T, start time.Time) (*Materializer, *store.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: start}
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return New(s, testLogger(), WithClock(clock.Now)), s, clock
}

func TestValidate(t *testing.T) {
	if err := Validate("0 9 * * *", ""); err != nil {
		t.Errorf("valid expr rejected: %v", err)
	}
	if err := Validate("0 9 * * *", "Asia/Ho_Chi_Minh"); err != nil {
		t.Errorf("valid timezone rejected: %v", err)
	}
	if err := Validate("not a cron", ""); err == nil {
		t.Error("garbage expr accepted")
	}
	if err := Validate("0 9 * * *", "Mars/Olympus"); err == nil {
		t.Error("unknown timezone accepted")
	}
}

func TestExplain(t *testing.T) {
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	fires, err := Explain("0 9 * * *", "", 3, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(fires) != 3 {
		t.Fatalf("fires = %d", len(fires))
	}
	for i, f := range fires {
		want := time.Date(2025, 6, 1+i, 9, 0, 0, 0, time.UTC)
		if !f.Equal(want) {
			t.Errorf("fire[%d] = %s, want %s", i, f, want)
		}
	}
}

func TestCreateMaterializesFirstFire(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	m, s, _ := newTestMaterializer(t, start)

	var notified []envelope.Envelope
	m.SetNotify(func(e envelope.Envelope) { notified = append(notified, e) })

	c, err := m.Create(ctx, store.CronSchedule{
		AgentName: "nex",
		Expr:      "0 9 * * *",
		To:        "agent:nex",
		Text:      "standup",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !c.Enabled {
		t.Error("created schedule not enabled")
	}
	if c.PendingEnvelopeID == "" {
		t.Fatal("no materialized envelope")
	}

	e, err := s.GetEnvelope(ctx, c.PendingEnvelopeID)
	if err != nil {
		t.Fatal(err)
	}
	wantFire := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC).UnixMilli()
	if e.DeliverAt != wantFire {
		t.Errorf("deliver_at = %d, want %d", e.DeliverAt, wantFire)
	}
	if e.From != address.AgentAddr(address.ReservedAgentName) {
		t.Errorf("from = %s", e.From)
	}
	if e.Metadata.CronScheduleID != c.ID {
		t.Errorf("cronScheduleId = %q", e.Metadata.CronScheduleID)
	}
	if e.Source() != envelope.SourceCron {
		t.Errorf("source = %q", e.Source())
	}

	if len(notified) != 1 || notified[0].ID != e.ID {
		t.Errorf("notify calls = %v", notified)
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMaterializer(t, time.Now())

	if _, err := m.Create(ctx, store.CronSchedule{Expr: "bad", To: "agent:nex"}); err == nil {
		t.Error("bad expression accepted")
	}
	if _, err := m.Create(ctx, store.CronSchedule{Expr: "0 9 * * *", To: "nowhere"}); err == nil {
		t.Error("bad target address accepted")
	}
}

func TestCompleteEnvelopeAdvancesSchedule(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	m, s, clock := newTestMaterializer(t, start)

	c, err := m.Create(ctx, store.CronSchedule{
		AgentName: "nex", Expr: "0 9 * * *", To: "agent:nex", Text: "standup",
	})
	if err != nil {
		t.Fatal(err)
	}
	firstID := c.PendingEnvelopeID

	// Delivery happens at (or after) the fire time.
	clock.Set(time.Date(2025, 6, 1, 9, 0, 1, 0, time.UTC))

	done, err := m.CompleteEnvelope(ctx, firstID, "")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != envelope.StatusDone {
		t.Fatalf("status = %q", done.Status)
	}

	c, err = s.GetCronSchedule(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.PendingEnvelopeID == "" || c.PendingEnvelopeID == firstID {
		t.Fatalf("schedule did not advance: pending = %q", c.PendingEnvelopeID)
	}

	next, err := s.GetEnvelope(ctx, c.PendingEnvelopeID)
	if err != nil {
		t.Fatal(err)
	}
	wantFire := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC).UnixMilli()
	if next.DeliverAt != wantFire {
		t.Errorf("next fire = %d, want %d", next.DeliverAt, wantFire)
	}
}

func TestCompleteEnvelopePlain(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestMaterializer(t, time.Now())

	e, err := s.CreateEnvelope(ctx, store.CreateEnvelopeInput{
		From: address.AgentAddr("nex"), To: address.AgentAddr("vera"),
		Content: envelope.Content{Text: "no schedule attached"},
	})
	if err != nil {
		t.Fatal(err)
	}

	done, err := m.CompleteEnvelope(ctx, e.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != envelope.StatusDone {
		t.Errorf("status = %q", done.Status)
	}
}

func TestDisableCancelsPendingEnvelope(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	m, s, _ := newTestMaterializer(t, start)

	c, err := m.Create(ctx, store.CronSchedule{
		AgentName: "nex", Expr: "0 9 * * *", To: "agent:nex",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Disable(ctx, c.ID); err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetCronSchedule(ctx, c.ID)
	if got.Enabled || got.PendingEnvelopeID != "" {
		t.Fatalf("after disable: enabled=%v pending=%q", got.Enabled, got.PendingEnvelopeID)
	}

	e, err := s.GetEnvelope(ctx, c.PendingEnvelopeID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != envelope.StatusDone {
		t.Errorf("cancelled envelope status = %q", e.Status)
	}

	// Re-enabling materializes a fresh occurrence.
	if err := m.Enable(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetCronSchedule(ctx, c.ID)
	if !got.Enabled || got.PendingEnvelopeID == "" || got.PendingEnvelopeID == c.PendingEnvelopeID {
		t.Fatalf("after enable: enabled=%v pending=%q", got.Enabled, got.PendingEnvelopeID)
	}
}

func TestDeleteCancelsAndRemoves(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestMaterializer(t, time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))

	c, err := m.Create(ctx, store.CronSchedule{
		AgentName: "nex", Expr: "0 9 * * *", To: "agent:nex",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(ctx, c.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetCronSchedule(ctx, c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("schedule survived delete: %v", err)
	}
	e, err := s.GetEnvelope(ctx, c.PendingEnvelopeID)
	if err != nil {
		t.Fatal(err)
	}
	if e.Status != envelope.StatusDone {
		t.Errorf("materialized envelope not cancelled: %q", e.Status)
	}
}

func TestMisfireSweepSkipsMissedFires(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	m, s, clock := newTestMaterializer(t, start)

	c, err := m.Create(ctx, store.CronSchedule{
		AgentName: "nex", Expr: "0 9 * * *", To: "agent:nex", Text: "standup",
	})
	if err != nil {
		t.Fatal(err)
	}
	missedID := c.PendingEnvelopeID

	// Daemon comes back three days later; the fire is long past.
	clock.Set(time.Date(2025, 6, 4, 12, 0, 0, 0, time.UTC))

	if err := m.MisfireSweep(ctx); err != nil {
		t.Fatal(err)
	}

	missed, err := s.GetEnvelope(ctx, missedID)
	if err != nil {
		t.Fatal(err)
	}
	if missed.Status != envelope.StatusDone {
		t.Fatalf("missed envelope status = %q", missed.Status)
	}
	if missed.Metadata.LastDeliveryError == "" {
		t.Error("missed envelope carries no delivery note")
	}

	c, err = s.GetCronSchedule(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c.PendingEnvelopeID == "" || c.PendingEnvelopeID == missedID {
		t.Fatal("schedule not advanced past the misfire")
	}
	next, err := s.GetEnvelope(ctx, c.PendingEnvelopeID)
	if err != nil {
		t.Fatal(err)
	}
	// Strictly after the new now: the missed days are skipped, not replayed.
	wantFire := time.Date(2025, 6, 5, 9, 0, 0, 0, time.UTC).UnixMilli()
	if next.DeliverAt != wantFire {
		t.Errorf("next fire = %s, want %s",
			time.UnixMilli(next.DeliverAt).UTC(), time.UnixMilli(wantFire).UTC())
	}
}

func TestMisfireSweepLeavesFutureFires(t *testing.T) {
	ctx := context.Background()
	m, s, _ := newTestMaterializer(t, time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC))

	c, err := m.Create(ctx, store.CronSchedule{
		AgentName: "nex", Expr: "0 9 * * *", To: "agent:nex",
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.MisfireSweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetCronSchedule(ctx, c.ID)
	if got.PendingEnvelopeID != c.PendingEnvelopeID {
		t.Error("sweep touched a schedule whose fire is still in the future")
	}
}
