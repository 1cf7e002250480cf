package adapters

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/hiboss/internal/envelope"
)

func TestMessageIDRoundTrip(t *testing.T) {
	for _, id := range []int64{0, 1, 35, 36, 12345, 9_007_199_254_740_991} {
		enc := EncodeMessageID(id)
		got, err := ParseMessageID(enc)
		if err != nil {
			t.Fatalf("ParseMessageID(%q): %v", enc, err)
		}
		if got != id {
			t.Errorf("round trip %d -> %q -> %d", id, enc, got)
		}
	}
}

func TestParseMessageIDDecimalForm(t *testing.T) {
	got, err := ParseMessageID("dec:12345")
	if err != nil {
		t.Fatal(err)
	}
	if got != 12345 {
		t.Errorf("got %d", got)
	}

	for _, in := range []string{"dec:", "dec:abc", "!!", ""} {
		if _, err := ParseMessageID(in); err == nil {
			t.Errorf("ParseMessageID(%q): expected error", in)
		}
	}
}

type stubAdapter struct {
	typ     string
	started int
	stopped int
}

func (a *stubAdapter) Type() string                                             { return a.typ }
func (a *stubAdapter) Start(ctx context.Context) error                          { a.started++; return nil }
func (a *stubAdapter) Stop(ctx context.Context) error                           { a.stopped++; return nil }
func (a *stubAdapter) Send(ctx context.Context, e envelope.Envelope) error      { return nil }
func (a *stubAdapter) React(ctx context.Context, chat, msg, emoji string) error { return nil }

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	tg := &stubAdapter{typ: "telegram"}
	dc := &stubAdapter{typ: "discord"}
	if err := r.Register(tg); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(dc); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&stubAdapter{typ: "telegram"}); err == nil {
		t.Error("duplicate type accepted")
	}

	if got, ok := r.Get("telegram"); !ok || got != Adapter(tg) {
		t.Errorf("Get(telegram) = %v %v", got, ok)
	}
	if _, ok := r.Get("zalo"); ok {
		t.Error("unknown type found")
	}
	if got := r.Types(); len(got) != 2 {
		t.Errorf("Types = %v", got)
	}

	if err := r.StartAll(ctx); err != nil {
		t.Fatal(err)
	}
	r.StopAll(ctx)
	if tg.started != 1 || tg.stopped != 1 || dc.started != 1 || dc.stopped != 1 {
		t.Errorf("lifecycle counts: tg=%+v dc=%+v", tg, dc)
	}
}
