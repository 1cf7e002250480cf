package ipc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nextlevelbuilder/hiboss/internal/auth"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

func TestToErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code string
	}{
		{"invalid input", fmt.Errorf("bad id: %w", store.ErrInvalidInput), CodeInvalidParams},
		{"unauthorized", fmt.Errorf("nope: %w", auth.ErrUnauthorized), CodeUnauthorized},
		{"not found", fmt.Errorf("gone: %w", store.ErrNotFound), CodeNotFound},
		{"already exists", fmt.Errorf("dup: %w", store.ErrAlreadyExists), CodeAlreadyExists},
		{"unrecognized", errors.New("disk on fire"), CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := toError(tc.err)
			if got.Code != tc.code {
				t.Errorf("code = %s, want %s", got.Code, tc.code)
			}
			if got.Message == "" {
				t.Error("message dropped")
			}
		})
	}
}

func TestToErrorPassesWireErrorsThrough(t *testing.T) {
	wire := &Error{Code: CodeNotFound, Message: "unknown method"}
	if got := toError(fmt.Errorf("dispatch: %w", wire)); got != wire {
		t.Errorf("wrapped wire error remapped: %+v", got)
	}
}

func TestToErrorCarriesAmbiguousCandidates(t *testing.T) {
	amb := &store.AmbiguousError{
		Prefix: "dead",
		Candidates: []store.Candidate{
			{ID: "deadbeef00", Short: "deadbeef", Label: "first"},
			{ID: "deadbeef01", Short: "deadbeef", Label: "second"},
		},
	}
	got := toError(fmt.Errorf("lookup: %w", amb))
	if got.Code != CodeInvalidParams {
		t.Fatalf("code = %s", got.Code)
	}
	data, ok := got.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T", got.Data)
	}
	cands, ok := data["candidates"].([]store.Candidate)
	if !ok || len(cands) != 2 {
		t.Errorf("candidates = %v", data["candidates"])
	}
}
