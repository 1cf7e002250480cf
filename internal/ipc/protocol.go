// Package ipc exposes the daemon over a local unix stream socket:
// newline-framed JSON requests dispatched to authenticated method
// handlers.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/hiboss/internal/auth"
	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// Request is one framed call. Token rides in params and is stripped
// before the handler sees them.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries exactly one of Result or Error.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is the structured wire error.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Wire error codes.
const (
	CodeInvalidParams = "INVALID_PARAMS"
	CodeUnauthorized  = "UNAUTHORIZED"
	CodeNotFound      = "NOT_FOUND"
	CodeAlreadyExists = "ALREADY_EXISTS"
	CodeInternal      = "INTERNAL"
)

// toError maps domain errors to wire errors. Anything unrecognized is
// INTERNAL; ambiguous-prefix errors carry their candidates in Data so
// the caller can disambiguate without a second round trip.
func toError(err error) *Error {
	var wire *Error
	if errors.As(err, &wire) {
		return wire
	}
	if amb, ok := store.IsAmbiguous(err); ok {
		return &Error{
			Code:    CodeInvalidParams,
			Message: amb.Error(),
			Data:    map[string]any{"candidates": amb.Candidates},
		}
	}
	switch {
	case errors.Is(err, store.ErrInvalidInput):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, auth.ErrUnauthorized):
		return &Error{Code: CodeUnauthorized, Message: err.Error()}
	case errors.Is(err, store.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	case errors.Is(err, store.ErrAlreadyExists):
		return &Error{Code: CodeAlreadyExists, Message: err.Error()}
	default:
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}

func invalidParams(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}
