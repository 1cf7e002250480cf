package store

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors forming the domain taxonomy. IPC maps these to wire
// error codes at the boundary.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// AmbiguousError is returned when an id prefix matches more than one
// row. The store never guesses; callers report the candidates.
type AmbiguousError struct {
	Prefix     string
	Candidates []Candidate
}

// Candidate describes one row matched by an ambiguous prefix, with a
// kind-specific label sufficient to disambiguate.
type Candidate struct {
	ID    string `json:"id"`    // full id
	Short string `json:"short"` // 8-hex display id
	Label string `json:"label"` // e.g. envelope excerpt or cron expression
}

func (e *AmbiguousError) Error() string {
	shorts := make([]string, len(e.Candidates))
	for i, c := range e.Candidates {
		shorts[i] = c.Short
	}
	return fmt.Sprintf("id prefix %q is ambiguous: matches %s", e.Prefix, strings.Join(shorts, ", "))
}

// IsAmbiguous reports whether err is an AmbiguousError and returns it.
func IsAmbiguous(err error) (*AmbiguousError, bool) {
	var ae *AmbiguousError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// isConstraintErr detects sqlite uniqueness/constraint violations so
// they can surface as ErrAlreadyExists.
func isConstraintErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
