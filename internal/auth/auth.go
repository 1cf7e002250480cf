// Package auth resolves principals from tokens and gates IPC methods
// through the versioned permission policy.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/hiboss/internal/store"
)

// ErrUnauthorized covers both unknown tokens and insufficient levels.
var ErrUnauthorized = errors.New("unauthorized")

// Level is the ordered permission level:
// restricted < standard < privileged < boss.
type Level int

const (
	Restricted Level = iota
	Standard
	Privileged
	BossLevel
)

var levelNames = map[Level]string{
	Restricted: "restricted",
	Standard:   "standard",
	Privileged: "privileged",
	BossLevel:  "boss",
}

// String renders the wire name of the level.
func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel converts a wire name into a Level.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown permission level %q", store.ErrInvalidInput, s)
}

// Principal is a resolved caller. Handlers receive this, never raw
// tokens.
type Principal struct {
	Boss  bool
	Agent *store.Agent // nil for the boss principal
	Level Level
}

// Name returns a loggable identity.
func (p Principal) Name() string {
	if p.Boss {
		return "boss"
	}
	if p.Agent != nil {
		return p.Agent.Name
	}
	return "unknown"
}

// Privileged reports whether the principal may impersonate senders and
// set display-name metadata.
func (p Principal) Privileged() bool {
	return p.Level >= Privileged
}

// Authenticator resolves tokens against the store: the boss token hash
// first, then agent tokens.
type Authenticator struct {
	store *store.Store
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(st *store.Store) *Authenticator {
	return &Authenticator{store: st}
}

// Resolve maps a token to a principal or ErrUnauthorized.
func (a *Authenticator) Resolve(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}

	isBoss, err := a.store.VerifyBoss(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	if isBoss {
		return Principal{Boss: true, Level: BossLevel}, nil
	}

	agent, err := a.store.FindAgentByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return Principal{}, fmt.Errorf("%w: unknown token", ErrUnauthorized)
	}
	if err != nil {
		return Principal{}, err
	}

	level := Standard
	if parsed, perr := ParseLevel(agent.Permission); perr == nil {
		level = parsed
	}
	return Principal{Agent: &agent, Level: level}, nil
}
