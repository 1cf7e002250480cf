// Package address defines the tagged addresses used on envelopes:
// "agent:<name>" for agent inboxes and "channel:<adapter>:<chat-id>"
// for outbound chat destinations.
package address

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates the two address forms.
type Kind string

const (
	KindAgent   Kind = "agent"
	KindChannel Kind = "channel"
)

// ReservedAgentName cannot be registered; it is used internally for
// system-originated envelopes.
const ReservedAgentName = "background"

// agentNameRe matches valid agent names: alphanumeric segments joined by
// single hyphens, no leading/trailing hyphen.
var agentNameRe = regexp.MustCompile(`^[A-Za-z0-9]+(?:-[A-Za-z0-9]+)*$`)

// Address is a parsed envelope endpoint.
// For KindAgent only Agent is set; for KindChannel Adapter and ChatID are set.
type Address struct {
	Kind    Kind   `json:"kind"`
	Agent   string `json:"agent,omitempty"`
	Adapter string `json:"adapter,omitempty"`
	ChatID  string `json:"chat_id,omitempty"`
}

// Agent builds an agent address.
func AgentAddr(name string) Address {
	return Address{Kind: KindAgent, Agent: name}
}

// ChannelAddr builds a channel address.
func ChannelAddr(adapter, chatID string) Address {
	return Address{Kind: KindChannel, Adapter: adapter, ChatID: chatID}
}

// IsAgent reports whether the address targets an agent inbox.
func (a Address) IsAgent() bool { return a.Kind == KindAgent }

// IsChannel reports whether the address targets a chat channel.
func (a Address) IsChannel() bool { return a.Kind == KindChannel }

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a.Kind == "" }

// String renders the canonical wire form, the inverse of Parse.
func (a Address) String() string {
	switch a.Kind {
	case KindAgent:
		return "agent:" + a.Agent
	case KindChannel:
		return "channel:" + a.Adapter + ":" + a.ChatID
	default:
		return ""
	}
}

// ValidAgentName reports whether name is an acceptable agent name.
// Names are matched case-insensitively elsewhere; "background" is reserved.
func ValidAgentName(name string) bool {
	if !agentNameRe.MatchString(name) {
		return false
	}
	return !strings.EqualFold(name, ReservedAgentName)
}

// Parse converts the wire form into an Address.
// Accepted forms: "agent:<name>" and "channel:<adapter>:<chat-id>".
func Parse(s string) (Address, error) {
	switch {
	case strings.HasPrefix(s, "agent:"):
		name := s[len("agent:"):]
		if !agentNameRe.MatchString(name) {
			return Address{}, fmt.Errorf("invalid agent address %q: name must match %s", s, agentNameRe.String())
		}
		return AgentAddr(name), nil
	case strings.HasPrefix(s, "channel:"):
		rest := s[len("channel:"):]
		idx := strings.Index(rest, ":")
		if idx <= 0 || idx == len(rest)-1 {
			return Address{}, fmt.Errorf("invalid channel address %q: want channel:<adapter>:<chat-id>", s)
		}
		adapter := rest[:idx]
		chatID := rest[idx+1:]
		if strings.ContainsAny(adapter, " \t") || chatID == "" {
			return Address{}, fmt.Errorf("invalid channel address %q", s)
		}
		return ChannelAddr(adapter, chatID), nil
	default:
		return Address{}, fmt.Errorf("invalid address %q: want agent:<name> or channel:<adapter>:<chat-id>", s)
	}
}

// MustParse is Parse for compile-time-known inputs; it panics on error.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}
