package session

import (
	"encoding/json"
	"strings"

	"github.com/ent0n29/agentbridge/internal/transport"
)

var DefaultAgentNameHints = []string{"agent", "assistant", "bot"}

var agentFlagKeys = []string{"agent", "is_agent", "isAgent"}

// Classifier decides whether a participant is the voice agent. The decision
// is a pure function of the participant record.
type Classifier struct {
	hints []string
}

func NewClassifier(hints []string) Classifier {
	out := make([]string, 0, len(hints))
	for _, h := range hints {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			out = append(out, h)
		}
	}
	if len(out) == 0 {
		out = DefaultAgentNameHints
	}
	return Classifier{hints: out}
}

// IsAgent reports an explicit agent flag in metadata or attributes, a kind or
// role of "agent", or an identity containing one of the name hints.
func (c Classifier) IsAgent(p transport.Participant) bool {
	if strings.EqualFold(strings.TrimSpace(p.Kind), "agent") {
		return true
	}
	if attrsMarkAgent(p.Attributes) || metadataMarksAgent(p.Metadata) {
		return true
	}
	identity := strings.ToLower(p.Identity)
	for _, hint := range c.hints {
		if strings.Contains(identity, hint) {
			return true
		}
	}
	return false
}

func attrsMarkAgent(attrs map[string]string) bool {
	for _, key := range agentFlagKeys {
		if truthy(attrs[key]) {
			return true
		}
	}
	for _, key := range []string{"kind", "role"} {
		if strings.EqualFold(strings.TrimSpace(attrs[key]), "agent") {
			return true
		}
	}
	return false
}

func metadataMarksAgent(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw[0] != '{' {
		return false
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return false
	}
	for _, key := range agentFlagKeys {
		switch v := meta[key].(type) {
		case bool:
			if v {
				return true
			}
		case string:
			if truthy(v) {
				return true
			}
		}
	}
	for _, key := range []string{"kind", "role"} {
		if s, ok := meta[key].(string); ok && strings.EqualFold(strings.TrimSpace(s), "agent") {
			return true
		}
	}
	return false
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}
