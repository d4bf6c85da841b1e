package session

import (
	"testing"

	"pgregory.net/rapid"

	"github.com/ent0n29/agentbridge/internal/transport"
)

func TestClassifierIsAgent(t *testing.T) {
	c := NewClassifier(nil)
	cases := []struct {
		name string
		p    transport.Participant
		want bool
	}{
		{"identity hint", transport.Participant{Identity: "voice-Agent-42"}, true},
		{"bot hint", transport.Participant{Identity: "meetbot"}, true},
		{"kind", transport.Participant{Identity: "p1", Kind: "Agent"}, true},
		{"attribute flag", transport.Participant{Identity: "p2", Attributes: map[string]string{"is_agent": "true"}}, true},
		{"attribute role", transport.Participant{Identity: "p3", Attributes: map[string]string{"role": "AGENT"}}, true},
		{"metadata flag", transport.Participant{Identity: "p4", Metadata: `{"agent":true}`}, true},
		{"metadata string flag", transport.Participant{Identity: "p5", Metadata: `{"is_agent":"1"}`}, true},
		{"metadata role", transport.Participant{Identity: "p6", Metadata: `{"role":"agent"}`}, true},
		{"metadata false", transport.Participant{Identity: "p7", Metadata: `{"agent":false}`}, false},
		{"bad metadata", transport.Participant{Identity: "p8", Metadata: `{agent`}, false},
		{"human", transport.Participant{Identity: "alice", Name: "Alice"}, false},
	}
	for _, tc := range cases {
		if got := c.IsAgent(tc.p); got != tc.want {
			t.Fatalf("%s: IsAgent(%+v) = %v, want %v", tc.name, tc.p, got, tc.want)
		}
	}
}

func TestClassifierCustomHints(t *testing.T) {
	c := NewClassifier([]string{" Concierge ", ""})
	if !c.IsAgent(transport.Participant{Identity: "concierge-01"}) {
		t.Fatalf("expected custom hint to match")
	}
	if c.IsAgent(transport.Participant{Identity: "assistant"}) {
		t.Fatalf("default hints must not apply when custom hints are set")
	}
}

func TestClassifierIsPure(t *testing.T) {
	c := NewClassifier(nil)
	rapid.Check(t, func(t *rapid.T) {
		p := transport.Participant{
			Identity: rapid.String().Draw(t, "identity"),
			Kind:     rapid.SampledFrom([]string{"", "agent", "standard", "AGENT"}).Draw(t, "kind"),
			Metadata: rapid.SampledFrom([]string{"", "{}", `{"agent":true}`, "nope"}).Draw(t, "metadata"),
		}
		first := c.IsAgent(p)
		if c.IsAgent(p) != first {
			t.Fatalf("IsAgent not deterministic for %+v", p)
		}
	})
}
