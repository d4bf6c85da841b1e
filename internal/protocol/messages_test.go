package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecodeAgentState(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"agent.state","state":"thinking"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	state, ok := msg.(AgentState)
	if !ok {
		t.Fatalf("message type = %T, want AgentState", msg)
	}
	if state.State != AgentStateThinking {
		t.Fatalf("State = %q, want %q", state.State, AgentStateThinking)
	}

	msg, err = Decode([]byte(`{"type":"agent.state","state":null}`))
	if err != nil {
		t.Fatalf("Decode(null state) error = %v", err)
	}
	if got := msg.(AgentState).State; got != AgentStateNone {
		t.Fatalf("State = %q, want empty", got)
	}
}

func TestDecodeRejectsUnknownAgentState(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"agent.state","state":"dancing"}`)); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := Decode([]byte(`{"type":"agent.state"}`)); err == nil {
		t.Fatalf("expected missing state error")
	}
}

func TestDecodeAgentVolumeClamps(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"agent.volume","volume":1.7}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got := msg.(AgentVolume).Volume; got != 1 {
		t.Fatalf("Volume = %v, want 1", got)
	}
	if _, err := Decode([]byte(`{"type":"agent.volume"}`)); err == nil {
		t.Fatalf("expected missing volume error")
	}
}

func TestDecodeTranscriptRoles(t *testing.T) {
	cases := []struct {
		raw  string
		role string
	}{
		{`{"type":"transcript.user","text":"hi"}`, "user"},
		{`{"type":"transcript.assistant","text":"hello"}`, "assistant"},
	}
	for _, tc := range cases {
		msg, err := Decode([]byte(tc.raw))
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", tc.raw, err)
		}
		tr, ok := msg.(Transcript)
		if !ok {
			t.Fatalf("message type = %T, want Transcript", msg)
		}
		if tr.Role() != tc.role {
			t.Fatalf("Role() = %q, want %q", tr.Role(), tc.role)
		}
	}
}

func TestDecodeToolLifecycle(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"tool.call","call_id":"a","name":"send_email","arguments":{"to":"x"},"extra":1}`))
	if err != nil {
		t.Fatalf("Decode(tool.call) error = %v", err)
	}
	call := msg.(ToolCall)
	if call.CallID != "a" || call.Name != "send_email" || string(call.Arguments) != `{"to":"x"}` {
		t.Fatalf("unexpected tool call: %+v", call)
	}

	msg, err = Decode([]byte(`{"type":"tool.completed","id":"a","result":"ok"}`))
	if err != nil {
		t.Fatalf("Decode(tool.completed) error = %v", err)
	}
	done := msg.(ToolUpdate)
	if done.CallID != "a" || string(done.Payload) != `"ok"` {
		t.Fatalf("unexpected tool update: %+v", done)
	}

	msg, err = Decode([]byte(`{"type":"tool.error","call_id":"a","error":null}`))
	if err != nil {
		t.Fatalf("Decode(tool.error) error = %v", err)
	}
	if got := msg.(ToolUpdate).Payload; got != nil {
		t.Fatalf("Payload = %s, want nil", got)
	}

	if _, err := Decode([]byte(`{"type":"tool.executing"}`)); err == nil {
		t.Fatalf("expected missing call_id error")
	}
	if _, err := Decode([]byte(`{"type":"tool.call","call_id":"a"}`)); err == nil {
		t.Fatalf("expected missing name error")
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
		want error
	}{
		{"invalid utf8", []byte{0xff, 0xfe, '{'}, ErrInvalidUTF8},
		{"array", []byte(`[1,2]`), ErrNotObject},
		{"null", []byte(`null`), ErrNotObject},
		{"missing type", []byte(`{"text":"hi"}`), ErrMissingType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
	if _, err := Decode([]byte(`{"type":`)); err == nil {
		t.Fatalf("expected json syntax error")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"foo.bar"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
	if msg == nil || msg.MessageType() != "foo.bar" {
		t.Fatalf("message = %#v, want envelope with type foo.bar", msg)
	}
}

func TestEncodeProducesSingleLineObject(t *testing.T) {
	out, err := Encode(map[string]any{"type": "client.note", "text": "line one\nline two"})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.Contains(string(out), "\n") {
		t.Fatalf("Encode() output contains newline: %q", out)
	}

	out, err = Encode([]byte("{\n  \"type\": \"ping\"\n}"))
	if err != nil {
		t.Fatalf("Encode(raw) error = %v", err)
	}
	if string(out) != `{"type":"ping"}` {
		t.Fatalf("Encode(raw) = %s, want compact object", out)
	}

	if _, err := Encode([]int{1, 2}); !errors.Is(err, ErrNotObject) {
		t.Fatalf("Encode(slice) error = %v, want ErrNotObject", err)
	}
}

func BenchmarkDecodeTranscript(b *testing.B) {
	raw := []byte(`{"type":"transcript.assistant","text":"Sure, I can send that email for you."}`)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		msg, err := Decode(raw)
		if err != nil {
			b.Fatalf("Decode() error = %v", err)
		}
		if _, ok := msg.(Transcript); !ok {
			b.Fatalf("message type = %T, want Transcript", msg)
		}
	}
}
