package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// MessageType identifies control-channel payload variants.
type MessageType string

const (
	TypeAgentState          MessageType = "agent.state"
	TypeAgentVolume         MessageType = "agent.volume"
	TypeTranscriptUser      MessageType = "transcript.user"
	TypeTranscriptAssistant MessageType = "transcript.assistant"
	TypeToolCall            MessageType = "tool.call"
	TypeToolExecuting       MessageType = "tool.executing"
	TypeToolCompleted       MessageType = "tool.completed"
	TypeToolError           MessageType = "tool.error"
	TypeError               MessageType = "error"
)

// AgentStateValue is the visual state reported by the agent. The zero value
// means the agent cleared its state (JSON null).
type AgentStateValue string

const (
	AgentStateNone      AgentStateValue = ""
	AgentStateListening AgentStateValue = "listening"
	AgentStateThinking  AgentStateValue = "thinking"
	AgentStateSpeaking  AgentStateValue = "speaking"
)

var (
	ErrUnsupportedType = errors.New("unsupported message type")
	ErrInvalidUTF8     = errors.New("payload is not valid utf-8")
	ErrMissingType     = errors.New("missing type discriminator")
	ErrNotObject       = errors.New("payload is not a json object")
)

// Message is implemented by every decoded control-channel payload.
type Message interface {
	MessageType() MessageType
}

type Envelope struct {
	Type MessageType `json:"type"`
}

type AgentState struct {
	Type  MessageType     `json:"type"`
	State AgentStateValue `json:"state"`
}

type AgentVolume struct {
	Type   MessageType `json:"type"`
	Volume float64     `json:"volume"`
}

type Transcript struct {
	Type MessageType `json:"type"`
	Text string      `json:"text"`
}

// Role maps the transcript type onto the conversational role.
func (t Transcript) Role() string {
	if t.Type == TypeTranscriptUser {
		return "user"
	}
	return "assistant"
}

type ToolCall struct {
	Type      MessageType     `json:"type"`
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolUpdate covers tool.executing, tool.completed and tool.error. Payload holds
// the result for completed calls and the error detail for failed ones.
type ToolUpdate struct {
	Type    MessageType     `json:"type"`
	CallID  string          `json:"call_id"`
	Payload json.RawMessage `json:"-"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func (m AgentState) MessageType() MessageType   { return m.Type }
func (m AgentVolume) MessageType() MessageType  { return m.Type }
func (m Transcript) MessageType() MessageType   { return m.Type }
func (m ToolCall) MessageType() MessageType     { return m.Type }
func (m ToolUpdate) MessageType() MessageType   { return m.Type }
func (m ErrorMessage) MessageType() MessageType { return m.Type }

// Decode parses one agent-to-client control message. Unknown fields are ignored.
// Unknown types return ErrUnsupportedType together with the parsed envelope type
// so callers can log it.
func Decode(raw []byte) (Message, error) {
	if !utf8.Valid(raw) {
		return nil, ErrInvalidUTF8
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, ErrNotObject
		}
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if fields == nil {
		return nil, ErrNotObject
	}
	var t MessageType
	if rawType, ok := fields["type"]; ok {
		if err := json.Unmarshal(rawType, &t); err != nil {
			return nil, fmt.Errorf("invalid type field: %w", err)
		}
	}
	if t == "" {
		return nil, ErrMissingType
	}

	switch t {
	case TypeAgentState:
		rawState, ok := fields["state"]
		if !ok {
			return nil, fmt.Errorf("invalid %s: missing state", t)
		}
		var state *string
		if err := json.Unmarshal(rawState, &state); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", t, err)
		}
		msg := AgentState{Type: t}
		if state != nil {
			msg.State = AgentStateValue(*state)
		}
		switch msg.State {
		case AgentStateNone, AgentStateListening, AgentStateThinking, AgentStateSpeaking:
		default:
			return nil, fmt.Errorf("invalid %s: unknown state %q", t, msg.State)
		}
		return msg, nil
	case TypeAgentVolume:
		var volume *float64
		if err := decodeField(fields, "volume", &volume); err != nil || volume == nil {
			return nil, fmt.Errorf("invalid %s: volume required", t)
		}
		return AgentVolume{Type: t, Volume: clamp01(*volume)}, nil
	case TypeTranscriptUser, TypeTranscriptAssistant:
		var text *string
		if err := decodeField(fields, "text", &text); err != nil || text == nil {
			return nil, fmt.Errorf("invalid %s: text required", t)
		}
		return Transcript{Type: t, Text: *text}, nil
	case TypeToolCall:
		callID, err := callIDOf(fields)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", t, err)
		}
		var name string
		if err := decodeField(fields, "name", &name); err != nil || name == "" {
			return nil, fmt.Errorf("invalid %s: name required", t)
		}
		return ToolCall{Type: t, CallID: callID, Name: name, Arguments: nonNull(fields["arguments"])}, nil
	case TypeToolExecuting, TypeToolCompleted, TypeToolError:
		callID, err := callIDOf(fields)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", t, err)
		}
		msg := ToolUpdate{Type: t, CallID: callID}
		switch t {
		case TypeToolCompleted:
			msg.Payload = nonNull(fields["result"])
		case TypeToolError:
			msg.Payload = nonNull(fields["error"])
		}
		return msg, nil
	case TypeError:
		var message *string
		if err := decodeField(fields, "message", &message); err != nil || message == nil {
			return nil, fmt.Errorf("invalid %s: message required", t)
		}
		return ErrorMessage{Type: t, Message: *message}, nil
	default:
		return Envelope{Type: t}, ErrUnsupportedType
	}
}

func (e Envelope) MessageType() MessageType { return e.Type }

// Encode serialises a client-to-agent control message as a single-line JSON
// object.
func Encode(payload any) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch p := payload.(type) {
	case []byte:
		out, err = json.Marshal(json.RawMessage(p))
	case string:
		out, err = json.Marshal(json.RawMessage(p))
	default:
		out, err = json.Marshal(payload)
	}
	if err != nil {
		return nil, fmt.Errorf("encode control message: %w", err)
	}
	if !bytes.HasPrefix(out, []byte("{")) {
		return nil, ErrNotObject
	}
	return out, nil
}

func decodeField(fields map[string]json.RawMessage, key string, out any) error {
	raw, ok := fields[key]
	if !ok {
		return fmt.Errorf("missing %s", key)
	}
	return json.Unmarshal(raw, out)
}

// callIDOf accepts call_id and falls back to id, which some agents send.
func callIDOf(fields map[string]json.RawMessage) (string, error) {
	for _, key := range []string{"call_id", "id"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return "", fmt.Errorf("%s must be a string", key)
		}
		if id != "" {
			return id, nil
		}
	}
	return "", errors.New("call_id required")
}

func nonNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	return raw
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
