package store

import (
	"encoding/json"
	"time"
)

// ConnectionState mirrors the orchestrator lifecycle for presentation consumers.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionReconnecting ConnectionState = "reconnecting"
)

type AudioStatus string

const (
	AudioIdle       AudioStatus = "idle"
	AudioConnecting AudioStatus = "connecting"
	AudioPlaying    AudioStatus = "playing"
	AudioError      AudioStatus = "error"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolError     ToolStatus = "error"
)

// rank orders tool statuses; a transition is valid only to a strictly higher rank.
// completed and error share the terminal rank.
func (s ToolStatus) rank() int {
	switch s {
	case ToolPending:
		return 0
	case ToolExecuting:
		return 1
	case ToolCompleted, ToolError:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is possible.
func (s ToolStatus) Terminal() bool { return s.rank() == 2 }

type TranscriptMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type ToolCallRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    ToolStatus      `json:"status"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Snapshot is a deep copy of the store state at one version.
type Snapshot struct {
	Version         uint64              `json:"version"`
	Connection      ConnectionState     `json:"connection"`
	SessionID       string              `json:"session_id,omitempty"`
	AgentConnected  bool                `json:"agent_connected"`
	AgentState      string              `json:"agent_state,omitempty"`
	InputVolume     float64             `json:"input_volume"`
	OutputVolume    float64             `json:"output_volume"`
	AudioStatus     AudioStatus         `json:"audio_status"`
	AudioMonitoring bool                `json:"audio_monitoring"`
	Messages        []TranscriptMessage `json:"messages"`
	ToolCalls       []ToolCallRecord    `json:"tool_calls"`
	Error           string              `json:"error,omitempty"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Connected is true only for the connected state; reconnecting does not count.
func (s Snapshot) Connected() bool { return s.Connection == ConnectionConnected }

// RecentMessages returns at most n of the newest transcript entries, oldest first.
func (s Snapshot) RecentMessages(n int) []TranscriptMessage {
	if n <= 0 || n >= len(s.Messages) {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// ToolCall looks up a record by call id.
func (s Snapshot) ToolCall(id string) (ToolCallRecord, bool) {
	for _, rec := range s.ToolCalls {
		if rec.ID == id {
			return rec, true
		}
	}
	return ToolCallRecord{}, false
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Messages = make([]TranscriptMessage, len(s.Messages))
	copy(out.Messages, s.Messages)
	out.ToolCalls = make([]ToolCallRecord, len(s.ToolCalls))
	for i, rec := range s.ToolCalls {
		out.ToolCalls[i] = rec.clone()
	}
	return out
}

func (r ToolCallRecord) clone() ToolCallRecord {
	out := r
	if r.Arguments != nil {
		out.Arguments = append(json.RawMessage(nil), r.Arguments...)
	}
	if r.Result != nil {
		out.Result = append(json.RawMessage(nil), r.Result...)
	}
	return out
}
