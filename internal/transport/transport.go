// Package transport is the narrow surface the session orchestrator needs from
// a real-time room transport: connect, publish audio, send data and a single
// ordered stream of typed events.
package transport

import (
	"context"
	"errors"

	"github.com/ent0n29/agentbridge/internal/media"
)

var (
	ErrClosed       = errors.New("transport closed")
	ErrUnauthorized = errors.New("transport rejected token")
)

// SourceMicrophone is the publication source for the local capture track.
const SourceMicrophone = "microphone"

type Participant struct {
	Identity   string            `json:"identity"`
	Name       string            `json:"name,omitempty"`
	Metadata   string            `json:"metadata,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Kind       string            `json:"kind,omitempty"`
}

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventReconnecting
	EventReconnected
	EventDataReceived
	EventParticipantJoined
	EventParticipantLeft
	EventTrackSubscribed
	EventTrackUnsubscribed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventReconnected:
		return "reconnected"
	case EventDataReceived:
		return "data_received"
	case EventParticipantJoined:
		return "participant_joined"
	case EventParticipantLeft:
		return "participant_left"
	case EventTrackSubscribed:
		return "track_subscribed"
	case EventTrackUnsubscribed:
		return "track_unsubscribed"
	default:
		return "unknown"
	}
}

// Event is one transport notification. Which fields are set depends on Kind:
// Participant for participant and track events, Track for track events, Data
// for data events, Err for an abnormal Disconnected.
type Event struct {
	Kind        EventKind
	Participant *Participant
	Track       media.Track
	Data        []byte
	Topic       string
	Err         error
}

// Transport opens sessions.
type Transport interface {
	Connect(ctx context.Context, serverURL, token string) (Conn, error)
}

// Conn is one joined session. Events are delivered in emission order on a
// single channel which is closed after Close or a terminal disconnect.
type Conn interface {
	SessionID() string
	Participants() []Participant
	Events() <-chan Event
	PublishTrack(ctx context.Context, track media.Track, source string) error
	// EnableMicrophone asks the transport to capture and publish with its own
	// default device.
	EnableMicrophone(ctx context.Context) error
	SendData(ctx context.Context, payload []byte, reliable bool) error
	Close() error
}
