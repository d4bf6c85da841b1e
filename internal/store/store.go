package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDuplicateToolCall = errors.New("tool call already recorded")
	ErrToolCallNotFound  = errors.New("tool call not found")
	ErrInvalidTransition = errors.New("invalid tool status transition")
)

// Reader is the read-only view handed to presentation consumers.
type Reader interface {
	Snapshot() Snapshot
	Subscribe() (<-chan Snapshot, func())
}

// Observable delivers every snapshot, in mutation order, without coalescing.
type Observable interface {
	Observe(fn func(Snapshot)) (remove func())
}

// Writer is held by the session orchestrator only.
type Writer interface {
	Reader
	SetConnection(state ConnectionState, sessionID string)
	SetAgentConnected(connected bool)
	SetAgentState(state string)
	SetInputVolume(v float64)
	SetOutputVolume(v float64)
	SetAudioStatus(status AudioStatus)
	SetAudioMonitoring(active bool)
	AppendMessage(role Role, content string) TranscriptMessage
	AddToolCall(id, name string, arguments json.RawMessage) (ToolCallRecord, error)
	UpdateToolCall(id string, status ToolStatus, result json.RawMessage) (ToolCallRecord, error)
	SetError(msg string)
	Reset()
}

// Store is the single mutable copy of session state. Every mutation bumps the
// version and fans a snapshot out to subscribers; slow subscribers only ever
// see the latest snapshot.
type Store struct {
	// notifyMu serializes mutations with observer delivery.
	notifyMu  sync.Mutex
	mu        sync.RWMutex
	state     Snapshot
	toolIndex map[string]int
	lastStamp time.Time
	subs      map[int]chan Snapshot
	nextSub   int
	observers map[int]func(Snapshot)
	nextObs   int
	now       func() time.Time
}

var (
	_ Writer     = (*Store)(nil)
	_ Observable = (*Store)(nil)
)

func New() *Store {
	s := &Store{
		subs:      make(map[int]chan Snapshot),
		observers: make(map[int]func(Snapshot)),
		now:  func() time.Time { return time.Now().UTC() },
	}
	s.state = emptyState()
	s.toolIndex = make(map[string]int)
	return s
}

func emptyState() Snapshot {
	return Snapshot{
		Connection:  ConnectionDisconnected,
		AudioStatus: AudioIdle,
		Messages:    []TranscriptMessage{},
		ToolCalls:   []ToolCallRecord{},
	}
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Subscribe returns a channel that receives the current snapshot immediately and
// then one snapshot per change. Snapshots are shared between subscribers and
// must not be mutated. The cancel func must be called to release the channel.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.state.clone()
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Observe calls fn with the current snapshot and then synchronously with every
// later snapshot, in order. fn runs outside the store lock but must not mutate
// the store. remove must not be called from fn.
func (s *Store) Observe(fn func(Snapshot)) (remove func()) {
	s.notifyMu.Lock()
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	snap := s.state.clone()
	s.mu.Unlock()
	fn(snap)
	s.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.notifyMu.Lock()
			s.mu.Lock()
			delete(s.observers, id)
			s.mu.Unlock()
			s.notifyMu.Unlock()
		})
	}
}

func (s *Store) SetConnection(state ConnectionState, sessionID string) {
	s.update(func(st *Snapshot) bool {
		if st.Connection == state && st.SessionID == sessionID {
			return false
		}
		st.Connection = state
		st.SessionID = sessionID
		return true
	})
}

func (s *Store) SetAgentConnected(connected bool) {
	s.update(func(st *Snapshot) bool {
		if st.AgentConnected == connected {
			return false
		}
		st.AgentConnected = connected
		return true
	})
}

func (s *Store) SetAgentState(state string) {
	s.update(func(st *Snapshot) bool {
		if st.AgentState == state {
			return false
		}
		st.AgentState = state
		return true
	})
}

func (s *Store) SetInputVolume(v float64) {
	v = clamp01(v)
	s.update(func(st *Snapshot) bool {
		if st.InputVolume == v {
			return false
		}
		st.InputVolume = v
		return true
	})
}

func (s *Store) SetOutputVolume(v float64) {
	v = clamp01(v)
	s.update(func(st *Snapshot) bool {
		if st.OutputVolume == v {
			return false
		}
		st.OutputVolume = v
		return true
	})
}

func (s *Store) SetAudioStatus(status AudioStatus) {
	s.update(func(st *Snapshot) bool {
		if st.AudioStatus == status {
			return false
		}
		st.AudioStatus = status
		return true
	})
}

func (s *Store) SetAudioMonitoring(active bool) {
	s.update(func(st *Snapshot) bool {
		if st.AudioMonitoring == active {
			return false
		}
		st.AudioMonitoring = active
		return true
	})
}

func (s *Store) SetError(msg string) {
	s.update(func(st *Snapshot) bool {
		if st.Error == msg {
			return false
		}
		st.Error = msg
		return true
	})
}

// AppendMessage records a transcript entry. CreatedAt is strictly greater than
// every timestamp handed out before it.
func (s *Store) AppendMessage(role Role, content string) TranscriptMessage {
	var msg TranscriptMessage
	s.update(func(st *Snapshot) bool {
		msg = TranscriptMessage{
			ID:        uuid.NewString(),
			Role:      role,
			Content:   content,
			CreatedAt: s.stampLocked(),
		}
		st.Messages = append(st.Messages, msg)
		return true
	})
	return msg
}

func (s *Store) AddToolCall(id, name string, arguments json.RawMessage) (ToolCallRecord, error) {
	var (
		rec ToolCallRecord
		err error
	)
	s.update(func(st *Snapshot) bool {
		if _, ok := s.toolIndex[id]; ok {
			err = fmt.Errorf("%w: %s", ErrDuplicateToolCall, id)
			return false
		}
		now := s.stampLocked()
		rec = ToolCallRecord{
			ID:        id,
			Name:      name,
			Status:    ToolPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if arguments != nil {
			rec.Arguments = append(json.RawMessage(nil), arguments...)
		}
		s.toolIndex[id] = len(st.ToolCalls)
		st.ToolCalls = append(st.ToolCalls, rec)
		return true
	})
	return rec.clone(), err
}

// UpdateToolCall moves a record strictly forward through
// pending -> executing -> completed|error. Backward, repeated and sideways
// transitions return ErrInvalidTransition and leave the record untouched.
func (s *Store) UpdateToolCall(id string, status ToolStatus, result json.RawMessage) (ToolCallRecord, error) {
	var (
		rec ToolCallRecord
		err error
	)
	s.update(func(st *Snapshot) bool {
		idx, ok := s.toolIndex[id]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrToolCallNotFound, id)
			return false
		}
		cur := &st.ToolCalls[idx]
		if status.rank() <= cur.Status.rank() {
			rec = cur.clone()
			err = fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, status)
			return false
		}
		cur.Status = status
		cur.UpdatedAt = s.now()
		if result != nil {
			cur.Result = append(json.RawMessage(nil), result...)
		}
		rec = cur.clone()
		return true
	})
	return rec, err
}

// Reset restores the empty defaults used before the first connect.
func (s *Store) Reset() {
	s.update(func(st *Snapshot) bool {
		version := st.Version
		*st = emptyState()
		st.Version = version
		s.toolIndex = make(map[string]int)
		return true
	})
}

func (s *Store) update(fn func(st *Snapshot) bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !fn(&s.state) {
		s.mu.Unlock()
		return
	}
	s.state.Version++
	s.state.UpdatedAt = s.now()
	s.publishLocked()
	if len(s.observers) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.state.clone()
	observers := make([]func(Snapshot), 0, len(s.observers))
	for _, fn := range s.observers {
		observers = append(observers, fn)
	}
	s.mu.Unlock()

	for _, observe := range observers {
		observe(snap)
	}
}

func (s *Store) publishLocked() {
	if len(s.subs) == 0 {
		return
	}
	snap := s.state.clone()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Drop the stale snapshot and replace it with the latest one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Store) stampLocked() time.Time {
	t := s.now()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return t
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
