// Package readiness derives the process-wide readiness signal consumed by
// automation and recording tools from session store snapshots.
package readiness

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/store"
)

// Status is the global readiness object. Ready latches: once the bridge has
// been connected with the agent present and playback confirmed at the same
// time, Ready stays true for the lifetime of the process.
type Status struct {
	Ready          bool      `json:"ready"`
	Connected      bool      `json:"connected"`
	AgentConnected bool      `json:"agentConnected"`
	AudioReady     bool      `json:"audioReady"`
	Error          *string   `json:"error"`
	Timestamp      time.Time `json:"timestamp"`
}

type Tracker struct {
	mu      sync.RWMutex
	status  Status
	readyAt time.Time
	readyCh chan struct{}
	hooks   []func(Status)
	logger  *zap.Logger
	now     func() time.Time
}

func NewTracker(logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := func() time.Time { return time.Now().UTC() }
	return &Tracker{
		status:  Status{Timestamp: now()},
		readyCh: make(chan struct{}),
		logger:  logger,
		now:     now,
	}
}

// OnReady registers fn to run exactly once when the ready signal fires. If it
// has already fired, fn runs immediately.
func (t *Tracker) OnReady(fn func(Status)) {
	t.mu.Lock()
	if t.status.Ready {
		st := t.status
		t.mu.Unlock()
		fn(st)
		return
	}
	t.hooks = append(t.hooks, fn)
	t.mu.Unlock()
}

// Ready is closed when the one-time ready signal fires.
func (t *Tracker) Ready() <-chan struct{} { return t.readyCh }

func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := t.status
	if st.Error != nil {
		msg := *st.Error
		st.Error = &msg
	}
	return st
}

// ReadyAt is zero until the signal fires.
func (t *Tracker) ReadyAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.readyAt
}

// Observe folds one store snapshot into the status and fires the one-time
// signal when all conditions first hold together.
func (t *Tracker) Observe(snap store.Snapshot) {
	connected := snap.Connected()
	audioReady := snap.AudioStatus == store.AudioPlaying

	t.mu.Lock()
	next := t.status
	next.Connected = connected
	next.AgentConnected = snap.AgentConnected
	next.AudioReady = audioReady
	next.Error = nil
	if snap.Error != "" {
		msg := snap.Error
		next.Error = &msg
	}
	if sameStatus(next, t.status) {
		t.mu.Unlock()
		return
	}
	next.Timestamp = t.now()

	var fire []func(Status)
	if !next.Ready && connected && snap.AgentConnected && audioReady {
		next.Ready = true
		t.readyAt = next.Timestamp
		fire = t.hooks
		t.hooks = nil
		close(t.readyCh)
	}
	t.status = next
	t.mu.Unlock()

	if fire != nil {
		t.logger.Info("bridge ready",
			zap.Bool("connected", next.Connected),
			zap.Bool("agent_connected", next.AgentConnected),
			zap.Bool("audio_ready", next.AudioReady),
		)
		for _, fn := range fire {
			fn(next)
		}
	}
}

// Attach folds every snapshot of r into the tracker, synchronously and in
// mutation order, so a state that holds only briefly is still seen. The
// returned func detaches the tracker.
func (t *Tracker) Attach(r store.Observable) (detach func()) {
	return r.Observe(t.Observe)
}

func sameStatus(a, b Status) bool {
	if a.Ready != b.Ready || a.Connected != b.Connected || a.AgentConnected != b.AgentConnected || a.AudioReady != b.AudioReady {
		return false
	}
	if (a.Error == nil) != (b.Error == nil) {
		return false
	}
	return a.Error == nil || *a.Error == *b.Error
}
