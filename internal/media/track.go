// Package media provides the headless equivalents of the browser media stack:
// audio tracks with a ready state, capture devices, a per-session audio engine
// with playback sinks, and the volume monitor.
package media

import (
	"sync"

	"github.com/ent0n29/agentbridge/internal/audio"
)

type ReadyState string

const (
	ReadyStateLive  ReadyState = "live"
	ReadyStateEnded ReadyState = "ended"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Track is a single continuous mono audio stream. Frames are pushed to every
// attached sink on the producer's goroutine; sinks must not block.
type Track interface {
	ID() string
	Direction() Direction
	SampleRate() int
	ReadyState() ReadyState
	Muted() bool
	AddSink(fn func(audio.Frame)) (remove func())
	Done() <-chan struct{}
	Stop()
}

// PCMTrack is the Track implementation shared by capture and remote
// subscriptions. Stop is idempotent and moves the track to ended.
type PCMTrack struct {
	id         string
	direction  Direction
	sampleRate int

	mu      sync.RWMutex
	state   ReadyState
	muted   bool
	sinks   map[int]func(audio.Frame)
	nextID  int
	done    chan struct{}
	onStop  func()
	stopped sync.Once
}

var _ Track = (*PCMTrack)(nil)

func NewPCMTrack(id string, direction Direction, sampleRate int) *PCMTrack {
	return &PCMTrack{
		id:         id,
		direction:  direction,
		sampleRate: sampleRate,
		state:      ReadyStateLive,
		sinks:      make(map[int]func(audio.Frame)),
		done:       make(chan struct{}),
	}
}

func (t *PCMTrack) ID() string           { return t.id }
func (t *PCMTrack) Direction() Direction { return t.direction }
func (t *PCMTrack) SampleRate() int      { return t.sampleRate }
func (t *PCMTrack) Done() <-chan struct{} { return t.done }

func (t *PCMTrack) ReadyState() ReadyState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *PCMTrack) Muted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.muted
}

func (t *PCMTrack) SetMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

// OnStop registers a release hook run once when the track ends.
func (t *PCMTrack) OnStop(fn func()) {
	t.mu.Lock()
	t.onStop = fn
	t.mu.Unlock()
}

func (t *PCMTrack) AddSink(fn func(audio.Frame)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.sinks[id] = fn
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.sinks, id)
			t.mu.Unlock()
		})
	}
}

// Push delivers a frame to every sink. Muted tracks deliver silence of the same
// length; ended tracks drop the frame.
func (t *PCMTrack) Push(frame audio.Frame) {
	t.mu.RLock()
	if t.state != ReadyStateLive {
		t.mu.RUnlock()
		return
	}
	if frame.SampleRate == 0 {
		frame.SampleRate = t.sampleRate
	}
	if t.muted {
		frame.Samples = make([]int16, len(frame.Samples))
	}
	sinks := make([]func(audio.Frame), 0, len(t.sinks))
	for _, fn := range t.sinks {
		sinks = append(sinks, fn)
	}
	t.mu.RUnlock()

	for _, fn := range sinks {
		fn(frame)
	}
}

func (t *PCMTrack) Stop() {
	t.stopped.Do(func() {
		t.mu.Lock()
		t.state = ReadyStateEnded
		t.sinks = make(map[int]func(audio.Frame))
		hook := t.onStop
		t.mu.Unlock()
		close(t.done)
		if hook != nil {
			hook()
		}
	})
}
