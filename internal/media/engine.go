package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/ent0n29/agentbridge/internal/audio"
)

type EngineState string

const (
	EngineSuspended EngineState = "suspended"
	EngineRunning   EngineState = "running"
	EngineClosed    EngineState = "closed"
)

var (
	ErrGestureRequired = errors.New("audio playback requires a user gesture")
	ErrEngineClosed    = errors.New("audio engine closed")
)

// Activation is the process-wide user-activation flag. Playback policies that
// require a gesture stay blocked until Activate is called once.
type Activation struct {
	active atomic.Bool
}

func (a *Activation) Activate()    { a.active.Store(true) }
func (a *Activation) Active() bool { return a.active.Load() }

type EngineConfig struct {
	SampleRate int
	// RequireGesture makes the engine start suspended until a user gesture has
	// been observed, like a browser autoplay policy.
	RequireGesture bool
}

// Engine is the per-session audio context. It owns every analyser and playback
// created through it and releases them on Close.
type Engine struct {
	cfg        EngineConfig
	activation *Activation

	mu        sync.Mutex
	state     EngineState
	analysers map[*audio.Analyser]struct{}
	playbacks map[*Playback]struct{}
}

func NewEngine(cfg EngineConfig, activation *Activation) *Engine {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if activation == nil {
		activation = &Activation{}
	}
	state := EngineRunning
	if cfg.RequireGesture && !activation.Active() {
		state = EngineSuspended
	}
	return &Engine{
		cfg:        cfg,
		activation: activation,
		state:      state,
		analysers:  make(map[*audio.Analyser]struct{}),
		playbacks:  make(map[*Playback]struct{}),
	}
}

func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) SampleRate() int { return e.cfg.SampleRate }

// Resume moves a suspended engine to running. It fails with ErrGestureRequired
// while the policy still blocks playback.
func (e *Engine) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case EngineClosed:
		return ErrEngineClosed
	case EngineRunning:
		return nil
	}
	if e.cfg.RequireGesture && !e.activation.Active() {
		return ErrGestureRequired
	}
	e.state = EngineRunning
	return nil
}

// NewAnalyser creates an analyser owned by the engine.
func (e *Engine) NewAnalyser(cfg audio.AnalyserConfig) (*audio.Analyser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == EngineClosed {
		return nil, ErrEngineClosed
	}
	a := audio.NewAnalyser(cfg)
	e.analysers[a] = struct{}{}
	return a, nil
}

func (e *Engine) ReleaseAnalyser(a *audio.Analyser) {
	e.mu.Lock()
	delete(e.analysers, a)
	e.mu.Unlock()
}

// AnalyserCount reports live analysers, for leak checks.
func (e *Engine) AnalyserCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.analysers)
}

// Close stops every playback and releases all analysers. Idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == EngineClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = EngineClosed
	playbacks := make([]*Playback, 0, len(e.playbacks))
	for p := range e.playbacks {
		playbacks = append(playbacks, p)
	}
	e.playbacks = make(map[*Playback]struct{})
	for a := range e.analysers {
		a.Reset()
	}
	e.analysers = make(map[*audio.Analyser]struct{})
	e.mu.Unlock()

	var errs []error
	for _, p := range playbacks {
		if err := p.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
