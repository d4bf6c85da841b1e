package media

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ent0n29/agentbridge/internal/audio"
)

var ErrPlaybackBlocked = errors.New("audio playback blocked: engine suspended")

// Sink receives decoded playback frames.
type Sink interface {
	Write(frame audio.Frame) error
	Close() error
}

// Output opens one sink per attached remote track.
type Output interface {
	Open(trackID string, sampleRate int) (Sink, error)
}

// ParseOutput builds an Output from a config spec: "discard", "pcm:<dir>" or
// "wav:<dir>". File outputs write one file per track.
func ParseOutput(spec string) (Output, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "" || spec == "discard":
		return DiscardOutput{}, nil
	case strings.HasPrefix(spec, "pcm:"):
		return FileOutput{Dir: strings.TrimPrefix(spec, "pcm:")}, nil
	case strings.HasPrefix(spec, "wav:"):
		return FileOutput{Dir: strings.TrimPrefix(spec, "wav:"), WAV: true}, nil
	default:
		return nil, fmt.Errorf("unknown playback output %q (expected discard|pcm:<dir>|wav:<dir>)", spec)
	}
}

type DiscardOutput struct{}

func (DiscardOutput) Open(string, int) (Sink, error) { return discardSink{}, nil }

type discardSink struct{}

func (discardSink) Write(audio.Frame) error { return nil }
func (discardSink) Close() error            { return nil }

type FileOutput struct {
	Dir string
	WAV bool
}

func (o FileOutput) Open(trackID string, sampleRate int) (Sink, error) {
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, err
	}
	name := sanitizeFileName(trackID)
	if o.WAV {
		w, err := audio.CreateWAVFile(filepath.Join(o.Dir, name+".wav"), sampleRate)
		if err != nil {
			return nil, err
		}
		return wavSink{w: w}, nil
	}
	f, err := os.Create(filepath.Join(o.Dir, name+".pcm"))
	if err != nil {
		return nil, err
	}
	return pcmSink{f: f}, nil
}

type wavSink struct{ w *audio.WAVFileWriter }

func (s wavSink) Write(frame audio.Frame) error { return s.w.WriteSamples(frame.Samples) }
func (s wavSink) Close() error                  { return s.w.Close() }

type pcmSink struct{ f *os.File }

func (s pcmSink) Write(frame audio.Frame) error {
	_, err := s.f.Write(audio.EncodePCM16LE(frame.Samples))
	return err
}
func (s pcmSink) Close() error { return s.f.Close() }

func sanitizeFileName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "track"
	}
	return b.String()
}

// Playback attaches a track to a sink. Playing is closed once the sink has
// accepted its first frame; Failed is closed if a write fails.
type Playback struct {
	engine *Engine
	track  Track
	sink   Sink
	remove func()

	mu     sync.Mutex
	closed bool

	playingOnce sync.Once
	playing     chan struct{}
	failOnce    sync.Once
	failed      chan struct{}
	err         error

	stopOnce sync.Once
	stopErr  error
}

// Play attaches track to a sink opened from out. It fails with
// ErrPlaybackBlocked while the engine is suspended.
func (e *Engine) Play(track Track, out Output) (*Playback, error) {
	e.mu.Lock()
	state := e.state
	e.mu.Unlock()
	switch state {
	case EngineClosed:
		return nil, ErrEngineClosed
	case EngineSuspended:
		return nil, ErrPlaybackBlocked
	}

	sink, err := out.Open(track.ID(), track.SampleRate())
	if err != nil {
		return nil, fmt.Errorf("open playback sink: %w", err)
	}
	p := &Playback{
		engine:  e,
		track:   track,
		sink:    sink,
		playing: make(chan struct{}),
		failed:  make(chan struct{}),
	}

	e.mu.Lock()
	if e.state == EngineClosed {
		e.mu.Unlock()
		_ = sink.Close()
		return nil, ErrEngineClosed
	}
	e.playbacks[p] = struct{}{}
	e.mu.Unlock()

	p.remove = track.AddSink(p.write)
	return p, nil
}

func (p *Playback) write(frame audio.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if err := p.sink.Write(frame); err != nil {
		p.failOnce.Do(func() {
			p.err = err
			close(p.failed)
		})
		return
	}
	p.playingOnce.Do(func() { close(p.playing) })
}

func (p *Playback) Playing() <-chan struct{} { return p.playing }
func (p *Playback) Failed() <-chan struct{}  { return p.failed }

// Err is valid after Failed is closed.
func (p *Playback) Err() error {
	select {
	case <-p.failed:
		return p.err
	default:
		return nil
	}
}

func (p *Playback) Track() Track { return p.track }

// Stop detaches the sink from the track and closes it. Idempotent.
func (p *Playback) Stop() error {
	p.stopOnce.Do(func() {
		p.remove()
		p.engine.mu.Lock()
		delete(p.engine.playbacks, p)
		p.engine.mu.Unlock()
		p.mu.Lock()
		p.closed = true
		p.stopErr = p.sink.Close()
		p.mu.Unlock()
	})
	return p.stopErr
}
