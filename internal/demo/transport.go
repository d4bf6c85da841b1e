// Package demo provides an in-process transport with a scripted agent, so the
// whole pipeline runs without a room server.
package demo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/audio"
	"github.com/ent0n29/agentbridge/internal/media"
	"github.com/ent0n29/agentbridge/internal/protocol"
	"github.com/ent0n29/agentbridge/internal/transport"
)

const (
	AgentIdentity = "demo-agent"

	defaultStep       = 600 * time.Millisecond
	defaultSampleRate = 16000
	defaultToneHz     = 220
	frameMS           = 20
)

type Config struct {
	// Step is the pause between scripted events.
	Step       time.Duration
	SampleRate int
	ToneHz     float64
	// Loop replays the conversation until the session closes.
	Loop   bool
	Logger *zap.Logger
}

type Transport struct {
	cfg    Config
	logger *zap.Logger
}

var _ transport.Transport = (*Transport)(nil)

func NewTransport(cfg Config) *Transport {
	if cfg.Step <= 0 {
		cfg.Step = defaultStep
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.ToneHz <= 0 {
		cfg.ToneHz = defaultToneHz
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{cfg: cfg, logger: logger.Named("demo")}
}

func (t *Transport) Connect(ctx context.Context, _, _ string) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := &conn{
		cfg:    t.cfg,
		logger: t.logger,
		id:     "demo-" + uuid.NewString()[:8],
		events: make(chan transport.Event, 64),
		done:   make(chan struct{}),
	}
	c.voice = media.NewPCMTrack("demo-agent-voice", media.DirectionInbound, t.cfg.SampleRate)
	go c.script()
	t.logger.Info("demo session started", zap.String("session_id", c.id))
	return c, nil
}

type conn struct {
	cfg    Config
	logger *zap.Logger
	id     string
	voice  *media.PCMTrack

	events    chan transport.Event
	done      chan struct{}
	emitters  sync.WaitGroup
	closeOnce sync.Once

	mu        sync.Mutex
	closed    bool
	speaking  bool
	published media.Track
	removeMic func()
	micFrames int
	sent      [][]byte
}

func (c *conn) SessionID() string { return c.id }

func (c *conn) Events() <-chan transport.Event { return c.events }

func (c *conn) Participants() []transport.Participant { return nil }

func (c *conn) PublishTrack(ctx context.Context, track media.Track, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	remove := track.AddSink(func(audio.Frame) {
		c.mu.Lock()
		c.micFrames++
		c.mu.Unlock()
	})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		remove()
		return transport.ErrClosed
	}
	prev := c.removeMic
	c.published = track
	c.removeMic = remove
	c.mu.Unlock()
	if prev != nil {
		prev()
	}
	return nil
}

// EnableMicrophone has no device to open; the agent simply hears silence.
func (c *conn) EnableMicrophone(ctx context.Context) error {
	return ctx.Err()
}

func (c *conn) SendData(ctx context.Context, payload []byte, _ bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, append([]byte(nil), payload...))
	return nil
}

// MicFrames reports how many frames the published local track delivered.
func (c *conn) MicFrames() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micFrames
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		remove := c.removeMic
		c.mu.Unlock()
		close(c.done)
		if remove != nil {
			remove()
		}
		c.voice.Stop()
		c.emitters.Wait()
		close(c.events)
		c.logger.Info("demo session closed", zap.String("session_id", c.id))
	})
	return nil
}

func (c *conn) emit(ev transport.Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.emitters.Add(1)
	c.mu.Unlock()
	defer c.emitters.Done()

	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *conn) send(payload map[string]any) bool {
	data, err := protocol.Encode(payload)
	if err != nil {
		c.logger.Error("demo message encode failed", zap.Error(err))
		return false
	}
	return c.emit(transport.Event{Kind: transport.EventDataReceived, Data: data, Topic: "_reliable"})
}

func (c *conn) wait() bool {
	select {
	case <-c.done:
		return false
	case <-time.After(c.cfg.Step):
		return true
	}
}

func (c *conn) setSpeaking(v bool) {
	c.mu.Lock()
	c.speaking = v
	c.mu.Unlock()
}

func (c *conn) script() {
	if !c.wait() {
		return
	}
	agent := transport.Participant{Identity: AgentIdentity, Name: "Demo Agent", Kind: "agent"}
	if !c.emit(transport.Event{Kind: transport.EventParticipantJoined, Participant: &agent}) {
		return
	}
	if !c.emit(transport.Event{Kind: transport.EventTrackSubscribed, Participant: &agent, Track: c.voice}) {
		return
	}
	go c.pumpVoice()

	for {
		if !c.conversation() || !c.cfg.Loop {
			return
		}
	}
}

func (c *conn) conversation() bool {
	callID := "call_" + uuid.NewString()[:8]
	steps := []func() bool{
		func() bool { return c.send(map[string]any{"type": "agent.state", "state": "listening"}) },
		func() bool {
			return c.send(map[string]any{"type": "transcript.user", "text": "Can you email the meeting summary to the team?"})
		},
		func() bool { return c.send(map[string]any{"type": "agent.state", "state": "thinking"}) },
		func() bool {
			return c.send(map[string]any{
				"type":      "tool.call",
				"call_id":   callID,
				"name":      "send_email",
				"arguments": map[string]any{"to": "team", "subject": "Meeting summary"},
			})
		},
		func() bool { return c.send(map[string]any{"type": "tool.executing", "call_id": callID}) },
		func() bool {
			return c.send(map[string]any{"type": "tool.completed", "call_id": callID, "result": map[string]any{"status": "sent"}})
		},
		func() bool {
			c.setSpeaking(true)
			return c.send(map[string]any{"type": "agent.state", "state": "speaking"})
		},
		func() bool {
			return c.send(map[string]any{"type": "transcript.assistant", "text": "Done. The summary is on its way to the team."})
		},
		func() bool {
			c.setSpeaking(false)
			return c.send(map[string]any{"type": "agent.state", "state": "listening"})
		},
	}
	for _, step := range steps {
		if !c.wait() || !step() {
			return false
		}
	}
	return true
}

// pumpVoice streams a tone that is loud while the agent speaks and faint
// otherwise, so playback and the output monitor both have signal.
func (c *conn) pumpVoice() {
	ticker := time.NewTicker(frameMS * time.Millisecond)
	defer ticker.Stop()
	n := audio.SamplesPerFrame(c.cfg.SampleRate, frameMS)
	step := 2 * math.Pi * c.cfg.ToneHz / float64(c.cfg.SampleRate)
	phase := 0.0
	for {
		select {
		case <-c.done:
			return
		case <-c.voice.Done():
			return
		case <-ticker.C:
		}
		c.mu.Lock()
		amp := 0.02
		if c.speaking {
			amp = 0.4
		}
		c.mu.Unlock()
		samples := make([]int16, n)
		for i := range samples {
			samples[i] = int16(amp * 32767 * math.Sin(phase))
			phase += step
			if phase > 2*math.Pi {
				phase -= 2 * math.Pi
			}
		}
		c.voice.Push(audio.Frame{Samples: samples, SampleRate: c.cfg.SampleRate})
	}
}
