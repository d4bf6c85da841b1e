package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/audio"
	"github.com/ent0n29/agentbridge/internal/media"
	"github.com/ent0n29/agentbridge/internal/transport"
)

var ErrNoMicrophone = errors.New("no default microphone configured")

type connParams struct {
	logger      *zap.Logger
	pc          *webrtc.PeerConnection
	sc          *signalClient
	reliable    *webrtc.DataChannel
	lossy       *webrtc.DataChannel
	local       *webrtc.TrackLocalStaticRTP
	sessionID   string
	identity    string
	roster      []transport.Participant
	devices     media.Devices
	constraints media.Constraints
}

type conn struct {
	logger      *zap.Logger
	pc          *webrtc.PeerConnection
	sc          *signalClient
	reliable    *webrtc.DataChannel
	lossy       *webrtc.DataChannel
	local       *webrtc.TrackLocalStaticRTP
	sessionID   string
	identity    string
	devices     media.Devices
	constraints media.Constraints

	opened    chan struct{}
	openOnce  sync.Once
	failed    chan struct{}
	failOnce  sync.Once
	done      chan struct{}
	events    chan transport.Event
	emitters  sync.WaitGroup
	closeOnce sync.Once

	mu          sync.Mutex
	closed      bool
	roster      map[string]transport.Participant
	remote      map[string]*media.PCMTrack
	connected   bool
	interrupted bool
	publisher   *publisher
	capture     *media.CaptureStream
}

var _ transport.Conn = (*conn)(nil)

func newConn(p connParams) *conn {
	c := &conn{
		logger:      p.logger.With(zap.String("session_id", p.sessionID)),
		pc:          p.pc,
		sc:          p.sc,
		reliable:    p.reliable,
		lossy:       p.lossy,
		local:       p.local,
		sessionID:   p.sessionID,
		identity:    p.identity,
		devices:     p.devices,
		constraints: p.constraints,
		opened:      make(chan struct{}),
		failed:      make(chan struct{}),
		done:        make(chan struct{}),
		events:      make(chan transport.Event, 256),
		roster:      make(map[string]transport.Participant),
		remote:      make(map[string]*media.PCMTrack),
	}
	for _, part := range p.roster {
		if part.Identity == "" || part.Identity == p.identity {
			continue
		}
		c.roster[part.Identity] = part
	}

	c.reliable.OnOpen(func() {
		c.openOnce.Do(func() { close(c.opened) })
	})
	c.reliable.OnMessage(c.onData(reliableLabel))
	c.lossy.OnMessage(c.onData(lossyLabel))
	c.pc.OnTrack(c.onTrack)
	c.pc.OnConnectionStateChange(c.onConnectionState)
	return c
}

func (c *conn) SessionID() string { return c.sessionID }

func (c *conn) Events() <-chan transport.Event { return c.events }

func (c *conn) Participants() []transport.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]transport.Participant, 0, len(c.roster))
	for _, p := range c.roster {
		out = append(out, p)
	}
	return out
}

// emit delivers ev unless the conn is closing. Close waits for in-flight
// emitters before closing the events channel.
func (c *conn) emit(ev transport.Event) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.emitters.Add(1)
	c.mu.Unlock()
	defer c.emitters.Done()

	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *conn) onData(label string) func(webrtc.DataChannelMessage) {
	return func(msg webrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		c.emit(transport.Event{Kind: transport.EventDataReceived, Data: data, Topic: label})
	}
}

func (c *conn) onConnectionState(state webrtc.PeerConnectionState) {
	c.logger.Debug("peer connection state", zap.String("state", state.String()))
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		resumed := c.interrupted
		c.connected = true
		c.interrupted = false
		c.mu.Unlock()
		if resumed {
			c.emit(transport.Event{Kind: transport.EventReconnected})
		}
	case webrtc.PeerConnectionStateDisconnected:
		c.mu.Lock()
		interrupt := c.connected && !c.interrupted
		if interrupt {
			c.interrupted = true
		}
		c.mu.Unlock()
		if interrupt {
			c.emit(transport.Event{Kind: transport.EventReconnecting})
		}
	case webrtc.PeerConnectionStateFailed:
		c.failOnce.Do(func() { close(c.failed) })
		c.emit(transport.Event{Kind: transport.EventDisconnected, Err: errors.New("peer connection failed")})
		go c.Close()
	}
}

func (c *conn) onTrack(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if tr.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	rate := int(tr.Codec().ClockRate)
	if rate <= 0 {
		rate = pcmuClockRate
	}
	track := media.NewPCMTrack(tr.ID(), media.DirectionInbound, rate)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	owner, ok := c.roster[tr.StreamID()]
	if !ok {
		owner = transport.Participant{Identity: tr.StreamID()}
	}
	c.remote[track.ID()] = track
	c.mu.Unlock()

	c.logger.Info("remote audio track subscribed",
		zap.String("track", track.ID()),
		zap.String("participant", owner.Identity),
		zap.String("codec", tr.Codec().MimeType),
	)
	c.emit(transport.Event{Kind: transport.EventTrackSubscribed, Participant: &owner, Track: track})

	go func() {
		defer func() {
			track.Stop()
			c.mu.Lock()
			delete(c.remote, track.ID())
			c.mu.Unlock()
			c.emit(transport.Event{Kind: transport.EventTrackUnsubscribed, Participant: &owner, Track: track})
		}()
		for {
			pkt, _, err := tr.ReadRTP()
			if err != nil {
				c.logger.Debug("remote track read ended", zap.String("track", track.ID()), zap.Error(err))
				return
			}
			if len(pkt.Payload) == 0 {
				continue
			}
			track.Push(audio.Frame{Samples: audio.DecodeULaw(pkt.Payload), SampleRate: rate})
		}
	}()
}

func (c *conn) readSignals() {
	for {
		frame, err := c.sc.next(context.Background())
		if err != nil {
			c.mu.Lock()
			closing := c.closed
			c.mu.Unlock()
			if !closing {
				c.emit(transport.Event{Kind: transport.EventDisconnected, Err: fmt.Errorf("signal channel lost: %w", err)})
				go c.Close()
			}
			return
		}
		if frame.Type == signalLeave {
			c.emit(transport.Event{Kind: transport.EventDisconnected})
			go c.Close()
			return
		}
		c.handleSignal(frame)
	}
}

func (c *conn) handleSignal(frame signalFrame) {
	switch frame.Type {
	case signalParticipantJoined:
		if frame.Participant == nil || frame.Participant.Identity == "" || frame.Participant.Identity == c.identity {
			return
		}
		p := *frame.Participant
		c.mu.Lock()
		c.roster[p.Identity] = p
		c.mu.Unlock()
		c.emit(transport.Event{Kind: transport.EventParticipantJoined, Participant: &p})
	case signalParticipantLeft:
		c.mu.Lock()
		p, ok := c.roster[frame.Identity]
		delete(c.roster, frame.Identity)
		c.mu.Unlock()
		if !ok {
			p = transport.Participant{Identity: frame.Identity}
		}
		c.emit(transport.Event{Kind: transport.EventParticipantLeft, Participant: &p})
	default:
		c.logger.Debug("ignoring signal frame", zap.String("type", frame.Type))
	}
}

func (c *conn) PublishTrack(ctx context.Context, track media.Track, source string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	pub, err := newPublisher(c.local, track, c.logger)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pub.stop()
		return transport.ErrClosed
	}
	prev := c.publisher
	c.publisher = pub
	c.mu.Unlock()
	if prev != nil {
		prev.stop()
	}
	c.logger.Info("local audio track published", zap.String("track", track.ID()), zap.String("source", source))
	return nil
}

func (c *conn) EnableMicrophone(ctx context.Context) error {
	if c.devices == nil {
		return ErrNoMicrophone
	}
	stream, err := c.devices.GetUserMedia(ctx, c.constraints)
	if err != nil {
		return err
	}
	if err := c.PublishTrack(ctx, stream.Track(), transport.SourceMicrophone); err != nil {
		stream.Stop()
		return err
	}
	c.mu.Lock()
	prev := c.capture
	c.capture = stream
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	return nil
}

func (c *conn) SendData(ctx context.Context, payload []byte, reliable bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dc := c.lossy
	if reliable {
		dc = c.reliable
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("data channel %s not open: %w", dc.Label(), transport.ErrClosed)
	}
	return dc.Send(payload)
}

// Close leaves the room and releases every track. Idempotent.
func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		pub := c.publisher
		capture := c.capture
		remote := make([]*media.PCMTrack, 0, len(c.remote))
		for _, t := range c.remote {
			remote = append(remote, t)
		}
		c.mu.Unlock()
		close(c.done)

		if pub != nil {
			pub.stop()
		}
		if capture != nil {
			capture.Stop()
		}
		sigErr := c.sc.close()
		pcErr := c.pc.Close()
		for _, t := range remote {
			t.Stop()
		}
		c.emitters.Wait()
		close(c.events)
		err = errors.Join(sigErr, pcErr)
	})
	return err
}
