// Package rtc implements transport.Transport over pion/webrtc with a JSON
// websocket signaling channel. Audio travels as G.711 µ-law (PCMU) RTP; control
// messages use a reliable and a lossy data channel.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/media"
	"github.com/ent0n29/agentbridge/internal/transport"
)

const (
	reliableLabel = "_reliable"
	lossyLabel    = "_lossy"

	pcmuClockRate   = 8000
	pcmuPayloadType = 0

	defaultDialAttempts = 3
)

var pcmuCapability = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypePCMU,
	ClockRate: pcmuClockRate,
	Channels:  1,
}

type Config struct {
	// ICEServers overrides the servers announced by the room server.
	ICEServers   []string
	DialAttempts int
	// Devices backs EnableMicrophone; nil means no default microphone.
	Devices media.Devices
	Capture media.Constraints
	Logger  *zap.Logger
}

type Transport struct {
	cfg    Config
	dialer websocket.Dialer
	logger *zap.Logger
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = defaultDialAttempts
	}
	return &Transport{
		cfg:    cfg,
		logger: logger.Named("rtc"),
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
	}
}

func (t *Transport) Connect(ctx context.Context, serverURL, token string) (transport.Conn, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("empty token: %w", transport.ErrUnauthorized)
	}
	wsURL, err := normalizeSignalURL(serverURL)
	if err != nil {
		return nil, err
	}
	sc, err := dialSignal(ctx, &t.dialer, wsURL, token, t.cfg.DialAttempts)
	if err != nil {
		return nil, err
	}
	join, err := sc.await(ctx, signalJoin, signalJoinTimeout, nil)
	if err != nil {
		_ = sc.close()
		return nil, err
	}

	c, err := t.newConn(sc, join)
	if err != nil {
		_ = sc.close()
		return nil, err
	}
	if err := c.negotiate(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	go c.readSignals()
	t.logger.Info("rtc session joined",
		zap.String("session_id", c.sessionID),
		zap.String("identity", c.identity),
		zap.Int("participants", len(c.Participants())),
	)
	return c, nil
}

func (t *Transport) newConn(sc *signalClient, join signalFrame) (*conn, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: pcmuCapability,
		PayloadType:        pcmuPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register pcmu codec: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))

	iceURLs := t.cfg.ICEServers
	if len(iceURLs) == 0 {
		iceURLs = join.ICEServers
	}
	var iceServers []webrtc.ICEServer
	if len(iceURLs) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: iceURLs}}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	local, err := webrtc.NewTrackLocalStaticRTP(pcmuCapability, transport.SourceMicrophone, join.Identity)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create local audio track: %w", err)
	}
	sender, err := pc.AddTrack(local)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add local audio track: %w", err)
	}
	go drainRTCP(sender)

	reliable, err := pc.CreateDataChannel(reliableLabel, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	unordered := false
	noRetransmits := uint16(0)
	lossy, err := pc.CreateDataChannel(lossyLabel, &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &noRetransmits,
	})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	c := newConn(connParams{
		logger:      t.logger,
		pc:          pc,
		sc:          sc,
		reliable:    reliable,
		lossy:       lossy,
		local:       local,
		sessionID:   join.SessionID,
		identity:    join.Identity,
		roster:      join.Participants,
		devices:     t.cfg.Devices,
		constraints: t.cfg.Capture,
	})
	return c, nil
}

// negotiate runs a non-trickle offer/answer exchange and waits for the
// reliable data channel to open.
func (c *conn) negotiate(ctx context.Context) error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-webrtc.GatheringCompletePromise(c.pc):
	}

	if err := c.sc.send(signalFrame{Type: signalOffer, SDP: c.pc.LocalDescription().SDP}); err != nil {
		return fmt.Errorf("failed to send offer: %w", err)
	}
	answer, err := c.sc.await(ctx, signalAnswer, signalJoinTimeout, c.handleSignal)
	if err != nil {
		return err
	}
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer.SDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.opened:
		return nil
	case <-c.failed:
		return errors.New("peer connection failed during negotiation")
	}
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
