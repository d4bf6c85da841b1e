// Package session owns the connection lifecycle of one agent session: it maps
// transport events and control messages onto the session store and
// coordinates local capture, remote playback and volume monitoring.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/media"
	"github.com/ent0n29/agentbridge/internal/observability"
	"github.com/ent0n29/agentbridge/internal/protocol"
	"github.com/ent0n29/agentbridge/internal/reliability"
	"github.com/ent0n29/agentbridge/internal/store"
	"github.com/ent0n29/agentbridge/internal/transport"
)

var (
	ErrNotConnected   = errors.New("session not connected")
	ErrConnectAborted = errors.New("connect aborted by disconnect")
)

type CaptureMode string

const (
	// CaptureRaw forwards already-processed meeting audio untouched.
	CaptureRaw CaptureMode = "raw"
	// CaptureProcessed applies echo cancellation, noise suppression and auto gain.
	CaptureProcessed CaptureMode = "processed"
)

type Config struct {
	CaptureMode CaptureMode
	// PipelineSampleRate is requested from the capture device when non-zero.
	PipelineSampleRate int
	FrameMS            int
	Engine             media.EngineConfig
	Monitor            media.MonitorConfig
	Playback           media.Output
	AgentNameHints     []string
}

// Callbacks run on orchestrator goroutines without the lock held. They must
// not call Disconnect synchronously.
type Callbacks struct {
	OnConnected    func(sessionID string)
	OnDisconnected func(err error)
	OnError        func(err error)
}

type Deps struct {
	Transport  transport.Transport
	Devices    media.Devices
	Store      store.Writer
	Activation *media.Activation
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	Callbacks  Callbacks
}

type Orchestrator struct {
	cfg        Config
	transport  transport.Transport
	devices    media.Devices
	store      store.Writer
	activation *media.Activation
	metrics    *observability.Metrics
	logger     *zap.Logger
	classifier Classifier
	callbacks  Callbacks

	mu    sync.Mutex
	state store.ConnectionState
	gen   uint64
	sess  *activeSession
	// retained is set while the store still holds the transcript of a session
	// the transport ended.
	retained bool
}

// activeSession holds every resource acquired for one connected session.
type activeSession struct {
	gen         uint64
	id          string
	conn        transport.Conn
	engine      *media.Engine
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time
	loopDone    chan struct{}

	agents       map[string]struct{}
	remote       map[string]*remoteAudio
	blocked      map[string]*remoteAudio
	capture      *media.CaptureStream
	inputMonitor *media.Monitor
	firstAudio   bool
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	if cfg.CaptureMode == "" {
		cfg.CaptureMode = CaptureRaw
	}
	if cfg.FrameMS <= 0 {
		cfg.FrameMS = media.DefaultFrameMS
	}
	if cfg.Playback == nil {
		cfg.Playback = media.DiscardOutput{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	activation := deps.Activation
	if activation == nil {
		activation = &media.Activation{}
	}
	return &Orchestrator{
		cfg:        cfg,
		transport:  deps.Transport,
		devices:    deps.Devices,
		store:      deps.Store,
		activation: activation,
		metrics:    deps.Metrics,
		logger:     logger.Named("session"),
		classifier: NewClassifier(cfg.AgentNameHints),
		callbacks:  deps.Callbacks,
		state:      store.ConnectionDisconnected,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() store.ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Connect joins a session. It is a no-op while connected or connecting, so a
// second call never performs a second transport setup. If Disconnect runs while
// the transport is still connecting, the fresh session is torn down and
// ErrConnectAborted is returned.
func (o *Orchestrator) Connect(ctx context.Context, serverURL, token string) error {
	o.mu.Lock()
	if o.state == store.ConnectionConnected || o.state == store.ConnectionConnecting || o.state == store.ConnectionReconnecting {
		o.mu.Unlock()
		return nil
	}
	o.gen++
	gen := o.gen
	o.setStateLocked(store.ConnectionConnecting, "")
	o.mu.Unlock()

	started := time.Now()
	o.logger.Info("session connecting", zap.String("server_url", serverURL))

	engine := media.NewEngine(o.cfg.Engine, o.activation)
	if engine.State() == media.EngineSuspended {
		if err := engine.Resume(ctx); err != nil {
			o.logger.Info("audio engine suspended, playback waits for a user gesture", zap.Error(err))
		}
	}

	conn, err := o.transport.Connect(ctx, serverURL, token)

	o.mu.Lock()
	if gen != o.gen {
		o.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		_ = engine.Close()
		o.logger.Info("connect settled after disconnect, discarding session")
		return ErrConnectAborted
	}
	if err != nil {
		o.setStateLocked(store.ConnectionDisconnected, "")
		werr := reliability.Wrap(reliability.CategoryConnection, "connect", err)
		o.store.SetError(werr.Error())
		o.mu.Unlock()
		_ = engine.Close()
		o.reportError(werr)
		return werr
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &activeSession{
		gen:         gen,
		id:          conn.SessionID(),
		conn:        conn,
		engine:      engine,
		ctx:         sessCtx,
		cancel:      cancel,
		connectedAt: started,
		loopDone:    make(chan struct{}),
		agents:      make(map[string]struct{}),
		remote:      make(map[string]*remoteAudio),
		blocked:     make(map[string]*remoteAudio),
	}
	o.sess = sess
	if o.retained {
		o.retained = false
		o.store.Reset()
	}
	o.store.SetError("")
	o.setStateLocked(store.ConnectionConnected, sess.id)
	for _, p := range conn.Participants() {
		if o.classifier.IsAgent(p) {
			sess.agents[p.Identity] = struct{}{}
		}
	}
	o.store.SetAgentConnected(len(sess.agents) > 0)
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.ObserveStage(observability.StageConnect, time.Since(started))
	}
	o.logger.Info("session connected",
		zap.String("session_id", sess.id),
		zap.Int("agents", len(sess.agents)),
		zap.Duration("elapsed", time.Since(started)),
	)

	go o.eventLoop(sess)
	go o.startCapture(sess)

	if cb := o.callbacks.OnConnected; cb != nil && o.isCurrent(sess) {
		cb(sess.id)
	}
	return nil
}

// Disconnect tears the session down and resets the store. Idempotent: with no
// session it leaves the state untouched and only clears a transcript kept from
// a session the transport ended.
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	o.gen++
	sess := o.sess
	o.sess = nil
	if sess == nil && o.state == store.ConnectionDisconnected {
		if o.retained {
			o.retained = false
			o.store.Reset()
		}
		o.mu.Unlock()
		return nil
	}
	o.state = store.ConnectionDisconnected
	o.retained = false
	o.store.Reset()
	o.recordStateMetricLocked()
	o.mu.Unlock()

	if sess == nil {
		o.logger.Info("disconnect requested while connecting")
		return nil
	}
	err := o.teardown(sess, true)
	o.logger.Info("session disconnected", zap.String("session_id", sess.id))
	return err
}

// SendControlMessage encodes payload and sends it once over the reliable data
// channel.
func (o *Orchestrator) SendControlMessage(ctx context.Context, payload any) error {
	o.mu.Lock()
	if o.state != store.ConnectionConnected || o.sess == nil {
		o.mu.Unlock()
		return ErrNotConnected
	}
	conn := o.sess.conn
	o.mu.Unlock()

	data, err := protocol.Encode(payload)
	if err != nil {
		return err
	}
	if err := conn.SendData(ctx, data, true); err != nil {
		return reliability.Wrap(reliability.CategoryConnection, "send control message", err)
	}
	if o.metrics != nil {
		o.metrics.ControlMessages.WithLabelValues("outbound", messageTypeLabel(data)).Inc()
	}
	return nil
}

// Gesture records a user interaction. It unlocks gesture-gated playback and
// retries every playback that previously failed.
func (o *Orchestrator) Gesture(ctx context.Context) error {
	o.activation.Activate()

	o.mu.Lock()
	sess := o.sess
	if sess == nil {
		o.mu.Unlock()
		return nil
	}
	pending := make([]*remoteAudio, 0, len(sess.blocked))
	for id, ra := range sess.blocked {
		pending = append(pending, ra)
		delete(sess.blocked, id)
	}
	o.mu.Unlock()

	if err := sess.engine.Resume(ctx); err != nil {
		o.mu.Lock()
		for _, ra := range pending {
			sess.blocked[ra.track.ID()] = ra
		}
		o.mu.Unlock()
		return reliability.Wrap(reliability.CategoryPlayback, "resume audio engine", err)
	}
	for _, ra := range pending {
		o.logger.Info("retrying blocked playback", zap.String("track", ra.track.ID()))
		o.startPlayback(sess, ra)
	}
	return nil
}

func (o *Orchestrator) eventLoop(sess *activeSession) {
	defer close(sess.loopDone)
	for ev := range sess.conn.Events() {
		if o.metrics != nil {
			o.metrics.SessionEvents.WithLabelValues(ev.Kind.String()).Inc()
		}
		if o.handleEvent(sess, ev) {
			return
		}
	}
	o.onTransportLost(sess, nil)
}

// handleEvent applies one transport event and reports whether the session
// ended.
func (o *Orchestrator) handleEvent(sess *activeSession, ev transport.Event) (ended bool) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("session event handler panic", zap.String("event", ev.Kind.String()), zap.Any("panic", r))
			o.reportError(reliability.Wrap(reliability.CategoryUnknown, ev.Kind.String(), fmt.Errorf("panic: %v", r)))
		}
	}()

	switch ev.Kind {
	case transport.EventConnected:
		o.mu.Lock()
		current := o.currentLocked(sess)
		if current {
			o.setStateLocked(store.ConnectionConnected, sess.id)
		}
		o.mu.Unlock()
		if cb := o.callbacks.OnConnected; cb != nil && current {
			cb(sess.id)
		}
	case transport.EventReconnecting:
		o.mu.Lock()
		if o.currentLocked(sess) {
			o.setStateLocked(store.ConnectionReconnecting, sess.id)
		}
		o.mu.Unlock()
		o.logger.Warn("session reconnecting", zap.String("session_id", sess.id))
	case transport.EventReconnected:
		o.mu.Lock()
		if o.currentLocked(sess) {
			o.setStateLocked(store.ConnectionConnected, sess.id)
		}
		o.mu.Unlock()
		o.logger.Info("session reconnected", zap.String("session_id", sess.id))
	case transport.EventDisconnected:
		o.onTransportLost(sess, ev.Err)
		return true
	case transport.EventDataReceived:
		o.dispatch(sess, ev.Data)
	case transport.EventParticipantJoined:
		o.onParticipantJoined(sess, ev.Participant)
	case transport.EventParticipantLeft:
		o.onParticipantLeft(sess, ev.Participant)
	case transport.EventTrackSubscribed:
		o.attachRemote(sess, ev.Track, ev.Participant)
	case transport.EventTrackUnsubscribed:
		if ev.Track != nil {
			o.detachRemote(sess, ev.Track.ID())
		}
	default:
		o.logger.Debug("ignoring transport event", zap.Int("kind", int(ev.Kind)))
	}
	return false
}

// onTransportLost handles a disconnect initiated by the transport. The
// transcript is kept for review; live signals are cleared.
func (o *Orchestrator) onTransportLost(sess *activeSession, cause error) {
	o.mu.Lock()
	if !o.currentLocked(sess) {
		o.mu.Unlock()
		return
	}
	o.gen++
	o.sess = nil
	o.retained = true
	o.setStateLocked(store.ConnectionDisconnected, "")
	o.store.SetAgentConnected(false)
	o.store.SetAgentState("")
	o.store.SetAudioStatus(store.AudioIdle)
	o.store.SetAudioMonitoring(false)
	o.store.SetInputVolume(0)
	o.store.SetOutputVolume(0)
	var werr error
	if cause != nil {
		werr = reliability.Wrap(reliability.CategoryConnection, "session", cause)
		o.store.SetError(werr.Error())
	}
	o.mu.Unlock()

	_ = o.teardown(sess, false)
	o.logger.Info("session ended by transport", zap.String("session_id", sess.id), zap.Error(cause))
	if werr != nil {
		o.reportError(werr)
	}
	if cb := o.callbacks.OnDisconnected; cb != nil {
		cb(werr)
	}
}

func (o *Orchestrator) onParticipantJoined(sess *activeSession, p *transport.Participant) {
	if p == nil || !o.classifier.IsAgent(*p) {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(sess) {
		return
	}
	sess.agents[p.Identity] = struct{}{}
	o.store.SetAgentConnected(true)
	o.logger.Info("agent joined", zap.String("identity", p.Identity))
}

func (o *Orchestrator) onParticipantLeft(sess *activeSession, p *transport.Participant) {
	if p == nil {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.currentLocked(sess) {
		return
	}
	if _, ok := sess.agents[p.Identity]; !ok {
		return
	}
	delete(sess.agents, p.Identity)
	o.store.SetAgentConnected(len(sess.agents) > 0)
	o.logger.Info("agent left", zap.String("identity", p.Identity), zap.Int("remaining", len(sess.agents)))
}

// teardown releases every resource of sess. It must be called without o.mu
// held; waitLoop is false when called from the event loop itself.
func (o *Orchestrator) teardown(sess *activeSession, waitLoop bool) error {
	sess.cancel()

	o.mu.Lock()
	remote := make([]*remoteAudio, 0, len(sess.remote))
	for _, ra := range sess.remote {
		remote = append(remote, ra)
	}
	sess.remote = make(map[string]*remoteAudio)
	sess.blocked = make(map[string]*remoteAudio)
	capture := sess.capture
	inputMonitor := sess.inputMonitor
	sess.capture = nil
	sess.inputMonitor = nil
	o.mu.Unlock()

	var errs []error
	if err := sess.conn.Close(); err != nil {
		errs = append(errs, reliability.Wrap(reliability.CategoryConnection, "close transport", err))
	}
	if waitLoop {
		<-sess.loopDone
	}
	if inputMonitor != nil {
		inputMonitor.Stop()
	}
	if capture != nil {
		capture.Stop()
	}
	for _, ra := range remote {
		ra.stop()
	}
	if err := sess.engine.Close(); err != nil {
		errs = append(errs, reliability.Wrap(reliability.CategoryPlayback, "close audio engine", err))
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) currentLocked(sess *activeSession) bool {
	return o.sess == sess && sess.gen == o.gen
}

func (o *Orchestrator) isCurrent(sess *activeSession) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentLocked(sess)
}

func (o *Orchestrator) setStateLocked(state store.ConnectionState, sessionID string) {
	o.state = state
	o.store.SetConnection(state, sessionID)
	o.recordStateMetricLocked()
}

func (o *Orchestrator) recordStateMetricLocked() {
	if o.metrics != nil {
		o.metrics.SetConnectionState(string(o.state))
	}
}

// reportError logs, counts and forwards err to the error callback.
func (o *Orchestrator) reportError(err error) {
	if err == nil {
		return
	}
	category := reliability.CategoryOf(err)
	if o.metrics != nil {
		o.metrics.Errors.WithLabelValues(string(category)).Inc()
	}
	o.logger.Warn("session error",
		zap.String("category", string(category)),
		zap.Bool("retryable", reliability.IsRetryable(err)),
		zap.Error(err),
	)
	if cb := o.callbacks.OnError; cb != nil {
		cb(err)
	}
}

func messageTypeLabel(data []byte) string {
	msg, err := protocol.Decode(data)
	if msg != nil {
		return string(msg.MessageType())
	}
	if errors.Is(err, protocol.ErrMissingType) {
		return "untyped"
	}
	return "unknown"
}

func (m CaptureMode) processing() bool {
	return strings.EqualFold(string(m), string(CaptureProcessed))
}
