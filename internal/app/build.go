package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/audio"
	"github.com/ent0n29/agentbridge/internal/config"
	"github.com/ent0n29/agentbridge/internal/demo"
	"github.com/ent0n29/agentbridge/internal/httpapi"
	"github.com/ent0n29/agentbridge/internal/media"
	"github.com/ent0n29/agentbridge/internal/observability"
	"github.com/ent0n29/agentbridge/internal/readiness"
	"github.com/ent0n29/agentbridge/internal/session"
	"github.com/ent0n29/agentbridge/internal/store"
	"github.com/ent0n29/agentbridge/internal/transport"
	"github.com/ent0n29/agentbridge/internal/transport/rtc"
)

type BuildResult struct {
	Config        config.Config
	Logger        *zap.Logger
	API           *httpapi.Server
	Store         *store.Store
	Readiness     *readiness.Tracker
	Orchestrator  *session.Orchestrator
	Session       *TimedSession
	Metrics       *observability.Metrics
	TransportName string // "demo" in test mode, "rtc" otherwise
}

// Build wires the bridge from configuration. Nothing runs until Run is called.
func Build(cfg config.Config, metrics *observability.Metrics, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewMetrics(cfg.MetricsNamespace)
	}

	playback, err := media.ParseOutput(cfg.PlaybackOutput)
	if err != nil {
		return nil, fmt.Errorf("playback output: %w", err)
	}

	st := store.New()
	tracker := readiness.NewTracker(logger.Named("readiness"))

	devices := &media.SourceDevices{
		Spec:       cfg.CaptureSource,
		NativeRate: cfg.CaptureNativeRate,
		FarEnd:     func() float64 { return st.Snapshot().OutputVolume },
		Logger:     logger.Named("capture"),
	}

	var (
		tr     transport.Transport
		trName string
	)
	if cfg.TestMode {
		trName = "demo"
		tr = demo.NewTransport(demo.Config{
			Step:   cfg.DemoStep,
			Loop:   cfg.DemoLoop,
			Logger: logger,
		})
	} else {
		trName = "rtc"
		tr = rtc.New(rtc.Config{
			ICEServers:   cfg.ICEServers,
			DialAttempts: cfg.DialAttempts,
			Devices:      devices,
			Capture: media.Constraints{
				SampleRate: cfg.PipelineSampleRate,
				FrameMS:    cfg.FrameMS,
			},
			Logger: logger,
		})
	}

	orchestrator := session.NewOrchestrator(session.Config{
		CaptureMode:        session.CaptureMode(cfg.CaptureMode),
		PipelineSampleRate: cfg.PipelineSampleRate,
		FrameMS:            cfg.FrameMS,
		Engine: media.EngineConfig{
			SampleRate:     cfg.PipelineSampleRate,
			RequireGesture: cfg.RequireGesture,
		},
		Monitor: media.MonitorConfig{
			Interval: cfg.MonitorInterval,
			Analyser: audio.AnalyserConfig{
				FFTSize:               cfg.MonitorFFTSize,
				SmoothingTimeConstant: cfg.MonitorSmoothing,
			},
			Reference: cfg.MonitorReference,
		},
		Playback:       playback,
		AgentNameHints: cfg.AgentNameHints,
	}, session.Deps{
		Transport:  tr,
		Devices:    devices,
		Store:      st,
		Activation: &media.Activation{},
		Metrics:    metrics,
		Logger:     logger,
		Callbacks: session.Callbacks{
			OnDisconnected: func(err error) {
				if err != nil {
					logger.Warn("session lost, POST /v1/session/connect to rejoin", zap.Error(err))
				}
			},
		},
	})

	timed := &TimedSession{Orchestrator: orchestrator}
	tracker.OnReady(func(readiness.Status) {
		if started, ok := timed.FirstConnect(); ok {
			elapsed := time.Since(started)
			metrics.ObserveTimeToReady(elapsed)
			logger.Info("time to ready", zap.Duration("elapsed", elapsed))
		}
	})

	api := httpapi.New(cfg, timed, st, tracker, metrics, logger.Named("http"))

	return &BuildResult{
		Config:        cfg,
		Logger:        logger,
		API:           api,
		Store:         st,
		Readiness:     tracker,
		Orchestrator:  orchestrator,
		Session:       timed,
		Metrics:       metrics,
		TransportName: trName,
	}, nil
}

// TimedSession remembers when the first connect of the process started, the
// origin of the time-to-ready measurement.
type TimedSession struct {
	*session.Orchestrator

	mu    sync.Mutex
	first time.Time
}

func (t *TimedSession) Connect(ctx context.Context, serverURL, token string) error {
	t.mu.Lock()
	if t.first.IsZero() {
		t.first = time.Now()
	}
	t.mu.Unlock()
	return t.Orchestrator.Connect(ctx, serverURL, token)
}

func (t *TimedSession) FirstConnect() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first, !t.first.IsZero()
}
