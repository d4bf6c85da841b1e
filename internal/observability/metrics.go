package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

// Metrics groups all Prometheus instruments used by the bridge.
type Metrics struct {
	ConnectionState *prometheus.GaugeVec
	SessionEvents   *prometheus.CounterVec
	ControlMessages *prometheus.CounterVec
	DecodeErrors    prometheus.Counter
	Errors          *prometheus.CounterVec
	InputVolume     prometheus.Gauge
	OutputVolume    prometheus.Gauge
	TimeToReady     prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ConnectionState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current session connection state, 0 otherwise.",
		}, []string{"state"}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Transport session events by kind.",
		}, []string{"event"}),
		ControlMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_total",
			Help:      "Control channel messages by direction and type.",
		}, []string{"direction", "type"}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_decode_errors_total",
			Help:      "Control channel payloads dropped as malformed.",
		}),
		Errors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Session errors by category.",
		}, []string{"category"}),
		InputVolume: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "input_volume",
			Help:      "Latest local capture volume in [0,1].",
		}),
		OutputVolume: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "output_volume",
			Help:      "Latest agent output volume in [0,1].",
		}),
		TimeToReady: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_ready_ms",
			Help:      "Latency from connect to the one-time ready signal in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 8000, 15000, 30000},
		}),
		stages: newStageWindow(256),
	}
}

// SetConnectionState marks state as the only active connection state.
func (m *Metrics) SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ObserveTimeToReady(d time.Duration) {
	m.TimeToReady.Observe(float64(d.Milliseconds()))
	m.ObserveStage(StageReady, d)
}

// ObserveStage records a connect-stage latency sample in the rolling window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil || m.stages == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Microseconds())/1000)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) StageSnapshot() StageSnapshot {
	if m == nil || m.stages == nil {
		return StageSnapshot{GeneratedAt: time.Now().UTC()}
	}
	return m.stages.Snapshot()
}

func (m *Metrics) ResetStages() {
	if m == nil {
		return
	}
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
