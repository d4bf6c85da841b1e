package observability

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe(StageFirstAudio, 500)
	w.Observe(StageFirstAudio, 700)
	w.Observe(StageFirstAudio, 900)
	w.Observe("", 100)
	w.Observe(StageConnect, -1)
	w.ObserveIndicator("playback_blocked")
	w.ObserveIndicator("playback_blocked")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Stage != StageFirstAudio {
		t.Fatalf("Stage = %q, want %q", s.Stage, StageFirstAudio)
	}
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 {
		t.Fatalf("stats = %+v", s)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 3000 {
		t.Fatalf("TargetP95MS = %.2f, want 3000", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v", snap.Indicators)
	}

	w.Reset()
	if got := len(w.Snapshot().Stages); got != 0 {
		t.Fatalf("len(Stages) after reset = %d, want 0", got)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(2)
	w.Observe(StageConnect, 10)
	w.Observe(StageConnect, 20)
	w.Observe(StageConnect, 30)
	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", s.AvgMS)
	}
}

func TestMetricsConnectionStateIsExclusive(t *testing.T) {
	m := NewMetrics(fmt.Sprintf("agentbridge_test_state_%d", time.Now().UnixNano()))
	m.SetConnectionState("connecting")
	m.SetConnectionState("connected")
	if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("connected")); got != 1 {
		t.Fatalf("connected gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConnectionState.WithLabelValues("connecting")); got != 0 {
		t.Fatalf("connecting gauge = %v, want 0", got)
	}

	m.ObserveTimeToReady(1200 * time.Millisecond)
	snap := m.StageSnapshot()
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != StageReady || snap.Stages[0].LastMS != 1200 {
		t.Fatalf("stage snapshot = %+v", snap.Stages)
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	ns := fmt.Sprintf("agentbridge_test_handler_%d", time.Now().UnixNano())
	m := NewMetrics(ns)
	m.DecodeErrors.Inc()

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), ns+"_control_decode_errors_total 1") {
		t.Fatalf("decode error counter missing from /metrics output")
	}
}

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger("debug", "console"); err != nil {
		t.Fatalf("NewLogger(debug, console) error = %v", err)
	}
	if _, err := NewLogger("info", ""); err != nil {
		t.Fatalf("NewLogger(info, \"\") error = %v", err)
	}
	if _, err := NewLogger("loud", "json"); err == nil {
		t.Fatalf("expected invalid level error")
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected invalid format error")
	}
}
