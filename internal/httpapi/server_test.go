package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/agentbridge/internal/config"
	"github.com/ent0n29/agentbridge/internal/observability"
	"github.com/ent0n29/agentbridge/internal/protocol"
	"github.com/ent0n29/agentbridge/internal/readiness"
	"github.com/ent0n29/agentbridge/internal/session"
	"github.com/ent0n29/agentbridge/internal/store"
	"github.com/ent0n29/agentbridge/internal/transport"
)

type fakeSession struct {
	mu         sync.Mutex
	state      store.ConnectionState
	connectErr error
	connects   []string
	sent       [][]byte
	gestures   int
}

func (f *fakeSession) State() store.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == "" {
		return store.ConnectionDisconnected
	}
	return f.state
}

func (f *fakeSession) Connect(_ context.Context, serverURL, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects = append(f.connects, serverURL+"|"+token)
	if f.connectErr != nil {
		return f.connectErr
	}
	f.state = store.ConnectionConnected
	return nil
}

func (f *fakeSession) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = store.ConnectionDisconnected
	return nil
}

func (f *fakeSession) SendControlMessage(_ context.Context, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != store.ConnectionConnected {
		return session.ErrNotConnected
	}
	data, err := protocol.Encode(payload)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeSession) Gesture(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gestures++
	return nil
}

func (f *fakeSession) snapshot() (connects []string, sent [][]byte, gestures int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.connects...), append([][]byte(nil), f.sent...), f.gestures
}

type harness struct {
	ts      *httptest.Server
	session *fakeSession
	store   *store.Store
	tracker *readiness.Tracker
	metrics *observability.Metrics
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	h := &harness{
		session: &fakeSession{},
		store:   store.New(),
		tracker: readiness.NewTracker(nil),
		metrics: observability.NewMetrics("test_httpapi_" + t.Name()),
	}
	srv := New(cfg, h.session, h.store, h.tracker, h.metrics, nil)
	h.ts = httptest.NewServer(srv.Router())
	t.Cleanup(h.ts.Close)
	return h
}

func (h *harness) markReady() {
	h.store.SetConnection(store.ConnectionConnected, "sess-1")
	h.store.SetAgentConnected(true)
	h.store.SetAudioStatus(store.AudioPlaying)
	h.tracker.Observe(h.store.Snapshot())
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer res.Body.Close()
	var payload map[string]any
	_ = json.NewDecoder(res.Body).Decode(&payload)
	return res, payload
}

func TestPageIdleCarriesInstructions(t *testing.T) {
	h := newHarness(t, config.Config{})

	res, payload := getJSON(t, h.ts.URL+"/v1/page")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if payload["mode"] != string(config.PageIdle) {
		t.Fatalf("mode = %v, want idle", payload["mode"])
	}
	if payload["instructions"] != config.IdleInstructions {
		t.Fatalf("instructions = %v", payload["instructions"])
	}
}

func TestPageDemoHasNoInstructions(t *testing.T) {
	h := newHarness(t, config.Config{TestMode: true})

	_, payload := getJSON(t, h.ts.URL+"/v1/page")
	if payload["mode"] != string(config.PageDemo) {
		t.Fatalf("mode = %v, want demo", payload["mode"])
	}
	if _, ok := payload["instructions"]; ok {
		t.Fatalf("unexpected instructions in demo mode: %+v", payload)
	}
}

func TestReadyzFollowsReadinessSignal(t *testing.T) {
	h := newHarness(t, config.Config{})

	res, _ := getJSON(t, h.ts.URL+"/readyz")
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before ready = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}

	h.markReady()
	res, _ = getJSON(t, h.ts.URL+"/readyz")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("readyz after ready = %d, want %d", res.StatusCode, http.StatusOK)
	}

	// Ready latches even when the session goes away.
	h.store.SetConnection(store.ConnectionDisconnected, "")
	h.tracker.Observe(h.store.Snapshot())
	res, status := getJSON(t, h.ts.URL+"/v1/status")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d", res.StatusCode)
	}
	if status["ready"] != true || status["connected"] != false {
		t.Fatalf("status = %+v, want ready latched and connected false", status)
	}
}

func TestConnectRequiresDetailsOutsideTestMode(t *testing.T) {
	h := newHarness(t, config.Config{})

	res, payload := postJSON(t, h.ts.URL+"/v1/session/connect", "")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if payload["code"] != "missing_connection_details" {
		t.Fatalf("code = %v", payload["code"])
	}
	if connects, _, _ := h.session.snapshot(); len(connects) != 0 {
		t.Fatalf("Connect called without details")
	}
}

func TestConnectUsesBodyOverConfig(t *testing.T) {
	h := newHarness(t, config.Config{ServerURL: "wss://default.test", Token: "default"})

	res, payload := postJSON(t, h.ts.URL+"/v1/session/connect", `{"token":"override"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d (%+v)", res.StatusCode, http.StatusOK, payload)
	}
	if payload["connection"] != string(store.ConnectionConnected) {
		t.Fatalf("connection = %v", payload["connection"])
	}
	if got, _, _ := h.session.snapshot(); len(got) != 1 || got[0] != "wss://default.test|override" {
		t.Fatalf("connects = %v", got)
	}
}

func TestConnectMapsUnauthorized(t *testing.T) {
	h := newHarness(t, config.Config{TestMode: true})
	h.session.connectErr = transport.ErrUnauthorized

	res, payload := postJSON(t, h.ts.URL+"/v1/session/connect", "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
	if payload["code"] != "unauthorized" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestControlMessageRouting(t *testing.T) {
	h := newHarness(t, config.Config{TestMode: true})

	res, payload := postJSON(t, h.ts.URL+"/v1/session/control", `{"type":"user.text","text":"hi"}`)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status before connect = %d, want %d (%+v)", res.StatusCode, http.StatusConflict, payload)
	}

	postJSON(t, h.ts.URL+"/v1/session/connect", "")

	res, _ = postJSON(t, h.ts.URL+"/v1/session/control", `{"type": "user.text", "text": "hi"}`)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusAccepted)
	}
	if _, sent, _ := h.session.snapshot(); len(sent) != 1 || string(sent[0]) != `{"type":"user.text","text":"hi"}` {
		t.Fatalf("sent = %q", sent)
	}

	res, _ = postJSON(t, h.ts.URL+"/v1/session/control", `[1,2]`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("array body status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	res, _ = postJSON(t, h.ts.URL+"/v1/session/control", `{nope`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid body status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	if _, sent, _ := h.session.snapshot(); len(sent) != 1 {
		t.Fatalf("rejected bodies were sent: %q", sent)
	}
}

func TestDisconnectAndGesture(t *testing.T) {
	h := newHarness(t, config.Config{TestMode: true})
	postJSON(t, h.ts.URL+"/v1/session/connect", "")

	res, payload := postJSON(t, h.ts.URL+"/v1/session/disconnect", "")
	if res.StatusCode != http.StatusOK || payload["connection"] != string(store.ConnectionDisconnected) {
		t.Fatalf("disconnect = %d %+v", res.StatusCode, payload)
	}
	res, _ = postJSON(t, h.ts.URL+"/v1/session/disconnect", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second disconnect = %d, want %d", res.StatusCode, http.StatusOK)
	}

	res, _ = postJSON(t, h.ts.URL+"/v1/audio/gesture", "")
	if _, _, gestures := h.session.snapshot(); res.StatusCode != http.StatusOK || gestures != 1 {
		t.Fatalf("gesture = %d, gestures = %d", res.StatusCode, gestures)
	}
}

func TestPerfLatencyReportsStages(t *testing.T) {
	h := newHarness(t, config.Config{})
	h.metrics.ObserveStage(observability.StageConnect, 120*time.Millisecond)

	res, payload := getJSON(t, h.ts.URL+"/v1/perf/latency?reset=1")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
	stages, _ := payload["stages"].([]any)
	if len(stages) == 0 {
		t.Fatalf("stages empty: %+v", payload)
	}

	_, payload = getJSON(t, h.ts.URL+"/v1/perf/latency")
	if stages, _ := payload["stages"].([]any); len(stages) != 0 {
		for _, raw := range stages {
			st, _ := raw.(map[string]any)
			if n, _ := st["samples"].(float64); n != 0 {
				t.Fatalf("window not reset: %+v", payload)
			}
		}
	}
}

func TestStoreStreamSendsSnapshotsAndReadyOnce(t *testing.T) {
	h := newHarness(t, config.Config{})

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/store/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readFrame := func() StreamMessage {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		var msg StreamMessage
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	first := readFrame()
	require.Equal(t, StreamStoreSnapshot, first.Type)
	require.NotNil(t, first.Snapshot)
	require.Equal(t, store.ConnectionDisconnected, first.Snapshot.Connection)

	h.markReady()

	readies := 0
	sawConnected := false
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && (readies == 0 || !sawConnected) {
		msg := readFrame()
		switch msg.Type {
		case StreamReady:
			readies++
			require.NotNil(t, msg.Status)
			require.True(t, msg.Status.Ready)
		case StreamStoreSnapshot:
			if msg.Snapshot.Connection == store.ConnectionConnected {
				sawConnected = true
			}
		}
	}
	require.Equal(t, 1, readies)
	require.True(t, sawConnected)

	// Further changes only produce snapshots.
	h.store.SetAgentState("speaking")
	for {
		msg := readFrame()
		require.NotEqual(t, StreamReady, msg.Type)
		if msg.Snapshot != nil && msg.Snapshot.AgentState == "speaking" {
			break
		}
	}
}

func TestStoreStreamRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, config.Config{})

	wsURL := "ws" + strings.TrimPrefix(h.ts.URL, "http") + "/v1/store/ws"
	header := http.Header{"Origin": []string{"https://elsewhere.example"}}
	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.NotNil(t, res)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}
