package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/agentbridge/internal/httpapi"
	"github.com/ent0n29/agentbridge/internal/observability"
	"github.com/ent0n29/agentbridge/internal/readiness"
	"github.com/ent0n29/agentbridge/internal/store"
)

func TestStoreStreamURL(t *testing.T) {
	cases := map[string]string{
		"http://127.0.0.1:8080":       "ws://127.0.0.1:8080/v1/store/ws",
		"https://bridge.example/base/": "wss://bridge.example/base/v1/store/ws",
	}
	for in, want := range cases {
		got, err := storeStreamURL(in)
		if err != nil {
			t.Fatalf("storeStreamURL(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("storeStreamURL(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := storeStreamURL("ftp://bridge.example"); err == nil {
		t.Fatalf("storeStreamURL(ftp) succeeded, want error")
	}
	if _, err := storeStreamURL("http://"); err == nil {
		t.Fatalf("storeStreamURL without host succeeded, want error")
	}
}

func fakeBridge(t *testing.T, sendReady bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/store/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, state := range []store.ConnectionState{store.ConnectionConnecting, store.ConnectionConnected} {
			snap := store.Snapshot{Connection: state}
			if err := conn.WriteJSON(httpapi.StreamMessage{Type: httpapi.StreamStoreSnapshot, Snapshot: &snap}); err != nil {
				return
			}
		}
		if !sendReady {
			return
		}
		status := readiness.Status{Ready: true, Connected: true, AgentConnected: true, AudioReady: true}
		_ = conn.WriteJSON(httpapi.StreamMessage{Type: httpapi.StreamReady, Status: &status})
		_, _, _ = conn.ReadMessage()
	})
	mux.HandleFunc("/v1/perf/latency", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"window_size":128,"stages":[{"stage":"connect_to_ready","samples":1,"last_ms":42}]}`))
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestProbeWaitsForReady(t *testing.T) {
	ts := fakeBridge(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := probe(ctx, ts.URL)
	if err != nil {
		t.Fatalf("probe() error = %v", err)
	}
	if !res.Ready || res.Status == nil || !res.Status.AudioReady {
		t.Fatalf("probe result = %+v, want ready status", res)
	}
	if res.Snapshots != 2 {
		t.Fatalf("snapshots = %d, want 2", res.Snapshots)
	}
	if res.Latency == nil || len(res.Latency.Stages) != 1 || res.Latency.Stages[0].Stage != observability.StageReady {
		t.Fatalf("latency = %+v", res.Latency)
	}
}

func TestProbeReportsClosedStream(t *testing.T) {
	ts := fakeBridge(t, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := probe(ctx, ts.URL)
	if !errors.Is(err, errStreamClosed) {
		t.Fatalf("probe() error = %v, want errStreamClosed", err)
	}
}
