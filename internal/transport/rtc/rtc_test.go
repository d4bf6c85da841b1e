package rtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/agentbridge/internal/audio"
	"github.com/ent0n29/agentbridge/internal/transport"
)

func TestNormalizeSignalURL(t *testing.T) {
	cases := map[string]string{
		"wss://rooms.example.com/rtc":  "wss://rooms.example.com/rtc",
		"https://rooms.example.com":    "wss://rooms.example.com",
		"http://127.0.0.1:7880/signal": "ws://127.0.0.1:7880/signal",
	}
	for in, want := range cases {
		got, err := normalizeSignalURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, bad := range []string{"ftp://x", "wss://", "::"} {
		_, err := normalizeSignalURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestPacketizerSplitsIntoPCMUPackets(t *testing.T) {
	p := newPacketizer(42)
	assert.Empty(t, p.push(make([]int16, 100)))

	pkts := p.push(make([]int16, 300))
	require.Len(t, pkts, 2)
	assert.True(t, pkts[0].Marker)
	assert.False(t, pkts[1].Marker)
	assert.Equal(t, pkts[0].SequenceNumber+1, pkts[1].SequenceNumber)
	assert.Equal(t, pkts[0].Timestamp+pcmuSamplesPerPacket, pkts[1].Timestamp)
	assert.Equal(t, uint32(42), pkts[1].SSRC)
	assert.Equal(t, uint8(pcmuPayloadType), pkts[0].PayloadType)
	assert.Len(t, pkts[0].Payload, pcmuSamplesPerPacket)
	assert.Len(t, p.pending, 80)

	raw, err := pkts[0].Marshal()
	require.NoError(t, err)
	decoded := audio.DecodeULaw(raw[12:])
	assert.Len(t, decoded, pcmuSamplesPerPacket)
}

func TestConnectRejectsEmptyToken(t *testing.T) {
	_, err := New(Config{}).Connect(context.Background(), "wss://rooms.example.com", " ")
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
}

func TestConnectUnauthorizedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(Config{DialAttempts: 3}).Connect(context.Background(), srv.URL, "tok")
	assert.ErrorIs(t, err, transport.ErrUnauthorized)
	assert.Equal(t, int32(1), hits.Load())
}

func TestConnectFailsOnSignalError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "missing auth", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteJSON(signalFrame{Type: signalError, Reason: "room full"})
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	_, err := New(Config{}).Connect(context.Background(), srv.URL, "tok")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "room full"), err.Error())
}
