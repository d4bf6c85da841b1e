package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/readiness"
	"github.com/ent0n29/agentbridge/internal/store"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPongWait     = 60 * time.Second
	streamPingPeriod   = streamPongWait * 9 / 10
)

// Stream message types.
const (
	StreamStoreSnapshot = "store_snapshot"
	StreamReady         = "ready"
)

// StreamMessage is one frame on /v1/store/ws.
type StreamMessage struct {
	Type     string            `json:"type"`
	Snapshot *store.Snapshot   `json:"snapshot,omitempty"`
	Status   *readiness.Status `json:"status,omitempty"`
}

// handleStoreWS streams a store_snapshot frame per store change and a single
// ready frame once the readiness signal has fired. The client only reads.
func (s *Server) handleStoreWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("stream_connected").Inc()
		defer s.metrics.SessionEvents.WithLabelValues("stream_disconnected").Inc()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	snaps, unsubscribe := s.store.Subscribe()
	defer unsubscribe()

	// Reader: handles pongs and notices the client going away.
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	ready := s.readiness.Ready()
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snaps:
			if !ok {
				return
			}
			status := s.readiness.Status()
			if err := s.writeFrame(conn, StreamMessage{Type: StreamStoreSnapshot, Snapshot: &snap, Status: &status}); err != nil {
				return
			}
		case <-ready:
			ready = nil
			status := s.readiness.Status()
			if err := s.writeFrame(conn, StreamMessage{Type: StreamReady, Status: &status}); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("store stream write failed", zap.String("type", msg.Type), zap.Error(err))
		return err
	}
	return nil
}
