package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/agentbridge/internal/config"
	"github.com/ent0n29/agentbridge/internal/observability"
	"github.com/ent0n29/agentbridge/internal/protocol"
	"github.com/ent0n29/agentbridge/internal/readiness"
	"github.com/ent0n29/agentbridge/internal/session"
	"github.com/ent0n29/agentbridge/internal/store"
	"github.com/ent0n29/agentbridge/internal/transport"
)

const maxControlBody = 64 << 10

// Session is the orchestrator surface the HTTP API drives.
type Session interface {
	State() store.ConnectionState
	Connect(ctx context.Context, serverURL, token string) error
	Disconnect() error
	SendControlMessage(ctx context.Context, payload any) error
	Gesture(ctx context.Context) error
}

type Server struct {
	cfg       config.Config
	session   Session
	store     store.Reader
	readiness *readiness.Tracker
	metrics   *observability.Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, sess Session, st store.Reader, tracker *readiness.Tracker, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		session:   sess,
		store:     st,
		readiness: tracker,
		metrics:   metrics,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 << 10,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may watch the store unless configured otherwise.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/page", s.handlePage)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/store", s.handleStore)
	r.Get("/v1/store/ws", s.handleStoreWS)
	r.Post("/v1/session/connect", s.handleConnect)
	r.Post("/v1/session/disconnect", s.handleDisconnect)
	r.Post("/v1/session/control", s.handleControl)
	r.Post("/v1/audio/gesture", s.handleGesture)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"page_mode":  s.cfg.PageMode(),
		"connection": s.session.State(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	st := s.readiness.Status()
	if !st.Ready {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "not_ready",
			"readiness": st,
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ready",
		"readiness": st,
	})
}

func (s *Server) handlePage(w http.ResponseWriter, _ *http.Request) {
	mode := s.cfg.PageMode()
	resp := map[string]any{
		"mode":       mode,
		"test_mode":  s.cfg.TestMode,
		"server_url": s.cfg.ServerURL,
	}
	if mode == config.PageIdle {
		resp["instructions"] = config.IdleInstructions
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.readiness.Status())
}

func (s *Server) handleStore(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.store.Snapshot())
}

type connectRequest struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	serverURL := firstNonEmpty(req.ServerURL, s.cfg.ServerURL)
	token := firstNonEmpty(req.Token, s.cfg.Token)
	if !s.cfg.TestMode && (serverURL == "" || token == "") {
		respondError(w, http.StatusBadRequest, "missing_connection_details", config.IdleInstructions)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ConnectTimeout)
	defer cancel()
	if err := s.session.Connect(ctx, serverURL, token); err != nil {
		switch {
		case errors.Is(err, transport.ErrUnauthorized):
			respondError(w, http.StatusUnauthorized, "unauthorized", err.Error())
		case errors.Is(err, session.ErrConnectAborted):
			respondError(w, http.StatusConflict, "connect_aborted", err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			respondError(w, http.StatusGatewayTimeout, "connect_timeout", err.Error())
		default:
			respondError(w, http.StatusBadGateway, "connect_failed", err.Error())
		}
		return
	}
	snap := s.store.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"connection": s.session.State(),
		"session_id": snap.SessionID,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request) {
	if err := s.session.Disconnect(); err != nil {
		// The session is gone either way.
		s.logger.Warn("disconnect teardown error", zap.Error(err))
	}
	respondJSON(w, http.StatusOK, map[string]any{"connection": s.session.State()})
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Body == nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object")
		return
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(body) > maxControlBody {
		respondError(w, http.StatusRequestEntityTooLarge, "too_large", "control message exceeds 64KiB")
		return
	}
	if !json.Valid(body) {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be a JSON object")
		return
	}

	if err := s.session.SendControlMessage(r.Context(), body); err != nil {
		switch {
		case errors.Is(err, session.ErrNotConnected):
			respondError(w, http.StatusConflict, "not_connected", err.Error())
		case errors.Is(err, protocol.ErrNotObject):
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		default:
			respondError(w, http.StatusBadGateway, "send_failed", err.Error())
		}
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

func (s *Server) handleGesture(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Gesture(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, "gesture_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"audio_status": s.store.Snapshot().AudioStatus,
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

