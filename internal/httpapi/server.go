package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/memrelay/memrelay/internal/config"
	"github.com/memrelay/memrelay/internal/conversation"
	"github.com/memrelay/memrelay/internal/memapi"
	"github.com/memrelay/memrelay/internal/observability"
	"github.com/memrelay/memrelay/internal/orchestrator"
	"github.com/memrelay/memrelay/internal/protocol"
)

// Orchestrator is the slice of the pipeline the hook surface depends on.
type Orchestrator interface {
	OnMessage(ctx context.Context, role conversation.Role, content string) bool
	AgentStart(ctx context.Context, query string, limit int) orchestrator.Injection
	EndConversation(ctx context.Context)
	Status() orchestrator.Status
	ListMemories(ctx context.Context, limit, offset int) (memapi.ListResponse, error)
	DeleteMemory(ctx context.Context, id string) error
}

type Server struct {
	cfg          config.Config
	orchestrator Orchestrator
	metrics      *observability.Metrics
	logger       zerolog.Logger
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, orch Orchestrator, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:          cfg,
		orchestrator: orch,
		metrics:      metrics,
		logger:       logger.With().Str("component", "httpapi").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin. The hook stream can drive memory capture, so
				// foreign pages must not reach it if the daemon is ever
				// exposed beyond localhost.
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

	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Post("/v1/hooks/user-message", s.handleHookTurn(conversation.RoleUser, protocol.TypeUserMessage))
	r.Post("/v1/hooks/assistant-message", s.handleHookTurn(conversation.RoleAssistant, protocol.TypeAssistantMessage))
	r.Post("/v1/hooks/agent-start", s.handleAgentStart)
	r.Post("/v1/hooks/session-end", s.handleSessionEnd)
	r.Get("/v1/hooks/stream", s.handleHookStream)

	r.Get("/v1/memories", s.handleListMemories)
	r.Delete("/v1/memories/{id}", s.handleDeleteMemory)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	st := s.orchestrator.Status()
	if !st.Initialized {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"registered": st.HasCredential,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.orchestrator.Status())
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.LatencySnapshot())
}

type hookTurnRequest struct {
	Content string `json:"content"`
}

type hookAck struct {
	Buffered bool `json:"buffered"`
}

func (s *Server) handleHookTurn(role conversation.Role, msgType protocol.MessageType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req hookTurnRequest
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		if req.Content == "" {
			respondError(w, http.StatusBadRequest, "invalid_request", "content is required")
			return
		}
		s.metrics.HookMessage("rest", string(msgType))
		buffered := s.orchestrator.OnMessage(r.Context(), role, req.Content)
		respondJSON(w, http.StatusOK, hookAck{Buffered: buffered})
	}
}

type agentStartRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	var req agentStartRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.Limit < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "limit must not be negative")
		return
	}
	s.metrics.HookMessage("rest", string(protocol.TypeAgentStart))
	respondJSON(w, http.StatusOK, s.orchestrator.AgentStart(r.Context(), req.Query, req.Limit))
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	s.metrics.HookMessage("rest", string(protocol.TypeSessionEnd))
	s.orchestrator.EndConversation(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"status": "flushed"})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.orchestrator.ListMemories(r.Context(), limit, offset)
	if err != nil {
		s.respondUpstreamError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "missing memory id")
		return
	}
	if err := s.orchestrator.DeleteMemory(r.Context(), id); err != nil {
		s.respondUpstreamError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

func (s *Server) handleHookStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("hook stream connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, 64)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		s.runStream(ctx, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.HookMessage("ws_out", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseHostMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_host_message",
				Detail: err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the
				// outbound queue is saturated.
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.HookMessage("ws_in", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("hook stream disconnected")
}

// runStream processes inbound hook messages one at a time, preserving the
// turn order round counting depends on.
func (s *Server) runStream(ctx context.Context, inbound <-chan any, outbound chan<- any) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			var reply any
			switch m := msg.(type) {
			case protocol.HostTurn:
				buffered := s.orchestrator.OnMessage(ctx, m.Role, m.Content)
				reply = protocol.Ack{Type: protocol.TypeAck, Of: m.Type, Buffered: buffered}
			case protocol.AgentStart:
				inj := s.orchestrator.AgentStart(ctx, m.Query, m.Limit)
				reply = protocol.ContextInjection{
					Type:    protocol.TypeContextInjection,
					Context: inj.Context,
					Result:  inj.Result,
				}
			case protocol.SessionEnd:
				s.orchestrator.EndConversation(ctx)
				reply = protocol.Ack{Type: protocol.TypeAck, Of: protocol.TypeSessionEnd}
			default:
				continue
			}
			select {
			case <-ctx.Done():
				return
			case outbound <- reply:
			}
		}
	}
}

func (s *Server) respondUpstreamError(w http.ResponseWriter, err error) {
	var statusErr *memapi.StatusError
	switch {
	case errors.Is(err, memapi.ErrNoCredential):
		respondError(w, http.StatusServiceUnavailable, "not_registered", "agent is not registered with the memory service yet")
	case errors.As(err, &statusErr):
		respondError(w, statusErr.StatusCode, "upstream_error", statusErr.Detail)
	default:
		respondError(w, http.StatusBadGateway, "upstream_unreachable", err.Error())
	}
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
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
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

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.HostTurn:
		return m.Type, true
	case protocol.AgentStart:
		return m.Type, true
	case protocol.SessionEnd:
		return m.Type, true
	case protocol.Ack:
		return m.Type, true
	case protocol.ContextInjection:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
