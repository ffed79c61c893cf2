// Package server exposes the chat handler and conversation views to the
// desktop shell over local HTTP, Server-Sent Events and WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/szaher/deskmate/internal/auth"
	"github.com/szaher/deskmate/internal/chat"
	"github.com/szaher/deskmate/internal/conversation"
	"github.com/szaher/deskmate/internal/prompt"
	"github.com/szaher/deskmate/internal/secrets"
	"github.com/szaher/deskmate/internal/telemetry"
)

// Version is reported by /healthz.
const Version = "0.1.0"

// HeaderCorrelationID carries the per-request correlation id.
const HeaderCorrelationID = "X-Correlation-ID"

const maxBodyBytes = 4 << 20

// Server is the sidecar HTTP server.
type Server struct {
	chat      *chat.Handler
	store     *conversation.Store
	mux       *http.ServeMux
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	limiter   *auth.RateLimiter
	apiKey    string
	noAuth    bool
	maxRecent int
	startTime time.Time

	mu     sync.Mutex
	server *http.Server
	closed bool
}

// Option configures the Server.
type Option func(*Server)

// WithAPIKey requires bearer key on every route except /healthz. noAuth
// disables the check.
func WithAPIKey(key string, noAuth bool) Option {
	return func(s *Server) {
		s.apiKey = key
		s.noAuth = noAuth
	}
}

// WithRateLimiter limits requests per client and blocks clients that keep
// failing authentication.
func WithRateLimiter(rl *auth.RateLimiter) Option {
	return func(s *Server) { s.limiter = rl }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics serves m on /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithMaxRecent sets the window used to render context in conversation views.
func WithMaxRecent(n int) Option {
	return func(s *Server) { s.maxRecent = n }
}

// New creates a server answering chat requests through handler.
func New(handler *chat.Handler, store *conversation.Store, opts ...Option) *Server {
	s := &Server{
		chat:      handler,
		store:     store,
		logger:    slog.Default(),
		maxRecent: prompt.DefaultMaxRecent,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/chat/stream", s.handleChatStream)
	mux.HandleFunc("GET /v1/chat/ws", s.handleChatWS)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("GET /v1/conversations/{id}/export", s.handleExportConversation)
	s.mux = mux
	return s
}

// Handler returns the routes wrapped in correlation, authentication and
// rate limiting middleware.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.limiter != nil {
		h = s.limiter.Middleware(auth.ClientIPKeyFunc)(h)
	}
	var limiters []*auth.RateLimiter
	if s.limiter != nil {
		limiters = append(limiters, s.limiter)
	}
	h = auth.Middleware(s.apiKey, s.noAuth, []string{"/healthz"}, limiters...)(h)
	return s.correlate(h)
}

// ListenAndServe serves on addr until Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a graceful stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	s.logger.Info("sidecar server starting", "addr", ln.Addr().String(), "auth", !s.noAuth)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. A later Serve returns at once.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := telemetry.WithCorrelationID(r.Context(), r.Header.Get(HeaderCorrelationID))
		w.Header().Set(HeaderCorrelationID, telemetry.CorrelationID(ctx))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "healthy",
		"uptime":        time.Since(s.startTime).Round(time.Second).String(),
		"conversations": s.store.Len(),
		"version":       Version,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusNotFound, "not_found", "metrics disabled")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chat.Request, bool) {
	var req chat.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeChatError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	req.ApplyHeaders(r.Header)
	if err := s.chat.Validate(req); err != nil {
		writeChatError(w, http.StatusBadRequest, err.Error())
		return req, false
	}
	return req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	res, err := s.chat.Send(r.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		if chat.IsValidation(err) {
			status = http.StatusBadRequest
		}
		writeChatError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeChatError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.chat.Stream(r.Context(), req, sse); err != nil {
		s.logger.Debug("chat stream ended with error", "error", err,
			"correlation_id", telemetry.CorrelationID(r.Context()))
	}
}

type conversationSummary struct {
	ID          string    `json:"id"`
	Turns       int       `json:"turns"`
	HasSummary  bool      `json:"has_summary"`
	Summarizing bool      `json:"summarizing"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Server) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	out := []conversationSummary{}
	for _, id := range s.store.IDs() {
		state, ok := s.store.Get(id)
		if !ok {
			continue
		}
		out = append(out, conversationSummary{
			ID:          id,
			Turns:       len(state.Turns),
			HasSummary:  state.Summary != "",
			Summarizing: state.Summarizing,
			UpdatedAt:   state.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": out})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	state, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversation": state,
		"context":      prompt.Render(state, s.maxRecent),
	})
}

type exportedTurn struct {
	Role      conversation.Role `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
}

func (s *Server) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	state, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}

	turns := make([]exportedTurn, len(state.Turns))
	for i, t := range state.Turns {
		turns[i] = exportedTurn{Role: t.Role, Content: secrets.ScrubPII(t.Content), Timestamp: t.Timestamp}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      state.ID,
		"summary": secrets.ScrubPII(state.Summary),
		"folded":  state.Folded,
		"turns":   turns,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}

// writeChatError answers chat routes in the shape the desktop UI expects.
func writeChatError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
