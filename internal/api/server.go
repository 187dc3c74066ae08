package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/deskline/internal/backup"
	"github.com/h1v3-io/deskline/internal/connector"
	"github.com/h1v3-io/deskline/internal/logbuf"
	"github.com/h1v3-io/deskline/internal/ticket"
	"github.com/h1v3-io/deskline/pkg/protocol"
)

// RequestIDHeader carries the per-request correlation ID.
const RequestIDHeader = "X-Request-ID"

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// DeskService is what the API server needs from the desk.
type DeskService interface {
	ListTickets(openOnly bool) []protocol.Ticket
	GetTicket(id int64) (protocol.Ticket, error)
	OpenTicket(ctx context.Context, msg connector.InboundMessage) (protocol.Ticket, error)
	TakeTicket(id int64, agent protocol.Agent) (protocol.Grant, error)
	ReleaseTicket(id int64) error
	ReplyTicket(ctx context.Context, id int64, agent protocol.Agent, text string) (protocol.Ticket, error)
	BackupNow(ctx context.Context, reason string) (backup.Artifact, error)
	ListBackups() ([]backup.Artifact, error)
}

// Config holds API server configuration.
type Config struct {
	Host string
	Port int
	Key  string // API key for Bearer auth
}

// Server is the deskline admin API server.
type Server struct {
	svc    DeskService
	cfg    Config
	logger *slog.Logger
	logs   LogQuerier
	mux    *http.ServeMux
	srv    *http.Server
}

// NewServer creates a new API server. logs may be nil.
func NewServer(svc DeskService, cfg Config, logger *slog.Logger, logs LogQuerier) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		cfg:    cfg,
		logger: logger,
		logs:   logs,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/tickets", s.requireAuth(s.handleListTickets))
	s.mux.HandleFunc("POST /api/tickets", s.requireAuth(s.handleOpenTicket))
	s.mux.HandleFunc("GET /api/tickets/{id}", s.requireAuth(s.withTicketID(s.handleGetTicket)))
	s.mux.HandleFunc("POST /api/tickets/{id}/take", s.requireAuth(s.withTicketID(s.handleTake)))
	s.mux.HandleFunc("POST /api/tickets/{id}/release", s.requireAuth(s.withTicketID(s.handleRelease)))
	s.mux.HandleFunc("POST /api/tickets/{id}/reply", s.requireAuth(s.withTicketID(s.handleReply)))
	s.mux.HandleFunc("GET /api/backups", s.requireAuth(s.handleListBackups))
	s.mux.HandleFunc("POST /api/backups", s.requireAuth(s.handleBackupNow))
	s.mux.HandleFunc("GET /api/logs", s.requireAuth(s.handleGetLogs))

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.requestID(s.corsMiddleware(s.mux)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// HandleIntake mounts a ticket intake handler at POST /api/intake/{source}.
// The handler authenticates its own callers. Call before Start.
func (s *Server) HandleIntake(h http.Handler) {
	s.mux.Handle("POST /api/intake/{source}", h)
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// --- Middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestID tags every request with an ID, echoing the caller's one if
// present, and logs the outcome.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		s.logger.Debug("api request",
			"request_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+RequestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Key == "" {
			next(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.Key {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

type ticketHandler func(w http.ResponseWriter, r *http.Request, id int64)

func (s *Server) withTicketID(next ticketHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid ticket id")
			return
		}
		next(w, r, id)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTickets(w http.ResponseWriter, r *http.Request) {
	openOnly := false
	if v := r.URL.Query().Get("open"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "open must be a boolean")
			return
		}
		openOnly = b
	}
	tickets := s.svc.ListTickets(openOnly)
	if tickets == nil {
		tickets = []protocol.Ticket{}
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (s *Server) handleGetTicket(w http.ResponseWriter, _ *http.Request, id int64) {
	t, err := s.svc.GetTicket(id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type openTicketRequest struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	ChatID     string `json:"chat_id"`
	Channel    string `json:"channel"`
	Content    string `json:"content"`
}

func (s *Server) handleOpenTicket(w http.ResponseWriter, r *http.Request) {
	var req openTicketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Channel == "" {
		req.Channel = "api"
	}
	if req.SenderID == "" {
		req.SenderID = "api"
	}

	t, err := s.svc.OpenTicket(r.Context(), connector.InboundMessage{
		Channel:    req.Channel,
		SenderID:   req.SenderID,
		SenderName: req.SenderName,
		ChatID:     req.ChatID,
		Content:    req.Content,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type agentRequest struct {
	AgentID   string `json:"agent_id"`
	AgentName string `json:"agent_name"`
	Text      string `json:"text,omitempty"`
}

func decodeAgent(w http.ResponseWriter, r *http.Request) (agentRequest, bool) {
	var req agentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, false
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return req, false
	}
	return req, true
}

func (s *Server) handleTake(w http.ResponseWriter, r *http.Request, id int64) {
	req, ok := decodeAgent(w, r)
	if !ok {
		return
	}
	g, err := s.svc.TakeTicket(id, protocol.Agent{ID: req.AgentID, Name: req.AgentName})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleRelease(w http.ResponseWriter, _ *http.Request, id int64) {
	if err := s.svc.ReleaseTicket(id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "released", "ticket_id": id})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request, id int64) {
	req, ok := decodeAgent(w, r)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	t, err := s.svc.ReplyTicket(r.Context(), id, protocol.Agent{ID: req.AgentID, Name: req.AgentName}, req.Text)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type backupRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleBackupNow(w http.ResponseWriter, r *http.Request) {
	var req backupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	art, err := s.svc.BackupNow(r.Context(), req.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleListBackups(w http.ResponseWriter, _ *http.Request) {
	arts, err := s.svc.ListBackups()
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if arts == nil {
		arts = []backup.Artifact{}
	}
	writeJSON(w, http.StatusOK, arts)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	if s.logs == nil {
		writeJSON(w, http.StatusOK, []logbuf.Entry{})
		return
	}

	q := r.URL.Query()
	f := logbuf.Filter{
		Limit:     200,
		MinLevel:  slog.LevelDebug,
		Component: q.Get("component"),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if lvl := q.Get("level"); lvl != "" {
		if err := f.MinLevel.UnmarshalText([]byte(lvl)); err != nil {
			writeError(w, http.StatusBadRequest, "unknown level")
			return
		}
	}
	if v := q.Get("since"); v != "" {
		since, ok := parseSince(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "since must be unix milliseconds or RFC 3339")
			return
		}
		f.Since = since
	}
	if v := q.Get("ticket_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ticket_id")
			return
		}
		f.TicketID = id
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func parseSince(v string) (time.Time, bool) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), true
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// --- Helpers ---

// statusFor maps desk errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ticket.ErrLockDenied), errors.Is(err, ticket.ErrAlreadyReplied):
		return http.StatusConflict
	case errors.Is(err, ticket.ErrNotFound), errors.Is(err, backup.ErrSourceMissing):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := map[string]any{"error": err.Error()}

	var denied *ticket.LockDeniedError
	if errors.As(err, &denied) {
		body["holder_id"] = denied.HolderID
		body["holder_name"] = denied.HolderName
		body["since"] = denied.Since
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", "error", err)
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
