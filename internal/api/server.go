// Package api serves the operations HTTP surface next to the WebSocket endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"lectern/internal/pipeline"
	"lectern/internal/session"
	"lectern/pkg/interfaces"
	"lectern/pkg/types"
)

// Sessions is the live-session view the API reads.
type Sessions interface {
	Snapshot() []types.SessionSummary
	Stats() map[string]int
	SessionByCode(classCode string) (*session.Session, error)
}

// Archive lists persisted sessions and reports database health.
type Archive interface {
	interfaces.SessionArchive
	HealthCheck(ctx context.Context) error
}

// AudioSource resolves synthesized clips by reference id.
type AudioSource interface {
	Get(id string) (pipeline.Clip, bool)
}

// Server routes the HTTP endpoints. archive and audio may be nil.
// ARCHITECTURAL DISCOVERY: the API is read-only; every mutation happens over
// the WebSocket protocol.
type Server struct {
	sessions  Sessions
	archive   Archive
	audio     AudioSource
	websocket http.Handler
	router    *http.ServeMux
	started   time.Time
	logger    *log.Logger
}

func NewServer(sessions Sessions, archive Archive, audio AudioSource, websocket http.Handler, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		sessions:  sessions,
		archive:   archive,
		audio:     audio,
		websocket: websocket,
		router:    http.NewServeMux(),
		started:   time.Now(),
		logger:    logger.WithPrefix("api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("/health", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.healthCheck))))
	s.router.Handle("/api/sessions", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.listSessions))))
	s.router.Handle("/api/sessions/closed", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.listClosedSessions))))
	s.router.Handle("/api/sessions/{code}", s.corsMiddleware(s.jsonMiddleware(http.HandlerFunc(s.getSession))))
	s.router.Handle("/audio/{id}", s.corsMiddleware(http.HandlerFunc(s.serveAudio)))
	s.router.Handle("/metrics", promhttp.Handler())
	if s.websocket != nil {
		s.router.Handle("/ws", s.websocket)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type ListSessionsResponse struct {
	Sessions []types.SessionSummary `json:"sessions"`
}

type ClosedSessionsResponse struct {
	Sessions []*types.SessionSummary `json:"sessions"`
}

type SessionResponse struct {
	Session types.SessionSummary `json:"session"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	defaultClosedLimit = 50
	maxClosedLimit     = 500
)

// GET /api/sessions
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.sendJSON(w, http.StatusOK, ListSessionsResponse{Sessions: s.sessions.Snapshot()})
}

// GET /api/sessions/{code}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code := r.PathValue("code")
	if !types.IsValidClassCode(code) {
		s.sendError(w, types.ErrInvalidClassCode.Error(), http.StatusBadRequest)
		return
	}
	sess, err := s.sessions.SessionByCode(code)
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			s.sendError(w, "Session not found", http.StatusNotFound)
			return
		}
		s.sendError(w, "Failed to get session", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, SessionResponse{Session: sess.Summary()})
}

// GET /api/sessions/closed?limit=N
func (s *Server) listClosedSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.archive == nil {
		s.sendError(w, "Session archive disabled", http.StatusServiceUnavailable)
		return
	}

	limit := defaultClosedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxClosedLimit)
	}

	summaries, err := s.archive.ListSessionSummaries(r.Context(), limit)
	if err != nil {
		s.logger.Error("list closed sessions failed", "err", err)
		s.sendError(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, ClosedSessionsResponse{Sessions: summaries})
}

// GET /audio/{id}
func (s *Server) serveAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.audio == nil {
		http.NotFound(w, r)
		return
	}
	clip, ok := s.audio.Get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", clip.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(clip.Data)))
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(clip.Data)
}

// GET /health returns 503 when the database check fails.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.archive != nil {
		dbStatus = "healthy"
		if err := s.archive.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.sessions.Stats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("encode response failed", "err", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
