// Package server implements the HTTP server: REST API, auth, metrics, and
// per-task event streams.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luanle13/ancaptruyenlamvideo/artifact"
	"github.com/luanle13/ancaptruyenlamvideo/comms"
	"github.com/luanle13/ancaptruyenlamvideo/config"
	"github.com/luanle13/ancaptruyenlamvideo/server/api"
	"github.com/luanle13/ancaptruyenlamvideo/server/ws"
)

// Server is the ingest HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	tasks    api.TaskService
	files    *artifact.Store
	bus      comms.Bus
	registry prometheus.Registerer
	gatherer prometheus.Gatherer
	handlers *api.Handlers
	hub      *ws.Hub
	routed   bool

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		startTime: time.Now(),
		version:   ver,
	}
}

// SetTasks attaches the task service.
func (s *Server) SetTasks(tasks api.TaskService) {
	s.tasks = tasks
}

// SetArtifacts attaches the artifact store served under /api/tasks/{id}/artifacts.
func (s *Server) SetArtifacts(files *artifact.Store) {
	s.files = files
}

// SetBus attaches the event bus used for task streams.
func (s *Server) SetBus(bus comms.Bus) {
	s.bus = bus
}

// SetMetrics exposes g on /metrics and registers server collectors with reg.
func (s *Server) SetMetrics(reg prometheus.Registerer, g prometheus.Gatherer) {
	s.registry = reg
	s.gatherer = g
}

// Handler returns the root handler, registering routes on first use.
func (s *Server) Handler() http.Handler {
	s.registerRoutes()
	return s.cors(s.mux)
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":8000"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}
	if s.cfg.Auth.AdminPass == "" {
		s.logger.Warn("auth.admin_pass is empty; API authentication is disabled")
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes once.
func (s *Server) registerRoutes() {
	if s.routed {
		return
	}
	s.routed = true

	h := &api.Handlers{
		Tasks:   s.tasks,
		Files:   s.files,
		Logger:  s.logger,
		Version: s.version,
		StartAt: s.startTime,
	}
	s.handlers = h
	s.hub = ws.NewHub(s.bus, s.tasks.Get, s.registry, s.logger)

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", h.StatusHandler())
	if s.gatherer != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// Event stream: auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /api/tasks/{id}/events", s.handleEvents)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleEvents streams one task's events. The token may come from the
// Authorization header or the token query parameter.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.authEnabled() {
		token := bearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if _, err := s.verifyToken(token); err != nil {
			writeJSONError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	s.hub.ServeTask(w, r, r.PathValue("id"))
}

// cors allows the configured browser origins. "*" allows any origin.
func (s *Server) cors(next http.Handler) http.Handler {
	origins := s.cfg.Server.CORSOrigins
	if len(origins) == 0 {
		return next
	}
	wildcard := slices.Contains(origins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (wildcard || slices.Contains(origins, origin)) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
