package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokoroten/tokoroten/internal/pipeline"
	"github.com/tokoroten/tokoroten/internal/store"
)

// Config holds server configuration
type Config struct {
	UploadDir string
	Jobs      JobConfig
}

// Server is the HTTP API over the pipeline
type Server struct {
	config   Config
	router   *chi.Mux
	orch     *pipeline.Orchestrator
	store    *store.Store
	jobs     *JobManager
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New creates a new server. Job results are persisted through st.
func New(cfg Config, orch *pipeline.Orchestrator, st *store.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	orch.WithStore(st)

	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		orch:   orch,
		store:  st,
		jobs:   NewJobManager(cfg.Jobs, orch, logger),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	r := s.router

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/audio", func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Post("/upload", s.handleUpload)
		r.Post("/{id}/analyze", s.handleAnalyze)
		r.Post("/{id}/insight", s.handleInsight)
		r.Post("/{id}/process", s.handleProcess)
	})

	r.Route("/jobs/{id}", func(r chi.Router) {
		r.With(middleware.Compress(5)).Get("/", s.handleJob)
		r.Get("/events", s.handleEvents)
		r.Get("/ws", s.handleWebSocket)
		r.Get("/midi", s.handleDownloadMIDI)
		r.Get("/stems/{stem}", s.handleStem)
	})
}

// ServeHTTP satisfies http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Jobs exposes the job manager
func (s *Server) Jobs() *JobManager { return s.jobs }

// Start launches the job workers
func (s *Server) Start() { s.jobs.Start() }

// Stop cancels outstanding jobs and removes their files
func (s *Server) Stop() { s.jobs.Stop() }

// requestLogger logs one line per request through zap
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)))
	})
}
