// Package server exposes the translation service over HTTP.
package server

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pdftranslate-server/internal/logger"
	"pdftranslate-server/internal/orchestrator"
	"pdftranslate-server/internal/task"
	"pdftranslate-server/internal/workspace"
)

// Service identity reported by / and /health.
const (
	ServiceName = "BabelDOC Translation API"
	Version     = "0.4.16"
)

// DefaultMaxUploadBytes applies when Config.MaxUploadBytes is zero.
const DefaultMaxUploadBytes int64 = 200 << 20

// Dispatcher starts background translations. *orchestrator.Orchestrator satisfies it.
type Dispatcher interface {
	Dispatch(taskID, inputFile, outputDir string, req orchestrator.Request)
}

// Info is the configuration summary shown on the root endpoint.
type Info struct {
	Model   string `json:"openai_model"`
	LangIn  string `json:"default_lang_in"`
	LangOut string `json:"default_lang_out"`
	QPS     int    `json:"qps"`
}

// Config wires a Server.
type Config struct {
	Store          task.Store
	Workspaces     *workspace.Manager
	Dispatcher     Dispatcher
	Info           Info
	MaxUploadBytes int64
	// NewID allocates task ids; uuid.NewString when nil.
	NewID func() string
}

// Server serves the translation API.
type Server struct {
	store      task.Store
	workspaces *workspace.Manager
	dispatcher Dispatcher
	info       Info
	maxUpload  int64
	newID      func() string

	mux *http.ServeMux
}

// New creates a Server with its routes registered.
func New(cfg Config) *Server {
	s := &Server{
		store:      cfg.Store,
		workspaces: cfg.Workspaces,
		dispatcher: cfg.Dispatcher,
		info:       cfg.Info,
		maxUpload:  cfg.MaxUploadBytes,
		newID:      cfg.NewID,
		mux:        http.NewServeMux(),
	}
	if s.maxUpload <= 0 {
		s.maxUpload = DefaultMaxUploadBytes
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /translate", s.handleTranslate)
	s.mux.HandleFunc("GET /status/{task_id}", s.handleStatus)
	s.mux.HandleFunc("GET /download/{task_id}/{file_type}", s.handleDownload)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.mux)
}

// HTTPServer returns an http.Server for host:port serving this API.
func (s *Server) HTTPServer(host string, port int) *http.Server {
	return &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug("http request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Int("status", rec.status),
			logger.Duration("elapsed", time.Since(start)))
	})
}
