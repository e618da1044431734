// Package api provides the control-plane HTTP handlers of a rank: flight
// recorder dumps, handle health and metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/ncclwatch/internal/comm"
	"github.com/hugo-lorenzo-mato/ncclwatch/internal/flightrec"
)

// CommSource lists the communicators whose health is reported.
type CommSource interface {
	Comms() []*comm.Comm
}

// Dumper writes a dump to the diagnostic sink on request.
type Dumper interface {
	DumpNow(ctx context.Context) error
}

// Server serves the recorder and handle state of one process.
type Server struct {
	router   chi.Router
	buf      *flightrec.Buffer
	comms    CommSource
	dumper   Dumper
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithComms sets the communicators reported by /handler/comms and included
// in dumps.
func WithComms(src CommSource) ServerOption {
	return func(s *Server) {
		s.comms = src
	}
}

// WithDumper enables POST /handler/dump_to_sink.
func WithDumper(d Dumper) ServerOption {
	return func(s *Server) {
		s.dumper = d
	}
}

// WithGatherer sets the metrics exposed at /metrics.
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer creates a control-plane server over buf.
func NewServer(buf *flightrec.Buffer, opts ...ServerOption) *Server {
	s := &Server{
		buf:      buf,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(s.loggingMiddleware)

	// Trace analysis notebooks fetch dumps from other origins.
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	r.Route("/handler", func(r chi.Router) {
		r.Get("/ping", s.handlePing)
		r.Get("/dump_nccl_trace_json", s.handleDumpTraceJSON)
		r.Get("/dump", s.handleDump)
		r.Post("/dump_to_sink", s.handleDumpToSink)
		r.Get("/entries/{recordID}", s.handleGetEntry)
		r.Get("/comms", s.handleListComms)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondRaw(w http.ResponseWriter, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting control-plane server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
