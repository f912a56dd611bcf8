// Package httpapi exposes the connector over HTTP: workflow registration,
// document indexing, synchronous and NDJSON-streamed jobs, status and
// health probes, and prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/Crewdle/mist-connector-llamacpp/internal/pipeline"
	"github.com/Crewdle/mist-connector-llamacpp/pkg/types"
)

const defaultMaxBodyBytes int64 = 1 << 20

// Service defines the methods required by the HTTP layer. Satisfied by
// *pipeline.Pipeline.
type Service interface {
	Register(ctx context.Context, workflowID string, models map[string]types.ModelSpec) error
	Release(workflowID string)
	AddDocument(ctx context.Context, name, content string) error
	RemoveDocument(name string) error
	Run(ctx context.Context, modelID string, params types.JobParams) (types.JobResult, error)
	Stream(ctx context.Context, modelID string, params types.JobParams) (*pipeline.Stream, error)
	Status() []types.ModelStatus
	Documents() []string
	ChunkCount() int
}

// Config encapsulates all tunables for Server construction.
type Config struct {
	Service Service
	Logger  zerolog.Logger
	// BaseContext cancels in-flight streams on shutdown; nil means Background.
	BaseContext context.Context
	// MaxBodyBytes bounds JSON request bodies; zero applies the 1 MiB default.
	MaxBodyBytes int64
	// Ready reports readiness for /readyz; nil means always ready.
	Ready func() bool
	// CORSOrigins enables CORS when non-empty.
	CORSOrigins []string
}

// Server handles the connector's HTTP surface.
type Server struct {
	svc     Service
	log     zerolog.Logger
	baseCtx context.Context
	maxBody int64
	ready   func() bool
	cors    []string
	started time.Time
}

// NewServer constructs a Server from Config, applying defaults.
func NewServer(cfg Config) *Server {
	s := &Server{
		svc:     cfg.Service,
		log:     cfg.Logger.With().Str("component", "httpapi").Logger(),
		baseCtx: cfg.BaseContext,
		maxBody: cfg.MaxBodyBytes,
		ready:   cfg.Ready,
		cors:    cfg.CORSOrigins,
		started: time.Now(),
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}
	return s
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if len(s.cors) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cors,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Put("/workflows/{id}", s.handleRegisterWorkflow)
	r.Delete("/workflows/{id}", s.handleReleaseWorkflow)
	r.Put("/documents/{name}", s.handlePutDocument)
	r.Delete("/documents/{name}", s.handleDeleteDocument)
	r.Post("/jobs", s.handleJob)
	r.Get("/status", s.handleStatus)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.ready == nil || s.ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("loading"))
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	return r
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) handleRegisterWorkflow(w http.ResponseWriter, r *http.Request) {
	workflowID := chi.URLParam(r, "id")
	var req types.RegisterRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Models) == 0 {
		writeJSONError(w, http.StatusBadRequest, "at least one model is required")
		return
	}
	if err := s.svc.Register(r.Context(), workflowID, req.Models); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReleaseWorkflow(w http.ResponseWriter, r *http.Request) {
	s.svc.Release(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutDocument(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req types.DocumentRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if err := s.svc.AddDocument(r.Context(), name, req.Content); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveDocument(chi.URLParam(r, "name")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	var req types.JobRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSONError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.Model == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	// Join the server base context with the request context so shutdown
	// cancels in-flight work too.
	ctx, cancel := joinContexts(s.baseCtx, r.Context())
	defer cancel()
	if req.Stream {
		s.streamJob(ctx, w, r, req)
		return
	}
	start := time.Now()
	result, err := s.svc.Run(ctx, req.Model, req.JobParams)
	if err != nil {
		if r.Context().Err() != nil || s.baseCtx.Err() != nil {
			return
		}
		s.writeError(w, r, err)
		return
	}
	s.log.Info().Str("model", req.Model).Dur("dur", time.Since(start)).Msg("job served")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result); err != nil {
		s.log.Warn().Err(err).Msg("encode job result")
	}
}

// streamJob writes the job as NDJSON, one StreamChunk per line, flushing
// after every line so tokens reach the client as they are generated.
func (s *Server) streamJob(ctx context.Context, w http.ResponseWriter, r *http.Request, req types.JobRequest) {
	stream, err := s.svc.Stream(ctx, req.Model, req.JobParams)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer stream.Close()
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	start := time.Now()
	for chunk := range stream.Recv() {
		if err := enc.Encode(chunk); err != nil {
			// Client gone; cancel the generation and drain.
			stream.Close()
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	s.log.Info().Str("model", req.Model).Dur("dur", time.Since(start)).Msg("streamed job served")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := types.StatusResponse{
		Models:         s.svc.Status(),
		Documents:      s.svc.Documents(),
		ChunkCount:     s.svc.ChunkCount(),
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		ServerTimeUnix: time.Now().Unix(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("sequence_capacity")
	}
	ev := s.log.Warn().Int("status", status).Err(err)
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		ev = ev.Str("request_id", rid)
	}
	ev.Msg("request failed")
	writeJSONError(w, status, err.Error())
}

// joinContexts returns a context cancelled when either a or b is done. The
// returned cancel must be called when the handler ends to release the
// goroutine.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
			cancel()
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
