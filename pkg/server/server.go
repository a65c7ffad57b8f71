// Package server exposes evaluation over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"miqa/pkg/inference"
	"miqa/pkg/logging"
	"miqa/pkg/queue"
	"miqa/pkg/results"
	"miqa/pkg/telemetry"
)

// Models resolves evaluation models. *inference.Registry implements it.
type Models interface {
	Names() []string
	Engine(name string) (*inference.Engine, error)
}

// Store persists and looks up evaluations. *results.Store implements it.
type Store interface {
	Put(ctx context.Context, ev *results.Evaluation) error
	Get(ctx context.Context, id string) (*results.Evaluation, error)
	ByImage(ctx context.Context, imagePath string) ([]*results.Evaluation, error)
}

// Server handles evaluation requests.
type Server struct {
	Models Models
	Store  Store

	// Queue receives asynchronous requests; nil disables them
	Queue queue.Source

	ScanTypes map[string]string
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger

	// evaluations run one at a time
	mu sync.Mutex
}

// New creates a server with the default scan type mapping.
func New(models Models, store Store) *Server {
	return &Server{Models: models, Store: store, ScanTypes: queue.DefaultScanTypeModels}
}

func (s *Server) logger() *slog.Logger {
	return logging.OrDefault(s.Logger)
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.health)
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Get("/models", s.listModels)
		r.Post("/evaluations", s.createEvaluation)
		r.Get("/evaluations", s.listEvaluations)
		r.Get("/evaluations/{id}", s.getEvaluation)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger().Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger().Error("request failed", "path", r.URL.Path, "error", err)
	}
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: err.Error()})
}

// HealthResponse reports liveness and the served models.
type HealthResponse struct {
	Status string   `json:"status"`
	Models []string `json:"models"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{Status: "ok", Models: s.Models.Names()})
}

func (s *Server) listModels(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, s.Models.Names())
}

// EvaluationRequest asks for one image to be evaluated. Model overrides the
// scan type mapping. Async queues the request instead of waiting for it.
type EvaluationRequest struct {
	ImagePath string `json:"image_path"`
	ScanType  string `json:"scan_type"`
	Model     string `json:"model"`
	Async     bool   `json:"async"`
}

// EvaluationResponse is a stored evaluation plus its reviewer-facing scores.
type EvaluationResponse struct {
	*results.Evaluation
	Scores map[string]float64 `json:"scores,omitempty"`
}

// QueuedResponse acknowledges an asynchronous request.
type QueuedResponse struct {
	ID    string `json:"id"`
	Model string `json:"model"`
}

func (s *Server) model(req EvaluationRequest) (string, error) {
	if req.Model != "" {
		return req.Model, nil
	}
	name, ok := s.ScanTypes[req.ScanType]
	if !ok {
		return "", fmt.Errorf("no evaluation model for scan type %q", req.ScanType)
	}
	return name, nil
}

func (s *Server) createEvaluation(w http.ResponseWriter, r *http.Request) {
	var req EvaluationRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		s.fail(w, r, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.ImagePath == "" {
		s.fail(w, r, http.StatusBadRequest, errors.New("image_path is required"))
		return
	}
	name, err := s.model(req)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}
	if _, err := os.Stat(req.ImagePath); err != nil {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("image %s not found", req.ImagePath))
		return
	}

	if req.Async {
		if s.Queue == nil {
			s.fail(w, r, http.StatusNotImplemented, errors.New("asynchronous evaluation is not configured"))
			return
		}
		job := queue.NewJob(req.ImagePath, req.ScanType)
		job.Model = name
		if err := s.Queue.Enqueue(r.Context(), job); err != nil {
			s.fail(w, r, http.StatusServiceUnavailable, err)
			return
		}
		render.Status(r, http.StatusAccepted)
		render.JSON(w, r, QueuedResponse{ID: job.ID, Model: name})
		return
	}

	engine, err := s.Models.Engine(name)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err)
		return
	}

	s.mu.Lock()
	result, err := engine.EvaluateOne(r.Context(), req.ImagePath)
	s.mu.Unlock()
	if err != nil {
		s.fail(w, r, http.StatusUnprocessableEntity, err)
		return
	}

	ev := &results.Evaluation{ImagePath: req.ImagePath, Model: name, Results: result}
	if err := s.Store.Put(r.Context(), ev); err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, s.response(ev))
}

func (s *Server) response(ev *results.Evaluation) EvaluationResponse {
	resp := EvaluationResponse{Evaluation: ev}
	if engine, err := s.Models.Engine(ev.Model); err == nil {
		resp.Scores = inference.ReviewScores(engine.Schema, ev.Results)
	}
	return resp
}

func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := s.Store.Get(r.Context(), id)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	if ev == nil {
		s.fail(w, r, http.StatusNotFound, fmt.Errorf("evaluation %s not found", id))
		return
	}
	render.JSON(w, r, s.response(ev))
}

func (s *Server) listEvaluations(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("image_path")
	if path == "" {
		s.fail(w, r, http.StatusBadRequest, errors.New("image_path query parameter is required"))
		return
	}
	evs, err := s.Store.ByImage(r.Context(), path)
	if err != nil {
		s.fail(w, r, http.StatusInternalServerError, err)
		return
	}
	out := make([]EvaluationResponse, 0, len(evs))
	for _, ev := range evs {
		out = append(out, s.response(ev))
	}
	render.JSON(w, r, out)
}

// ListenAndServe serves Routes on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger().Info("serving evaluations", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}
