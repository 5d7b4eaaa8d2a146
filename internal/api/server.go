// Package api serves the sweep operations over HTTP: plan, submit, status,
// retry and purge, plus cached artifacts and prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ak3tsm7/sweep-render-queue/internal/artifact"
	"github.com/ak3tsm7/sweep-render-queue/internal/orchestrator"
	redisq "github.com/ak3tsm7/sweep-render-queue/internal/redis"
	"github.com/ak3tsm7/sweep-render-queue/internal/sweep"
)

// maxBodyBytes bounds request bodies. Plans of a few thousand documents fit.
const maxBodyBytes = 16 << 20

// Images opens cached artifacts by job id.
type Images interface {
	Open(id string) (*os.File, error)
}

type Server struct {
	svc    *orchestrator.Service
	images Images
	logger *zap.Logger
	mux    *http.ServeMux
}

func New(svc *orchestrator.Service, images Images, logger *zap.Logger) *Server {
	s := &Server{
		svc:    svc,
		images: images,
		logger: logger.With(zap.String("component", "api")),
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/plan-sweep", s.handlePlanSweep)
	s.mux.HandleFunc("POST /api/submit-plan", s.handleSubmitPlan)
	s.mux.HandleFunc("POST /api/job-status", s.handleJobStatus)
	s.mux.HandleFunc("POST /api/retry-job", s.handleRetryJob)
	s.mux.HandleFunc("POST /api/purge-job", s.handlePurgeJob)
	s.mux.HandleFunc("GET "+artifact.URLPrefix+"{name}", s.handleImage)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Debug("request",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", rec.status),
		zap.Duration("duration", time.Since(start)),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return &requestError{msg: "invalid request body: " + err.Error()}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

// requestError is a malformed request detected by the handlers themselves.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(msg string) error { return &requestError{msg: msg} }

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	var reqErr *requestError
	var planErr *sweep.PlanError
	switch {
	case errors.As(err, &reqErr),
		errors.As(err, &planErr),
		errors.Is(err, orchestrator.ErrInvalidSeed),
		errors.Is(err, orchestrator.ErrInvalidDocument),
		errors.Is(err, orchestrator.ErrInvalidID),
		errors.Is(err, redisq.ErrSpecMismatch),
		errors.Is(err, artifact.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, redisq.ErrJobNotFound), errors.Is(err, artifact.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, redisq.ErrInvalidState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeJSON(w, code, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, code, errorBody{Error: err.Error()})
}
