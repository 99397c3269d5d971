package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/caplake/caplake/internal/capture"
	"github.com/caplake/caplake/internal/config"
	"github.com/caplake/caplake/internal/events"
	"github.com/caplake/caplake/internal/metrics"
)

// BackendInfo reports the lifecycle state of the managed store backend.
type BackendInfo interface {
	State() capture.BackendState
	CheckRunning(ctx context.Context) bool
}

// ProxyInfo reports the managed exit proxy, when one is configured.
type ProxyInfo interface {
	ManagedAddr() string
	State() capture.ProxyState
}

// EventLog exposes the most recently recorded capture lifecycle events.
type EventLog interface {
	Snapshot() []events.Event
}

// Server wires HTTP handlers to the job store and managed subsystems.
type Server struct {
	router   chi.Router
	store    capture.Store
	backend  BackendInfo
	proxy    ProxyInfo
	emitter  events.Emitter
	eventLog EventLog
	idGen    capture.IDGenerator
	clock    capture.Clock
	limiter  *rate.Limiter
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The backend,
// proxy, emitter, and eventLog collaborators may be nil; the matching
// endpoints then degrade to reporting nothing about them.
func NewServer(
	store capture.Store,
	backend BackendInfo,
	proxy ProxyInfo,
	emitter events.Emitter,
	eventLog EventLog,
	idGen capture.IDGenerator,
	clock capture.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		backend:  backend,
		proxy:    proxy,
		emitter:  emitter,
		eventLog: eventLog,
		idGen:    idGen,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
	if cfg.RateLimit.Enabled {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(metricsMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.rateLimitMiddleware())
		}
		if cfg.Auth.Enabled {
			r.Use(s.apiKeyMiddleware(cfg.Auth.APIKey))
		}

		r.Get("/status", s.serviceStatus)
		r.Get("/stats/daily", s.dailyStats)
		r.Get("/events/recent", s.recentEvents)

		r.Route("/captures", func(r chi.Router) {
			r.Post("/", s.submitCapture)
			r.Get("/ongoing", s.listOngoing)
			r.Get("/enqueued", s.listEnqueued)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getCapture)
				r.Get("/status", s.getCaptureStatus)
				r.Get("/result", s.getCaptureResult)
				r.Post("/cancel", s.cancelCapture)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "job store unreachable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URL            string            `json:"url"`
	Priority       *int              `json:"priority"`
	UserAgent      string            `json:"user_agent"`
	Referer        string            `json:"referer"`
	Proxy          string            `json:"proxy"`
	Headers        map[string]string `json:"headers"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	WithScreenshot bool              `json:"with_screenshot"`
	TimeoutSec     *int              `json:"timeout_sec"`
}

func (s *Server) submitCapture(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.buildJob(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.idGen.NewID()
	if err != nil {
		s.logger.Error("job id allocation failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to allocate job id")
		return
	}
	job.ID = jobID
	job.EnqueuedAt = s.clock.Now()

	if err := s.store.Enqueue(r.Context(), job); err != nil {
		s.logger.Error("enqueue failed", zap.String("job_id", job.ID), zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.writeError(w, status, "failed to enqueue capture")
		return
	}
	if err := s.store.IncrDailyStat(r.Context(), job.EnqueuedAt, capture.StatSubmitted); err != nil {
		s.logger.Warn("submitted counter update failed", zap.Error(err))
	}
	s.emit(events.Event{JobID: job.ID, Stage: events.StageEnqueued, URL: job.URL})
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// buildJob validates a submission and fills in settings defaults. The ID
// and enqueue time are assigned by the caller.
func (s *Server) buildJob(req submitRequest) (capture.Job, error) {
	rawURL := normalizeURL(req.URL)
	if rawURL == "" {
		return capture.Job{}, errors.New("url required")
	}
	if _, err := url.Parse(rawURL); err != nil {
		return capture.Job{}, fmt.Errorf("invalid url: %v", err)
	}

	settings := capture.Settings{
		UserAgent:      req.UserAgent,
		Referer:        req.Referer,
		Proxy:          req.Proxy,
		Headers:        req.Headers,
		Width:          req.Width,
		Height:         req.Height,
		WithScreenshot: req.WithScreenshot,
	}
	if req.TimeoutSec != nil && *req.TimeoutSec > 0 {
		settings.TimeoutSec = min(*req.TimeoutSec, s.cfg.Capture.MaxCaptureSeconds)
	}
	// A managed exit proxy overrides whatever the client asked for, so
	// every capture leaves through the tunnel while one is configured.
	if s.proxy != nil {
		if addr := s.proxy.ManagedAddr(); addr != "" {
			settings.Proxy = addr
		}
	}

	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
	}
	return capture.Job{URL: rawURL, Priority: priority, Settings: settings}, nil
}

func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	state, err := s.store.State(r.Context(), jobID)
	if err != nil {
		s.logger.Error("state lookup failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load capture")
		return
	}
	if state == capture.StateUnknown {
		s.writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	payload := map[string]any{"job_id": jobID, "state": state}
	job, err := s.store.GetJob(r.Context(), jobID)
	switch {
	case err == nil:
		payload["job"] = job
	case !errors.Is(err, capture.ErrNotFound):
		s.logger.Warn("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
	}
	s.writeJSON(w, http.StatusOK, payload)
}

// getCaptureStatus always answers 200: asking about an unknown job is a
// valid question, and "unknown" is its answer.
func (s *Server) getCaptureStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	state, err := s.store.State(r.Context(), jobID)
	if err != nil {
		s.logger.Error("state lookup failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load capture")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "state": state})
}

func (s *Server) getCaptureResult(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	state, err := s.store.State(r.Context(), jobID)
	if err != nil {
		s.logger.Error("state lookup failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load capture")
		return
	}
	if state == capture.StateUnknown {
		s.writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	result, ok, err := s.store.ReadResult(r.Context(), jobID)
	if err != nil {
		s.logger.Error("result lookup failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load result")
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "capture not finished")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelCapture(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	state, err := s.store.State(r.Context(), jobID)
	if err != nil {
		s.logger.Error("state lookup failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load capture")
		return
	}
	if state == capture.StateUnknown {
		s.writeError(w, http.StatusNotFound, "capture not found")
		return
	}
	if state == capture.StateDone {
		s.writeError(w, http.StatusConflict, "capture already finished")
		return
	}
	if err := s.store.RequestCancel(r.Context(), jobID); err != nil {
		s.logger.Error("cancel request failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to request cancellation")
		return
	}
	s.emit(events.Event{JobID: jobID, Stage: events.StageCancelRequested})
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "cancel_requested": true})
}

func (s *Server) listOngoing(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListOngoing(r.Context())
	if err != nil {
		s.logger.Error("list ongoing failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list ongoing captures")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "ongoing": entries})
}

func (s *Server) listEnqueued(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListQueued(r.Context())
	if err != nil {
		s.logger.Error("list enqueued failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list enqueued captures")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "enqueued": entries})
}

// serviceStatus reports queue pressure the way clients poll for it: a
// busy service has every slot claimed, or enough queued work to fill
// them. Submitting to a busy service is allowed; it just waits longer.
func (s *Server) serviceStatus(w http.ResponseWriter, r *http.Request) {
	ongoing, err := s.store.OngoingCount(r.Context())
	if err != nil {
		s.logger.Error("ongoing count failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "job store unavailable")
		return
	}
	queued, err := s.store.QueuedCount(r.Context())
	if err != nil {
		s.logger.Error("queued count failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "job store unavailable")
		return
	}
	maxConcurrent := int64(s.cfg.Capture.MaxConcurrent)
	busy := ongoing >= maxConcurrent || ongoing+queued >= maxConcurrent

	payload := map[string]any{
		"is_busy":        busy,
		"ongoing":        ongoing,
		"enqueued":       queued,
		"max_concurrent": maxConcurrent,
	}
	if s.backend != nil {
		payload["backend"] = s.backend.State()
	}
	if s.proxy != nil && s.proxy.ManagedAddr() != "" {
		payload["proxy"] = s.proxy.State()
	}
	if admin, ok := s.store.(interface {
		DBInfo(context.Context) (capture.DBInfo, error)
	}); ok {
		if info, err := admin.DBInfo(r.Context()); err == nil {
			payload["db"] = info
		} else {
			s.logger.Warn("db info failed", zap.Error(err))
		}
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) dailyStats(w http.ResponseWriter, r *http.Request) {
	day := s.clock.Now()
	if raw := r.URL.Query().Get("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid day, want YYYY-MM-DD")
			return
		}
		day = parsed
	}
	stats, err := s.store.DailyStats(r.Context(), day)
	if err != nil {
		s.logger.Error("daily stats failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"day":   day.Format("2006-01-02"),
		"stats": stats,
	})
}

func (s *Server) recentEvents(w http.ResponseWriter, r *http.Request) {
	if s.eventLog == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"count": 0, "events": []events.Event{}})
		return
	}
	evts := s.eventLog.Snapshot()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < len(evts) {
			evts = evts[:n]
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"count": len(evts), "events": evts})
}

func (s *Server) emit(evt events.Event) {
	if s.emitter == nil {
		return
	}
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}

// normalizeURL mirrors what browsers do with address bar input: bare
// hostnames get an http scheme prepended.
func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") {
		return "http://" + raw
	}
	return raw
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func (s *Server) rateLimitMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.limiter.Allow() {
				s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
