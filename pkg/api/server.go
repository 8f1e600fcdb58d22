// Package api provides the HTTP endpoints for monitoring and controlling a
// placesync engine.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/placesync/placesync/internal/adapter"
	"github.com/placesync/placesync/pkg/errors"
	"github.com/placesync/placesync/pkg/types"
	"github.com/placesync/placesync/pkg/utils"
)

const maxRequestBytes = 1 << 20

// Server provides HTTP API endpoints for an Engine
type Server struct {
	httpServer *http.Server
	engine     *adapter.Engine
	config     ServerConfig
	logger     *zap.Logger
	handler    http.Handler
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "127.0.0.1:8790")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableMetrics serves the Prometheus registry
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       "127.0.0.1:8790",
		ReadTimeout:   10 * time.Second,
		WriteTimeout:  30 * time.Second,
		IdleTimeout:   60 * time.Second,
		EnableCORS:    false,
		EnableMetrics: true,
	}
}

// NewServer creates a new API server
func NewServer(config ServerConfig, engine *adapter.Engine, logger *zap.Logger) *Server {
	s := &Server{
		engine: engine,
		config: config,
		logger: utils.OrNop(logger).Named("api"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/operations", s.handleOperations)
	mux.HandleFunc("/status/operations/", s.handleOperation)
	mux.HandleFunc("/status/history", s.handleHistory)
	mux.HandleFunc("/info", s.handleInfo)

	mux.HandleFunc("/cache", s.handleCacheClear)
	mux.HandleFunc("/cache/", s.handleCacheKey)

	mux.HandleFunc("/mutations", s.handleMutations)
	mux.HandleFunc("/mutations/", s.handleMutation)
	mux.HandleFunc("/sync", s.handleSync)

	mux.HandleFunc("/flags", s.handleFlags)
	mux.HandleFunc("/flags/", s.handleFlag)

	if config.EnableMetrics {
		mux.Handle(engine.Metrics().Path(), engine.Metrics().Handler())
	}
	mux.HandleFunc("/metrics/reset", s.handleMetricsReset)

	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("starting API server", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// handleReadiness reports whether the remote authority is reachable. Reads
// are still served while offline.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	stats := s.engine.Connectivity().Stats()
	code := http.StatusOK
	if !stats.Online {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, map[string]interface{}{
		"ready":        code == http.StatusOK,
		"connectivity": stats,
		"timestamp":    time.Now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.Status())
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	ops := s.engine.Operations().GetAllOperations()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"operations": ops,
		"count":      len(ops),
		"timestamp":  time.Now(),
	})
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	opID := strings.TrimPrefix(r.URL.Path, "/status/operations/")
	if opID == "" {
		s.respondError(w, http.StatusBadRequest, "Operation ID required")
		return
	}
	op, err := s.engine.Operations().GetOperation(opID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, op)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	limit := 10
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	history := s.engine.Operations().GetHistory(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"history":   history,
		"count":     len(history),
		"limit":     limit,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	endpoints := []string{
		"/health/live",
		"/health/ready",
		"/status",
		"/status/operations",
		"/status/operations/{id}",
		"/status/history",
		"/cache/{key}",
		"/mutations",
		"/mutations/{id}",
		"/sync",
		"/flags",
		"/flags/{name}",
		"/metrics/reset",
		"/info",
	}
	if s.config.EnableMetrics {
		endpoints = append(endpoints, s.engine.Metrics().Path())
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "placesync",
		"endpoint":  s.engine.Config().Remote.Endpoint,
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Cache endpoint handlers

func (s *Server) handleCacheKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/cache/")

	switch r.Method {
	case http.MethodGet:
		res, err := s.engine.Get(r.Context(), key)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"key":      key,
			"value":    res.Value,
			"tier":     res.Tier,
			"degraded": res.Degraded(),
		})
	case http.MethodDelete:
		if err := s.engine.Cache().Invalidate(r.Context(), key); err != nil {
			s.respondErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodDelete) {
		return
	}
	if err := s.engine.Cache().ClearAll(r.Context()); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Mutation endpoint handlers

type writeRequest struct {
	Method    string            `json:"method"`
	TargetURL string            `json:"target_url"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Priority  types.Priority    `json:"priority"`
}

func (s *Server) handleMutations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		pending := s.engine.Queue().Pending()
		dead := s.engine.Queue().DeadLetters()
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"pending":       pending,
			"dead_lettered": dead,
		})
	case http.MethodPost:
		req := writeRequest{Priority: types.PriorityNormal}
		if err := decodeBody(r, &req); err != nil {
			s.respondErr(w, err)
			return
		}
		m := types.QueuedMutation{
			Method:    strings.ToUpper(req.Method),
			TargetURL: req.TargetURL,
			Body:      req.Body,
			Headers:   req.Headers,
			Priority:  req.Priority,
		}
		res, err := s.engine.Write(r.Context(), m)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		code := http.StatusOK
		if res.Queued {
			code = http.StatusAccepted
		}
		s.respondJSON(w, code, res)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleMutation serves DELETE /mutations/{id} and POST /mutations/{id}/requeue.
func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/mutations/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.respondError(w, http.StatusNotFound, "Mutation ID required")
		return
	}

	var err error
	switch {
	case action == "" && r.Method == http.MethodDelete:
		err = s.engine.Queue().Discard(r.Context(), id)
	case action == "requeue" && r.Method == http.MethodPost:
		err = s.engine.Queue().Requeue(r.Context(), id)
	case action == "" || action == "requeue":
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	default:
		s.respondError(w, http.StatusNotFound, "Unknown mutation action")
		return
	}
	if err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	result, err := s.engine.Sync(r.Context())
	if err != nil && !errors.IsCode(err, errors.ErrCodeCircuitOpen) {
		s.respondErr(w, err)
		return
	}
	body := map[string]interface{}{
		"result": result,
		"queue":  s.engine.Queue().Status(),
	}
	if err != nil {
		body["error"] = err.Error()
	}
	s.respondJSON(w, http.StatusOK, body)
}

// Flag endpoint handlers

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		all, err := s.engine.Flags().GetAllFlags(r.Context())
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, all)
	case http.MethodPost:
		var flag types.FeatureFlag
		if err := decodeBody(r, &flag); err != nil {
			s.respondErr(w, err)
			return
		}
		created, err := s.engine.Flags().CreateFlag(r.Context(), flag)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, created)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleFlag serves GET /flags/{name}?user=&region=, PATCH /flags/{name}
// and POST /flags/{name}/toggle.
func (s *Server) handleFlag(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/flags/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" {
		s.respondError(w, http.StatusNotFound, "Flag name required")
		return
	}
	flags := s.engine.Flags()

	switch {
	case action == "" && r.Method == http.MethodGet:
		q := r.URL.Query()
		user, region := q.Get("user"), q.Get("region")
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"name":    name,
			"user":    user,
			"region":  region,
			"enabled": flags.IsEnabled(r.Context(), name, user, region),
		})
	case action == "" && r.Method == http.MethodPatch:
		var patch types.FlagPatch
		if err := decodeBody(r, &patch); err != nil {
			s.respondErr(w, err)
			return
		}
		updated, err := flags.UpdateFlag(r.Context(), name, patch)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, updated)
	case action == "toggle" && r.Method == http.MethodPost:
		toggled, err := flags.ToggleFlag(r.Context(), name)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, toggled)
	case action == "" || action == "toggle":
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	default:
		s.respondError(w, http.StatusNotFound, "Unknown flag action")
	}
}

// Metrics endpoint handlers

func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}
	s.engine.Metrics().Reset()
	s.respondJSON(w, http.StatusOK, s.engine.Metrics().Snapshot())
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Helper methods

func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func decodeBody(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeMalformedPayload, "read request body")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, errors.ErrCodeMalformedPayload, "decode request body")
	}
	return nil
}

// statusFor maps error codes onto HTTP statuses.
func statusFor(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidKey, errors.ErrCodeInvalidMutation, errors.ErrCodeInvalidConfig,
		errors.ErrCodeMalformedPayload:
		return http.StatusBadRequest
	case errors.ErrCodeEntryNotFound, errors.ErrCodeFlagNotFound:
		return http.StatusNotFound
	case errors.ErrCodeRemoteRejected:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeRemoteUnavailable, errors.ErrCodeNetworkError, errors.ErrCodeConnectionFailed,
		errors.ErrCodeConnectionTimeout, errors.ErrCodeCircuitOpen:
		return http.StatusBadGateway
	case errors.ErrCodeStoreUnavailable, errors.ErrCodeComponentStopped:
		return http.StatusServiceUnavailable
	case errors.ErrCodeOperationCanceled, errors.ErrCodeOperationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", zap.Error(err))
	}
	body := map[string]interface{}{
		"error":     err.Error(),
		"code":      errors.CodeOf(err),
		"timestamp": time.Now(),
	}
	s.respondJSON(w, code, body)
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("error encoding JSON response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
