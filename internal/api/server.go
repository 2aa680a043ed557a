// Package api exposes extrinsic submission over HTTP.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"

	"github.com/cmatc13/chainapi/internal/signer"
	"github.com/cmatc13/chainapi/internal/submitter"
	"github.com/cmatc13/chainapi/pkg/config"
	"github.com/cmatc13/chainapi/pkg/errors"
	"github.com/cmatc13/chainapi/pkg/health"
	"github.com/cmatc13/chainapi/pkg/logging"
	"github.com/cmatc13/chainapi/pkg/metrics"
)

const serviceLabel = "api"

// Submitter is the part of the orchestrator the API drives.
type Submitter interface {
	Submit(ctx context.Context, call []byte, s signer.Signer) (string, error)
	WaitTimeout(ctx context.Context, hash string, d time.Duration) (success bool, finalized bool, err error)
	Outcome(hash string) (success bool, resolved bool, err error)
	Health(ctx context.Context) (submitter.Health, error)
}

// Signers resolves signer names.
type Signers interface {
	Get(name string) (signer.Signer, error)
}

// Server represents the API server
type Server struct {
	config           config.APIConfig
	router           *chi.Mux
	submitter        Submitter
	signers          Signers
	tokenAuth        *jwtauth.JWTAuth
	server           *http.Server
	logger           *logging.Logger
	metricsCollector *metrics.Metrics
	healthRegistry   *health.Registry
}

// NewServer creates a new API server. The extrinsic routes require a JWT
// signed with auth.JWTSecret when the secret is set.
func NewServer(cfg config.APIConfig, auth config.AuthConfig, sub Submitter, signers Signers,
	healthRegistry *health.Registry, logger *logging.Logger, metricsCollector *metrics.Metrics) *Server {
	r := chi.NewRouter()

	s := &Server{
		config:           cfg,
		router:           r,
		submitter:        sub,
		signers:          signers,
		logger:           logger.WithField("component", serviceLabel),
		metricsCollector: metricsCollector,
		healthRegistry:   healthRegistry,
		server: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	if auth.JWTSecret != "" {
		s.tokenAuth = jwtauth.New("HS256", []byte(auth.JWTSecret), nil)
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(SecureHeaders)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware(s.metricsCollector, serviceLabel))
	s.router.Use(RecovererWithMetrics(s.logger, s.metricsCollector, serviceLabel))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.config.RateLimit > 0 {
		s.router.Use(httprate.LimitByIP(s.config.RateLimit, s.config.RateWindow))
	}
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/health/checks", s.healthRegistry.Handler())
	s.router.Method(http.MethodGet, "/metrics", s.metricsCollector.Handler())

	s.router.Group(func(r chi.Router) {
		if s.tokenAuth != nil {
			r.Use(jwtauth.Verifier(s.tokenAuth))
			r.Use(jwtauth.Authenticator)
		}
		r.With(ValidateContentType(s.logger, "application/json")).Post("/extrinsics", s.handleSubmit)
		r.Get("/extrinsics/{hash}", s.handleGetExtrinsic)
	})
}

// Handler returns the root handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("Starting API server", "addr", l.Addr().String())
	if err := s.server.Serve(l); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Error serving API", "error", err)
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("API server shutdown complete")
	return nil
}

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// SubmitRequest is the body of POST /extrinsics.
type SubmitRequest struct {
	Signer string `json:"signer"`
	// Call is the hex encoded unsigned call.
	Call string `json:"call"`
}

// ExtrinsicStatus describes a tracked extrinsic.
type ExtrinsicStatus struct {
	Hash      string `json:"hash"`
	Finalized bool   `json:"finalized"`
	Success   bool   `json:"success"`
}

type healthData struct {
	submitter.Health
	Status    health.Status           `json:"status"`
	Timestamp int64                   `json:"timestamp"`
	Checks    map[string]health.Check `json:"checks"`
	System    map[string]interface{}  `json:"system"`
}

// handleHealth reports the submitter snapshot and the registered checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.healthRegistry.RunChecks(r.Context())
	status := health.Overall(checks)

	snapshot, err := s.submitter.Health(r.Context())
	if err != nil {
		s.logger.WithContext(r.Context()).Warn("Health snapshot unavailable", "error", err)
		status = health.StatusDown
	} else if !snapshot.BlockchainConnected {
		status = health.StatusDown
	}

	httpStatus := http.StatusOK
	if status == health.StatusDown {
		httpStatus = http.StatusServiceUnavailable
	}

	resp := Response{
		Success: status == health.StatusUp,
		Message: "Service health status: " + string(status),
		Data: healthData{
			Health:    snapshot,
			Status:    status,
			Timestamp: time.Now().Unix(),
			Checks:    checks,
			System: map[string]interface{}{
				"go_version":    runtime.Version(),
				"go_goroutines": runtime.NumGoroutine(),
			},
		},
	}
	if err != nil {
		resp.Error = err.Error()
	}
	s.renderJSON(w, resp, httpStatus)
}

// handleSubmit signs and submits a call and answers with its hash.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.renderError(w, r, errors.NewAPIError(errors.APIErrBadRequest, "invalid request body", err))
		return
	}
	if req.Signer == "" {
		s.renderError(w, r, errors.APIErrorf(errors.APIErrValidation, "signer is required"))
		return
	}

	call, err := signer.ParseCall(req.Call)
	if err != nil {
		s.renderError(w, r, errors.NewAPIError(errors.APIErrValidation, "invalid call", err))
		return
	}

	sig, err := s.signers.Get(req.Signer)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	hash, err := s.submitter.Submit(r.Context(), call, sig)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.logger.WithContext(r.Context()).Debug("Extrinsic accepted", "signer", req.Signer, "hash", hash)

	s.renderJSON(w, Response{
		Success: true,
		Message: "Extrinsic submitted",
		Data:    map[string]string{"hash": hash},
	}, http.StatusAccepted)
}

// handleGetExtrinsic reports the outcome of an extrinsic, optionally waiting
// up to the wait query parameter for it to resolve.
func (s *Server) handleGetExtrinsic(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")

	wait, err := s.parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	var success, finalized bool
	if wait > 0 {
		success, finalized, err = s.submitter.WaitTimeout(r.Context(), hash, wait)
	} else {
		success, finalized, err = s.submitter.Outcome(hash)
	}
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	status := http.StatusOK
	if !finalized {
		status = http.StatusAccepted
	}
	s.renderJSON(w, Response{
		Success: true,
		Data:    ExtrinsicStatus{Hash: hash, Finalized: finalized, Success: success},
	}, status)
}

// parseWait accepts a Go duration or a number of seconds, capped at MaxWait.
func (s *Server) parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	wait, err := time.ParseDuration(raw)
	if err != nil {
		seconds, convErr := strconv.Atoi(raw)
		if convErr != nil {
			return 0, errors.NewAPIError(errors.APIErrValidation, "wait must be a duration", err)
		}
		wait = time.Duration(seconds) * time.Second
	}
	if wait < 0 {
		return 0, errors.APIErrorf(errors.APIErrValidation, "wait must not be negative")
	}
	if s.config.MaxWait > 0 && wait > s.config.MaxWait {
		wait = s.config.MaxWait
	}
	return wait, nil
}

// renderJSON renders a JSON response
func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON response", "error", err)
	}
}

// renderError renders err with the status its code maps to.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	code := errors.Code(err)
	if code == "" {
		code = strconv.Itoa(status)
	}
	s.metricsCollector.RecordError(serviceLabel, "http", code)
	if status >= 500 {
		s.logger.WithContext(r.Context()).WithError(err).Error("Request failed", "code", code)
	}

	s.renderJSON(w, Response{
		Success: false,
		Error:   err.Error(),
		Code:    errors.Code(err),
	}, status)
}
