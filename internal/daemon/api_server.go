package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bundlebridge/internal/api"
	"bundlebridge/internal/clock"
	"bundlebridge/internal/config"
	"bundlebridge/internal/ingest"
	"bundlebridge/internal/jobs"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/notifications"
	"bundlebridge/internal/platform"
	"bundlebridge/internal/services"
	"bundlebridge/internal/workflow"
)

// APIPrefix is where the import API is mounted.
const APIPrefix = "/rest/bundlebridge/v1"

// BridgeVersion is reported by the connection status route.
const BridgeVersion = "1.0.0"

// minInlineBudget is the execution budget below which imports are queued.
const minInlineBudget = 60 * time.Second

const (
	maxPerPage     = 50
	defaultPerPage = 20
	maxUploadBytes = 512 << 20
)

type apiServer struct {
	cfg      *config.Config
	bind     string
	logger   *slog.Logger
	pipeline *ingest.Pipeline
	store    *jobs.Store
	platform *platform.Native
	workflow *workflow.Manager
	notifier notifications.Service
	auth     *authenticator
	limiter  *rateLimiter
	clock    clock.Clock
	handler  http.Handler

	listener net.Listener
	server   *http.Server
}

type apiOption func(*apiServer)

func withClock(c clock.Clock) apiOption {
	return func(s *apiServer) {
		s.clock = c
		s.auth.clock = c
		s.limiter = newRateLimiter(s.cfg.API.RateLimitMax, s.cfg.RateLimitWindow(), c)
	}
}

func newAPIServer(cfg *config.Config, pipeline *ingest.Pipeline, native *platform.Native, wf *workflow.Manager, notifier notifications.Service, logger *slog.Logger, opts ...apiOption) *apiServer {
	if notifier == nil {
		notifier = notifications.NewService(cfg)
	}
	srv := &apiServer{
		cfg:      cfg,
		bind:     strings.TrimSpace(cfg.API.Bind),
		logger:   logging.NewComponentLogger(logger, "api-server"),
		pipeline: pipeline,
		store:    pipeline.Store(),
		platform: native,
		workflow: wf,
		notifier: notifier,
		auth:     newAuthenticator(cfg.API),
		limiter:  newRateLimiter(cfg.API.RateLimitMax, cfg.RateLimitWindow(), nil),
		clock:    clock.Real{},
	}
	for _, opt := range opts {
		opt(srv)
	}

	mux := http.NewServeMux()
	route := func(pattern string, h http.HandlerFunc) {
		method, path, _ := strings.Cut(pattern, " ")
		mux.HandleFunc(method+" "+APIPrefix+path, srv.authMiddleware(h))
	}
	route("POST /import", srv.rateLimited(srv.handleImport))
	route("POST /upload", srv.rateLimited(srv.handleUpload))
	route("POST /session", srv.handleSession)
	route("GET /status", srv.handleStatus)
	route("GET /status/{id}", srv.handleJobStatus)
	route("GET /library", srv.handleLibrary)
	route("GET /jobs", srv.handleJobs)
	route("GET /jobs/{id}", srv.handleJob)
	route("DELETE /jobs/{id}", srv.handleDeleteJob)
	route("POST /jobs/{id}/reimport", srv.handleReimport)
	route("POST /jobs/{id}/reset", srv.handleReset)
	route("POST /jobs/{id}/import-selected", srv.handleImportSelected)
	route("POST /jobs/reset-failed", srv.handleResetFailed)
	route("POST /jobs/bulk", srv.handleBulk)
	route("POST /notifications/test", srv.handleTestNotification)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		srv.writeError(w, http.StatusNotFound, "rest_no_route", "No route was found matching the URL and request method.")
	})
	srv.handler = mux

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil || s.bind == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener
	if s.auth.open() {
		logging.WarnWithContext(s.logger, "import api accepts unauthenticated requests", "api_open",
			logging.String(logging.FieldErrorHint, "set api.token, api.app_passwords or api.nonce_secret"),
			logging.String(logging.FieldImpact, "anyone who can reach the bind address can submit imports"),
		)
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

// addr returns the bound listener address.
func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, api.ErrorResponse{Code: code, Message: message, Status: status})
}

// writeFailure maps err onto an HTTP status through its services marker.
func (s *apiServer) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "bundlebridge_error"
	var transition *jobs.TransitionError
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "bundlebridge_not_found", "Import job not found.")
		return
	case errors.As(err, &transition):
		status, code = http.StatusConflict, "bundlebridge_busy"
	case errors.Is(err, services.ErrValidation):
		status, code = http.StatusBadRequest, "bundlebridge_invalid"
	case errors.Is(err, services.ErrNotFound):
		status, code = http.StatusNotFound, "bundlebridge_not_found"
	case errors.Is(err, services.ErrConfiguration):
		status, code = http.StatusFailedDependency, "bundlebridge_unavailable"
	case errors.Is(err, services.ErrExternalTool), errors.Is(err, services.ErrTransient):
		status, code = http.StatusBadGateway, "bundlebridge_upstream"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			logging.String("path", r.URL.Path),
			logging.Error(err),
			logging.String(logging.FieldEventType, "api_request_failed"),
		)
	}
	s.writeError(w, status, code, services.UserMessage(err))
}

func (s *apiServer) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return services.Wrap(services.ErrValidation, "api", "decode", "Invalid JSON body.", err)
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, services.Wrap(services.ErrValidation, "api", "parse id", "Invalid job id.", err)
	}
	return id, nil
}

// detached keeps processing alive after the client disconnects, bounded by
// the execution budget when one is configured.
func (s *apiServer) detached(r *http.Request) (context.Context, context.CancelFunc) {
	ctx := context.WithoutCancel(r.Context())
	if budget := s.cfg.ExecutionBudget(); budget > 0 {
		return context.WithTimeout(ctx, budget)
	}
	return context.WithCancel(ctx)
}
