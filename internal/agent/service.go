package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"bundlebridge/internal/bridge"
	"bundlebridge/internal/clock"
	"bundlebridge/internal/config"
	"bundlebridge/internal/correlator"
	"bundlebridge/internal/logging"
	"bundlebridge/internal/transport"
)

// Observation paths served next to the relay endpoint.
const (
	ObserveRequestPath  = "/observe/request"
	ObserveDownloadPath = "/observe/download"
	HealthPath          = "/healthz"
)

// RequestObservation reports a request seen outside the page's own
// primitives, such as by a proxy.
type RequestObservation struct {
	Page string `json:"page"`
	URL  string `json:"url"`
}

// DownloadObservation reports a download the browser started.
type DownloadObservation struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
}

// ObservationResult answers an observation.
type ObservationResult struct {
	Captured bool `json:"captured"`
}

// Health summarizes the agent's in-memory state.
type Health struct {
	Pages     int  `json:"pages"`
	Captures  int  `json:"captures"`
	Pending   int  `json:"pending"`
	Connected bool `json:"connected"`
}

// Service is the long-running capture agent.
type Service struct {
	bind       string
	logger     *slog.Logger
	transport  correlator.Transport
	correlator *correlator.Correlator
	bridge     *bridge.Server
	handler    http.Handler

	server   *http.Server
	listener net.Listener
}

// Option customizes a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	transport correlator.Transport
	clock     clock.Clock
}

// WithTransport replaces the import API client.
func WithTransport(t correlator.Transport) Option {
	return func(o *serviceOptions) { o.transport = t }
}

// WithClock sets the clock driving correlator windows.
func WithClock(c clock.Clock) Option {
	return func(o *serviceOptions) { o.clock = c }
}

// New wires the transport client, correlator and bridge server.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("agent requires config")
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.transport == nil {
		client, err := transport.New(cfg.Target, transport.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		o.transport = client
	}

	corrOpts := correlator.OptionsFromConfig(cfg.Capture)
	corrOpts.Clock = o.clock
	corrOpts.Logger = logger
	corr, err := correlator.New(o.transport, nil, corrOpts)
	if err != nil {
		return nil, fmt.Errorf("create correlator: %w", err)
	}
	srv := bridge.NewServer(corr, logger)
	corr.SetNotifier(srv)

	s := &Service{
		bind:       strings.TrimSpace(cfg.Capture.Bind),
		logger:     logging.NewComponentLogger(logger, "agent"),
		transport:  o.transport,
		correlator: corr,
		bridge:     srv,
	}
	mux := http.NewServeMux()
	mux.Handle(bridge.Path, srv)
	mux.HandleFunc("POST "+ObserveRequestPath, s.handleObserveRequest)
	mux.HandleFunc("POST "+ObserveDownloadPath, s.handleObserveDownload)
	mux.HandleFunc("GET "+HealthPath, s.handleHealth)
	s.handler = mux
	s.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s, nil
}

// Handler returns the agent's HTTP handler.
func (s *Service) Handler() http.Handler { return s.handler }

// Start listens on the capture bind address and serves until ctx ends.
func (s *Service) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("agent listen: %w", err)
	}
	s.listener = listener
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("agent server error", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		s.shutdown()
	}()
	s.logger.Info("capture agent listening", logging.String("address", listener.Addr().String()))
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Service) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close stops the server and the correlator.
func (s *Service) Close() {
	s.shutdown()
	s.correlator.Close()
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// Health reports the correlator state.
func (s *Service) Health() Health {
	captures, pending := s.correlator.Stats()
	connected, _ := s.transport.Connected()
	return Health{Pages: s.bridge.Pages(), Captures: captures, Pending: pending, Connected: connected}
}

func (s *Service) handleObserveRequest(w http.ResponseWriter, r *http.Request) {
	var obs RequestObservation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&obs); err != nil || obs.Page == "" || obs.URL == "" {
		http.Error(w, "page and url are required", http.StatusBadRequest)
		return
	}
	writeJSON(w, ObservationResult{Captured: s.correlator.ObserveRequest(obs.Page, obs.URL)})
}

func (s *Service) handleObserveDownload(w http.ResponseWriter, r *http.Request) {
	var obs DownloadObservation
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&obs); err != nil || obs.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, ObservationResult{Captured: s.correlator.ObserveDownload(obs.URL, obs.Filename)})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Health())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
