// Package service exposes the pipeline and the cache administration surface
// over HTTP, and wires the optional completion-event and run-ledger sinks.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/illmade-knight/go-renderflow/pkg/cachestore"
	"github.com/illmade-knight/go-renderflow/pkg/events"
	"github.com/illmade-knight/go-renderflow/pkg/pipeline"
	"github.com/illmade-knight/go-renderflow/pkg/runledger"
)

// PipelineRunner abstracts the orchestrator for handler tests.
type PipelineRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// PromptRunner abstracts the prompt-only renderer for handler tests.
type PromptRunner interface {
	Render(ctx context.Context, prompt string, opts pipeline.GenerateOptions) (*pipeline.PromptRender, error)
}

// Server hosts the HTTP surface: pipeline invocation, cache statistics and
// eviction, and a health probe.
type Server struct {
	logger     zerolog.Logger
	httpPort   string
	httpServer *http.Server
	mux        *http.ServeMux
	actualAddr string
	mu         sync.RWMutex

	runner    PipelineRunner
	renderer  PromptRunner
	store     cachestore.Store
	publisher events.Publisher   // optional
	recorder  runledger.Recorder // optional
}

// NewServer creates and initializes a Server. The publisher and recorder are
// optional; pass nil to disable them.
func NewServer(
	httpPort string,
	runner PipelineRunner,
	renderer PromptRunner,
	store cachestore.Store,
	publisher events.Publisher,
	recorder runledger.Recorder,
	logger zerolog.Logger,
) (*Server, error) {
	if runner == nil {
		return nil, errors.New("pipeline runner cannot be nil")
	}
	if renderer == nil {
		return nil, errors.New("prompt renderer cannot be nil")
	}
	if store == nil {
		return nil, errors.New("cache store cannot be nil")
	}

	s := &Server{
		logger:    logger.With().Str("component", "Server").Logger(),
		httpPort:  httpPort,
		mux:       http.NewServeMux(),
		runner:    runner,
		renderer:  renderer,
		store:     store,
		publisher: publisher,
		recorder:  recorder,
	}
	s.mux.HandleFunc("/healthz", HealthzHandler)
	s.mux.HandleFunc("/api/generate", s.handleGenerate)
	s.mux.HandleFunc("/api/generate-image", s.handleGenerateImage)
	s.mux.HandleFunc("/api/cache", s.handleCache)
	s.httpServer = &http.Server{
		Addr:    httpPort,
		Handler: s.mux,
	}
	return s, nil
}

// Start initiates the HTTP server in a background goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpPort)
	if err != nil {
		return fmt.Errorf("failed to listen on port %s: %w", s.httpPort, err)
	}

	s.mu.Lock()
	s.actualAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info().Str("address", s.actualAddr).Msg("HTTP server starting to listen")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully stops the HTTP server, respecting the provided
// context's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error during HTTP server shutdown.")
		return err
	}
	s.logger.Info().Msg("HTTP server stopped.")
	return nil
}

// GetHTTPPort returns the actual port the server is listening on.
func (s *Server) GetHTTPPort() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, port, err := net.SplitHostPort(s.actualAddr)
	if err != nil {
		return s.httpPort
	}
	return ":" + port
}

// Mux returns the underlying ServeMux.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// HealthzHandler responds to health check probes.
func HealthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
