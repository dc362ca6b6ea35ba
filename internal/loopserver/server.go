package loopserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tOgg1/loopdeck/internal/logging"
	"github.com/tOgg1/loopdeck/internal/workflows"
)

// Config holds server configuration.
type Config struct {
	// Listen is the listen address, e.g. "127.0.0.1:8188".
	Listen string

	// SimulateDelay is how long each simulated generation runs.
	SimulateDelay time.Duration

	// WorkflowsDir is the named workflow catalog root.
	WorkflowsDir string

	// OutputDir receives generated images and exports.
	OutputDir string
}

// Server serves the loop backend contract.
type Server struct {
	config   Config
	registry *Registry
	catalog  *workflows.Catalog
	hub      *Hub
	history  *History
	sim      *Simulator
	mux      *http.ServeMux
	logger   zerolog.Logger
}

// New creates a server with an empty registry.
func New(cfg Config) *Server {
	s := &Server{
		config:   cfg,
		registry: NewRegistry(),
		catalog:  workflows.NewCatalog(cfg.WorkflowsDir),
		hub:      NewHub(),
		history:  NewHistory(),
		mux:      http.NewServeMux(),
		logger:   logging.Component("loopserver"),
	}
	s.sim = NewSimulator(s.registry, s.hub, s.history, cfg.SimulateDelay, cfg.OutputDir)

	// Every route is also served under /api, like the host application.
	for _, prefix := range []string{"", "/api"} {
		s.mux.HandleFunc("GET "+prefix+"/lemouf/loop/list", s.handleList)
		s.mux.HandleFunc("GET "+prefix+"/lemouf/loop/{loop_id}", s.handleGet)
		s.mux.HandleFunc("POST "+prefix+"/lemouf/loop/create", s.handleCreate)
		s.mux.HandleFunc("POST "+prefix+"/lemouf/loop/config", s.handleConfig)
		s.mux.HandleFunc("POST "+prefix+"/lemouf/loop/set_workflow", s.handleSetWorkflow)
		s.mux.HandleFunc("POST "+prefix+"/lemouf/loop/step", s.handleStep)
		s.mux.HandleFunc("POST "+prefix+"/lemouf/loop/decision", s.handleDecision)
		s.mux.HandleFunc("POST "+prefix+"/lemouf/loop/overrides", s.handleOverrides)
		s.mux.HandleFunc("POST "+prefix+"/lemouf/loop/export_approved", s.handleExport)
		s.mux.HandleFunc("POST "+prefix+"/lemouf/loop/reset", s.handleReset)
		s.mux.HandleFunc("GET "+prefix+"/lemouf/workflows/list", s.handleWorkflowList)
		s.mux.HandleFunc("POST "+prefix+"/lemouf/workflows/load", s.handleWorkflowLoad)
		s.mux.HandleFunc("POST "+prefix+"/prompt", s.handlePrompt)
		s.mux.HandleFunc("GET "+prefix+"/history/{prompt_id}", s.handleHistory)
	}
	s.mux.Handle("GET /ws", s.hub)

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Registry exposes the loop registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Hub exposes the event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops running generations and disconnects event clients.
func (s *Server) Close() {
	s.sim.Stop()
	s.hub.Close()
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.config.Listen).Msg("loop backend listening")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("loop backend shutting down")
	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
