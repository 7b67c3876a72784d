// ABOUTME: Control-plane server: wires the registry, loops, dispatcher, and HTTP API together.
// ABOUTME: Owns startup order, the background goroutines, and graceful shutdown.

package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/perimeterlab/fleetgate/internal/a2a"
	"github.com/perimeterlab/fleetgate/internal/auth"
	"github.com/perimeterlab/fleetgate/internal/config"
	"github.com/perimeterlab/fleetgate/internal/discovery"
	"github.com/perimeterlab/fleetgate/internal/dispatch"
	"github.com/perimeterlab/fleetgate/internal/extract"
	"github.com/perimeterlab/fleetgate/internal/health"
	"github.com/perimeterlab/fleetgate/internal/registry"
	"github.com/perimeterlab/fleetgate/internal/store"
	"github.com/perimeterlab/fleetgate/internal/telemetry"
	"github.com/perimeterlab/fleetgate/internal/worklock"
)

// Server is the assembled control plane. One instance per process.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	reg        *registry.Registry
	tel        *telemetry.Store
	archive    *store.Archive
	disc       *discovery.Loop
	monitor    *health.Monitor
	dispatcher *dispatch.Dispatcher
	extractor  *extract.Extractor
	lock       *worklock.Lock

	httpServer *http.Server
}

// New builds the full dependency graph from cfg. The logger should already
// carry the telemetry tee so background loop output lands in the log history.
func New(cfg *config.Config, tel *telemetry.Store, logger *slog.Logger) (*Server, error) {
	reg := registry.New(logger.With("component", "registry"))

	// When the caller supplies a telemetry store (to tee logs into it before
	// constructing the server), it owns the archive too.
	var archive *store.Archive
	if tel == nil {
		var archiver telemetry.Archiver
		if cfg.Telemetry.ArchivePath != "" {
			a, err := store.Open(cfg.Telemetry.ArchivePath, logger.With("component", "archive"))
			if err != nil {
				return nil, fmt.Errorf("opening archive: %w", err)
			}
			archive = a
			archiver = a
		}
		tel = telemetry.New(
			cfg.Telemetry.TaskHistorySize,
			cfg.Telemetry.ErrorHistorySize,
			cfg.Telemetry.LogHistorySize,
			archiver,
			logger.With("component", "telemetry"),
		)
	}

	client := a2a.NewClient(cfg.Dispatch.RequestTimeout)

	disc, err := discovery.New(cfg.Discovery, client, reg, tel, logger.With("component", "discovery"))
	if err != nil {
		return nil, err
	}

	dispatcher := dispatch.New(cfg.Dispatch, cfg.Health.MaxTaskDuration, client, reg, tel, logger.With("component", "dispatch"))
	monitor := health.New(cfg.Health, cfg.Discovery.EvictAfterMisses, client, reg, tel, dispatcher, logger.With("component", "health"))
	extractor := extract.New(tel, cfg.Dispatch.ErrorDetailLimit)

	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "server"),
		reg:        reg,
		tel:        tel,
		archive:    archive,
		disc:       disc,
		monitor:    monitor,
		dispatcher: dispatcher,
		extractor:  extractor,
		lock:       worklock.New(),
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(auth.Middleware(verifier, cfg.Auth.APIKeyHash)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Registry exposes the agent registry, mainly for tests and the CLI.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Run starts the background loops and the HTTP API, then blocks until ctx is
// canceled or the HTTP server fails. Shutdown is graceful: loops stop first,
// then in-flight requests get a bounded drain window.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.HTTPAddr, err)
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		s.disc.Run(loopCtx)
	}()
	go func() {
		defer loops.Done()
		s.monitor.Run(loopCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if serr := s.httpServer.Serve(ln); serr != nil && serr != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", serr)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	cancelLoops()
	loops.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := s.httpServer.Shutdown(shutdownCtx)

	if s.archive != nil {
		if cerr := s.archive.Close(); cerr != nil {
			s.logger.Error("closing archive", "error", cerr)
		}
	}

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}
