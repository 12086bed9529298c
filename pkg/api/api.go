package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/qadash/qadash/pkg/config"
	"github.com/qadash/qadash/pkg/controller"
	"github.com/qadash/qadash/pkg/docker"
	"github.com/qadash/qadash/pkg/history"
	"github.com/qadash/qadash/pkg/hoststats"
	"github.com/qadash/qadash/pkg/logstream"
	"github.com/qadash/qadash/pkg/registry"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error

	// Handler returns the routed HTTP handler.
	Handler() http.Handler
}

// Services are the components the HTTP layer serves from.
type Services struct {
	Controller controller.Controller
	Registry   registry.Registry
	Sink       logstream.Sink

	// History backs the report endpoints when set. Reports are computed
	// from the registry otherwise.
	History history.Store

	// Host adds host metrics to the health endpoint when set.
	Host hoststats.Collector

	// Stats serves container resource usage of running runs when set.
	Stats docker.StatsReader
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	svc        Services
	router     http.Handler
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	svc Services,
) Server {
	s := &server{
		log:  log.WithField("component", "api"),
		cfg:  cfg,
		svc:  svc,
		done: make(chan struct{}),
	}

	s.router = s.buildRouter()

	return s
}

// Handler returns the routed HTTP handler.
func (s *server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves in the background.
func (s *server) Start(_ context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server. Closing done ends open live
// log streams so Shutdown does not wait on them.
func (s *server) Stop() error {
	s.stopOnce.Do(s.shutdown)

	return nil
}

func (s *server) shutdown() {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")
}
