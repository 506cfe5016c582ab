// Package server wires the HTTP surface: the tunnel-server webhook, the node
// service endpoints, the domain membership admin API and the node query API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaianet/gaia-hub/internal/hub"
	"github.com/gaianet/gaia-hub/internal/store"
)

// StateStore is the slice of the state store the HTTP handlers use.
type StateStore interface {
	QueryNodes(ctx context.Context, f store.NodeFilter) ([]store.NodeSummary, error)
	QueryLivingNodes(ctx context.Context, livedSecs, page, size int64) ([]store.LivingNode, error)
	GetNodeByID(ctx context.Context, nodeID string) (*store.Node, error)
	UpdateNodeInfo(ctx context.Context, nodeID, nodeVersion, chatModel, embeddingModel string) (int64, error)
	UpdateNodeAvail(ctx context.Context, nodeID string, ts time.Time, status string) error
	MarkNodeUnavail(ctx context.Context, nodeID string) error
	UpsertDomainNode(ctx context.Context, domain, nodeID string, weight int64) error
	GetDomainNode(ctx context.Context, domain, nodeID string) (*store.DomainNode, error)
	DeleteDomainNode(ctx context.Context, domain, nodeID string) (int64, bool, error)
	ListDomainNodes(ctx context.Context, domain string) ([]store.DomainNode, error)
}

// RouterStore is the slice of the router store the handlers mirror
// membership changes into.
type RouterStore interface {
	Join(ctx context.Context, domain, nodeID string, weight int64) error
	Upjoin(ctx context.Context, domain, nodeID string, weight int64) error
	Leave(ctx context.Context, domain, nodeID string, weight int64) error
}

// EventProcessor consumes tunnel server events.
type EventProcessor interface {
	HandleEvent(ctx context.Context, frpsID string, ev hub.Event) error
}

type Config struct {
	Logger          *slog.Logger
	ListenAddr      string
	Store           StateStore
	Router          RouterStore
	Processor       EventProcessor
	Clock           clockwork.Clock
	ShutdownTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.Store == nil {
		return errors.New("store is required")
	}
	if cfg.Router == nil {
		return errors.New("router is required")
	}
	if cfg.Processor == nil {
		return errors.New("processor is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health-check", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			s.log.Error("failed to write health-check response", "error", err)
		}
	})
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Post("/inner/frps", s.handleFRPS)
	s.router.Post("/inner/frps/{frps_id}", s.handleFRPS)
	s.router.Get("/inner/nodes", s.handleQueryNodes)
	s.router.Get("/inner/living_nodes", s.handleLivingNodes)

	s.router.Post("/node-info/{node_id}", s.handleNodeInfo)
	s.router.Post("/node-health/{node_id}", s.handleNodeHealth)

	s.router.Get("/domain_nodes", s.handleListDomainNodes)
	s.router.Put("/domain_nodes", s.handleCreateDomainNodes)
	s.router.Delete("/domain_nodes", s.handleRemoveDomainNodes)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Not Found"))
	})
}

// Handler exposes the route tree; used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		return nil
	case err := <-serveErrCh:
		return err
	}
}
