package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/quantfolio/go-brokers/core"
)

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

func (c ServerConfig) withDefaults() ServerConfig {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// NewRouter assembles the HTTP surface. Identity gates every route that
// acts on a caller's connections; the broker catalog and health views
// stay open so dashboards can poll them without a user header.
func NewRouter(handlers *Handlers, requestTimeout time.Duration) chi.Router {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(requestTimeout))
	router.Use(CorrelationID)

	router.Route("/brokers", func(r chi.Router) {
		r.Get("/supported", handlers.handleSupportedBrokers)
		r.Get("/health", handlers.handleBrokerHealth)

		r.Group(func(r chi.Router) {
			r.Use(Identity)
			r.Post("/connect/initiate", handlers.handleConnectInitiate)
			r.Post("/connect/complete", handlers.handleConnectComplete)
			r.Get("/connections", handlers.handleListConnections)
			r.Delete("/connections/{id}", handlers.handleDisconnect)
			r.Get("/portfolio/consolidated", handlers.handleConsolidatedPortfolio)
		})
	})

	return router
}

// Server wraps the stdlib http.Server with lifecycle helpers.
type Server struct {
	httpServer      *http.Server
	logger          core.Logger
	shutdownTimeout time.Duration
}

func NewServer(cfg ServerConfig, handlers *Handlers, logger core.Logger) *Server {
	cfg = cfg.withDefaults()
	return &Server{
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(handlers, cfg.RequestTimeout),
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger:          glog.Ensure(logger),
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(shutdownCtx)
}

// Handler exposes the underlying mux for embedding into a host router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}
