// Package http provides the REST surface that runs beside the
// websocket control plane: health aggregation, a direct send endpoint,
// and signed webhook intake.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/internal/outbound"
	"github.com/clawgate/clawgate/pkg/pluginsdk"
)

// HealthSource reports the gateway's aggregated health.
type HealthSource interface {
	Health() protocol.HealthReport
}

// Server serves the REST endpoints.
type Server struct {
	router    *gin.Engine
	cfg       *config.Config
	cfgCache  *config.Cache
	logger    *slog.Logger
	health    HealthSource
	pipeline  *outbound.Pipeline
	sink      pluginsdk.InboundSink
	startedAt time.Time
}

// NewServer wires the REST routes. health and sink come from the
// gateway server; pipeline is shared with the websocket send path.
func NewServer(cfg *config.Config, logger *slog.Logger, health HealthSource, pipeline *outbound.Pipeline, sink pluginsdk.InboundSink) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		router:    router,
		cfg:       cfg,
		cfgCache:  config.NewCache(cfg, 2*time.Second),
		logger:    logger.With("component", "http"),
		health:    health,
		pipeline:  pipeline,
		sink:      sink,
		startedAt: time.Now(),
	}

	router.GET("/health", s.handleHealth)
	router.GET("/api/health", s.handleHealth)
	router.POST("/gateway/:channel/send", s.handleSend)
	router.POST("/webhooks/telegram/:account", s.webhookSignature(), s.handleTelegramWebhook)

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then drains with a bounded
// shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := s.listenAddr()
	s.logger.Info("starting http server", "address", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			listenErr <- err
		}
	}()

	// Fail fast on bind errors instead of reporting them on shutdown.
	select {
	case err := <-listenErr:
		return fmt.Errorf("http server failed to start on %s: %w", addr, err)
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case err := <-listenErr:
		return fmt.Errorf("http server runtime error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.logger.Info("shutting down http server")
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) listenAddr() string {
	port := s.cfg.Gateway.HTTPPort
	if port == 0 {
		port = 18891
	}
	host := "127.0.0.1"
	if s.cfg.Gateway.Bind == "all" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, port)
}
