// Package dashboard serves an HTTP API that drives one beam session.
package dashboard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zulandar/beamyard/internal/beam"
	"github.com/zulandar/beamyard/internal/logging"
	"github.com/zulandar/beamyard/internal/metrics"
	"go.uber.org/zap"
)

// DefaultHeartbeat is how often an idle event stream sends a heartbeat.
const DefaultHeartbeat = 15 * time.Second

// StartOpts holds configuration for the dashboard server.
type StartOpts struct {
	Store     *beam.Store
	Metrics   *metrics.Metrics
	Addr      string
	Heartbeat time.Duration
	Logger    *zap.Logger
	Out       io.Writer
}

// Start launches the dashboard HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Store == nil {
		return fmt.Errorf("dashboard: store is required")
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:8080"
	}
	logger := logging.OrNop(opts.Logger).Named("dashboard")

	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           NewRouter(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Dashboard running at http://%s\n", opts.Addr)
	}
	logger.Info("listening", zap.String("addr", opts.Addr))

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	s := &server{
		store:     opts.Store,
		heartbeat: heartbeat,
		logger:    logging.OrNop(opts.Logger).Named("dashboard"),
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if reg := opts.Metrics.Registry(); reg != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	registerRoutes(router, s)
	return router
}

type server struct {
	store     *beam.Store
	heartbeat time.Duration
	logger    *zap.Logger
}
