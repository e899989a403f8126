// Package api exposes the worker's observability surface: a health check
// and a metrics snapshot. It serves no listing data; consumers read the
// database directly.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carsight/worker/internal/logger"
	"github.com/carsight/worker/internal/metrics"
)

const (
	readHeaderTimeout = 10 * time.Second
	healthPingTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Pinger checks storage connectivity. *sqlx.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Snapshotter provides the current cycle counters.
type Snapshotter interface {
	Snapshot() metrics.Snapshot
}

// Server is the observability HTTP server.
type Server struct {
	log  logger.Interface
	http *http.Server
}

// NewServer builds the server on the given address.
func NewServer(address string, db Pinger, snapshots Snapshotter, log logger.Interface) *Server {
	return &Server{
		log: log,
		http: &http.Server{
			Addr:              address,
			Handler:           SetupRouter(db, snapshots, log),
			ReadHeaderTimeout: readHeaderTimeout,
		},
	}
}

// SetupRouter creates the gin router with the observability routes.
func SetupRouter(db Pinger, snapshots Snapshotter, log logger.Interface) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthPingTimeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			log.Error("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, snapshots.Snapshot())
	})

	return router
}

// Start serves until the listener fails or Stop is called. Meant to run
// in its own goroutine; http.ErrServerClosed is not reported as a failure.
func (s *Server) Start() {
	s.log.Info("observability server listening", "address", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.log.Error("observability server failed", "error", err)
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}
