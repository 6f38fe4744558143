// Package api implements the Admin API (SPEC_FULL.md §11.2): a thin,
// read-mostly HTTP surface over the queues one process owns, used for
// health checks, Prometheus scraping, and manual intervention (kick a
// queue's promote/recover sweep on demand). It is not a job-submission
// façade: producers call pkg/queue directly, and an administrative UI for
// job CRUD is out of scope.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"kodiak/pkg/api/middleware"
	"kodiak/pkg/auth"
	"kodiak/pkg/queue"
)

// Server encapsulates the HTTP API server and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	queues map[string]*queue.Queue
}

// Config holds API server configuration.
type Config struct {
	Port        string
	JWTService  *auth.JWTService
	APIKeyStore auth.APIKeyStore
	Log         *zap.Logger
}

// NewServer creates a new API server. Queues are attached afterward via
// Register, since a worker process typically brings queues up after the
// server is constructed.
func NewServer(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware("kodiak-admin"))
	router.Use(middleware.MetricsMiddleware())
	router.Use(requestLogger(cfg.Log))
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))

	s := &Server{
		router: router,
		log:    cfg.Log,
		queues: make(map[string]*queue.Queue),
	}

	authCfg := middleware.AuthConfig{
		JWTService:  cfg.JWTService,
		APIKeyStore: cfg.APIKeyStore,
		SkipPaths:   []string{"/health", "/metrics"},
	}
	s.registerRoutes(authCfg)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Register makes a queue reachable at /admin/queues/:name/*.
func (s *Server) Register(name string, q *queue.Queue) {
	s.queues[name] = q
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	s.log.Info("starting admin API server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down admin API server")
	return s.httpServer.Shutdown(ctx)
}

// registerRoutes sets up all API endpoints. Auth is only enforced on the
// admin group when the caller configured a JWTService or APIKeyStore;
// otherwise requiring auth would lock every route behind credentials that
// were never issued, which is how this is run in local/test deployments.
func (s *Server) registerRoutes(authCfg middleware.AuthConfig) {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.router.Group("/admin/queues")
	if authCfg.JWTService != nil || authCfg.APIKeyStore != nil {
		admin.Use(middleware.AuthMiddleware(authCfg), middleware.RequireRole(auth.RoleOperator))
	}
	admin.GET("/:name/stats", s.queueStats)
	admin.POST("/:name/promote", s.promoteQueue)
	admin.POST("/:name/recover", s.recoverQueue)
}

// requestLogger is a middleware that logs HTTP requests.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", c.GetString(middleware.ContextRequestIDKey)),
		)
	}
}

// healthCheck returns server health status.
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"queues":    len(s.queues),
		"timestamp": time.Now().UTC(),
	})
}
