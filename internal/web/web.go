package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"calwatch/internal/config"
	appLog "calwatch/internal/log"
	"calwatch/internal/watch"
)

// Runner is the part of watch.Runner the status API needs.
type Runner interface {
	Statuses() []watch.Status
	RunEndpoint(ctx context.Context, key string) (watch.Status, error)
}

// Server exposes endpoint status and manual refresh over HTTP.
type Server struct {
	cfg    *config.Config
	runner Runner
	engine *gin.Engine
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, runner Runner, debug bool) *Server {
	if !debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		cfg:    cfg,
		runner: runner,
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

func (s *Server) registerRoutes() {
	// /health is always unauthenticated.
	s.engine.GET("/health", s.handleHealth)

	api := s.engine.Group("/api")
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled")
		api.Use(gin.BasicAuthForRealm(gin.Accounts{
			s.cfg.BasicAuth.Username: s.cfg.BasicAuth.Password,
		}, "calwatch"))
	}
	{
		api.GET("/status", s.handleStatus)
		api.GET("/endpoints/:key", s.handleEndpoint)
		api.POST("/endpoints/:key/refresh", s.handleRefresh)
	}
}

// StartServer serves until ctx is canceled, then shuts down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, runner Runner, debug bool) error {
	s := NewServer(cfg, runner, debug)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen, "debug", debug)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

type statusResponse struct {
	Now       time.Time      `json:"now"`
	Schedule  string         `json:"schedule"`
	Endpoints []watch.Status `json:"endpoints"`
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, statusResponse{
		Now:       time.Now(),
		Schedule:  s.cfg.Schedule,
		Endpoints: s.runner.Statuses(),
	})
}

func (s *Server) handleEndpoint(c *gin.Context) {
	key := c.Param("key")
	for _, st := range s.runner.Statuses() {
		if st.Key == key {
			c.JSON(http.StatusOK, st)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint"})
}

// handleRefresh runs a cycle synchronously. The cycle is detached from the
// request so a client disconnect cannot interrupt delivery halfway.
func (s *Server) handleRefresh(c *gin.Context) {
	key := c.Param("key")
	ctx := context.WithoutCancel(c.Request.Context())

	st, err := s.runner.RunEndpoint(ctx, key)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, st)
	case errors.Is(err, watch.ErrUnknownEndpoint):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint"})
	case errors.Is(err, watch.ErrCycleInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "status": st})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "status": st})
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		appLog.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String(),
		)
	}
}
