// Package web serves the read-only diagnostics API on its own port.
package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"pir-motion-cam/config"
)

// Server represents the diagnostics web server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	router     *gin.Engine

	handlers *Handlers
}

// NewServer creates a new diagnostics server
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	logger = logger.With(zap.String("component", "diagnostics"))
	s := &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(cfg, logger),
	}
	s.router = s.setupRoutes()
	return s
}

// Handlers returns the handlers so components can be attached
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Router returns the gin engine
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handlers.HandleHealth)

	api := router.Group("/api")
	api.GET("/status", s.handlers.HandleAPIStatus)
	api.GET("/config", s.handlers.HandleAPIConfig)
	api.GET("/stats", s.handlers.HandleAPIStats)
	api.GET("/motion/ws", s.handlers.HandleMotionWS)

	return router
}

// requestLogger logs every request after it is served
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("remote_addr", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// Start listens on the diagnostics address and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Diagnostics.BindIP, s.config.Diagnostics.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Diagnostics server error", zap.Error(err))
		}
	}()

	s.logger.Info("Diagnostics server started", zap.String("address", ln.Addr().String()))
	return nil
}

// Stop closes websocket subscribers and shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.handlers.closeSubscribers()
	if s.httpServer == nil {
		return nil
	}

	s.logger.Info("Stopping diagnostics server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during diagnostics server shutdown", zap.Error(err))
		return err
	}
	s.logger.Info("Diagnostics server stopped")
	return nil
}
