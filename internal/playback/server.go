package playback

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Server serves recorded clips and, when a metrics registry is supplied,
// the Prometheus scrape endpoint.
type Server struct {
	registry   *Registry
	engine     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger
	boundAddr  string
}

// NewServer builds the gin engine. gatherer may be nil.
func NewServer(addr string, registry *Registry, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	if logger.GetLevel() <= zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		registry: registry,
		engine:   gin.New(),
		logger:   logger.With().Str("component", "playback").Logger(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.engine.GET(routePrefix+":token", s.serveClip)
	s.engine.HEAD(routePrefix+":token", s.serveClip)
	if gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the engine for tests and for mounting elsewhere.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start binds the listener and serves in the background. It returns once
// the port is bound.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("playback server failed to bind %s: %w", s.httpServer.Addr, err)
	}
	s.boundAddr = listener.Addr().String()
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("playback server stopped")
		}
	}()
	s.logger.Info().Str("addr", s.boundAddr).Msg("playback server started")
	return nil
}

// Addr returns the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.httpServer.Addr
}

// Stop shuts the server down with a 5 second deadline.
func (s *Server) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("playback server shutdown: %w", err)
	}
	return nil
}

func (s *Server) serveClip(c *gin.Context) {
	token := c.Param("token")
	if _, err := uuid.Parse(token); err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	clip, ok := s.registry.lookup(token)
	if !ok {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Utterance-Id", clip.utteranceID)
	c.Data(http.StatusOK, clip.mimeType, clip.blob)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	}
}
