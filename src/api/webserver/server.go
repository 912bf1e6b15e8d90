// Package webserver is the HTTP adapter over the vote engine.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/agaro/votecore/src/config"
	"github.com/agaro/votecore/src/voting/audit"
	"github.com/agaro/votecore/src/voting/casting"
	"github.com/agaro/votecore/src/voting/tally"
)

// Deps are the engine components the routes call into.
type Deps struct {
	Casting  *casting.Orchestrator
	Tally    *tally.Store
	Audit    *audit.Recorder
	Gatherer prometheus.Gatherer
	Log      zerolog.Logger
}

// Server is the HTTP module.
type Server struct {
	cfg     config.Config
	engine  *gin.Engine
	srv     *http.Server
	limiter *RateLimiter
	tls     *TLSReloader
	log     zerolog.Logger
	done    chan struct{}
}

func New(cfg config.Config, deps Deps) *Server {
	log := deps.Log.With().Str("component", "http").Logger()
	limiter := NewRateLimiter(cfg.HTTP.VoteRateLimit, cfg.HTTP.VoteRateWindow)

	g := gin.New()
	g.Use(requestLogger(log), gin.Recovery())
	attachRoutes(g, cfg, deps, limiter)

	return &Server{
		cfg:     cfg,
		engine:  g,
		limiter: limiter,
		log:     log,
		srv: &http.Server{
			Addr:         ":" + cfg.Port,
			Handler:      g,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Name() string { return "http" }

// Start binds the port and serves in the background. A bind failure is returned.
func (s *Server) Start(context.Context) error {
	if s.cfg.HTTP.TLSEnabled() {
		reloader, err := NewTLSReloader(s.cfg.HTTP.SSLCert, s.cfg.HTTP.SSLKey, s.log)
		if err != nil {
			return fmt.Errorf("http: tls: %w", err)
		}
		s.tls = reloader
		s.srv.TLSConfig = reloader.GetConfig()
	}

	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		if s.tls != nil {
			s.tls.Close()
		}
		return fmt.Errorf("http: listen %s: %w", s.srv.Addr, err)
	}

	go s.limiter.Run()
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		var err error
		if s.tls != nil {
			err = s.srv.ServeTLS(ln, "", "")
		} else {
			err = s.srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("http server stopped")
		}
	}()
	s.log.Info().Str("addr", s.srv.Addr).Bool("tls", s.tls != nil).Msg("http server listening")
	return nil
}

// Stop drains in-flight requests until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.limiter.Close()
	if s.tls != nil {
		s.tls.Close()
	}
	if s.done == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http: shutdown: %w", err)
	}
	<-s.done
	return nil
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		ev := log.Debug()
		if status >= http.StatusInternalServerError {
			ev = log.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
