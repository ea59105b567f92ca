// Package api serves the management HTTP API used to drive setup flows and
// inspect config entries without the interactive terminal UI.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/catflap-labs/onlycat-bridge/internal/api/handlers"
	"github.com/catflap-labs/onlycat-bridge/internal/api/middleware"
	"github.com/catflap-labs/onlycat-bridge/internal/config"
	"github.com/catflap-labs/onlycat-bridge/internal/entry"
	"github.com/catflap-labs/onlycat-bridge/internal/flow"
	"github.com/catflap-labs/onlycat-bridge/internal/logging"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Server is the management API server.
type Server struct {
	engine *gin.Engine
	server *http.Server
	cfg    atomic.Pointer[config.Config]
}

// NewServer builds the gin engine and routes.
func NewServer(cfg *config.Config, flows *flow.Manager, entries *entry.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{engine: gin.New()}
	s.cfg.Store(cfg)

	s.engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := handlers.NewHandler(flows, entries)
	v0 := s.engine.Group("/v0")
	v0.Use(middleware.NewManagementKey(s.currentConfig).Handler())
	{
		v0.POST("/flows", h.StartFlow)
		v0.GET("/flows", h.ListFlows)
		v0.POST("/flows/:flow_id", h.ConfigureFlow)
		v0.DELETE("/flows/:flow_id", h.AbortFlow)
		v0.GET("/entries", h.ListEntries)
		v0.DELETE("/entries/:entry_id", h.DeleteEntry)
	}

	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) currentConfig() *config.Config {
	return s.cfg.Load()
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// UpdateConfig swaps the configuration consulted by the management key check.
func (s *Server) UpdateConfig(cfg *config.Config) {
	if cfg != nil {
		s.cfg.Store(cfg)
	}
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	log.Infof("management API listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("management API: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
