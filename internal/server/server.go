// Package server exposes worker health, readiness and prometheus metrics over HTTP
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/buildflow/buildflow/internal/store"
	"github.com/buildflow/buildflow/pkg/detail"
	"github.com/buildflow/buildflow/pkg/interfaces"
	"github.com/buildflow/buildflow/pkg/logger"
	"github.com/buildflow/buildflow/pkg/types"
)

// DefaultListen is the ops listener address when none is configured
const DefaultListen = ":9464"

// readyTimeout bounds the store ping behind /readyz
const readyTimeout = 2 * time.Second

// ViewSource returns the detail view this worker keeps for a build
type ViewSource interface {
	Snapshot(buildID string) (detail.View, bool)
}

// Server is the ops HTTP listener
type Server struct {
	store  interfaces.BuildStore
	views  ViewSource
	logger logger.Logger
	router *gin.Engine
	http   *http.Server
}

// New builds the router. The store backs /readyz and the build status route,
// which also carries the detail view when views is not nil.
func New(listen string, st interfaces.BuildStore, views ViewSource, log logger.Logger) *Server {
	if listen == "" {
		listen = DefaultListen
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{store: st, views: views, logger: log, router: gin.New()}
	s.router.Use(gin.Recovery())
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/readyz", s.handleReady)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/builds/:id", s.handleBuild)

	s.http = &http.Server{
		Addr:              listen,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background until Shutdown
func (s *Server) Start() {
	go func() {
		s.logger.Info("Ops server listening", logger.WithField("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Ops server failed", logger.WithError(err))
		}
	}()
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("Readiness check failed", logger.WithError(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

type buildResponse struct {
	*types.BuildTree
	Detail *detail.View `json:"detail,omitempty"`
}

func (s *Server) handleBuild(c *gin.Context) {
	tree, err := s.store.GetBuildTree(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	resp := buildResponse{BuildTree: tree}
	if s.views != nil {
		if view, ok := s.views.Snapshot(tree.Build.BuildID); ok {
			resp.Detail = &view
		}
	}
	c.JSON(http.StatusOK, resp)
}
