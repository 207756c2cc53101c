// Package httpapi serves the optional local status endpoint. Disabled by
// default; enabled by configuring global.http_addr.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tgcc/tgcc/internal/common/logger"
)

// StatusSource reports per-agent state for the /status endpoint.
type StatusSource interface {
	AgentIDs() []string
	Status(agentID string) (map[string]any, error)
}

// Server is the local HTTP status server.
type Server struct {
	srv *http.Server
	log *logger.Logger
}

// New builds the server on addr.
func New(addr string, src StatusSource, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Default()
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		agents := make(map[string]any)
		for _, id := range src.AgentIDs() {
			st, err := src.Status(id)
			if err != nil {
				agents[id] = gin.H{"error": err.Error()}
				continue
			}
			agents[id] = st
		}
		c.JSON(http.StatusOK, gin.H{"agents": agents})
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.WithFields(zap.String("component", "httpapi"), zap.String("addr", addr)),
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.log.Info("status endpoint listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("status endpoint failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
