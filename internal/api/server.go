package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/Iploop/iploop-node/internal/agent"
)

// Server is the local status endpoint: container healthchecks hit /healthz,
// operators hit /status, Prometheus scrapes /metrics. It binds to loopback
// by default and exposes nothing that drives the agent.
type Server struct {
	agent  *agent.Agent
	logger *logrus.Entry
	srv    *http.Server
}

// NewServer builds the status server for addr.
func NewServer(a *agent.Agent, addr string, logger *logrus.Entry) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{agent: a, logger: logger}

	router.GET("/healthz", func(c *gin.Context) {
		if !a.IsRunning() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopped"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connected": a.IsConnected()})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.CurrentStatus())
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.srv = &http.Server{Addr: addr, Handler: router}
	return s
}

// Start serves in the background; listen errors other than a clean close
// are logged, not fatal to the agent.
func (s *Server) Start() {
	go func() {
		s.logger.Infof("Status API listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Warn("Status API stopped")
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.srv.Shutdown(ctx)
}
