// Package api is the ops surface of the engine: strategy lifecycle
// commands, health and signal queries, Prometheus metrics and a
// websocket event stream. It carries no auth; access control sits in
// front of it.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"strategy-core/internal/events"
	"strategy-core/internal/monitor"
	"strategy-core/internal/state"
	"strategy-core/internal/strategy"
	"strategy-core/internal/supervisor"
)

// Commander is the slice of the supervisor the API drives.
type Commander interface {
	Start(id string) error
	Stop(id string) error
	Restart(id string, muts ...func(*state.RuntimeState)) error
	Status(ctx context.Context, id string) (*supervisor.Status, error)
	RunningIDs() []string
}

// Options wires the API server.
type Options struct {
	Commander Commander
	Registry  *strategy.Registry
	Health    *monitor.HealthChecker
	Signals   SignalStore
	Bus       *events.Bus
	Metrics   *monitor.Metrics
	Meta      Meta
	Log       *zap.Logger
}

// Meta describes the process for the health endpoint.
type Meta struct {
	Version  string `json:"version"`
	Paper    bool   `json:"paper"`
	MockFeed bool   `json:"mockFeed"`
}

// Server owns the gin router and its handlers.
type Server struct {
	Router *gin.Engine

	commander Commander
	registry  *strategy.Registry
	health    *monitor.HealthChecker
	signals   SignalStore
	bus       *events.Bus
	metrics   *monitor.Metrics
	meta      Meta
	started   time.Time
	log       *zap.Logger
}

func NewServer(opt Options) *Server {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(RequestLogger(opt.Log, opt.Metrics))
	r.Use(RateLimit(newLimiterPool()))
	r.Use(CORS())

	s := &Server{
		Router:    r,
		commander: opt.Commander,
		registry:  opt.Registry,
		health:    opt.Health,
		signals:   opt.Signals,
		bus:       opt.Bus,
		metrics:   opt.Metrics,
		meta:      opt.Meta,
		started:   time.Now(),
		log:       opt.Log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.processHealth)
	s.Router.GET("/ws", s.websocket)
	if s.metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{})))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/strategies", s.listStrategies)
		api.GET("/strategies/:id", s.getStrategy)
		api.GET("/strategies/:id/health", s.strategyHealth)
		api.POST("/strategies/:id/start", s.startStrategy)
		api.POST("/strategies/:id/stop", s.stopStrategy)
		api.POST("/strategies/:id/restart", s.restartStrategy)
		api.GET("/signals", s.listSignals)
	}
}

// processHealth reports the process plus every supervised strategy.
func (s *Server) processHealth(c *gin.Context) {
	all, err := s.health.All(c.Request.Context())
	if err != nil {
		s.log.Error("health listing failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL", "health check failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"version":    s.meta.Version,
		"paper":      s.meta.Paper,
		"mockFeed":   s.meta.MockFeed,
		"uptimeSec":  int64(time.Since(s.started).Seconds()),
		"running":    len(s.commander.RunningIDs()),
		"strategies": all,
	})
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
