package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sammrl/owl-redesign-prototype/internal/dispatcher"
	"github.com/sammrl/owl-redesign-prototype/internal/logging"
	"github.com/sammrl/owl-redesign-prototype/internal/observability"
	"github.com/sammrl/owl-redesign-prototype/internal/registry"
)

// ServerConfig tunes the HTTP layer.
type ServerConfig struct {
	Host         string
	Port         int
	EnableCORS   bool
	Debug        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible local defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:        "localhost",
		Port:        8000,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
		// Push channels outlive any write timeout; leave writes unbounded.
	}
}

// Server exposes the registry and dispatcher over both transports: a
// polling REST API and a websocket push channel. Both read from the same
// registry, which is what keeps them from ever disagreeing.
type Server struct {
	cfg        ServerConfig
	registry   *registry.Registry
	dispatcher *dispatcher.Dispatcher
	hub        *Hub

	engine   *gin.Engine
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	logger    logging.Logger
	startTime time.Time
}

// New builds the gin engine and routes. The hub is registered as the
// dispatcher's publisher so committed transitions fan out to push channels.
func New(cfg ServerConfig, reg *registry.Registry, disp *dispatcher.Dispatcher, metrics *observability.Metrics, logger logging.Logger) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:        cfg,
		registry:   reg,
		dispatcher: disp,
		hub:        NewHub(metrics, logger),
		engine:     engine,
		upgrader:   newUpgrader(),
		logger:     logging.OrNop(logger),
		startTime:  time.Now(),
	}
	disp.SetPublisher(s.hub)

	run := engine.Group("/run")
	{
		run.POST("/async", s.handleSubmit)
		run.GET("/task/:id", s.handleStatus)
		run.DELETE("/task/:id", s.handleCancel)
		run.GET("/tasks", s.handleList)
		run.GET("/ws", s.handleWS)
	}
	engine.GET("/api/health", s.handleHealth)
	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     engine,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout stays zero: websocket pushes are long-lived.
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("gateway listening on %s", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
