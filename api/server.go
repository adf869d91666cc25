package api

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/NeuralCoder007/aws-a2a/logging"
	"github.com/NeuralCoder007/aws-a2a/registry"
	"github.com/NeuralCoder007/aws-a2a/scheduler"
	"github.com/NeuralCoder007/aws-a2a/tasks"
)

// Server is the HTTP front end of a registry and, optionally, a
// dispatcher and its task store.
type Server struct {
	registry   *registry.Registry
	dispatcher *scheduler.Dispatcher
	tasks      *tasks.Store
	origins    []string
	logger     *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithTasks mounts the task routes. Submissions go through d so the
// capability oracle sees them; reads come from store.
func WithTasks(d *scheduler.Dispatcher, store *tasks.Store) Option {
	return func(s *Server) {
		s.dispatcher = d
		s.tasks = store
	}
}

// WithAllowedOrigins restricts CORS to origins. The default allows any.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New builds the router.
func New(reg *registry.Registry, opts ...Option) *Server {
	s := &Server{
		registry: reg,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "api")

	g := gin.New()
	g.Use(requestLogger(s.logger), gin.Recovery())
	g.Use(cors.New(s.corsConfig()))
	s.attachRoutes(g)
	s.engine = g
	s.http = &http.Server{
		Handler:           g,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "X-Api-Key"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.origins
	}
	return cfg
}

func (s *Server) attachRoutes(g *gin.Engine) {
	agents := agentHandlers{registry: s.registry, logger: s.logger}

	v1 := g.Group("/v1")
	{
		v1.GET("/agents", agents.Discover)
		v1.POST("/agents", agents.Register)
		v1.POST("/agents/discover", agents.DiscoverJSON)
		v1.GET("/agents/:id", agents.Get)
		v1.DELETE("/agents/:id", agents.Deregister)
		v1.POST("/agents/:id/heartbeat", agents.Heartbeat)
		v1.GET("/search/agents", agents.Search)
		v1.GET("/stats", agents.Stats)
	}

	if s.dispatcher != nil && s.tasks != nil {
		th := taskHandlers{dispatcher: s.dispatcher, store: s.tasks, catalog: s.registry.Catalog(), logger: s.logger}
		v1.POST("/tasks", th.Submit)
		v1.GET("/tasks", th.List)
		v1.GET("/tasks/:id", th.Get)
		v1.POST("/tasks/:id/cancel", th.Cancel)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until Shutdown. It returns nil after a
// clean shutdown, including one that happened before it was called.
func (s *Server) ListenAndServe(addr string) error {
	s.http.Addr = addr
	s.logger.Info("http api listening", slog.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("route", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)))
	}
}
