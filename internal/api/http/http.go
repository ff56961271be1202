package http

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/taskup/outbox/internal/api"
	"github.com/taskup/outbox/internal/app/auth"
)

type Config struct {
	Addr        string        `flag:"addr" desc:"control api address" default:"127.0.0.1:8090"`
	Timeout     time.Duration `flag:"timeout" desc:"control api graceful shutdown timeout" default:"10s"`
	CorsOrigins []string      `flag:"cors-origins" desc:"allowed cors origins, if not provided cors is not enabled"`
	Auth        auth.Config   `flag:"auth"`
}

type Http struct {
	config *Config
	listen net.Listener
	server *http.Server
	cancel context.CancelFunc
}

func New(a *api.API, config *Config) (*Http, error) {
	authenticator, err := auth.New(&config.Auth)
	if err != nil {
		return nil, err
	}

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := api.RegisterValidations(v); err != nil {
			return nil, err
		}
	}

	// drains started through the api outlive the request that started them
	ctx, cancel := context.WithCancel(context.Background())

	s := &server{api: a, ctx: ctx}

	r := gin.New()
	r.Use(gin.Recovery(), logger())

	if len(config.CorsOrigins) > 0 {
		r.Use(cors.New(corsConfig(config.CorsOrigins)))
	}

	r.GET("/healthz", s.healthz)

	g := r.Group("/", auth.Middleware(authenticator))

	// Status API
	g.GET("/status", s.status)
	g.GET("/status/events", s.statusEvents)

	// Operations API
	g.GET("/operations", s.listOperations)
	g.POST("/operations", s.enqueueOperation)
	g.DELETE("/operations/:id", s.removeOperation)

	// Sync API
	g.POST("/sync", s.sync)
	g.PUT("/connectivity", s.setConnectivity)

	listen, err := net.Listen("tcp", config.Addr)
	if err != nil {
		cancel()
		return nil, err
	}

	return &Http{
		config: config,
		listen: listen,
		server: &http.Server{Handler: r},
		cancel: cancel,
	}, nil
}

func (h *Http) String() string {
	return "http"
}

func (h *Http) Addr() string {
	return h.listen.Addr().String()
}

func (h *Http) Start(errors chan<- error) {
	slog.Info("starting http server", "addr", h.Addr())
	if err := h.server.Serve(h.listen); err != nil && err != http.ErrServerClosed {
		errors <- err
	}
}

func (h *Http) Stop() error {
	// closes open event streams
	h.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), h.config.Timeout)
	defer cancel()

	err := h.server.Shutdown(ctx)

	// the listener is only closed by Shutdown once Serve was called
	_ = h.listen.Close()

	return err
}

func corsConfig(origins []string) cors.Config {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}

	for _, origin := range origins {
		if origin == "*" {
			config.AllowAllOrigins = true
			return config
		}
	}

	config.AllowOrigins = origins
	return config
}

func logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		slog.Debug("http", "method", c.Request.Method, "path", c.FullPath(), "status", c.Writer.Status(), "duration", time.Since(start))
	}
}

type server struct {
	api *api.API
	ctx context.Context
}

func (s *server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func abort(c *gin.Context, err *api.ErrorResponse) {
	c.AbortWithStatusJSON(err.StatusCode(), err)
}
