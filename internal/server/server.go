package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"convosync/config"
	"convosync/internal/handler"
	"convosync/internal/middleware"
	"convosync/internal/observability"
	"convosync/internal/redis"
	"convosync/internal/services"
	"convosync/internal/transport/httpdto"
	"convosync/pkg/logger"

	"github.com/gin-gonic/gin"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

// HealthCheck reports whether a backing service answers.
type HealthCheck func(ctx context.Context) error

// Deps is everything the routes need. Limiter, Uploads, Metrics and Hub may
// be nil; the matching routes are then served without them or not at all.
type Deps struct {
	Auth          *services.AuthService
	Messages      *services.MessageService
	Calls         *services.CallService
	Conversations *services.ConversationService
	Uploads       *services.UploadS3Service
	Profiles      handler.Profiles
	Limiter       middleware.Limiter
	Metrics       *observability.Metrics
	Hub           *Hub
	Health        map[string]HealthCheck
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.AppPort),
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
		engine: engine,
		config: cfg,
		logger: logger.OrGlobal(l),
	}
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) SetupRoutes(d Deps) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	if d.Metrics != nil {
		s.engine.Use(d.Metrics.Middleware())
	}
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})
	s.engine.GET("/health", s.health(d.Health))
	if d.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	authHandler := handler.NewAuthHandler(d.Auth)
	if s.config.AppMode != ReleaseMode {
		s.engine.POST("/dev/token", authHandler.DevToken)
	}

	if d.Hub != nil {
		s.engine.GET("/v1/ws", NewWebSocketHandler(d.Hub, d.Auth).Handle)
	}

	limit := func(action redis.Action) gin.HandlerFunc {
		return middleware.RateLimit(d.Limiter, action)
	}

	v1 := s.engine.Group("/v1", middleware.AuthMiddleware(d.Auth))

	conversations := handler.NewConversationHandler(d.Conversations)
	messages := handler.NewMessageHandler(d.Messages)
	calls := handler.NewCallHandler(d.Calls)

	conv := v1.Group("/conversations")
	{
		conv.GET("", conversations.List)
		conv.POST("", conversations.Create)
		conv.GET("/:id/participants", conversations.Participants)
		conv.POST("/:id/members", conversations.AddMember)
		conv.POST("/:id/leave", conversations.Leave)

		conv.GET("/:id/messages", messages.List)
		conv.GET("/:id/pinned", messages.Pinned)
		conv.POST("/:id/messages", limit(redis.ActionMessage), messages.Send)
		conv.POST("/:id/read", messages.MarkRead)

		conv.POST("/:id/calls", limit(redis.ActionCall), calls.Start)
		conv.GET("/:id/calls/active", calls.Active)
	}

	msg := v1.Group("/messages")
	{
		msg.PATCH("/:id", messages.Edit)
		msg.DELETE("/:id", messages.Delete)
		msg.POST("/:id/pin", messages.Pin)
		msg.DELETE("/:id/pin", messages.Unpin)
		msg.PUT("/:id/reactions/:emoji", messages.AddReaction)
		msg.DELETE("/:id/reactions/:emoji", messages.RemoveReaction)
	}

	call := v1.Group("/calls")
	{
		call.GET("/:id/participants", calls.Participants)
		call.POST("/:id/transition", calls.Transition)
		call.POST("/:id/join", calls.Join)
		call.POST("/:id/leave", calls.Leave)
		call.PATCH("/:id/media", calls.UpdateMedia)
	}

	v1.POST("/relay/token", limit(redis.ActionToken), calls.RelayToken)

	if d.Uploads != nil {
		v1.POST("/media/uploads", handler.NewUploadHandler(d.Uploads).Presign)
	}

	if d.Profiles != nil {
		users := handler.NewUserHandler(d.Profiles)
		v1.GET("/profiles", users.Lookup)
		v1.PUT("/me/profile", users.UpdateProfile)
	}
}

func (s *Server) health(checks map[string]HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		status := gin.H{}
		healthy := true
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				healthy = false
				continue
			}
			status[name] = "ok"
		}
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, httpdto.Response[gin.H]{Success: false, Data: status, Code: "UNHEALTHY"})
			return
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy", "checks": status}))
	}
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("Error in starting the server: %s", err)
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(quit)

	select {
	case <-quit:
		s.logger.Infof("Quitting signal received.. Shutting down after 5 seconds")
	case err := <-errCh:
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Infof("Error in the graceful shutdown of the server: %s", err)
		return err
	}

	s.logger.Infof("Server stopped gracefully")
	return nil
}
