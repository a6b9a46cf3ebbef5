package handlers

import (
	"time"

	"task-tracker/backend/internal/events"
	"task-tracker/backend/internal/middleware"
	"task-tracker/backend/internal/monitoring"
	"task-tracker/backend/internal/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RouterConfig struct {
	Tasks            services.TaskService
	Hub              *events.Hub
	Monitor          *monitoring.Monitor
	RateLimiter      *middleware.RateLimiter
	AllowedOrigins   []string
	SubscriberBuffer int
	Logger           *zap.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := gin.New()
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.RecoveryWithLog(log))
	if cfg.Monitor != nil {
		r.Use(cfg.Monitor.Middleware())
	}
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.RequestIDHeader},
			ExposeHeaders:    []string{middleware.RequestIDHeader},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	if cfg.Monitor != nil {
		cfg.Monitor.RegisterRoutes(r)
	}

	api := r.Group("/api/v1")
	if cfg.RateLimiter != nil {
		api.Use(middleware.RateLimit(cfg.RateLimiter))
	}
	NewTaskHandler(cfg.Tasks, log).RegisterRoutes(api)
	if cfg.Hub != nil {
		api.GET("/events", NewEventsHandler(cfg.Hub, cfg.SubscriberBuffer, log).Stream)
	}

	return r
}
