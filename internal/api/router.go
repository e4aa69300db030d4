// Package api exposes the orchestrator's HTTP surface: an event ingress for
// push-style delivery, record inspection endpoints, health and metrics.
package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/north-cloud/audit-orchestrator/internal/config"
	"github.com/north-cloud/audit-orchestrator/internal/logger"
	"github.com/north-cloud/audit-orchestrator/internal/metrics"
	"github.com/north-cloud/audit-orchestrator/internal/orchestrator"
	"github.com/north-cloud/audit-orchestrator/internal/store"
)

const (
	healthStatusHealthy  = "healthy"
	healthStatusDegraded = "degraded"
	healthCheckTimeout   = 2 * time.Second
)

// Router holds the API dependencies
type Router struct {
	engine      *orchestrator.Engine
	records     *store.AuditRecordRepository
	pinger      Pinger
	redisClient *redis.Client
	cfg         *config.Config
	metrics     *metrics.Metrics
	log         logger.Logger
}

// Pinger is the health probe for the backing database. Satisfied by *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// NewRouter creates a new API router
func NewRouter(
	engine *orchestrator.Engine,
	records *store.AuditRecordRepository,
	pinger Pinger,
	redisClient *redis.Client,
	cfg *config.Config,
	m *metrics.Metrics,
	log logger.Logger,
) *Router {
	return &Router{
		engine:      engine,
		records:     records,
		pinger:      pinger,
		redisClient: redisClient,
		cfg:         cfg,
		metrics:     m,
		log:         log,
	}
}

// SetupRoutes builds the gin engine with all routes registered.
func (r *Router) SetupRoutes() *gin.Engine {
	if !r.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", r.healthCheck)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.POST("/events", r.ingestEvent)

	v1 := router.Group("/api/v1")
	audits := v1.Group("/audits")
	audits.GET("/:id", r.getAuditRecord)
	audits.GET("/:id/children", r.listChildAudits)

	return router
}

// healthCheck reports the service status along with its dependencies.
func (r *Router) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	health := gin.H{
		"status":  healthStatusHealthy,
		"service": r.cfg.Service.Name,
		"version": r.cfg.Service.Version,
	}

	dbConnected := true
	if err := r.pinger.PingContext(ctx); err != nil {
		dbConnected = false
		health["status"] = healthStatusDegraded
	}
	health["database"] = gin.H{"connected": dbConnected}

	redisConnected := true
	if err := r.redisClient.Ping(ctx).Err(); err != nil {
		redisConnected = false
		if health["status"] == healthStatusHealthy {
			health["status"] = healthStatusDegraded
		}
	}
	health["redis"] = gin.H{"connected": redisConnected}

	c.JSON(200, health)
}
