package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/slotbroker/internal/account"
	accountdomain "github.com/smallbiznis/slotbroker/internal/account/domain"
	"github.com/smallbiznis/slotbroker/internal/allocation"
	"github.com/smallbiznis/slotbroker/internal/audit"
	auditdomain "github.com/smallbiznis/slotbroker/internal/audit/domain"
	"github.com/smallbiznis/slotbroker/internal/config"
	"github.com/smallbiznis/slotbroker/internal/observability"
	obsmiddleware "github.com/smallbiznis/slotbroker/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/slotbroker/internal/observability/metrics"
	obstracing "github.com/smallbiznis/slotbroker/internal/observability/tracing"
	"github.com/smallbiznis/slotbroker/internal/platform"
	platformdomain "github.com/smallbiznis/slotbroker/internal/platform/domain"
	"github.com/smallbiznis/slotbroker/internal/poolmetrics"
	"github.com/smallbiznis/slotbroker/internal/profile"
	"github.com/smallbiznis/slotbroker/internal/ratelimit"
	"github.com/smallbiznis/slotbroker/internal/subscription"
	subscriptiondomain "github.com/smallbiznis/slotbroker/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module wires the full HTTP surface together with the domain services it
// serves.
var Module = fx.Module("http.server",
	platform.Module,
	profile.Module,
	account.Module,
	allocation.Module,
	subscription.Module,
	audit.Module,
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(s *Server) {
		s.RegisterAPIRoutes()
		s.RegisterAdminRoutes()
	}),
	fx.Invoke(RunHTTP),
)

type EngineParams struct {
	fx.In

	ObsCfg      observability.Config
	HTTPMetrics *obsmetrics.HTTPMetrics
	PoolGauges  *poolmetrics.Gauges `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           p.ObsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(p.HTTPMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metricsHandler(p.PoolGauges)))

	return r
}

// pool gauges live on their own registry so they can be pushed alone; the
// scrape endpoint serves both.
func metricsHandler(gauges *poolmetrics.Gauges) http.Handler {
	if gauges == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, gauges.Registry()},
		promhttp.HandlerOpts{},
	)
}

func RunHTTP(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http.server.start", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http.server.failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

// allocationLimiter is the slice of *ratelimit.AllocationLimiter the
// allocation route needs.
type allocationLimiter interface {
	Enabled() bool
	Allow(ctx context.Context, clientKey string) (*ratelimit.RateLimitResult, error)
}

type Server struct {
	engine          *gin.Engine
	cfg             config.Config
	subscriptionSvc subscriptiondomain.Service
	accountSvc      accountdomain.Service
	platformSvc     platformdomain.Service
	auditSvc        auditdomain.Service
	obsMetrics      *obsmetrics.Metrics
	limiter         allocationLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	SubscriptionSvc subscriptiondomain.Service
	AccountSvc      accountdomain.Service
	PlatformSvc     platformdomain.Service
	AuditSvc        auditdomain.Service          `optional:"true"`
	ObsMetrics      *obsmetrics.Metrics          `optional:"true"`
	Limiter         *ratelimit.AllocationLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		subscriptionSvc: p.SubscriptionSvc,
		accountSvc:      p.AccountSvc,
		platformSvc:     p.PlatformSvc,
		auditSvc:        p.AuditSvc,
		obsMetrics:      p.ObsMetrics,
	}
	if p.Limiter != nil {
		s.limiter = p.Limiter
	}
	return s
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	api := s.engine.Group("/api")

	api.POST("/allocations", s.AllocationRateLimit(), s.RequestAllocation)

	api.GET("/subscriptions/:id", s.GetSubscriptionByID)
	api.POST("/subscriptions/:id/renew", s.RenewSubscription)

	api.GET("/platforms", s.ListPlatforms)
	api.GET("/platforms/:id", s.GetPlatformByID)
	api.GET("/offers/:id", s.GetOfferByID)
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin", operatorContext())

	admin.GET("/subscriptions", s.ListSubscriptions)
	admin.POST("/subscriptions/:id/cancel", s.CancelSubscription)

	admin.POST("/accounts", s.ProvisionAccount)
	admin.GET("/accounts", s.ListAccounts)
	admin.GET("/accounts/:id", s.GetAccountByID)
	admin.GET("/accounts/:id/profiles", s.ListAccountProfiles)
	admin.POST("/accounts/:id/deactivate", s.DeactivateAccount)
	admin.PUT("/accounts/:id/status", s.SetAccountStatus)
	admin.PUT("/accounts/:id/provider-offer", s.SetAccountProviderOffer)

	admin.GET("/audit-logs", s.ListAuditLogs)
}
