package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	auditdomain "github.com/smallbiznis/quota/internal/audit/domain"
	"github.com/smallbiznis/quota/internal/clock"
	"github.com/smallbiznis/quota/internal/config"
	"github.com/smallbiznis/quota/internal/entitlement"
	"github.com/smallbiznis/quota/internal/observability"
	obsmiddleware "github.com/smallbiznis/quota/internal/observability/logger"
	obstracing "github.com/smallbiznis/quota/internal/observability/tracing"
	"github.com/smallbiznis/quota/internal/payment"
	paymentdomain "github.com/smallbiznis/quota/internal/payment/domain"
	plandomain "github.com/smallbiznis/quota/internal/plan/domain"
	"github.com/smallbiznis/quota/internal/ratelimit"
	usagedomain "github.com/smallbiznis/quota/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	entitlement.Module,
	payment.Module,
	ratelimit.Module,
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// Gate is the part of the entitlement gate the handlers use.
type Gate interface {
	entitlement.Enforcer
	CanPerformAction(ctx context.Context, tenantID snowflake.ID, action string, count int64) (entitlement.ActionResult, error)
}

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	metricsPath := obsCfg.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.GET(metricsPath, gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	log        *zap.Logger
	clock      clock.Clock
	catalog    *config.PlanCatalogHolder
	usageSvc   usagedomain.Service
	planSvc    plandomain.Service
	resolver   plandomain.Resolver
	gate       Gate
	webhookSvc paymentdomain.Service
	limiter    *ratelimit.UsageLimiter
	auditSvc   auditdomain.Service
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Clock      clock.Clock
	Catalog    *config.PlanCatalogHolder
	UsageSvc   usagedomain.Service
	PlanSvc    plandomain.Service
	Resolver   plandomain.Resolver
	Gate       *entitlement.Gate
	WebhookSvc paymentdomain.Service
	Limiter    *ratelimit.UsageLimiter `optional:"true"`
	AuditSvc   auditdomain.Service     `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		log:        p.Log.Named("http.server"),
		clock:      p.Clock,
		catalog:    p.Catalog,
		usageSvc:   p.UsageSvc,
		planSvc:    p.PlanSvc,
		resolver:   p.Resolver,
		gate:       p.Gate,
		webhookSvc: p.WebhookSvc,
		limiter:    p.Limiter,
		auditSvc:   p.AuditSvc,
	}
	if svc.clock == nil {
		svc.clock = clock.NewSystemClock()
	}

	svc.registerWebhookRoutes()
	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandlePaymentWebhook)
}

func (s *Server) registerAPIRoutes() {
	tenants := s.engine.Group("/api/v1/tenants/:tenant_id")

	// -------- Usage --------
	tenants.GET("/usage", s.GetUsage)
	tenants.GET("/usage/history", s.GetUsageHistory)
	tenants.POST("/usage", s.UsageRateLimit(), s.RecordUsage)
	tenants.POST("/usage/:metric/increment",
		s.UsageRateLimit(),
		entitlement.Middleware(s.gate, entitlement.Requirement{MetricParam: "metric", Amount: 1}, entitlement.TenantFromParam("tenant_id")),
		s.IncrementUsage,
	)

	// -------- Limits --------
	tenants.GET("/limits", s.GetLimits)
	tenants.GET("/actions/:action/check", s.CheckAction)

	// -------- Plans --------
	tenants.POST("/plans/manual", s.CreateManualPlan)

	// -------- Audit --------
	if s.auditSvc != nil {
		tenants.GET("/audit-logs", s.ListAuditLogs)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
