// Package server exposes the HTTP API: usage metering, credit grants,
// checkout and portal sessions, subscription management, and the billing
// webhook endpoint.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	billingdomain "github.com/docuply/backend/internal/billing/domain"
	"github.com/docuply/backend/internal/billing/reconcile"
	"github.com/docuply/backend/internal/billing/webhook"
	"github.com/docuply/backend/internal/config"
	"github.com/docuply/backend/internal/observability"
	obslogger "github.com/docuply/backend/internal/observability/logger"
	orgdomain "github.com/docuply/backend/internal/organization/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug: obsCfg.Debug(),
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
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

type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	billingSvc billingdomain.Service
	orgSvc     orgdomain.Service
	ingestor   *webhook.Ingestor
	reconciler *reconcile.Engine
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	BillingSvc billingdomain.Service
	OrgSvc     orgdomain.Service
	Ingestor   *webhook.Ingestor
	Reconciler *reconcile.Engine
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		billingSvc: p.BillingSvc,
		orgSvc:     p.OrgSvc,
		ingestor:   p.Ingestor,
		reconciler: p.Reconciler,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")

	orgs := api.Group("/orgs/:org_id", s.OrgContext())

	orgs.GET("", s.GetOrganization)

	orgs.POST("/usage", s.RecordUsage)
	orgs.POST("/usage/check", s.CheckLimit)
	orgs.GET("/usage/current", s.GetCurrentUsage)
	orgs.GET("/usage/range", s.GetUsageRange)
	orgs.GET("/usage/records", s.ListUsageRecords)

	orgs.POST("/credits/grants", s.GrantCredits)

	orgs.GET("/billing/subscription", s.GetSubscription)
	orgs.POST("/billing/subscription", s.ActivateSubscription)
	orgs.DELETE("/billing/subscription", s.CancelSubscription)

	orgs.POST("/billing/checkout", s.CreateCheckoutSession)
	orgs.POST("/billing/portal", s.CreatePortalSession)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/billing", s.HandleBillingWebhook)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/admin")

	admin.POST("/billing/sync", s.TriggerBillingSync)
	admin.DELETE("/orgs/:org_id/billing", s.OrgContext(), s.DeleteOrganizationBilling)
}
