package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/billforge/internal/config"
	invoicedomain "github.com/smallbiznis/billforge/internal/invoice/domain"
	"github.com/smallbiznis/billforge/internal/observability"
	obslogger "github.com/smallbiznis/billforge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/billforge/internal/observability/metrics"
	obstracing "github.com/smallbiznis/billforge/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/billforge/internal/payment/domain"
	"github.com/smallbiznis/billforge/internal/payment/webhook"
	"github.com/smallbiznis/billforge/internal/plan"
	"github.com/smallbiznis/billforge/internal/ratelimit"
	"github.com/smallbiznis/billforge/internal/scheduler"
	subscriptiondomain "github.com/smallbiznis/billforge/internal/subscription/domain"
	"github.com/smallbiznis/billforge/internal/usage/meter"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(
		NewEngine,
		func(m *meter.Meter) UsageTracker { return m },
		func(r *webhook.Reconciler) WebhookHandler { return r },
		func(s *scheduler.Scheduler) JobRunner { return s },
	),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

// UsageTracker buffers usage increments for the tracking endpoint.
type UsageTracker interface {
	Track(orgID, usageType string, quantity int64, metadata map[string]any)
	BufferSize() int
	Flush(ctx context.Context) meter.FlushResult
}

// WebhookHandler applies one verified processor event.
type WebhookHandler interface {
	Handle(ctx context.Context, event paymentdomain.Event) webhook.Result
}

// JobRunner triggers billing jobs on demand.
type JobRunner interface {
	Run(ctx context.Context, jobName, periodKey string) (scheduler.JobResult, error)
	RunScheduled(ctx context.Context) ([]scheduler.JobResult, error)
}

type EngineParams struct {
	fx.In

	Log         *zap.Logger
	ObsCfg      observability.Config
	HTTPMetrics *obsmetrics.HTTPMetrics `optional:"true"`
}

func NewEngine(p EngineParams) *gin.Engine {
	if !p.ObsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obslogger.GinMiddleware(p.Log.Named("http"), obslogger.MiddlewareConfig{
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(p.HTTPMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	engine          *gin.Engine
	cfg             config.Config
	log             *zap.Logger
	usage           UsageTracker
	webhooks        WebhookHandler
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	catalog         plan.Catalog
	jobs            JobRunner
	trackLimiter    *ratelimit.TrackLimiter
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	Log             *zap.Logger
	Usage           UsageTracker
	Webhooks        WebhookHandler
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	Catalog         plan.Catalog
	Jobs            JobRunner
	TrackLimiter    *ratelimit.TrackLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		usage:           p.Usage,
		webhooks:        p.Webhooks,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		catalog:         p.Catalog,
		jobs:            p.Jobs,
		trackLimiter:    p.TrackLimiter,
	}

	svc.registerWebhookRoutes()
	svc.registerBillingRoutes()
	svc.registerSubscriptionRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payments", s.HandlePaymentWebhook)
}

func (s *Server) registerBillingRoutes() {
	billing := s.engine.Group("/billing")

	// -------- Usage --------
	billing.POST("/track", s.TrackUsage)
	billing.PUT("/track", s.FlushUsage)

	// -------- Plans --------
	billing.GET("/plans", s.ListPlans)

	// -------- Invoices --------
	billing.GET("/invoices", s.ListInvoices)
	billing.POST("/invoices", s.GenerateInvoice)
	billing.GET("/invoices/:id", s.GetInvoiceByID)
	billing.PATCH("/invoices/:id", s.UpdateInvoiceStatus)
	billing.POST("/invoices/:id", s.SyncInvoice)

	// -------- Jobs --------
	billing.POST("/jobs", s.JobsSecretRequired(), s.RunJob)
}

func (s *Server) registerSubscriptionRoutes() {
	subs := s.engine.Group("/subscriptions")

	subs.POST("", s.CreateSubscription)
	subs.GET("/current", s.GetCurrentSubscription)
	subs.GET("/current/history", s.GetSubscriptionHistory)
	subs.POST("/preview", s.PreviewPlanChange)
	subs.POST("/change", s.ChangePlan)
	subs.POST("/cancel", s.CancelSubscription)
	subs.POST("/reactivate", s.ReactivateSubscription)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorResponse{Error: errorPayload{
			Type:    "not_found",
			Message: "not found",
		}})
	})
}
