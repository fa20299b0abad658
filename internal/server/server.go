package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/creditledger/internal/admin"
	"github.com/smallbiznis/creditledger/internal/config"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
	entitlementdomain "github.com/smallbiznis/creditledger/internal/entitlement/domain"
	"github.com/smallbiznis/creditledger/internal/observability"
	obsmiddleware "github.com/smallbiznis/creditledger/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/creditledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/creditledger/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/creditledger/internal/payment/domain"
	"github.com/smallbiznis/creditledger/internal/ratelimit"
	toolcostdomain "github.com/smallbiznis/creditledger/internal/toolcost/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(func(*Server) {}),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
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
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", addr))
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
	engine        *gin.Engine
	cfg           config.Config
	log           *zap.Logger
	credits       creditdomain.Service
	tools         toolcostdomain.Registry
	payments      paymentdomain.Service
	webhooks      paymentdomain.WebhookReconciler
	entitlements  entitlementdomain.Service
	admin         admin.Policy
	chargeLimiter *ratelimit.ChargeLimiter
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	Log           *zap.Logger
	Credits       creditdomain.Service
	Tools         toolcostdomain.Registry
	Payments      paymentdomain.Service
	Webhooks      paymentdomain.WebhookReconciler
	Entitlements  entitlementdomain.Service
	Admin         admin.Policy
	ChargeLimiter *ratelimit.ChargeLimiter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		log:           p.Log.Named("http.server"),
		credits:       p.Credits,
		tools:         p.Tools,
		payments:      p.Payments,
		webhooks:      p.Webhooks,
		entitlements:  p.Entitlements,
		admin:         p.Admin,
		chargeLimiter: p.ChargeLimiter,
	}

	svc.registerAPIRoutes()
	svc.registerAdminRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api", s.Identity())

	// -------- Credits --------
	api.GET("/credits/balance", s.RequireAccount(), s.GetBalance)
	api.GET("/credits/history", s.RequireAccount(), s.ListCreditHistory)

	// -------- Tools --------
	api.GET("/tools/config", s.ListTools)
	api.POST("/tools/:tool/charge", s.ChargeRateLimit(), s.ChargeTool)
	api.POST("/tools/:tool/failure", s.RequireAccount(), s.LogToolFailure)

	// -------- Payments --------
	api.GET("/payments/plans", s.ListPlans)
	api.POST("/payments/create-order", s.RequireAccount(), s.CreateCreditOrder)
	api.POST("/payments/verify", s.RequireAccount(), s.VerifyPayment)
	api.GET("/payments/history", s.RequireAccount(), s.ListPaymentHistory)

	// Webhooks are authenticated by the transport signature, not identity headers.
	api.POST("/payments/webhook", s.HandlePaymentWebhook)
	api.POST("/ads/webhook", s.HandlePaymentWebhook)

	// -------- Ad-free --------
	api.POST("/ads/create-order", s.RequireAccount(), s.CreateAdFreeOrder)
	api.POST("/ads/verify", s.RequireAccount(), s.VerifyPayment)
	api.POST("/ads/verify-payment", s.RequireAccount(), s.VerifyPayment)
	api.GET("/ads/status", s.RequireAccount(), s.GetAdFreeStatus)
	api.GET("/ads/history", s.RequireAccount(), s.ListAdFreeHistory)
}

func (s *Server) registerAdminRoutes() {
	adminGroup := s.engine.Group("/api/admin", s.Identity(), s.RequireAdmin())

	adminGroup.GET("/payments", s.ListAllPayments)
	adminGroup.GET("/reconciliation", s.ListStuckOrders)
	adminGroup.POST("/reconciliation/:order_id", s.ReconcileOrder)

	adminGroup.PUT("/tools/:tool", s.UpsertTool)
	adminGroup.POST("/tools/refresh", s.RefreshTools)
}
