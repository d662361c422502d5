package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/veltahq/velta/internal/config"
	"github.com/veltahq/velta/internal/metrics"
	paymentservice "github.com/veltahq/velta/internal/payment/service"
	"github.com/veltahq/velta/internal/payment/webhook"
	subscriptionservice "github.com/veltahq/velta/internal/subscription/service"
)

type Server struct {
	log *zap.Logger
	cfg config.Config
	db  *gorm.DB

	subscriptionSvc *subscriptionservice.Service
	paymentSvc      *paymentservice.Service
	ingestor        *webhook.Ingestor
	metrics         *metrics.Metrics
}

type Param struct {
	fx.In

	Log *zap.Logger
	Cfg config.Config
	DB  *gorm.DB

	SubscriptionSvc *subscriptionservice.Service
	PaymentSvc      *paymentservice.Service
	Ingestor        *webhook.Ingestor
	Metrics         *metrics.Metrics
}

func New(p Param) *Server {
	return &Server{
		log:             p.Log.Named("server"),
		cfg:             p.Cfg,
		db:              p.DB,
		subscriptionSvc: p.SubscriptionSvc,
		paymentSvc:      p.PaymentSvc,
		ingestor:        p.Ingestor,
		metrics:         p.Metrics,
	}
}

func (s *Server) Router() *gin.Engine {
	if s.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/readyz", s.Readiness)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	r.POST("/webhooks/payments", s.HandlePaymentWebhook)

	billing := r.Group("/billing")
	{
		billing.GET("/confirm", s.ConfirmPayment)
		billing.GET("/return-from-checkout", s.ReturnFromCheckout)
	}

	tenants := r.Group("/tenants/:tenant_id")
	{
		tenants.POST("/subscription", s.CreateSubscription)
		tenants.GET("/subscription", s.GetSubscription)
		tenants.PATCH("/subscription", s.UpdateSubscription)
		tenants.DELETE("/subscription/services/:code", s.RemoveSubscriptionService)
		tenants.GET("/billing/portal", s.BillingPortal)
	}

	admin := r.Group("/admin")
	{
		admin.GET("/subscriptions", s.ListSubscriptionSummaries)
		admin.POST("/payment-requests/:id/approve", s.ApprovePaymentRequest)
	}

	return r
}

// RunHTTP serves the router for the lifetime of the fx application.
func RunHTTP(lc fx.Lifecycle, s *Server) {
	srv := &http.Server{
		Addr:    s.cfg.HTTPAddr,
		Handler: s.Router(),
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				s.log.Info("http server listening", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(RunHTTP),
)
