package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/service"
)

// Paywall prices the /paid routes
type Paywall struct {
	Amount core.Amount
	Payee  string
	TTL    time.Duration
}

// Dependencies are the collaborators of the HTTP surface
type Dependencies struct {
	Auth     *service.AuthService
	Escrows  *service.EscrowService
	Payments *service.PaymentService
	Metrics  *Metrics
	Logger   *slog.Logger

	// RequireReceipt makes release and refund take the requester from a receipt
	RequireReceipt bool
	// Paywall mounts GET /paid/*path when set
	Paywall *Paywall
	// HealthChecks are run by GET /health
	HealthChecks map[string]func(context.Context) error
}

// Server holds the handlers
type Server struct {
	auth     *service.AuthService
	escrows  *service.EscrowService
	payments *service.PaymentService
	metrics  *Metrics
	logger   *slog.Logger

	requireReceipt bool
	paywall        *Paywall
	healthChecks   map[string]func(context.Context) error
}

// SetupRouter sets up the Gin router
func SetupRouter(deps Dependencies) *gin.Engine {
	s := &Server{
		auth:           deps.Auth,
		escrows:        deps.Escrows,
		payments:       deps.Payments,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		requireReceipt: deps.RequireReceipt,
		paywall:        deps.Paywall,
		healthChecks:   deps.HealthChecks,
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(s.logger), s.metrics.Middleware())

	router.GET("/health", s.Health)
	router.GET("/metrics", s.metrics.Handler())

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/challenge", s.Challenge)
		auth.POST("/verify", s.Verify)
		auth.POST("/receipt/verify", s.VerifyReceipt)
	}

	identities := router.Group("/identities")
	{
		identities.POST("", s.RegisterIdentity)
		identities.GET("/:publicKey", s.GetIdentity)
		identities.PATCH("/:publicKey/metadata", ReceiptMiddleware(s.auth, true), s.UpdateMetadata)
	}

	escrow := router.Group("/escrow")
	escrow.Use(ReceiptMiddleware(s.auth, false))
	{
		escrow.POST("", s.CreateEscrow)
		escrow.GET("", s.ListEscrows)
		escrow.GET("/:id", s.GetEscrow)
		escrow.GET("/:id/status", s.EscrowStatus)
		escrow.POST("/:id/fund", s.FundEscrow)
		escrow.POST("/:id/release", s.ReleaseEscrow)
		escrow.POST("/:id/refund", s.RefundEscrow)
	}

	payments := router.Group("/payments")
	{
		payments.POST("/request", s.CreatePaymentRequest)
		payments.GET("/:id", s.GetPaymentRequest)
		payments.POST("/:id/verify", s.VerifyPayment)
		payments.POST("/8004", s.Process8004)
		payments.GET("/8004/:paymentId", s.PaymentStatus)
	}

	if s.paywall != nil {
		router.GET("/paid/*path", PaywallMiddleware(s.payments, *s.paywall), s.PaidResource)
	}

	return router
}

// Health reports the state of the backing services
func (s *Server) Health(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	for name, check := range s.healthChecks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		err := check(ctx)
		cancel()

		if err != nil {
			healthy = false
			checks[name] = gin.H{"connected": false, "error": err.Error()}
			continue
		}
		checks[name] = gin.H{"connected": true}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}
