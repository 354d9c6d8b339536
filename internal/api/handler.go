package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"pass-service/internal/gateway"
	"pass-service/internal/service"
	"pass-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Booker opens bookings.
type Booker interface {
	RequestOrder(ctx context.Context, req *service.BookingRequest) (*service.BookingResponse, error)
}

// Reconciler drives payment outcomes into passes.
type Reconciler interface {
	Reconcile(ctx context.Context, merchantOrderID string, status *gateway.OrderStatus, source service.Source) (*service.ReconcileResult, error)
	QueryRemoteStatus(ctx context.Context, merchantOrderID string, autoApply bool, source service.Source) (*service.StatusCheck, error)
	PassByOrder(ctx context.Context, merchantOrderID string) (*service.OrderLookup, error)
	RequestRecheck(ctx context.Context, merchantOrderID string, requestedBy int64) error
	TicketStatus(ctx context.Context, passID int64) (*service.TicketStatus, error)
}

// Redeemer reads confirmed passes and scans entries.
type Redeemer interface {
	Redeem(ctx context.Context, who service.Identity, passUUID, tokenID string) (*service.Redemption, error)
	AuthorizeScanner(ctx context.Context, who service.Identity, eventID int64) error
	PassSummaryByUUID(ctx context.Context, passUUID string) (*service.PassSummary, error)
	ListUserPasses(ctx context.Context, who service.Identity, eventID int64) ([]service.UserPass, error)
	PassForQR(ctx context.Context, passUUID string) (*service.PassQR, error)
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config is the HTTP layer's share of the service configuration.
type Config struct {
	Env         string
	FrontendURL string
	JWTSecret   string
	// WebhookDigest is the expected webhook signature; empty disables the check.
	WebhookDigest string
	Ready         map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	booker     Booker
	reconciler Reconciler
	redeemer   Redeemer
	cfg        Config
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(booker Booker, reconciler Reconciler, redeemer Redeemer, cfg Config) *Handler {
	return &Handler{
		booker:     booker,
		reconciler: reconciler,
		redeemer:   redeemer,
		cfg:        cfg,
		logger:     util.Named("api"),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Gateway-facing endpoints carry no bearer token.
	payment := router.Group("/api/payment")
	{
		payment.GET("/callback/:merchantOrderId", h.paymentCallback)
		payment.POST("/webhook", h.paymentWebhook)
	}

	public := router.Group("/api/v1")
	{
		public.GET("/passes/uuid/:passUUID", h.passByUUID)
		public.GET("/passes/qr/:passUUID", h.passForQR)
	}

	v1 := router.Group("/api/v1", JWTAuth(h.cfg.JWTSecret))
	{
		v1.POST("/passes/book", h.bookTicket)
		v1.POST("/passes/mine", h.passesByUserAndEvent)
		v1.GET("/passes/order/:merchantOrderId", h.passByOrder)
		v1.POST("/passes/redeem/:uuid/:tokenId", h.redeemEntry)
		v1.POST("/passes/can-scan", h.canScan)
		v1.GET("/tickets/:passId/status", h.ticketStatus)

		v1.GET("/payments/status/:merchantOrderId", h.manualStatusCheck)
		v1.POST("/payments/retry", h.retryPayment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.cfg.Ready {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
