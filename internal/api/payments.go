package api

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"pass-service/internal/gateway"
	"pass-service/internal/models"
	"pass-service/internal/service"
	"pass-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// paymentCallback is where the buyer's browser lands after checkout. It
// always redirects to the frontend, even on failure. The target follows the
// pass state after reconciliation, not the raw gateway state.
func (h *Handler) paymentCallback(c *gin.Context) {
	merchantOrderID := c.Param("merchantOrderId")

	check, err := h.reconciler.QueryRemoteStatus(c.Request.Context(), merchantOrderID, true, service.SourceCallback)
	if err != nil {
		h.logger.Error("Payment callback failed",
			zap.String("merchant_order_id", merchantOrderID),
			zap.Error(err))
		h.redirect(c, "/ticket/error", url.Values{"reason": {err.Error()}})
		return
	}

	res := check.Result
	if res == nil {
		h.redirect(c, "/ticket/pending", url.Values{"orderId": {merchantOrderID}})
		return
	}

	passID := fmt.Sprint(res.PassID)
	switch {
	case res.Status == models.PassStatusActive:
		h.redirect(c, "/ticket/success", url.Values{"passId": {passID}, "uuid": {res.PassUUID}})
	case res.Outcome == service.OutcomeOrphanedPayment, res.Status == models.PassStatusExpired:
		h.logger.Warn("Callback for a pass that expired before payment",
			zap.String("merchant_order_id", merchantOrderID),
			zap.String("gateway_state", string(check.Status)))
		h.redirect(c, "/ticket/failure", url.Values{"passId": {passID}, "orderId": {merchantOrderID}, "reason": {res.Message}})
	case res.Status == models.PassStatusPaymentFailed:
		h.redirect(c, "/ticket/failure", url.Values{"passId": {passID}, "orderId": {merchantOrderID}})
	default:
		h.redirect(c, "/ticket/pending", url.Values{"orderId": {merchantOrderID}})
	}
}

func (h *Handler) redirect(c *gin.Context, path string, q url.Values) {
	c.Redirect(http.StatusFound, h.cfg.FrontendURL+path+"?"+q.Encode())
}

// paymentWebhook applies a gateway push without re-querying the gateway.
func (h *Handler) paymentWebhook(c *gin.Context) {
	if h.cfg.WebhookDigest != "" {
		sig := c.GetHeader("Authorization")
		if sig == "" {
			util.WebhooksRejectedTotal.WithLabelValues("missing_signature").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header missing"})
			return
		}
		if !gateway.VerifyWebhookSignature(h.cfg.WebhookDigest, sig) {
			util.WebhooksRejectedTotal.WithLabelValues("invalid_signature").Inc()
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	ev, err := gateway.ParseWebhook(body)
	if err != nil {
		util.WebhooksRejectedTotal.WithLabelValues("malformed").Inc()
		h.logger.Error("Malformed webhook", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if ev.Status.State == "" {
		h.logger.Info("Ignoring webhook event", zap.String("event", ev.Event))
		c.JSON(http.StatusOK, gin.H{"success": true, "event": ev.Event})
		return
	}

	_, err = h.reconciler.Reconcile(c.Request.Context(), ev.Status.MerchantOrderID, &ev.Status, service.SourceWebhook)
	if err != nil {
		h.logger.Error("Webhook reconciliation failed",
			zap.String("event", ev.Event),
			zap.String("merchant_order_id", ev.Status.MerchantOrderID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "event": ev.Event})
}

// manualStatusCheck re-queries the gateway and applies the result.
func (h *Handler) manualStatusCheck(c *gin.Context) {
	merchantOrderID := c.Param("merchantOrderId")

	check, err := h.reconciler.QueryRemoteStatus(c.Request.Context(), merchantOrderID, true, service.SourceStatusCheck)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":         false,
			"error":           err.Error(),
			"merchantOrderId": merchantOrderID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"merchantOrderId": merchantOrderID,
		"status":          check.Status,
		"data":            check.Data,
		"result":          check.Result,
		"message":         fmt.Sprintf("Payment status: %s", check.Status),
	})
}

type retryRequest struct {
	MerchantOrderID string `json:"merchantOrderId"`
}

// retryPayment queues an asynchronous status recheck.
func (h *Handler) retryPayment(c *gin.Context) {
	var req retryRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	if req.MerchantOrderID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Merchant order ID is required"})
		return
	}

	if err := h.reconciler.RequestRecheck(c.Request.Context(), req.MerchantOrderID, identity(c).UserID); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success":         true,
		"merchantOrderId": req.MerchantOrderID,
		"message":         "Payment processing retry queued",
	})
}
