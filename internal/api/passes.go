package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"pass-service/internal/models"
	"pass-service/internal/service"

	"github.com/gin-gonic/gin"
)

type bookingRequest struct {
	EventID  int64           `json:"eventId"`
	PassType string          `json:"passType"`
	Friends  []models.Friend `json:"friends"`
}

type eventRequest struct {
	EventID int64 `json:"eventId"`
}

func bindOptionalJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return false
	}
	return true
}

// bookTicket creates a pending pass and returns the checkout URL
func (h *Handler) bookTicket(c *gin.Context) {
	var req bookingRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	resp, err := h.booker.RequestOrder(c.Request.Context(), &service.BookingRequest{
		UserID:   identity(c).UserID,
		EventID:  req.EventID,
		PassType: req.PassType,
		Friends:  req.Friends,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Payment order created successfully",
		"data":    resp,
	})
}

// passByOrder looks a pass up by merchant order id
func (h *Handler) passByOrder(c *gin.Context) {
	out, err := h.reconciler.PassByOrder(c.Request.Context(), c.Param("merchantOrderId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
}

// ticketStatus returns a pass, refreshing it from the gateway while pending
func (h *Handler) ticketStatus(c *gin.Context) {
	passID, err := strconv.ParseInt(c.Param("passId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid pass ID"})
		return
	}

	st, err := h.reconciler.TicketStatus(c.Request.Context(), passID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	var qr interface{}
	if st.QRCode != "" {
		qr = st.QRCode
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    gin.H{"pass": st.Pass, "qrCode": qr},
	})
}

// passByUUID returns the flattened public summary of a pass
func (h *Handler) passByUUID(c *gin.Context) {
	sum, err := h.redeemer.PassSummaryByUUID(c.Request.Context(), c.Param("passUUID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": sum})
}

// passForQR returns QR data for an active pass
func (h *Handler) passForQR(c *gin.Context) {
	qr, err := h.redeemer.PassForQR(c.Request.Context(), c.Param("passUUID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": qr})
}

// passesByUserAndEvent lists the caller's paid passes for an event
func (h *Handler) passesByUserAndEvent(c *gin.Context) {
	var req eventRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	passes, err := h.redeemer.ListUserPasses(c.Request.Context(), identity(c), req.EventID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"passes":  passes,
		"count":   len(passes),
		"message": "Passes found successfully",
	})
}

// redeemEntry marks one entry token as scanned. Only the event's organizer
// may scan.
func (h *Handler) redeemEntry(c *gin.Context) {
	r, err := h.redeemer.Redeem(c.Request.Context(), identity(c), c.Param("uuid"), c.Param("tokenId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Pass scanned successfully", "data": r})
}

// canScan reports whether the caller may scan passes for an event
func (h *Handler) canScan(c *gin.Context) {
	var req eventRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	if err := h.redeemer.AuthorizeScanner(c.Request.Context(), identity(c), req.EventID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User can scan passes"})
}
