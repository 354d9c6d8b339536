package api

import (
	"net/http"

	"pass-service/internal/service"

	"github.com/gin-gonic/gin"
)

func statusFor(kind service.Kind) int {
	switch kind {
	case service.KindValidation, service.KindCapacity, service.KindAlreadyRedeemed:
		return http.StatusBadRequest
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err with the status its kind maps to. Internal causes
// are only exposed outside production.
func (h *Handler) writeError(c *gin.Context, err error) {
	kind := service.KindOf(err)
	body := gin.H{"error": err.Error(), "kind": kind}

	switch kind {
	case service.KindInternal:
		body["error"] = "Internal server error"
		if h.cfg.Env != "production" {
			body["details"] = err.Error()
		}
	case service.KindAuthorization:
		body["error"] = "Forbidden: " + err.Error()
	}

	c.JSON(statusFor(kind), body)
}
