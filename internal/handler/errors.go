package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/anchor"
	"github.com/safetrip/idanchor/internal/audit"
	"github.com/safetrip/idanchor/internal/canonical"
	"github.com/safetrip/idanchor/internal/ledger"
	"github.com/safetrip/idanchor/internal/verification"
)

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, canonical.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, anchor.ErrNotFound),
		errors.Is(err, audit.ErrNotFound),
		errors.Is(err, verification.ErrNoAuditRecord):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrSubmissionRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, anchor.ErrAnchoringExhausted),
		errors.Is(err, anchor.ErrNotCancellable),
		errors.Is(err, anchor.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as a JSON error. Internal errors are logged and not echoed.
func (h *VerificationHandler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	switch {
	case status == http.StatusInternalServerError:
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		msg := "internal error"
		if errors.Is(err, anchor.ErrStateCorrupt) {
			msg = "anchoring state corrupt for owner"
		}
		c.JSON(status, gin.H{"error": msg})
		return
	case status == http.StatusServiceUnavailable:
		c.Header("Retry-After", "5")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
