// Package handler exposes the verification API over HTTP.
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/safetrip/idanchor/internal/canonical"
	"github.com/safetrip/idanchor/internal/verification"
)

const maxAuditLimit = 500

// VerificationHandler serves the identity, anchor, audit and owner routes.
type VerificationHandler struct {
	svc    *verification.Service
	logger *zap.Logger
}

// NewVerificationHandler creates a new VerificationHandler.
func NewVerificationHandler(svc *verification.Service, logger *zap.Logger) *VerificationHandler {
	return &VerificationHandler{svc: svc, logger: logger}
}

// Register mounts the routes on the given router group.
func (h *VerificationHandler) Register(rg *gin.RouterGroup) {
	ids := rg.Group("/identities")
	{
		ids.POST("/hash", h.HashRecord)
		ids.POST("/anchor", h.AnchorIdentity)
	}

	anchors := rg.Group("/anchors")
	{
		anchors.GET("/:id", h.GetAnchor)
		anchors.DELETE("/:id", h.CancelAnchor)
	}

	entries := rg.Group("/audit/entries")
	{
		entries.POST("", h.RecordAction)
		entries.POST("/:id/verify", h.VerifyEntry)
	}

	owners := rg.Group("/owners/:owner")
	{
		owners.GET("/verification", h.GetVerificationStatus)
		owners.GET("/anchoring", h.GetAnchoringState)
		owners.GET("/anchors", h.AnchorHistory)
		owners.GET("/audit", h.AuditHistory)
		owners.GET("/discrepancies", h.Discrepancies)
	}
}

// ── Identities ───────────────────────────────────────────────────────────

// HashRecord handles POST /identities/hash.
func (h *VerificationHandler) HashRecord(c *gin.Context) {
	var rec canonical.IdentityRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hash, err := h.svc.HashRecord(&rec)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"owner_id": rec.OwnerID, "hash": hash})
}

// AnchorIdentity handles POST /identities/anchor. The write is confirmed
// asynchronously, so a successful submission answers 202.
func (h *VerificationHandler) AnchorIdentity(c *gin.Context) {
	var rec canonical.IdentityRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.AnchorIdentity(c.Request.Context(), &rec)
	if err != nil {
		if res != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "hash": res.Hash, "transaction": res.Transaction})
			return
		}
		h.fail(c, err)
		return
	}

	status := http.StatusAccepted
	if res.Transaction.State.Terminal() {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// ── Anchors ──────────────────────────────────────────────────────────────

// GetAnchor handles GET /anchors/:id.
func (h *VerificationHandler) GetAnchor(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	tx, err := h.svc.GetAnchor(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx, "ledger_address": tx.LedgerAddress()})
}

// CancelAnchor handles DELETE /anchors/:id.
func (h *VerificationHandler) CancelAnchor(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	res, err := h.svc.CancelAnchor(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ── Audit ────────────────────────────────────────────────────────────────

type recordActionRequest struct {
	Action  string         `json:"action" binding:"required"`
	OwnerID string         `json:"owner_id" binding:"required"`
	Hash    canonical.Hash `json:"hash"`
}

// RecordAction handles POST /audit/entries.
func (h *VerificationHandler) RecordAction(c *gin.Context) {
	var req recordActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := h.svc.RecordAction(c.Request.Context(), req.Action, req.OwnerID, req.Hash)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// VerifyEntry handles POST /audit/entries/:id/verify.
func (h *VerificationHandler) VerifyEntry(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	out, err := h.svc.VerifyEntry(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// ── Owners ───────────────────────────────────────────────────────────────

// GetVerificationStatus handles GET /owners/:owner/verification.
func (h *VerificationHandler) GetVerificationStatus(c *gin.Context) {
	st, err := h.svc.GetVerificationStatus(c.Request.Context(), c.Param("owner"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetAnchoringState handles GET /owners/:owner/anchoring.
func (h *VerificationHandler) GetAnchoringState(c *gin.Context) {
	st, err := h.svc.GetAnchoringState(c.Request.Context(), c.Param("owner"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// AnchorHistory handles GET /owners/:owner/anchors.
func (h *VerificationHandler) AnchorHistory(c *gin.Context) {
	txs, err := h.svc.AnchorHistory(c.Request.Context(), c.Param("owner"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

// AuditHistory handles GET /owners/:owner/audit?limit=N.
func (h *VerificationHandler) AuditHistory(c *gin.Context) {
	limit := 50
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := h.svc.AuditHistory(c.Request.Context(), c.Param("owner"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Discrepancies handles GET /owners/:owner/discrepancies.
func (h *VerificationHandler) Discrepancies(c *gin.Context) {
	ds, err := h.svc.Discrepancies(c.Request.Context(), c.Param("owner"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"discrepancies": ds, "count": len(ds)})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}
