package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ChainHandler exposes read and mining endpoints for a Simulated chain.
type ChainHandler struct {
	chain  *Simulated
	logger *zap.Logger
}

// NewChainHandler creates a new ChainHandler.
func NewChainHandler(chain *Simulated, logger *zap.Logger) *ChainHandler {
	return &ChainHandler{chain: chain, logger: logger}
}

// Register mounts the chain routes on the given router group.
func (h *ChainHandler) Register(rg *gin.RouterGroup) {
	c := rg.Group("/chain")
	{
		c.GET("", h.Overview)
		c.GET("/verify", h.Verify)
		c.GET("/blocks/:idx", h.GetBlock)
		c.GET("/pending", h.Pending)
		c.POST("/mine", h.Mine)
	}
}

// Overview handles GET /chain and returns the chain length and tip hash.
func (h *ChainHandler) Overview(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"blocks":      h.chain.Len(),
		"root":        h.chain.Root(),
		"pending":     len(h.chain.Pending()),
		"submissions": h.chain.Submissions(),
	})
}

// Verify handles GET /chain/verify and walks the full chain.
func (h *ChainHandler) Verify(c *gin.Context) {
	if err := h.chain.Verify(); err != nil {
		h.logger.Warn("chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// GetBlock handles GET /chain/blocks/:idx.
func (h *ChainHandler) GetBlock(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	b, err := h.chain.Block(idx)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "block not found"})
		return
	}

	c.JSON(http.StatusOK, b)
}

// Pending handles GET /chain/pending.
func (h *ChainHandler) Pending(c *gin.Context) {
	refs := h.chain.Pending()
	c.JSON(http.StatusOK, gin.H{"tx_refs": refs, "count": len(refs)})
}

// Mine handles POST /chain/mine. With ?tx_ref= it mines only that
// transaction.
func (h *ChainHandler) Mine(c *gin.Context) {
	if ref := c.Query("tx_ref"); ref != "" {
		if !h.chain.MineRef(TxRef(ref)) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transaction not pending"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"mined": 1, "root": h.chain.Root()})
		return
	}
	n := h.chain.Mine()
	h.logger.Info("mined pending transactions", zap.Int("count", n))
	c.JSON(http.StatusOK, gin.H{"mined": n, "root": h.chain.Root()})
}
