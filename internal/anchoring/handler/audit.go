package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/EvidenceAnchor/internal/auditchain"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"go.uber.org/zap"
)

// AuditHandler exposes read-only HTTP endpoints for the audit chain.
type AuditHandler struct {
	log    auditchain.Log
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(log auditchain.Log, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{log: log, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	{
		a.GET("", h.Overview)
		a.GET("/verify", h.Verify)
		a.GET("/entries", h.ListEntries)
		a.GET("/entries/:idx", h.GetEntry)
		a.GET("/fingerprints/:fingerprint", h.ForFingerprint)
	}
}

// Overview handles GET /audit: returns the chain length and current root hash.
func (h *AuditHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	count, err := h.log.Len(ctx)
	if err != nil {
		h.logger.Error("audit Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit chain"})
		return
	}
	root, err := h.log.Root(ctx)
	if err != nil {
		h.logger.Error("audit Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit root"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": count, "root": root})
}

// Verify handles GET /audit/verify: walks the full chain and reports integrity.
func (h *AuditHandler) Verify(c *gin.Context) {
	if err := h.log.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("audit chain integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// ListEntries handles GET /audit/entries?offset=&limit=.
func (h *AuditHandler) ListEntries(c *gin.Context) {
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, err := h.log.List(c.Request.Context(), offset, limit)
	if err != nil {
		h.logger.Error("audit List", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list audit entries"})
		return
	}
	if entries == nil {
		entries = []*auditchain.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// GetEntry handles GET /audit/entries/:idx: returns a single entry.
func (h *AuditHandler) GetEntry(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer"})
		return
	}

	entry, err := h.log.Get(c.Request.Context(), idx)
	if err != nil {
		if errors.Is(err, auditchain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
			return
		}
		h.logger.Error("audit Get", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get audit entry"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ForFingerprint handles GET /audit/fingerprints/:fingerprint: the lifecycle
// history of one fingerprint.
func (h *AuditHandler) ForFingerprint(c *gin.Context) {
	fp, err := ledger.ParseFingerprint(c.Param("fingerprint"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entries, err := h.log.ForFingerprint(c.Request.Context(), fp.String())
	if err != nil {
		h.logger.Error("audit ForFingerprint", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit chain"})
		return
	}
	if entries == nil {
		entries = []*auditchain.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"fingerprint": fp, "entries": entries, "count": len(entries)})
}
