package handler

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/repository"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/service"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"go.uber.org/zap"
)

// AnchorHandler handles HTTP requests for submitting and inspecting anchors.
type AnchorHandler struct {
	svc         *service.Service
	adminSecret string // empty = resubmission open
	logger      *zap.Logger
}

// NewAnchorHandler creates a new AnchorHandler.
func NewAnchorHandler(svc *service.Service, logger *zap.Logger) *AnchorHandler {
	return &AnchorHandler{svc: svc, logger: logger}
}

// SetAdminSecret configures the X-Admin-Secret required for operator actions.
func (h *AnchorHandler) SetAdminSecret(secret string) { h.adminSecret = secret }

// Register registers all anchor routes on the given router group.
func (h *AnchorHandler) Register(rg *gin.RouterGroup) {
	anchors := rg.Group("/anchors")
	{
		anchors.POST("", h.Submit)
		anchors.POST("/batch", h.SubmitBatch)
		anchors.GET("", h.List)
		anchors.GET("/:fingerprint", h.Get)
		anchors.POST("/:fingerprint/resubmit", h.requireAdmin(), h.Resubmit)
	}
}

// requireAdmin checks X-Admin-Secret when a secret is configured.
func (h *AnchorHandler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.adminSecret == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.adminSecret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin secret required"})
			return
		}
		c.Next()
	}
}

type submitRequest struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
	Metadata    string `json:"metadata"`
}

// Submit handles POST /anchors: registers a fingerprint for anchoring.
// New records answer 202; an existing record answers 200 with duplicate=true.
func (h *AnchorHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fp, err := ledger.ParseFingerprint(req.Fingerprint)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.Submit(c.Request.Context(), fp, req.Metadata)
	if err != nil {
		h.writeError(c, "submit anchor", err)
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

type submitBatchRequest struct {
	Fingerprints []string `json:"fingerprints" binding:"required"`
	Metadata     []string `json:"metadata"`
}

type batchItemResult struct {
	Index     int                 `json:"index"`
	Record    *model.AnchorRecord `json:"record,omitempty"`
	Duplicate bool                `json:"duplicate,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// SubmitBatch handles POST /anchors/batch: registers up to 100 fingerprints
// written together. Metadata may be omitted, meaning empty for every item.
func (h *AnchorHandler) SubmitBatch(c *gin.Context) {
	var req submitBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Metadata == nil {
		req.Metadata = make([]string, len(req.Fingerprints))
	}

	fps := make([]ledger.Fingerprint, len(req.Fingerprints))
	for i, s := range req.Fingerprints {
		fp, err := ledger.ParseFingerprint(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "fingerprints[" + strconv.Itoa(i) + "]: " + err.Error()})
			return
		}
		fps[i] = fp
	}

	results, err := h.svc.SubmitBatch(c.Request.Context(), fps, req.Metadata)
	if err != nil {
		h.writeError(c, "submit batch", err)
		return
	}

	items := make([]batchItemResult, len(results))
	for i, r := range results {
		items[i] = batchItemResult{Index: i, Record: r.Record, Duplicate: r.Duplicate}
		if r.Record.Status == model.StatusFailed && r.Record.FailureReason == model.ReasonInvalidInput {
			items[i].Error = r.Record.LastError
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"results": items, "count": len(items)})
}

// List handles GET /anchors: lists records, optionally filtered by ?status=.
func (h *AnchorHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > repository.DefaultListLimit {
		limit = 100
	}

	recs, err := h.svc.List(c.Request.Context(), model.Status(c.Query("status")), limit)
	if err != nil {
		h.writeError(c, "list anchors", err)
		return
	}
	if recs == nil {
		recs = []*model.AnchorRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

// Get handles GET /anchors/:fingerprint: returns the local record.
func (h *AnchorHandler) Get(c *gin.Context) {
	fp, ok := fingerprintParam(c)
	if !ok {
		return
	}
	rec, err := h.svc.Get(c.Request.Context(), fp)
	if err != nil {
		h.writeError(c, "get anchor", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Resubmit handles POST /anchors/:fingerprint/resubmit: moves a Failed
// record back to Pending.
func (h *AnchorHandler) Resubmit(c *gin.Context) {
	fp, ok := fingerprintParam(c)
	if !ok {
		return
	}
	rec, err := h.svc.Resubmit(c.Request.Context(), fp)
	if err != nil {
		if errors.Is(err, service.ErrNotResubmittable) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "record": rec})
			return
		}
		h.writeError(c, "resubmit anchor", err)
		return
	}
	h.logger.Info("anchor resubmitted by operator",
		zap.String("fingerprint", fp.String()),
		zap.String("client_ip", c.ClientIP()),
	)
	c.JSON(http.StatusAccepted, rec)
}

// writeError maps service errors onto HTTP statuses.
func (h *AnchorHandler) writeError(c *gin.Context, op string, err error) {
	var valErr *model.ErrValidation
	switch {
	case errors.As(err, &valErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Msg})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "anchor record not found"})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": op + " failed"})
	}
}

// fingerprintParam parses :fingerprint, answering 400 itself when it is malformed.
func fingerprintParam(c *gin.Context) (ledger.Fingerprint, bool) {
	fp, err := ledger.ParseFingerprint(c.Param("fingerprint"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return ledger.Fingerprint{}, false
	}
	return fp, true
}
