package handler

import (
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

// VerifyDisclaimer accompanies every verification response.
const VerifyDisclaimer = model.VerifyDisclaimer

// VerifyHandler exposes read-only verification endpoints.
type VerifyHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

// NewVerifyHandler creates a new VerifyHandler.
func NewVerifyHandler(svc *service.Service, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{svc: svc, logger: logger}
}

// Register mounts the verification routes on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	v := rg.Group("/verify")
	{
		v.GET("/:fingerprint", h.Verify)
		v.POST("/batch", h.VerifyBatch)
	}
}

type verifyResponse struct {
	*model.VerificationResult
	Status        model.Status `json:"status,omitempty"`
	SubmissionRef string       `json:"submission_ref,omitempty"`
	Disclaimer    string       `json:"disclaimer"`
}

// Verify handles GET /verify/:fingerprint?expected_timestamp=: answers from
// the ledger, adding the local record's status and ref when one exists.
func (h *VerifyHandler) Verify(c *gin.Context) {
	fp, ok := fingerprintParam(c)
	if !ok {
		return
	}
	expected, err := parseExpected(c.Query("expected_timestamp"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected_timestamp must be a non-negative integer"})
		return
	}

	ctx := c.Request.Context()
	res, err := h.svc.Query(ctx, fp, expected)
	if err != nil {
		var valErr *model.ErrValidation
		if errors.As(err, &valErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": valErr.Msg})
			return
		}
		h.logger.Error("verify", zap.String("fingerprint", fp.String()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger query failed"})
		return
	}

	resp := verifyResponse{VerificationResult: res, Disclaimer: VerifyDisclaimer}
	rec, err := h.svc.Get(ctx, fp)
	switch {
	case err == nil:
		resp.Status = rec.Status
		resp.SubmissionRef = rec.SubmissionRef
	case !errors.Is(err, repository.ErrNotFound):
		h.logger.Warn("verify: local record lookup", zap.String("fingerprint", fp.String()), zap.Error(err))
	}
	c.JSON(http.StatusOK, resp)
}

type verifyBatchRequest struct {
	Items []struct {
		Fingerprint       string `json:"fingerprint"`
		ExpectedTimestamp uint64 `json:"expected_timestamp"`
	} `json:"items" binding:"required"`
}

type verifyBatchItem struct {
	Index  int                       `json:"index"`
	Result *model.VerificationResult `json:"result,omitempty"`
	Error  string                    `json:"error,omitempty"`
}

// VerifyBatch handles POST /verify/batch: verifies each item independently.
// A malformed item reports its own error without failing the others.
func (h *VerifyHandler) VerifyBatch(c *gin.Context) {
	var req verifyBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Items) > ledger.MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "maximum 100 items per batch"})
		return
	}

	out := make([]verifyBatchItem, len(req.Items))
	var items []service.VerifyItem
	var positions []int
	for i, it := range req.Items {
		out[i].Index = i
		fp, err := ledger.ParseFingerprint(it.Fingerprint)
		if err != nil {
			out[i].Error = err.Error()
			continue
		}
		items = append(items, service.VerifyItem{Fingerprint: fp, ExpectedTimestamp: it.ExpectedTimestamp})
		positions = append(positions, i)
	}

	for j, o := range h.svc.VerifyBatch(c.Request.Context(), items) {
		i := positions[j]
		if o.Err != nil {
			out[i].Error = o.Err.Error()
			continue
		}
		out[i].Result = o.Result
	}
	c.JSON(http.StatusOK, gin.H{"results": out, "count": len(out), "disclaimer": VerifyDisclaimer})
}

func parseExpected(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
