package service

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"go.uber.org/zap"
)

// Verifier answers "was fingerprint F anchored at time T" from the ledger
// alone. It never reads or writes local records.
type Verifier struct {
	reader  ledger.Reader
	metrics MetricsRecorder
	logger  *zap.Logger
}

// NewVerifier creates a Verifier reading from reader.
func NewVerifier(reader ledger.Reader, logger *zap.Logger) *Verifier {
	return &Verifier{reader: reader, metrics: noopMetrics{}, logger: logger}
}

// SetMetrics configures the metrics recorder.
func (v *Verifier) SetMetrics(m MetricsRecorder) { v.metrics = metricsOrNoop(m) }

// VerifyItem is one entry of a batch verification.
type VerifyItem struct {
	Fingerprint       ledger.Fingerprint `json:"fingerprint"`
	ExpectedTimestamp uint64             `json:"expected_timestamp"`
}

// VerifyOutcome pairs a result with the error that prevented it, if any.
type VerifyOutcome struct {
	Result *model.VerificationResult
	Err    error
}

// Verify checks fp against the ledger. MatchesExpected is true only when fp
// is anchored with exactly expected as its timestamp.
func (v *Verifier) Verify(ctx context.Context, fp ledger.Fingerprint, expected uint64) (*model.VerificationResult, error) {
	if fp.IsZero() {
		return nil, &model.ErrValidation{Msg: "fingerprint must not be zero", Err: ledger.ErrZeroFingerprint}
	}

	anchored, ts, err := v.reader.IsAnchored(ctx, fp)
	if err != nil {
		v.metrics.RecordVerification("error")
		return nil, fmt.Errorf("isAnchored %s: %w", fp, err)
	}
	res := &model.VerificationResult{Fingerprint: fp, IsAnchored: anchored, ChainTimestamp: ts}

	if anchored && expected != 0 {
		match, err := v.reader.VerifyIntegrity(ctx, fp, expected)
		if err != nil {
			v.metrics.RecordVerification("error")
			return nil, fmt.Errorf("verifyIntegrity %s: %w", fp, err)
		}
		res.MatchesExpected = match
	}

	switch {
	case !anchored:
		v.metrics.RecordVerification("absent")
	case res.MatchesExpected:
		v.metrics.RecordVerification("match")
	default:
		v.metrics.RecordVerification("anchored")
	}
	return res, nil
}

// VerifyBatch verifies every item independently, in order. A failure on one
// item is reported in its outcome and does not stop the others.
func (v *Verifier) VerifyBatch(ctx context.Context, items []VerifyItem) []VerifyOutcome {
	out := make([]VerifyOutcome, len(items))
	for i, it := range items {
		res, err := v.Verify(ctx, it.Fingerprint, it.ExpectedTimestamp)
		if err != nil {
			v.logger.Debug("batch verify item failed",
				zap.Int("index", i),
				zap.String("fingerprint", it.Fingerprint.String()),
				zap.Error(err),
			)
		}
		out[i] = VerifyOutcome{Result: res, Err: err}
	}
	return out
}
