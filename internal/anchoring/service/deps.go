// Package service drives fingerprints from submission to a confirmed ledger
// timestamp: aggregation into batches, the submit/retry state machine,
// confirmation and reorganisation tracking, and read-only verification.
package service

import (
	"context"
	"time"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"go.uber.org/zap"
)

// recordRepo is the persistence interface for anchor records.
// *repository.PostgresRecordRepository and *repository.MemoryRecordRepository satisfy it.
type recordRepo interface {
	CreateIfAbsent(ctx context.Context, rec *model.AnchorRecord) (*model.AnchorRecord, bool, error)
	Get(ctx context.Context, fp ledger.Fingerprint) (*model.AnchorRecord, error)
	Update(ctx context.Context, rec *model.AnchorRecord, from model.Status) error
	ListByStatus(ctx context.Context, status model.Status, limit int) ([]*model.AnchorRecord, error)
	ListRecentByStatus(ctx context.Context, status model.Status, since time.Time, limit int) ([]*model.AnchorRecord, error)
}

// MetricsRecorder receives anchoring events. The handler package provides
// the Prometheus implementation; nil disables recording.
type MetricsRecorder interface {
	RecordSubmission(path, outcome string)
	RecordRetry(reason string)
	RecordConfirmation(latency time.Duration)
	RecordReorg()
	RecordBatchSize(n int)
	RecordVerification(result string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSubmission(string, string)  {}
func (noopMetrics) RecordRetry(string)               {}
func (noopMetrics) RecordConfirmation(time.Duration) {}
func (noopMetrics) RecordReorg()                     {}
func (noopMetrics) RecordBatchSize(int)              {}
func (noopMetrics) RecordVerification(string)        {}

func metricsOrNoop(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return noopMetrics{}
	}
	return m
}

// Notifier is told about every record reaching Confirmed or Failed.
type Notifier interface {
	Notify(ctx context.Context, rec *model.AnchorRecord)
}

// LogNotifier writes terminal transitions to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, rec *model.AnchorRecord) {
	fields := []zap.Field{
		zap.String("fingerprint", rec.Fingerprint.String()),
		zap.String("status", string(rec.Status)),
		zap.String("submission_ref", rec.SubmissionRef),
	}
	if rec.ChainTimestamp != nil {
		fields = append(fields, zap.Uint64("chain_timestamp", *rec.ChainTimestamp))
	}
	if rec.Status == model.StatusFailed {
		fields = append(fields, zap.String("reason", string(rec.FailureReason)), zap.String("last_error", rec.LastError))
		n.logger.Warn("anchor failed", fields...)
		return
	}
	n.logger.Info("anchor confirmed", fields...)
}

// fingerprintKey is the lock key guarding writes for one fingerprint.
func fingerprintKey(fp ledger.Fingerprint) string {
	return "fp:" + fp.String()
}
