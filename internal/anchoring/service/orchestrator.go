package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/auditchain"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"github.com/jmerrifield20/EvidenceAnchor/internal/lock"
	"go.uber.org/zap"
)

// persistTimeout bounds record updates that must happen even after the
// caller's context is gone.
const persistTimeout = 10 * time.Second

// OrchestratorConfig holds the write policy of an Orchestrator.
type OrchestratorConfig struct {
	Retry RetryPolicy
	Fees  ledger.FeePolicy
}

// Orchestrator owns the Pending → Submitting → Submitted part of the record
// lifecycle. Only one orchestrator at a time works on a given fingerprint
// (enforced by locker) and every write goes through the signer Sequencer.
type Orchestrator struct {
	repo     recordRepo
	store    ledger.Store
	seq      *ledger.Sequencer
	locker   lock.Locker
	audit    auditchain.Log // nil = no audit entries
	notifier Notifier       // nil = no notifications
	metrics  MetricsRecorder
	retry    RetryPolicy
	fees     ledger.FeePolicy
	jitter   func() float64
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *zap.Logger
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(repo recordRepo, store ledger.Store, seq *ledger.Sequencer, locker lock.Locker, cfg OrchestratorConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		repo:    repo,
		store:   store,
		seq:     seq,
		locker:  locker,
		metrics: noopMetrics{},
		retry:   cfg.Retry.withDefaults(),
		fees:    cfg.Fees,
		jitter:  rand.Float64,
		sleep:   sleepCtx,
		logger:  logger,
	}
}

// SetAudit configures the audit chain lifecycle events are appended to.
func (o *Orchestrator) SetAudit(log auditchain.Log) { o.audit = log }

// SetNotifier configures the terminal-transition notifier.
func (o *Orchestrator) SetNotifier(n Notifier) { o.notifier = n }

// SetMetrics configures the metrics recorder.
func (o *Orchestrator) SetMetrics(m MetricsRecorder) { o.metrics = metricsOrNoop(m) }

// ProcessOne drives the record for fp through the strict single write.
// Records that are not Pending are returned unchanged.
func (o *Orchestrator) ProcessOne(ctx context.Context, fp ledger.Fingerprint) (*model.AnchorRecord, error) {
	unlock, err := o.locker.Lock(ctx, fingerprintKey(fp))
	if err != nil {
		return o.abandonUnlocked(ctx, fp, fmt.Errorf("lock %s: %w", fp, err))
	}
	defer unlock()

	rec, err := o.repo.Get(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", fp, err)
	}
	if rec.Status != model.StatusPending {
		return rec, nil
	}

	done, err := o.precheck(ctx, rec)
	if done || err != nil {
		o.recordOutcome("single", rec)
		return rec, err
	}

	rec.MarkSubmitting()
	if err := o.save(ctx, rec, model.StatusPending); err != nil {
		return nil, err
	}

	err = o.submitSingle(ctx, rec)
	o.recordOutcome("single", rec)
	return rec, err
}

func (o *Orchestrator) submitSingle(ctx context.Context, rec *model.AnchorRecord) error {
	var lastErr error
	for attempt := 1; attempt <= o.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, o.retry.Backoff(attempt-1, o.jitter())); err != nil {
				return o.abandon(ctx, rec, err)
			}
		}

		sub, err := o.sendSingle(ctx, rec, attempt)
		if err == nil {
			return o.markSubmitted(ctx, rec, sub, nil)
		}
		lastErr = err
		if ctx.Err() != nil {
			return o.abandon(ctx, rec, err)
		}

		switch {
		case errors.Is(err, ledger.ErrAlreadyAnchored):
			ok, ts, rerr := o.store.IsAnchored(ctx, rec.Fingerprint)
			if rerr == nil && ok {
				return o.confirmReconciled(ctx, rec, ts, "already anchored")
			}
		case ledger.IsInvalidInput(err):
			return o.fail(ctx, rec, model.ReasonInvalidInput, err)
		case ledger.IsPermanent(err):
			return o.fail(ctx, rec, model.ReasonPermanentFailure, err)
		}

		if ledger.MaybeSent(err) {
			o.seq.Reset()
			if ok, ts, rerr := o.store.IsAnchored(ctx, rec.Fingerprint); rerr == nil && ok {
				return o.confirmReconciled(ctx, rec, ts, "write landed despite error")
			}
		}

		o.logger.Warn("anchor attempt failed",
			zap.String("fingerprint", rec.Fingerprint.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", o.retry.MaxAttempts),
			zap.Error(err),
		)
		o.noteRetry(ctx, rec, err)
	}
	return o.exhausted(ctx, rec, lastErr)
}

// sendSingle performs one write attempt under the per-attempt timeout.
func (o *Orchestrator) sendSingle(ctx context.Context, rec *model.AnchorRecord, attempt int) (*ledger.Submission, error) {
	actx, cancel := context.WithTimeout(ctx, o.retry.AttemptTimeout)
	defer cancel()

	price, err := o.store.SuggestGasPrice(actx)
	if err != nil {
		return nil, err
	}
	var sub *ledger.Submission
	err = o.seq.Do(actx, func(nonce uint64) error {
		var werr error
		sub, werr = o.store.Anchor(actx, rec.Fingerprint, rec.Metadata, o.fees.Options(nonce, 0, price, attempt))
		return werr
	})
	return sub, err
}

// ProcessBatch drives the Pending records of b through one lenient batch
// write. The write only proves that the call was accepted; the tracker
// decides each record's outcome from isAnchored.
func (o *Orchestrator) ProcessBatch(ctx context.Context, b *model.Batch) ([]*model.AnchorRecord, error) {
	keys := uniqueSorted(b.Fingerprints)

	unlocks := make([]func(), 0, len(keys))
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()
	for _, fp := range keys {
		unlock, err := o.locker.Lock(ctx, fingerprintKey(fp))
		if err != nil {
			lockErr := fmt.Errorf("lock %s: %w", fp, err)
			for _, k := range keys {
				_, _ = o.abandonUnlocked(ctx, k, lockErr)
			}
			return nil, lockErr
		}
		unlocks = append(unlocks, unlock)
	}

	records := make(map[ledger.Fingerprint]*model.AnchorRecord, len(keys))
	var pending []*model.AnchorRecord
	for _, fp := range keys {
		rec, err := o.repo.Get(ctx, fp)
		if err != nil {
			o.logger.Warn("batch: load record", zap.String("fingerprint", fp.String()), zap.Error(err))
			continue
		}
		records[fp] = rec
		if rec.Status != model.StatusPending {
			continue
		}
		if !b.Exact {
			done, err := o.precheck(ctx, rec)
			if err != nil {
				o.logger.Warn("batch: precheck", zap.String("fingerprint", fp.String()), zap.Error(err))
			}
			if done {
				o.recordOutcome("batch", rec)
				continue
			}
		}
		pending = append(pending, rec)
	}

	if len(pending) > 0 {
		var write *model.Batch
		size := len(pending)
		if b.Exact {
			write, size = b, b.Len()
		}
		o.metrics.RecordBatchSize(size)
		o.submitBatch(ctx, b.ID, pending, write)
		for _, rec := range pending {
			o.recordOutcome("batch", rec)
		}
	}

	out := make([]*model.AnchorRecord, 0, len(records))
	seen := make(map[ledger.Fingerprint]bool, len(records))
	for _, fp := range b.Fingerprints {
		if rec, ok := records[fp]; ok && !seen[fp] {
			seen[fp] = true
			out = append(out, rec)
		}
	}
	return out, nil
}

// submitBatch writes recs in one call. A non-nil write is sent verbatim on
// every attempt; otherwise the call carries exactly the records still live.
func (o *Orchestrator) submitBatch(ctx context.Context, batchID uuid.UUID, recs []*model.AnchorRecord, write *model.Batch) {
	live := make([]*model.AnchorRecord, 0, len(recs))
	for _, rec := range recs {
		rec.MarkSubmitting()
		if err := o.save(ctx, rec, model.StatusPending); err != nil {
			continue
		}
		live = append(live, rec)
	}

	var lastErr error
	for attempt := 1; attempt <= o.retry.MaxAttempts && len(live) > 0; attempt++ {
		if attempt > 1 {
			if err := o.sleep(ctx, o.retry.Backoff(attempt-1, o.jitter())); err != nil {
				o.abandonAll(ctx, live, err)
				return
			}
		}

		sub, err := o.sendBatch(ctx, live, write, attempt)
		if err == nil {
			for _, rec := range live {
				_ = o.markSubmitted(ctx, rec, sub, &batchID)
			}
			o.logger.Info("batch submitted",
				zap.String("batch_id", batchID.String()),
				zap.String("ref", sub.Ref),
				zap.Int("items", len(live)),
			)
			return
		}
		lastErr = err
		if ctx.Err() != nil {
			o.abandonAll(ctx, live, err)
			return
		}

		switch {
		case ledger.IsInvalidInput(err):
			for _, rec := range live {
				_ = o.fail(ctx, rec, model.ReasonInvalidInput, err)
			}
			return
		case ledger.IsPermanent(err):
			for _, rec := range live {
				_ = o.fail(ctx, rec, model.ReasonPermanentFailure, err)
			}
			return
		}

		if ledger.MaybeSent(err) {
			o.seq.Reset()
			live = o.reconcileEach(ctx, live, "batch landed despite error")
		}

		o.logger.Warn("batch attempt failed",
			zap.String("batch_id", batchID.String()),
			zap.Int("items", len(live)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", o.retry.MaxAttempts),
			zap.Error(err),
		)
		for _, rec := range live {
			o.noteRetry(ctx, rec, err)
		}
	}

	for _, rec := range live {
		_ = o.exhausted(ctx, rec, lastErr)
	}
}

func (o *Orchestrator) sendBatch(ctx context.Context, recs []*model.AnchorRecord, write *model.Batch, attempt int) (*ledger.Submission, error) {
	var fps []ledger.Fingerprint
	var metas []string
	if write != nil {
		fps, metas = write.Fingerprints, write.Metadata
	} else {
		fps = make([]ledger.Fingerprint, len(recs))
		metas = make([]string, len(recs))
		for i, rec := range recs {
			fps[i] = rec.Fingerprint
			metas[i] = rec.Metadata
		}
	}

	actx, cancel := context.WithTimeout(ctx, o.retry.AttemptTimeout)
	defer cancel()

	price, err := o.store.SuggestGasPrice(actx)
	if err != nil {
		return nil, err
	}
	var sub *ledger.Submission
	err = o.seq.Do(actx, func(nonce uint64) error {
		var werr error
		sub, werr = o.store.AnchorBatch(actx, fps, metas, o.fees.Options(nonce, len(fps), price, attempt))
		return werr
	})
	return sub, err
}

// precheck adopts the ledger timestamp when rec is already anchored, so no
// fee is spent on a write that would be a no-op. A read failure is not fatal
// because the strict write reports duplicates too.
func (o *Orchestrator) precheck(ctx context.Context, rec *model.AnchorRecord) (bool, error) {
	ok, ts, err := o.store.IsAnchored(ctx, rec.Fingerprint)
	if err != nil {
		if ctx.Err() != nil {
			return true, o.abandon(ctx, rec, err)
		}
		o.logger.Warn("idempotency check failed, submitting anyway",
			zap.String("fingerprint", rec.Fingerprint.String()),
			zap.Error(err),
		)
		return false, nil
	}
	if !ok {
		return false, nil
	}
	return true, o.confirmReconciled(ctx, rec, ts, "anchored before submission")
}

// reconcileEach confirms every record that the ledger already holds and
// returns the ones still absent.
func (o *Orchestrator) reconcileEach(ctx context.Context, recs []*model.AnchorRecord, why string) []*model.AnchorRecord {
	var rest []*model.AnchorRecord
	for _, rec := range recs {
		ok, ts, err := o.store.IsAnchored(ctx, rec.Fingerprint)
		if err == nil && ok {
			_ = o.confirmReconciled(ctx, rec, ts, why)
			continue
		}
		rest = append(rest, rec)
	}
	return rest
}

// abandon handles cancellation by the caller. The write may still have
// reached the ledger, so it reconciles before failing the record.
func (o *Orchestrator) abandon(ctx context.Context, rec *model.AnchorRecord, cause error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if ok, ts, err := o.store.IsAnchored(rctx, rec.Fingerprint); err == nil && ok {
		return o.confirmReconciled(rctx, rec, ts, "anchored before cancellation")
	}
	return o.fail(rctx, rec, model.ReasonCancelled, cause)
}

func (o *Orchestrator) abandonAll(ctx context.Context, recs []*model.AnchorRecord, cause error) {
	for _, rec := range recs {
		_ = o.abandon(ctx, rec, cause)
	}
}

// abandonUnlocked is used when the fingerprint lock could not be taken. Only
// a record still Pending is touched; the status check in Update keeps it from
// racing a worker that holds the lock.
func (o *Orchestrator) abandonUnlocked(ctx context.Context, fp ledger.Fingerprint, cause error) (*model.AnchorRecord, error) {
	if ctx.Err() == nil {
		return nil, cause
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	rec, err := o.repo.Get(rctx, fp)
	if err != nil || rec.Status != model.StatusPending {
		return rec, cause
	}
	if err := o.abandon(ctx, rec, cause); err != nil {
		return rec, err
	}
	return rec, cause
}

// exhausted gives the ledger a last say before failing rec permanently.
func (o *Orchestrator) exhausted(ctx context.Context, rec *model.AnchorRecord, lastErr error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if ok, ts, err := o.store.IsAnchored(rctx, rec.Fingerprint); err == nil && ok {
		return o.confirmReconciled(rctx, rec, ts, "anchored after retries")
	}
	return o.fail(rctx, rec, model.ReasonPermanentFailure,
		fmt.Errorf("%d attempts exhausted: %w", o.retry.MaxAttempts, lastErr))
}

func (o *Orchestrator) noteRetry(ctx context.Context, rec *model.AnchorRecord, err error) {
	rec.RetryCount++
	rec.LastError = err.Error()
	_ = o.save(ctx, rec, rec.Status)
	o.metrics.RecordRetry(retryReason(err))
}

func (o *Orchestrator) markSubmitted(ctx context.Context, rec *model.AnchorRecord, sub *ledger.Submission, batchID *uuid.UUID) error {
	from := rec.Status
	rec.MarkSubmitted(sub, batchID)
	if err := o.save(ctx, rec, from); err != nil {
		return err
	}
	payload := map[string]any{"ref": sub.Ref, "nonce": sub.Nonce}
	if batchID != nil {
		payload["batch_id"] = batchID.String()
	}
	appendAudit(ctx, o.audit, o.logger, rec, auditchain.ActionSubmitted, payload)
	return nil
}

func (o *Orchestrator) confirmReconciled(ctx context.Context, rec *model.AnchorRecord, ts uint64, why string) error {
	from := rec.Status
	rec.MarkConfirmed(ts)
	if err := o.save(ctx, rec, from); err != nil {
		return err
	}
	o.logger.Info("anchor reconciled from ledger",
		zap.String("fingerprint", rec.Fingerprint.String()),
		zap.Uint64("chain_timestamp", ts),
		zap.String("reason", why),
	)
	appendAudit(ctx, o.audit, o.logger, rec, auditchain.ActionReconciled, map[string]any{
		"chain_timestamp": ts,
		"reason":          why,
	})
	notify(ctx, o.notifier, rec)
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, rec *model.AnchorRecord, reason model.FailureReason, cause error) error {
	from := rec.Status
	rec.MarkFailed(reason, cause)
	if err := o.save(ctx, rec, from); err != nil {
		return err
	}
	appendAudit(ctx, o.audit, o.logger, rec, auditchain.ActionFailed, map[string]string{
		"reason": string(reason),
		"error":  rec.LastError,
	})
	notify(ctx, o.notifier, rec)
	return nil
}

// save persists rec even when the caller's context is already cancelled:
// the record must reflect what may have happened on the ledger.
func (o *Orchestrator) save(ctx context.Context, rec *model.AnchorRecord, from model.Status) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.repo.Update(sctx, rec, from); err != nil {
		o.logger.Error("persist anchor record",
			zap.String("fingerprint", rec.Fingerprint.String()),
			zap.String("from", string(from)),
			zap.String("to", string(rec.Status)),
			zap.Error(err),
		)
		return fmt.Errorf("update record %s: %w", rec.Fingerprint, err)
	}
	return nil
}

func (o *Orchestrator) recordOutcome(path string, rec *model.AnchorRecord) {
	outcome := string(rec.Status)
	if rec.Status == model.StatusFailed {
		outcome = string(rec.FailureReason)
	}
	o.metrics.RecordSubmission(path, outcome)
}

func retryReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrUnderpriced):
		return "underpriced"
	case ledger.IsNonceError(err):
		return "nonce"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ledger.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ledger.ErrAlreadyAnchored):
		return "duplicate"
	}
	return "other"
}

// uniqueSorted returns the distinct fingerprints in byte order, the order
// in which batch locks are taken.
func uniqueSorted(fps []ledger.Fingerprint) []ledger.Fingerprint {
	seen := make(map[ledger.Fingerprint]bool, len(fps))
	out := make([]ledger.Fingerprint, 0, len(fps))
	for _, fp := range fps {
		if !seen[fp] {
			seen[fp] = true
			out = append(out, fp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// appendAudit appends an audit entry in a non-fatal manner.
func appendAudit(ctx context.Context, log auditchain.Log, logger *zap.Logger, rec *model.AnchorRecord, action string, payload any) {
	if log == nil {
		return
	}
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if _, err := log.Append(actx, rec.Fingerprint.String(), action, auditchain.SystemActor, payload); err != nil {
		logger.Error("audit append failed (non-fatal)",
			zap.String("action", action),
			zap.String("fingerprint", rec.Fingerprint.String()),
			zap.Error(err),
		)
	}
}

func notify(ctx context.Context, n Notifier, rec *model.AnchorRecord) {
	if n == nil {
		return
	}
	n.Notify(ctx, rec.Clone())
}
