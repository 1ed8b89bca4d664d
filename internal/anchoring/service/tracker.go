package service

import (
	"context"
	"errors"
	"time"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/auditchain"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"github.com/jmerrifield20/EvidenceAnchor/internal/lock"
	"go.uber.org/zap"
)

// TrackerConfig holds confirmation tracking configuration.
type TrackerConfig struct {
	PollInterval  time.Duration
	Confirmations uint64        // blocks a write must be buried under
	ReorgWindow   time.Duration // how long Confirmed records are re-checked
	DropTimeout   time.Duration // unknown writes older than this are dropped
	ListLimit     int
}

// ResubmitFunc schedules a Pending record for another write.
type ResubmitFunc func(fp ledger.Fingerprint)

// Tracker polls the ledger for submitted writes, confirms them at the
// configured depth using the ledger's own timestamp, and downgrades
// Confirmed records whose write was discarded by a reorganisation.
type Tracker struct {
	repo     recordRepo
	store    ledger.Store
	locker   lock.Locker
	cfg      TrackerConfig
	audit    auditchain.Log
	notifier Notifier
	metrics  MetricsRecorder
	resubmit ResubmitFunc
	now      func() time.Time
	logger   *zap.Logger
}

// NewTracker creates a Tracker.
func NewTracker(repo recordRepo, store ledger.Store, locker lock.Locker, cfg TrackerConfig, logger *zap.Logger) *Tracker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.ReorgWindow == 0 {
		cfg.ReorgWindow = time.Hour
	}
	if cfg.DropTimeout == 0 {
		cfg.DropTimeout = 10 * time.Minute
	}
	if cfg.ListLimit == 0 {
		cfg.ListLimit = 500
	}
	return &Tracker{
		repo:    repo,
		store:   store,
		locker:  locker,
		cfg:     cfg,
		metrics: noopMetrics{},
		now:     time.Now,
		logger:  logger,
	}
}

// SetAudit configures the audit chain.
func (t *Tracker) SetAudit(log auditchain.Log) { t.audit = log }

// SetNotifier configures the terminal-transition notifier.
func (t *Tracker) SetNotifier(n Notifier) { t.notifier = n }

// SetMetrics configures the metrics recorder.
func (t *Tracker) SetMetrics(m MetricsRecorder) { t.metrics = metricsOrNoop(m) }

// SetResubmit configures the callback used for Pending records that need a write.
func (t *Tracker) SetResubmit(fn ResubmitFunc) { t.resubmit = fn }

// Start runs the polling loop until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, t.cfg.PollInterval)
			if err := t.Poll(pctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("tracker: poll", zap.Error(err))
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// Poll runs one tracking pass.
func (t *Tracker) Poll(ctx context.Context) error {
	head, err := t.store.Head(ctx)
	if err != nil {
		return err
	}
	if err := t.checkSubmitted(ctx, head); err != nil {
		return err
	}
	if err := t.checkStale(ctx); err != nil {
		return err
	}
	if err := t.checkLateLandings(ctx); err != nil {
		return err
	}
	return t.checkReorgs(ctx)
}

// checkSubmitted settles Submitted records whose write is deep enough,
// reverted, or missing for longer than DropTimeout.
func (t *Tracker) checkSubmitted(ctx context.Context, head uint64) error {
	recs, err := t.repo.ListByStatus(ctx, model.StatusSubmitted, t.cfg.ListLimit)
	if err != nil {
		return err
	}

	receipts := make(map[string]*ledger.Receipt)
	missing := make(map[string]bool)
	reported := make(map[string]bool)

	for _, rec := range recs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ref := rec.SubmissionRef

		r, ok := receipts[ref]
		if !ok && !missing[ref] {
			r, err = t.store.Receipt(ctx, ref)
			switch {
			case errors.Is(err, ledger.ErrReceiptNotFound):
				missing[ref] = true
			case err != nil:
				t.logger.Warn("tracker: receipt", zap.String("ref", ref), zap.Error(err))
				continue
			default:
				receipts[ref] = r
			}
		}

		if missing[ref] {
			if rec.SubmittedAt != nil && t.now().Sub(*rec.SubmittedAt) > t.cfg.DropTimeout {
				t.settleOrFail(ctx, rec, "submission dropped")
			}
			continue
		}
		if !r.Succeeded {
			t.settleOrFail(ctx, rec, "submission reverted")
			continue
		}
		if r.Confirmations(head) < t.cfg.Confirmations {
			continue
		}

		if r.Batch != nil && !reported[ref] {
			reported[ref] = true
			if r.Batch.RequestedCount != uint64(len(r.Anchored)) {
				t.logger.Info("batch summary count differs from anchored events",
					zap.String("ref", ref),
					zap.Uint64("requested_count", r.Batch.RequestedCount),
					zap.Int("anchored_events", len(r.Anchored)),
				)
			}
		}

		anchored, ts, err := t.store.IsAnchored(ctx, rec.Fingerprint)
		if err != nil {
			t.logger.Warn("tracker: isAnchored", zap.String("fingerprint", rec.Fingerprint.String()), zap.Error(err))
			continue
		}
		if !anchored {
			t.fail(ctx, rec, model.ReasonPermanentFailure, errors.New("write confirmed but fingerprint not anchored"))
			continue
		}
		t.confirm(ctx, rec, ts)
	}
	return nil
}

// checkStale recovers records left in Submitting or Pending by a crashed or
// interrupted worker.
func (t *Tracker) checkStale(ctx context.Context) error {
	cutoff := t.now().Add(-t.cfg.DropTimeout)

	submitting, err := t.repo.ListByStatus(ctx, model.StatusSubmitting, t.cfg.ListLimit)
	if err != nil {
		return err
	}
	for _, rec := range submitting {
		if rec.UpdatedAt.After(cutoff) {
			continue
		}
		lctx, cancel := context.WithTimeout(ctx, time.Second)
		unlock, err := t.locker.Lock(lctx, fingerprintKey(rec.Fingerprint))
		cancel()
		if err != nil {
			continue // a worker still owns it
		}
		t.settleOrFail(ctx, rec, "submission interrupted")
		unlock()
	}

	if t.resubmit == nil {
		return nil
	}
	pending, err := t.repo.ListByStatus(ctx, model.StatusPending, t.cfg.ListLimit)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if rec.UpdatedAt.Before(cutoff) {
			t.resubmit(rec.Fingerprint)
		}
	}
	return nil
}

// checkLateLandings confirms recently cancelled records whose write reached
// the ledger after the caller gave up.
func (t *Tracker) checkLateLandings(ctx context.Context) error {
	failed, err := t.repo.ListRecentByStatus(ctx, model.StatusFailed, t.now().Add(-t.cfg.ReorgWindow), t.cfg.ListLimit)
	if err != nil {
		return err
	}
	for _, rec := range failed {
		if rec.FailureReason != model.ReasonCancelled {
			continue
		}
		ok, ts, err := t.store.IsAnchored(ctx, rec.Fingerprint)
		if err != nil || !ok {
			continue
		}
		t.confirm(ctx, rec, ts)
	}
	return nil
}

// checkReorgs re-reads recently Confirmed records. A record the ledger no
// longer holds is downgraded to Pending and resubmitted, but only after a
// second read agrees.
func (t *Tracker) checkReorgs(ctx context.Context) error {
	recs, err := t.repo.ListRecentByStatus(ctx, model.StatusConfirmed, t.now().Add(-t.cfg.ReorgWindow), t.cfg.ListLimit)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		ok, ts, err := t.store.IsAnchored(ctx, rec.Fingerprint)
		if err != nil {
			continue
		}
		if ok {
			if rec.ChainTimestamp == nil || *rec.ChainTimestamp != ts {
				t.adopt(ctx, rec, ts)
			}
			continue
		}

		ok, ts, err = t.store.IsAnchored(ctx, rec.Fingerprint)
		if err != nil {
			continue
		}
		if ok {
			t.adopt(ctx, rec, ts)
			continue
		}
		t.downgrade(ctx, rec)
	}
	return nil
}

// settleOrFail confirms rec if the ledger holds it, otherwise fails it.
func (t *Tracker) settleOrFail(ctx context.Context, rec *model.AnchorRecord, why string) {
	ok, ts, err := t.store.IsAnchored(ctx, rec.Fingerprint)
	if err != nil {
		t.logger.Warn("tracker: isAnchored", zap.String("fingerprint", rec.Fingerprint.String()), zap.Error(err))
		return
	}
	if ok {
		t.confirm(ctx, rec, ts)
		return
	}
	t.fail(ctx, rec, model.ReasonPermanentFailure, errors.New(why))
}

func (t *Tracker) confirm(ctx context.Context, rec *model.AnchorRecord, ts uint64) {
	from := rec.Status
	rec.MarkConfirmed(ts)
	if err := t.repo.Update(ctx, rec, from); err != nil {
		t.logger.Warn("tracker: confirm", zap.String("fingerprint", rec.Fingerprint.String()), zap.Error(err))
		return
	}
	if rec.SubmittedAt != nil {
		t.metrics.RecordConfirmation(t.now().Sub(*rec.SubmittedAt))
	}
	t.logger.Info("anchor confirmed",
		zap.String("fingerprint", rec.Fingerprint.String()),
		zap.String("ref", rec.SubmissionRef),
		zap.Uint64("chain_timestamp", ts),
	)
	appendAudit(ctx, t.audit, t.logger, rec, auditchain.ActionConfirmed, map[string]any{
		"ref":             rec.SubmissionRef,
		"chain_timestamp": ts,
	})
	notify(ctx, t.notifier, rec)
}

func (t *Tracker) fail(ctx context.Context, rec *model.AnchorRecord, reason model.FailureReason, cause error) {
	from := rec.Status
	rec.MarkFailed(reason, cause)
	if err := t.repo.Update(ctx, rec, from); err != nil {
		t.logger.Warn("tracker: fail", zap.String("fingerprint", rec.Fingerprint.String()), zap.Error(err))
		return
	}
	t.logger.Warn("anchor failed",
		zap.String("fingerprint", rec.Fingerprint.String()),
		zap.String("ref", rec.SubmissionRef),
		zap.Error(cause),
	)
	appendAudit(ctx, t.audit, t.logger, rec, auditchain.ActionFailed, map[string]string{
		"reason": string(reason),
		"error":  rec.LastError,
	})
	notify(ctx, t.notifier, rec)
}

// adopt replaces a locally cached timestamp with the ledger's value.
func (t *Tracker) adopt(ctx context.Context, rec *model.AnchorRecord, ts uint64) {
	var cached uint64
	if rec.ChainTimestamp != nil {
		cached = *rec.ChainTimestamp
	}
	t.logger.Warn("local timestamp differs from ledger, adopting ledger value",
		zap.String("fingerprint", rec.Fingerprint.String()),
		zap.Uint64("cached", cached),
		zap.Uint64("ledger", ts),
	)
	rec.MarkConfirmed(ts)
	if err := t.repo.Update(ctx, rec, model.StatusConfirmed); err != nil {
		t.logger.Warn("tracker: adopt", zap.String("fingerprint", rec.Fingerprint.String()), zap.Error(err))
	}
}

func (t *Tracker) downgrade(ctx context.Context, rec *model.AnchorRecord) {
	prevRef := rec.SubmissionRef
	rec.ResetPending()
	if err := t.repo.Update(ctx, rec, model.StatusConfirmed); err != nil {
		t.logger.Warn("tracker: downgrade", zap.String("fingerprint", rec.Fingerprint.String()), zap.Error(err))
		return
	}
	t.metrics.RecordReorg()
	t.logger.Warn("anchor lost to reorganisation, resubmitting",
		zap.String("fingerprint", rec.Fingerprint.String()),
		zap.String("previous_ref", prevRef),
	)
	appendAudit(ctx, t.audit, t.logger, rec, auditchain.ActionReorged, map[string]string{
		"previous_ref": prevRef,
	})
	if t.resubmit != nil {
		t.resubmit(rec.Fingerprint)
	}
}
