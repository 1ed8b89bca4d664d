package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/auditchain"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"github.com/jmerrifield20/EvidenceAnchor/internal/lock"
	"go.uber.org/zap"
)

// Submission modes.
const (
	ModeBatch  = "batch"  // individual submissions go through the Aggregator
	ModeSingle = "single" // individual submissions use the strict single write
)

// ErrNotResubmittable is returned by Resubmit for a record that is not Failed
// or that failed on invalid input.
var ErrNotResubmittable = errors.New("only records that failed on the ledger can be resubmitted")

// Config holds the anchoring service configuration.
type Config struct {
	Mode         string
	MaxInFlight  int
	Batch        AggregatorConfig
	Orchestrator OrchestratorConfig
	Tracker      TrackerConfig
}

// SubmitResult is returned by Submit and SubmitBatch.
type SubmitResult struct {
	Record    *model.AnchorRecord `json:"record"`
	Duplicate bool                `json:"duplicate"`
}

// Service is the entry point used by producers and auditors. Submissions
// return immediately with a Pending record; the write, confirmation and
// reconciliation happen in the background.
type Service struct {
	repo     recordRepo
	store    ledger.Store
	orch     *Orchestrator
	tracker  *Tracker
	verifier *Verifier
	agg      *Aggregator // nil in single mode
	audit    auditchain.Log
	metrics  MetricsRecorder
	mode     string
	sem      chan struct{}
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger

	mu          sync.Mutex
	stopTracker context.CancelFunc
}

// New wires the aggregator, orchestrator, tracker and verifier around one
// ledger store and record repository.
func New(repo recordRepo, store ledger.Store, seq *ledger.Sequencer, locker lock.Locker, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 8
	}
	if cfg.Mode != ModeSingle {
		cfg.Mode = ModeBatch
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		repo:     repo,
		store:    store,
		orch:     NewOrchestrator(repo, store, seq, locker, cfg.Orchestrator, logger),
		tracker:  NewTracker(repo, store, locker, cfg.Tracker, logger),
		verifier: NewVerifier(store, logger),
		metrics:  noopMetrics{},
		mode:     cfg.Mode,
		sem:      make(chan struct{}, cfg.MaxInFlight),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
	if s.mode == ModeBatch {
		s.agg = NewAggregator(cfg.Batch, s.dispatchBatch, logger)
		s.agg.SetReject(func(fp ledger.Fingerprint, metadata string, err error) {
			s.metrics.RecordSubmission("batch", string(model.ReasonInvalidInput))
			logger.Warn("aggregator rejected request", zap.String("fingerprint", fp.String()), zap.Error(err))
			s.recordInvalid(s.ctx, fp, metadata, err)
		})
	}
	s.tracker.SetResubmit(s.resubmitPending)
	s.SetNotifier(NewLogNotifier(logger))
	return s
}

// SetAudit configures the audit chain shared by every component.
func (s *Service) SetAudit(log auditchain.Log) {
	s.audit = log
	s.orch.SetAudit(log)
	s.tracker.SetAudit(log)
}

// SetNotifier configures the terminal-transition notifier.
func (s *Service) SetNotifier(n Notifier) {
	s.orch.SetNotifier(n)
	s.tracker.SetNotifier(n)
}

// SetMetrics configures the metrics recorder shared by every component.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = metricsOrNoop(m)
	s.orch.SetMetrics(m)
	s.tracker.SetMetrics(m)
	s.verifier.SetMetrics(m)
}

// Verifier returns the read-only verifier.
func (s *Service) Verifier() *Verifier { return s.verifier }

// Start launches the aggregator and the tracking loop, then re-dispatches
// records left Pending by a previous run.
func (s *Service) Start(ctx context.Context) error {
	if s.agg != nil {
		s.agg.Start()
	}
	tctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.stopTracker = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tracker.Start(tctx)
	}()

	pending, err := s.repo.ListByStatus(ctx, model.StatusPending, s.tracker.cfg.ListLimit)
	if err != nil {
		return fmt.Errorf("list pending records: %w", err)
	}
	for _, rec := range pending {
		s.enqueue(rec.Fingerprint, rec.Metadata)
	}
	if len(pending) > 0 {
		s.logger.Info("re-dispatched pending records", zap.Int("count", len(pending)))
	}
	return nil
}

// Stop stops accepting work: the aggregator flushes its buffer and the
// tracking loop exits. In-flight writes continue; use Wait to drain them.
func (s *Service) Stop() {
	if s.agg != nil {
		s.agg.Stop()
	}
	s.cancelTracker()
}

// Wait blocks until every dispatched write has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Abort cancels in-flight writes. Records are reconciled before they are failed.
func (s *Service) Abort() {
	s.cancelTracker()
	s.cancel()
}

// Flush dispatches whatever the aggregator has buffered. It is a no-op in
// single mode.
func (s *Service) Flush(ctx context.Context) error {
	if s.agg == nil {
		return nil
	}
	return s.agg.Flush(ctx)
}

func (s *Service) cancelTracker() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopTracker != nil {
		s.stopTracker()
		s.stopTracker = nil
	}
}

// Submit registers fp for anchoring. It returns at once with the Pending
// record; an existing record for fp is returned as a duplicate instead and no
// second write is ever made.
func (s *Service) Submit(ctx context.Context, fp ledger.Fingerprint, metadata string) (*SubmitResult, error) {
	if fp.IsZero() {
		s.metrics.RecordSubmission("api", string(model.ReasonInvalidInput))
		return nil, &model.ErrValidation{Msg: "fingerprint must not be zero", Err: ledger.ErrZeroFingerprint}
	}

	rec, created, err := s.repo.CreateIfAbsent(ctx, model.NewAnchorRecord(fp, metadata))
	if err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	if !created {
		s.metrics.RecordSubmission("api", "duplicate")
		return &SubmitResult{Record: s.refresh(ctx, rec), Duplicate: true}, nil
	}

	s.metrics.RecordSubmission("api", "accepted")
	s.enqueue(fp, metadata)
	return &SubmitResult{Record: rec}, nil
}

// SubmitBatch registers a caller-built batch. Shape violations reject the
// whole call. Zero fingerprints are stored as Failed(invalid_input) and left
// out of the write. Every other item, duplicates included, goes to the ledger
// in one lenient call, so its summary event carries the requested count; the
// duplicates keep their existing record.
func (s *Service) SubmitBatch(ctx context.Context, fps []ledger.Fingerprint, metadata []string) ([]*SubmitResult, error) {
	if err := ledger.ValidateBatch(fps, metadata); err != nil {
		return nil, &model.ErrValidation{Msg: err.Error(), Err: err}
	}

	results := make([]*SubmitResult, len(fps))
	var writeFps []ledger.Fingerprint
	var writeMetas []string
	created := 0
	for i, fp := range fps {
		if fp.IsZero() {
			results[i] = &SubmitResult{Record: s.recordInvalid(ctx, fp, metadata[i], ledger.ErrZeroFingerprint)}
			s.metrics.RecordSubmission("api", string(model.ReasonInvalidInput))
			continue
		}
		writeFps = append(writeFps, fp)
		writeMetas = append(writeMetas, metadata[i])

		rec, isNew, err := s.repo.CreateIfAbsent(ctx, model.NewAnchorRecord(fp, metadata[i]))
		if err != nil {
			return nil, fmt.Errorf("create record %d: %w", i, err)
		}
		if !isNew {
			results[i] = &SubmitResult{Record: s.refresh(ctx, rec), Duplicate: true}
			s.metrics.RecordSubmission("api", "duplicate")
			continue
		}
		results[i] = &SubmitResult{Record: rec}
		s.metrics.RecordSubmission("api", "accepted")
		created++
	}

	// Nothing new means nothing for the ledger to do.
	if created > 0 {
		b, err := model.NewBatch(writeFps, writeMetas)
		if err != nil {
			return nil, err
		}
		b.Exact = true
		s.dispatchBatch(b)
	}
	return results, nil
}

// recordInvalid stores fp as Failed(invalid_input) so the rejection stays
// visible to Get. An existing record for fp is returned unchanged.
func (s *Service) recordInvalid(ctx context.Context, fp ledger.Fingerprint, metadata string, cause error) *model.AnchorRecord {
	rec := model.NewAnchorRecord(fp, metadata)
	rec.MarkFailed(model.ReasonInvalidInput, cause)
	stored, created, err := s.repo.CreateIfAbsent(ctx, rec)
	if err != nil {
		s.logger.Warn("store rejected record", zap.String("fingerprint", fp.String()), zap.Error(err))
		return rec
	}
	if created {
		appendAudit(ctx, s.audit, s.logger, stored, auditchain.ActionFailed, map[string]any{
			"reason": string(model.ReasonInvalidInput),
			"error":  cause.Error(),
		})
	}
	return stored
}

// Get returns the local record for fp.
func (s *Service) Get(ctx context.Context, fp ledger.Fingerprint) (*model.AnchorRecord, error) {
	return s.repo.Get(ctx, fp)
}

// List returns records in status (all when empty), oldest update first.
func (s *Service) List(ctx context.Context, status model.Status, limit int) ([]*model.AnchorRecord, error) {
	if status != "" && !status.Valid() {
		return nil, &model.ErrValidation{Msg: fmt.Sprintf("unknown status %q", status)}
	}
	return s.repo.ListByStatus(ctx, status, limit)
}

// Query verifies fp against the ledger. It is read-only.
func (s *Service) Query(ctx context.Context, fp ledger.Fingerprint, expected uint64) (*model.VerificationResult, error) {
	return s.verifier.Verify(ctx, fp, expected)
}

// VerifyBatch verifies each item independently.
func (s *Service) VerifyBatch(ctx context.Context, items []VerifyItem) []VerifyOutcome {
	return s.verifier.VerifyBatch(ctx, items)
}

// Resubmit moves a Failed record back to Pending and schedules a write. If
// the ledger already holds fp the record is confirmed instead.
func (s *Service) Resubmit(ctx context.Context, fp ledger.Fingerprint) (*model.AnchorRecord, error) {
	rec, err := s.repo.Get(ctx, fp)
	if err != nil {
		return nil, err
	}
	// Invalid input stays invalid however often it is retried.
	if rec.Status != model.StatusFailed || rec.FailureReason == model.ReasonInvalidInput {
		return rec, ErrNotResubmittable
	}

	ok, ts, err := s.store.IsAnchored(ctx, fp)
	if err != nil {
		return nil, fmt.Errorf("isAnchored %s: %w", fp, err)
	}
	if ok {
		rec.MarkConfirmed(ts)
		if err := s.repo.Update(ctx, rec, model.StatusFailed); err != nil {
			return nil, err
		}
		appendAudit(ctx, s.audit, s.logger, rec, auditchain.ActionReconciled, map[string]any{
			"chain_timestamp": ts,
			"reason":          "anchored before resubmission",
		})
		return rec, nil
	}

	prevReason := rec.FailureReason
	rec.ResetPending()
	if err := s.repo.Update(ctx, rec, model.StatusFailed); err != nil {
		return nil, err
	}
	appendAudit(ctx, s.audit, s.logger, rec, auditchain.ActionResubmitted, map[string]string{
		"previous_reason": string(prevReason),
	})
	s.enqueue(fp, rec.Metadata)
	return rec, nil
}

// refresh reconciles a Confirmed or Failed record with the ledger before it
// is handed back to a duplicate submitter.
func (s *Service) refresh(ctx context.Context, rec *model.AnchorRecord) *model.AnchorRecord {
	if rec.Status != model.StatusConfirmed && rec.Status != model.StatusFailed {
		return rec
	}
	ok, ts, err := s.store.IsAnchored(ctx, rec.Fingerprint)
	if err != nil || !ok {
		// An absent Confirmed record is left to the tracker's reorg check.
		return rec
	}
	if rec.Status == model.StatusConfirmed && rec.ChainTimestamp != nil && *rec.ChainTimestamp == ts {
		return rec
	}
	from := rec.Status
	updated := rec.Clone()
	updated.MarkConfirmed(ts)
	if err := s.repo.Update(ctx, updated, from); err != nil {
		s.logger.Warn("reconcile duplicate", zap.String("fingerprint", rec.Fingerprint.String()), zap.Error(err))
		return rec
	}
	appendAudit(ctx, s.audit, s.logger, updated, auditchain.ActionReconciled, map[string]any{
		"chain_timestamp": ts,
		"reason":          "duplicate submission",
	})
	return updated
}

// enqueue routes a Pending fingerprint to the aggregator or a single write.
func (s *Service) enqueue(fp ledger.Fingerprint, metadata string) {
	if s.agg == nil {
		s.dispatchOne(fp)
		return
	}
	if err := s.agg.Add(s.ctx, fp, metadata); err != nil {
		s.logger.Warn("aggregator add failed, record stays pending",
			zap.String("fingerprint", fp.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) resubmitPending(fp ledger.Fingerprint) {
	rec, err := s.repo.Get(s.ctx, fp)
	if err != nil || rec.Status != model.StatusPending {
		return
	}
	s.enqueue(fp, rec.Metadata)
}

// dispatchOne runs a single write in the background, bounded by MaxInFlight.
func (s *Service) dispatchOne(fp ledger.Fingerprint) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.acquire() {
			return
		}
		defer s.release()
		if _, err := s.orch.ProcessOne(s.ctx, fp); err != nil {
			s.logger.Error("process anchor", zap.String("fingerprint", fp.String()), zap.Error(err))
		}
	}()
}

// dispatchBatch runs a batch write in the background, bounded by MaxInFlight.
func (s *Service) dispatchBatch(b *model.Batch) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.acquire() {
			return
		}
		defer s.release()
		if _, err := s.orch.ProcessBatch(s.ctx, b); err != nil {
			s.logger.Error("process batch", zap.String("batch_id", b.ID.String()), zap.Error(err))
		}
	}()
}

func (s *Service) acquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Service) release() { <-s.sem }
