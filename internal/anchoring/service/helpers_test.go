package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/repository"
	"github.com/jmerrifield20/EvidenceAnchor/internal/auditchain"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"github.com/jmerrifield20/EvidenceAnchor/internal/lock"
	"go.uber.org/zap"
)

func fp(b byte) ledger.Fingerprint {
	var f ledger.Fingerprint
	f[0] = b
	f[31] = b
	return f
}

// harness wires an Orchestrator and Tracker around in-memory components.
type harness struct {
	store   *ledger.MemoryStore
	repo    *repository.MemoryRecordRepository
	locker  *lock.MemoryLocker
	audit   *auditchain.MemoryLog
	seq     *ledger.Sequencer
	orch    *Orchestrator
	tracker *Tracker
	metrics *countingMetrics
}

func newHarness(t *testing.T, store *ledger.MemoryStore) *harness {
	t.Helper()
	h := &harness{
		store:   store,
		repo:    repository.NewMemoryRecordRepository(),
		locker:  lock.NewMemoryLocker(),
		audit:   auditchain.NewMemoryLog(),
		metrics: &countingMetrics{},
	}
	h.seq = ledger.NewSequencer(store, store.Submitter(), nil, zap.NewNop())
	h.orch = NewOrchestrator(h.repo, store, h.seq, h.locker, OrchestratorConfig{
		Retry: RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Fees:  ledger.DefaultFeePolicy(),
	}, zap.NewNop())
	h.orch.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	h.orch.SetAudit(h.audit)
	h.orch.SetMetrics(h.metrics)

	h.tracker = NewTracker(h.repo, store, h.locker, TrackerConfig{
		PollInterval:  time.Hour,
		Confirmations: 3,
		ReorgWindow:   time.Hour,
		DropTimeout:   time.Minute,
	}, zap.NewNop())
	h.tracker.SetAudit(h.audit)
	h.tracker.SetMetrics(h.metrics)
	return h
}

// seed stores a Pending record for f.
func (h *harness) seed(t *testing.T, f ledger.Fingerprint, meta string) {
	t.Helper()
	if _, _, err := h.repo.CreateIfAbsent(context.Background(), model.NewAnchorRecord(f, meta)); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func (h *harness) get(t *testing.T, f ledger.Fingerprint) *model.AnchorRecord {
	t.Helper()
	rec, err := h.repo.Get(context.Background(), f)
	if err != nil {
		t.Fatalf("get %s: %v", f, err)
	}
	return rec
}

func (h *harness) actions(t *testing.T, f ledger.Fingerprint) []string {
	t.Helper()
	entries, err := h.audit.ForFingerprint(context.Background(), f.String())
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

type countingMetrics struct {
	mu            sync.Mutex
	submissions   map[string]int
	retries       map[string]int
	confirmations int
	reorgs        int
	batchSizes    []int
	verifications map[string]int
}

func (m *countingMetrics) RecordSubmission(path, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submissions == nil {
		m.submissions = make(map[string]int)
	}
	m.submissions[path+"/"+outcome]++
}

func (m *countingMetrics) RecordRetry(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retries == nil {
		m.retries = make(map[string]int)
	}
	m.retries[reason]++
}

func (m *countingMetrics) RecordConfirmation(time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmations++
}

func (m *countingMetrics) RecordReorg() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reorgs++
}

func (m *countingMetrics) RecordBatchSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchSizes = append(m.batchSizes, n)
}

func (m *countingMetrics) RecordVerification(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verifications == nil {
		m.verifications = make(map[string]int)
	}
	m.verifications[result]++
}

func (m *countingMetrics) retryCount(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries[reason]
}

type recordingNotifier struct {
	mu   sync.Mutex
	recs []*model.AnchorRecord
}

func (n *recordingNotifier) Notify(_ context.Context, rec *model.AnchorRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.recs)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
