package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/auditchain"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
)

// later makes the tracker believe the given duration has passed.
func (h *harness) later(d time.Duration) {
	h.tracker.now = func() time.Time { return time.Now().Add(d) }
}

func TestTracker_reorgDowngradesAndResubmits(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewMemoryStore("signer-a"))
	f := fp(20)
	h.seed(t, f, "evidence")

	var resubmitted []ledger.Fingerprint
	h.tracker.SetResubmit(func(fp ledger.Fingerprint) { resubmitted = append(resubmitted, fp) })

	first, err := h.orch.ProcessOne(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	h.store.Mine(2)
	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.get(t, f).Status; got != model.StatusConfirmed {
		t.Fatalf("status = %s", got)
	}

	h.store.Reorg(3)
	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	rec := h.get(t, f)
	if rec.Status != model.StatusPending {
		t.Fatalf("status after reorg = %s, want pending", rec.Status)
	}
	if rec.ChainTimestamp != nil || rec.SubmissionRef != "" {
		t.Errorf("submission state not cleared: %+v", rec)
	}
	if rec.Metadata != "evidence" {
		t.Errorf("metadata lost: %q", rec.Metadata)
	}
	if len(resubmitted) != 1 || resubmitted[0] != f {
		t.Errorf("resubmitted = %v", resubmitted)
	}
	if h.metrics.reorgs != 1 {
		t.Errorf("reorgs = %d", h.metrics.reorgs)
	}

	second, err := h.orch.ProcessOne(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if second.Status != model.StatusSubmitted || second.SubmissionRef == first.SubmissionRef {
		t.Errorf("resubmission: status=%s ref=%s", second.Status, second.SubmissionRef)
	}

	want := []string{
		auditchain.ActionSubmitted, auditchain.ActionConfirmed,
		auditchain.ActionReorged, auditchain.ActionSubmitted,
	}
	acts := h.actions(t, f)
	if len(acts) != len(want) {
		t.Fatalf("audit actions = %v, want %v", acts, want)
	}
	for i := range want {
		if acts[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, acts[i], want[i])
		}
	}
	if err := h.audit.Verify(ctx); err != nil {
		t.Errorf("audit chain: %v", err)
	}
}

func TestTracker_droppedSubmissionFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewMemoryStore("signer-a"))
	f := fp(21)
	h.seed(t, f, "")

	rec := h.get(t, f)
	rec.MarkSubmitting()
	if err := h.repo.Update(ctx, rec, model.StatusPending); err != nil {
		t.Fatal(err)
	}
	rec.MarkSubmitted(&ledger.Submission{Ref: "0xdead", SentAt: time.Now()}, nil)
	if err := h.repo.Update(ctx, rec, model.StatusSubmitting); err != nil {
		t.Fatal(err)
	}

	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.get(t, f).Status; got != model.StatusSubmitted {
		t.Fatalf("failed before the drop timeout: %s", got)
	}

	h.later(2 * time.Minute)
	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	got := h.get(t, f)
	if got.Status != model.StatusFailed || got.FailureReason != model.ReasonPermanentFailure {
		t.Fatalf("got %s/%s", got.Status, got.FailureReason)
	}
	if got.LastError != "submission dropped" {
		t.Errorf("last error = %q", got.LastError)
	}
}

func TestTracker_staleSubmittingSettles(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewMemoryStore("signer-a"))
	f := fp(22)
	h.seed(t, f, "")
	rec := h.get(t, f)
	rec.MarkSubmitting()
	if err := h.repo.Update(ctx, rec, model.StatusPending); err != nil {
		t.Fatal(err)
	}

	// The interrupted worker's write did land.
	if _, err := h.store.Anchor(ctx, f, "", ledger.TxOptions{GasPrice: big.NewInt(1)}); err != nil {
		t.Fatal(err)
	}

	h.later(2 * time.Minute)
	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if got := h.get(t, f).Status; got != model.StatusConfirmed {
		t.Errorf("status = %s, want confirmed", got)
	}
}

func TestTracker_stalePendingRedispatched(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewMemoryStore("signer-a"))
	f := fp(23)
	h.seed(t, f, "")

	var resubmitted []ledger.Fingerprint
	h.tracker.SetResubmit(func(fp ledger.Fingerprint) { resubmitted = append(resubmitted, fp) })

	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(resubmitted) != 0 {
		t.Fatalf("fresh pending record redispatched")
	}

	h.later(2 * time.Minute)
	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(resubmitted) != 1 || resubmitted[0] != f {
		t.Errorf("resubmitted = %v", resubmitted)
	}
}

func TestTracker_adoptsLedgerTimestamp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewMemoryStore("signer-a"))
	f := fp(24)
	h.seed(t, f, "")

	if _, err := h.orch.ProcessOne(ctx, f); err != nil {
		t.Fatal(err)
	}
	h.store.Mine(2)
	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}

	rec := h.get(t, f)
	wrong := *rec.ChainTimestamp + 5
	rec.ChainTimestamp = &wrong
	if err := h.repo.Update(ctx, rec, model.StatusConfirmed); err != nil {
		t.Fatal(err)
	}

	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	_, ts, _ := h.store.IsAnchored(ctx, f)
	if got := h.get(t, f); *got.ChainTimestamp != ts {
		t.Errorf("timestamp = %d, want ledger value %d", *got.ChainTimestamp, ts)
	}
}

func TestTracker_notifiesTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, ledger.NewMemoryStore("signer-a"))
	n := &recordingNotifier{}
	h.tracker.SetNotifier(n)

	f := fp(25)
	h.seed(t, f, "")
	if _, err := h.orch.ProcessOne(ctx, f); err != nil {
		t.Fatal(err)
	}
	h.store.Mine(5)
	if err := h.tracker.Poll(ctx); err != nil {
		t.Fatal(err)
	}
	if n.count() != 1 || n.recs[0].Status != model.StatusConfirmed {
		t.Errorf("notifications = %d", n.count())
	}
}

func TestTracker_startStopsOnCancel(t *testing.T) {
	h := newHarness(t, ledger.NewMemoryStore("signer-a"))
	h.tracker.cfg.PollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.tracker.Start(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop")
	}
}
