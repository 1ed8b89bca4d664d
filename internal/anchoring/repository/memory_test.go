package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
)

var ctx = context.Background()

func fp(b byte) ledger.Fingerprint {
	var f ledger.Fingerprint
	for i := range f {
		f[i] = b
	}
	return f
}

func TestCreateIfAbsent_returnsExistingRecord(t *testing.T) {
	repo := NewMemoryRecordRepository()

	first, created, err := repo.CreateIfAbsent(ctx, model.NewAnchorRecord(fp(1), "report-1"))
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}

	second, created, err := repo.CreateIfAbsent(ctx, model.NewAnchorRecord(fp(1), "report-1-again"))
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second create for the same fingerprint must not create a record")
	}
	if second.ID != first.ID || second.Metadata != "report-1" {
		t.Errorf("expected the original record back, got %+v", second)
	}
}

func TestUpdate_compareAndSetOnStatus(t *testing.T) {
	repo := NewMemoryRecordRepository()
	rec, _, _ := repo.CreateIfAbsent(ctx, model.NewAnchorRecord(fp(2), ""))

	a := rec.Clone()
	a.MarkSubmitting()
	if err := repo.Update(ctx, a, model.StatusPending); err != nil {
		t.Fatalf("first update: %v", err)
	}

	b := rec.Clone()
	b.MarkSubmitting()
	if err := repo.Update(ctx, b, model.StatusPending); !errors.Is(err, ErrConflict) {
		t.Errorf("stale update: got %v, want ErrConflict", err)
	}
}

func TestUpdate_rejectsBackwardTransition(t *testing.T) {
	repo := NewMemoryRecordRepository()
	rec, _, _ := repo.CreateIfAbsent(ctx, model.NewAnchorRecord(fp(3), ""))

	rec.MarkSubmitting()
	if err := repo.Update(ctx, rec, model.StatusPending); err != nil {
		t.Fatal(err)
	}
	rec.Status = model.StatusPending
	if err := repo.Update(ctx, rec, model.StatusSubmitting); !errors.Is(err, model.ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestUpdate_unknownRecord(t *testing.T) {
	repo := NewMemoryRecordRepository()
	rec := model.NewAnchorRecord(fp(4), "")
	rec.MarkSubmitting()
	if err := repo.Update(ctx, rec, model.StatusPending); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestListByStatus_filtersAndLimits(t *testing.T) {
	repo := NewMemoryRecordRepository()
	for i := byte(1); i <= 4; i++ {
		_, _, _ = repo.CreateIfAbsent(ctx, model.NewAnchorRecord(fp(i), ""))
	}
	rec, _ := repo.Get(ctx, fp(1))
	rec.MarkFailed(model.ReasonInvalidInput, ledger.ErrZeroFingerprint)
	if err := repo.Update(ctx, rec, model.StatusPending); err != nil {
		t.Fatal(err)
	}

	pending, err := repo.ListByStatus(ctx, model.StatusPending, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending records (limit), got %d", len(pending))
	}
	failed, _ := repo.ListByStatus(ctx, model.StatusFailed, 0)
	if len(failed) != 1 || failed[0].FailureReason != model.ReasonInvalidInput {
		t.Errorf("unexpected failed list: %+v", failed)
	}
	all, _ := repo.ListByStatus(ctx, "", 0)
	if len(all) != 4 {
		t.Errorf("expected 4 records, got %d", len(all))
	}
}

func TestGet_returnsCopy(t *testing.T) {
	repo := NewMemoryRecordRepository()
	_, _, _ = repo.CreateIfAbsent(ctx, model.NewAnchorRecord(fp(5), "m"))

	rec, _ := repo.Get(ctx, fp(5))
	rec.Status = model.StatusConfirmed

	again, _ := repo.Get(ctx, fp(5))
	if again.Status != model.StatusPending {
		t.Error("mutating a returned record must not change the stored one")
	}
}
