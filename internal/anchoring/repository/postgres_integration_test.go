//go:build integration

package repository

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresRecordRepository_lifecycle(t *testing.T) {
	pool := newTestPool(t)
	repo := NewPostgresRecordRepository(pool)

	f := ledger.MustParseFingerprint("0x" + "c0ffee00" + "00000000000000000000000000000000000000000000000000000001")
	_, _ = pool.Exec(ctx, "DELETE FROM anchor_records WHERE fingerprint = $1", f.String())

	rec, created, err := repo.CreateIfAbsent(ctx, model.NewAnchorRecord(f, "integration"))
	if err != nil || !created {
		t.Fatalf("create: created=%v err=%v", created, err)
	}
	if _, created, _ := repo.CreateIfAbsent(ctx, model.NewAnchorRecord(f, "dup")); created {
		t.Fatal("duplicate fingerprint created a second row")
	}

	rec.MarkSubmitting()
	if err := repo.Update(ctx, rec, model.StatusPending); err != nil {
		t.Fatalf("update: %v", err)
	}
	rec.MarkSubmitted(&ledger.Submission{Ref: "0xabc", Nonce: 7}, nil)
	if err := repo.Update(ctx, rec, model.StatusPending); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale update: got %v, want ErrConflict", err)
	}
	if err := repo.Update(ctx, rec, model.StatusSubmitting); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := repo.Get(ctx, f)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusSubmitted || got.SubmissionRef != "0xabc" || got.Nonce == nil || *got.Nonce != 7 {
		t.Errorf("unexpected stored record: %+v", got)
	}
}
