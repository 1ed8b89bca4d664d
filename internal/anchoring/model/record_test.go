package model

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusSubmitting, true},
		{StatusSubmitting, StatusSubmitted, true},
		{StatusSubmitted, StatusConfirmed, true},
		{StatusSubmitted, StatusFailed, true},
		{StatusPending, StatusConfirmed, true},
		{StatusConfirmed, StatusPending, true},
		{StatusFailed, StatusPending, true},
		{StatusFailed, StatusConfirmed, true},
		{StatusSubmitted, StatusSubmitting, false},
		{StatusSubmitting, StatusPending, false},
		{StatusConfirmed, StatusSubmitted, false},
		{StatusConfirmed, StatusFailed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAnchorRecord_lifecycle(t *testing.T) {
	var fp ledger.Fingerprint
	fp[0] = 1
	rec := NewAnchorRecord(fp, "doc-1")
	if rec.Status != StatusPending || rec.ID == uuid.Nil {
		t.Fatalf("unexpected new record: %+v", rec)
	}

	batchID := uuid.New()
	rec.MarkSubmitting()
	rec.MarkSubmitted(&ledger.Submission{Ref: "0xabc", Nonce: 3, SentAt: time.Now()}, &batchID)
	if rec.SubmissionRef != "0xabc" || *rec.Nonce != 3 || *rec.BatchID != batchID {
		t.Errorf("submission not recorded: %+v", rec)
	}

	rec.MarkConfirmed(1_700_000_000)
	if *rec.ChainTimestamp != 1_700_000_000 || rec.ConfirmedAt == nil {
		t.Errorf("confirmation not recorded: %+v", rec)
	}

	cp := rec.Clone()
	*cp.ChainTimestamp = 1
	if *rec.ChainTimestamp != 1_700_000_000 {
		t.Error("Clone shares the timestamp pointer")
	}

	rec.ResetPending()
	if rec.Status != StatusPending || rec.ChainTimestamp != nil || rec.SubmissionRef != "" || rec.BatchID != nil {
		t.Errorf("reset left submission state: %+v", rec)
	}
	if rec.Metadata != "doc-1" {
		t.Error("reset must keep metadata")
	}
}

func TestNewBatch_validation(t *testing.T) {
	if _, err := NewBatch(nil, nil); !IsValidation(err) || !errors.Is(err, ledger.ErrEmptyBatch) {
		t.Errorf("empty batch: got %v", err)
	}
	fps := make([]ledger.Fingerprint, 2)
	if _, err := NewBatch(fps, []string{"a"}); !errors.Is(err, ledger.ErrBatchLengthMismatch) {
		t.Errorf("mismatch: got %v", err)
	}
	b, err := NewBatch(fps, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 2 || b.ID == uuid.Nil {
		t.Errorf("unexpected batch: %+v", b)
	}
}
