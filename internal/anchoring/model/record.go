package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
)

// Status is the lifecycle state of an AnchorRecord.
type Status string

const (
	StatusPending    Status = "pending"
	StatusSubmitting Status = "submitting"
	StatusSubmitted  Status = "submitted"
	StatusConfirmed  Status = "confirmed"
	StatusFailed     Status = "failed"
)

// FailureReason explains why a record ended up Failed.
type FailureReason string

const (
	ReasonNone             FailureReason = ""
	ReasonInvalidInput     FailureReason = "invalid_input"
	ReasonPermanentFailure FailureReason = "permanent_failure"
	ReasonCancelled        FailureReason = "cancelled"
)

// Terminal reports whether no further automatic transition is expected.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitting, StatusSubmitted, StatusConfirmed, StatusFailed:
		return true
	}
	return false
}

// transitions lists the allowed moves. Confirmed → Pending is the
// reorganisation downgrade, Failed → Pending an operator resubmission and
// Failed → Confirmed a late reconciliation with the ledger.
var transitions = map[Status][]Status{
	StatusPending:    {StatusSubmitting, StatusConfirmed, StatusFailed},
	StatusSubmitting: {StatusSubmitted, StatusConfirmed, StatusFailed},
	StatusSubmitted:  {StatusConfirmed, StatusFailed},
	StatusConfirmed:  {StatusPending},
	StatusFailed:     {StatusPending, StatusConfirmed},
}

// CanTransition reports whether a record may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AnchorRecord is the local, eventually-consistent view of one fingerprint's
// anchoring. The ledger stays authoritative; this is a cache reconciled from it.
type AnchorRecord struct {
	ID             uuid.UUID          `json:"id"                        db:"id"`
	Fingerprint    ledger.Fingerprint `json:"fingerprint"               db:"fingerprint"`
	Metadata       string             `json:"metadata"                  db:"metadata"`
	Status         Status             `json:"status"                    db:"status"`
	SubmissionRef  string             `json:"submission_ref,omitempty"  db:"submission_ref"`
	Nonce          *uint64            `json:"nonce,omitempty"           db:"nonce"`
	BatchID        *uuid.UUID         `json:"batch_id,omitempty"        db:"batch_id"`
	ChainTimestamp *uint64            `json:"chain_timestamp,omitempty" db:"chain_timestamp"`
	RetryCount     int                `json:"retry_count"               db:"retry_count"`
	FailureReason  FailureReason      `json:"failure_reason,omitempty"  db:"failure_reason"`
	LastError      string             `json:"last_error,omitempty"      db:"last_error"`
	SubmittedAt    *time.Time         `json:"submitted_at,omitempty"    db:"submitted_at"`
	ConfirmedAt    *time.Time         `json:"confirmed_at,omitempty"    db:"confirmed_at"`
	CreatedAt      time.Time          `json:"created_at"                db:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"                db:"updated_at"`
}

// NewAnchorRecord returns a Pending record for fp.
func NewAnchorRecord(fp ledger.Fingerprint, metadata string) *AnchorRecord {
	now := time.Now().UTC()
	return &AnchorRecord{
		ID:          uuid.New(),
		Fingerprint: fp,
		Metadata:    metadata,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy of r.
func (r *AnchorRecord) Clone() *AnchorRecord {
	cp := *r
	if r.Nonce != nil {
		n := *r.Nonce
		cp.Nonce = &n
	}
	if r.BatchID != nil {
		id := *r.BatchID
		cp.BatchID = &id
	}
	if r.ChainTimestamp != nil {
		ts := *r.ChainTimestamp
		cp.ChainTimestamp = &ts
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		cp.SubmittedAt = &t
	}
	if r.ConfirmedAt != nil {
		t := *r.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// MarkSubmitting records the start of a write.
func (r *AnchorRecord) MarkSubmitting() {
	r.Status = StatusSubmitting
	r.touch()
}

// MarkSubmitted records the locator of a write handed to the ledger.
func (r *AnchorRecord) MarkSubmitted(sub *ledger.Submission, batchID *uuid.UUID) {
	nonce := sub.Nonce
	sentAt := sub.SentAt
	r.Status = StatusSubmitted
	r.SubmissionRef = sub.Ref
	r.Nonce = &nonce
	r.BatchID = batchID
	r.SubmittedAt = &sentAt
	r.LastError = ""
	r.touch()
}

// MarkConfirmed adopts the ledger's timestamp.
func (r *AnchorRecord) MarkConfirmed(chainTimestamp uint64) {
	now := time.Now().UTC()
	ts := chainTimestamp
	r.Status = StatusConfirmed
	r.ChainTimestamp = &ts
	r.ConfirmedAt = &now
	r.FailureReason = ReasonNone
	r.LastError = ""
	r.touch()
}

// MarkFailed records a terminal failure.
func (r *AnchorRecord) MarkFailed(reason FailureReason, err error) {
	r.Status = StatusFailed
	r.FailureReason = reason
	if err != nil {
		r.LastError = err.Error()
	}
	r.touch()
}

// ResetPending clears submission state so the record can be written again.
// Used for the reorganisation downgrade and operator resubmission only.
func (r *AnchorRecord) ResetPending() {
	r.Status = StatusPending
	r.SubmissionRef = ""
	r.Nonce = nil
	r.BatchID = nil
	r.ChainTimestamp = nil
	r.SubmittedAt = nil
	r.ConfirmedAt = nil
	r.FailureReason = ReasonNone
	r.RetryCount = 0
	r.touch()
}

func (r *AnchorRecord) touch() {
	r.UpdatedAt = time.Now().UTC()
}

// Batch is an ordered, equal-length pairing of fingerprints and metadata,
// consumed once by the orchestrator and never persisted.
//
// An Exact batch is written to the ledger as built, including items that are
// already anchored, so the ledger's summary event reports the caller's
// requested count. Other batches are trimmed to the records still Pending.
type Batch struct {
	ID           uuid.UUID
	Fingerprints []ledger.Fingerprint
	Metadata     []string
	Exact        bool
}

// NewBatch validates the pairing and returns a Batch with a fresh ID.
func NewBatch(fps []ledger.Fingerprint, metadata []string) (*Batch, error) {
	if err := ledger.ValidateBatch(fps, metadata); err != nil {
		return nil, &ErrValidation{Msg: err.Error(), Err: err}
	}
	return &Batch{
		ID:           uuid.New(),
		Fingerprints: append([]ledger.Fingerprint(nil), fps...),
		Metadata:     append([]string(nil), metadata...),
	}, nil
}

// Len returns the number of items in the batch.
func (b *Batch) Len() int { return len(b.Fingerprints) }

// VerifyDisclaimer is attached to every verification answer served to callers.
const VerifyDisclaimer = "Verification is read-only. It shows that the fingerprint was recorded " +
	"at the given time and says nothing about the content it was computed from."

// VerificationResult answers "was fingerprint F anchored at time T". It is
// produced per query and never stored.
type VerificationResult struct {
	Fingerprint     ledger.Fingerprint `json:"fingerprint"`
	IsAnchored      bool               `json:"is_anchored"`
	ChainTimestamp  uint64             `json:"chain_timestamp"`
	MatchesExpected bool               `json:"matches_expected"`
}
