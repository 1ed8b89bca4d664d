// Package ledger defines the contract of the external append-only ledger that
// evidence fingerprints are anchored to, plus the adapters that speak it.
//
// The ledger is write-once per fingerprint: once a fingerprint carries a
// non-zero timestamp that value never changes. The single-item write is strict
// (it fails on zero or already-anchored fingerprints) while the batch write is
// lenient (it silently skips them), which is what makes batch retries safe.
//
// Two Store implementations are provided:
//   - MemoryStore: deterministic in-process simulation, for tests and development.
//   - EVMStore: the EvidenceAnchor contract on an EVM chain, via go-ethereum.
package ledger

import (
	"context"
	"math/big"
	"time"
)

// MaxBatchSize is the hard cap the ledger enforces on a single batch write.
const MaxBatchSize = 100

// TxOptions carries the per-write parameters chosen by the caller: the signer
// sequence number and the fee it is willing to pay.
type TxOptions struct {
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
}

// Submission identifies a write that has been handed to the ledger.
type Submission struct {
	Ref    string    `json:"ref"` // transaction hash or equivalent locator
	Nonce  uint64    `json:"nonce"`
	Items  int       `json:"items"`
	SentAt time.Time `json:"sent_at"`
}

// AnchoredEvent is emitted once per newly anchored fingerprint.
type AnchoredEvent struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Submitter   string      `json:"submitter"`
	Timestamp   uint64      `json:"timestamp"`
	Metadata    string      `json:"metadata"`
}

// BatchAnchoredEvent is emitted once per batch call. RequestedCount is the
// number of items requested, not the number newly anchored.
type BatchAnchoredEvent struct {
	Submitter      string `json:"submitter"`
	RequestedCount uint64 `json:"requested_count"`
	Timestamp      uint64 `json:"timestamp"`
}

// Receipt describes the inclusion of a submission in the ledger.
type Receipt struct {
	Ref         string              `json:"ref"`
	BlockNumber uint64              `json:"block_number"`
	Succeeded   bool                `json:"succeeded"`
	Anchored    []AnchoredEvent     `json:"anchored,omitempty"`
	Batch       *BatchAnchoredEvent `json:"batch,omitempty"`
}

// Confirmations returns how many blocks deep the receipt is at head.
func (r *Receipt) Confirmations(head uint64) uint64 {
	if head < r.BlockNumber {
		return 0
	}
	return head - r.BlockNumber + 1
}

// Reader is the read-only half of the ledger contract.
type Reader interface {
	// IsAnchored reports whether fp is anchored and its ledger timestamp.
	// It returns (false, 0) for an absent fingerprint.
	IsAnchored(ctx context.Context, fp Fingerprint) (bool, uint64, error)

	// VerifyIntegrity reports whether fp is anchored with exactly expected as
	// its timestamp. An absent fingerprint is never verified.
	VerifyIntegrity(ctx context.Context, fp Fingerprint, expected uint64) (bool, error)
}

// Store is the full ledger contract consumed by the anchoring subsystem.
type Store interface {
	Reader

	// Anchor writes a single fingerprint. It fails without any state change
	// with ErrZeroFingerprint or ErrAlreadyAnchored.
	Anchor(ctx context.Context, fp Fingerprint, metadata string, opts TxOptions) (*Submission, error)

	// AnchorBatch writes up to MaxBatchSize fingerprints, skipping zero and
	// already-anchored entries. Only shape violations reject the whole call.
	AnchorBatch(ctx context.Context, fps []Fingerprint, metadata []string, opts TxOptions) (*Submission, error)

	// Receipt returns the inclusion receipt for ref, or ErrReceiptNotFound
	// while the write is not (or no longer) part of the ledger.
	Receipt(ctx context.Context, ref string) (*Receipt, error)

	// Head returns the current ledger height.
	Head(ctx context.Context) (uint64, error)

	// PendingNonce returns the next sequence number for the submitter.
	PendingNonce(ctx context.Context) (uint64, error)

	// SuggestGasPrice returns the ledger's current fee suggestion.
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// Submitter returns the identity writes are issued from.
	Submitter() string
}

// ValidateBatch checks the shape constraints of a batch write.
func ValidateBatch(fps []Fingerprint, metadata []string) error {
	switch {
	case len(fps) == 0:
		return ErrEmptyBatch
	case len(fps) > MaxBatchSize:
		return ErrBatchTooLarge
	case len(fps) != len(metadata):
		return ErrBatchLengthMismatch
	}
	return nil
}
