package ledger

import (
	"context"
	"errors"
)

// Invalid input. Never retried.
var (
	ErrZeroFingerprint     = errors.New("fingerprint is zero")
	ErrEmptyBatch          = errors.New("batch is empty")
	ErrBatchTooLarge       = errors.New("batch exceeds 100 items")
	ErrBatchLengthMismatch = errors.New("fingerprints and metadata differ in length")
)

// ErrAlreadyAnchored is returned by the strict single write when the
// fingerprint already carries a timestamp.
var ErrAlreadyAnchored = errors.New("fingerprint already anchored")

// ErrReceiptNotFound is returned while a submission is not part of the ledger.
var ErrReceiptNotFound = errors.New("receipt not found")

// Transient external errors. Retried with backoff.
var (
	ErrUnavailable = errors.New("ledger temporarily unavailable")
	ErrUnderpriced = errors.New("write underpriced")
	ErrNonceTooLow = errors.New("nonce too low")
	ErrNonceGap    = errors.New("nonce ahead of ledger")
)

// ErrInsufficientFunds means the signing identity cannot pay for writes.
var ErrInsufficientFunds = errors.New("signer has insufficient funds")

// ErrReadOnly is returned by writes on a store opened without a signing key.
var ErrReadOnly = errors.New("ledger store is read-only")

// IsInvalidInput reports whether err is a caller error that must not be retried.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrZeroFingerprint) ||
		errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrBatchTooLarge) ||
		errors.Is(err, ErrBatchLengthMismatch)
}

// IsTransient reports whether err is worth retrying with adjusted parameters.
// A per-attempt deadline counts as transient; cancellation by the caller does not.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrUnderpriced) ||
		errors.Is(err, ErrNonceTooLow) ||
		errors.Is(err, ErrNonceGap) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsNonceError reports whether err means the local sequence is out of sync.
func IsNonceError(err error) bool {
	return errors.Is(err, ErrNonceTooLow) || errors.Is(err, ErrNonceGap)
}

// MaybeSent reports whether a write failing with err could still have reached
// the ledger, in which case the caller must reconcile before assuming otherwise.
func MaybeSent(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrUnavailable)
}

// IsPermanent reports whether err will not go away by retrying.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) || errors.Is(err, ErrReadOnly)
}
