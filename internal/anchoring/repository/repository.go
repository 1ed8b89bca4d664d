// Package repository stores AnchorRecords. Status updates are compare-and-set
// on the previous status so that two workers can never both move a record.
package repository

import "errors"

var (
	// ErrNotFound is returned when no record exists for a fingerprint.
	ErrNotFound = errors.New("anchor record not found")

	// ErrConflict is returned by Update when the stored status no longer
	// matches the status the caller read.
	ErrConflict = errors.New("anchor record changed concurrently")
)

// DefaultListLimit caps ListByStatus when the caller passes no limit.
const DefaultListLimit = 500
