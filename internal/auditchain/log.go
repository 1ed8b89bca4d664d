package auditchain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for an index outside the chain.
var ErrNotFound = errors.New("audit entry not found")

// Log is the append-only audit chain.
type Log interface {
	// Append adds an entry chained to the tip. payload is JSON-marshalled and
	// its SHA-256 stored as DataHash.
	Append(ctx context.Context, fingerprint, action, actor string, payload any) (*Entry, error)

	// Get returns the entry at a zero-based index.
	Get(ctx context.Context, index int) (*Entry, error)

	// List returns up to limit entries starting at offset, oldest first.
	List(ctx context.Context, offset, limit int) ([]*Entry, error)

	// ForFingerprint returns every entry recorded for a fingerprint, oldest first.
	ForFingerprint(ctx context.Context, fingerprint string) ([]*Entry, error)

	// Len returns the number of entries including genesis.
	Len(ctx context.Context) (int, error)

	// Verify walks the whole chain; nil means intact.
	Verify(ctx context.Context) error

	// Root returns the hash of the chain tip.
	Root(ctx context.Context) (string, error)
}
