package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/jmerrifield20/EvidenceAnchor/internal/lock"
	"go.uber.org/zap"
)

// NonceSource reports the next sequence number the ledger expects.
type NonceSource interface {
	PendingNonce(ctx context.Context) (uint64, error)
}

// Sequencer is the per-signer write sequencing resource. Every write must be
// constructed and sent inside Do so that sequence numbers are assigned in a
// strict order; waiting for confirmation happens outside of it.
type Sequencer struct {
	mu     sync.Mutex
	source NonceSource
	signer string
	next   uint64
	synced bool

	// distributed, when set, extends exclusion across processes sharing the
	// signer. The local cursor is then re-read from the ledger on every use.
	distributed lock.Locker
	logger      *zap.Logger
}

// NewSequencer creates a Sequencer for signer backed by source.
// locker may be nil for single-process deployments.
func NewSequencer(source NonceSource, signer string, locker lock.Locker, logger *zap.Logger) *Sequencer {
	return &Sequencer{source: source, signer: signer, distributed: locker, logger: logger}
}

// Do acquires the sequence exclusively and calls fn with the next nonce. The
// cursor advances only when fn succeeds; a nonce error forces a resync.
func (s *Sequencer) Do(ctx context.Context, fn func(nonce uint64) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	if s.distributed != nil {
		unlock, err := s.distributed.Lock(ctx, "signer:"+s.signer)
		if err != nil {
			return fmt.Errorf("acquire signer lock: %w", err)
		}
		defer unlock()
		s.synced = false
	}

	if !s.synced {
		n, err := s.source.PendingNonce(ctx)
		if err != nil {
			return fmt.Errorf("read pending nonce: %w", err)
		}
		s.next = n
		s.synced = true
	}

	err := fn(s.next)
	switch {
	case err == nil:
		s.next++
	case IsNonceError(err):
		s.logger.Warn("signer sequence out of sync, resyncing",
			zap.String("signer", s.signer),
			zap.Uint64("nonce", s.next),
			zap.Error(err),
		)
		s.synced = false
	}
	return err
}

// Reset forces the next Do to re-read the cursor from the ledger.
func (s *Sequencer) Reset() {
	s.mu.Lock()
	s.synced = false
	s.mu.Unlock()
}
