package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// Fault is a failure injected into the next matching write of a MemoryStore.
type Fault struct {
	Op         string // "anchor", "batch", or "" for either
	Err        error
	AfterWrite bool // apply the write, then report Err (a lost reply)
}

// Event is one entry of the MemoryStore event log.
type Event struct {
	Block    uint64              `json:"block"`
	Anchored *AnchoredEvent      `json:"anchored,omitempty"`
	Batch    *BatchAnchoredEvent `json:"batch,omitempty"`
}

type memoryEntry struct {
	timestamp uint64
	block     uint64
}

// memoryChain is the state shared by every MemoryStore view.
type memoryChain struct {
	mu          sync.Mutex
	clock       func() time.Time
	head        uint64
	entries     map[Fingerprint]memoryEntry
	receipts    map[string]*Receipt
	nonces      map[string]uint64
	events      []Event
	faults      []Fault
	gasPrice    *big.Int
	minGasPrice *big.Int
	txCount     uint64
}

// MemoryStore is an in-memory, thread-safe Store that simulates an
// append-only ledger. Every accepted write is included in a new block
// immediately; Mine and Reorg move the head to exercise confirmation depth
// and reorganisations. It is primarily useful for tests and development.
type MemoryStore struct {
	chain     *memoryChain
	submitter string
}

// NewMemoryStore creates an empty simulated ledger and a view writing as submitter.
func NewMemoryStore(submitter string) *MemoryStore {
	return &MemoryStore{
		chain: &memoryChain{
			clock:    time.Now,
			entries:  make(map[Fingerprint]memoryEntry),
			receipts: make(map[string]*Receipt),
			nonces:   make(map[string]uint64),
			gasPrice: big.NewInt(30_000_000_000),
		},
		submitter: submitter,
	}
}

// WithSubmitter returns a view of the same ledger writing as another identity.
func (s *MemoryStore) WithSubmitter(submitter string) *MemoryStore {
	return &MemoryStore{chain: s.chain, submitter: submitter}
}

// SetClock replaces the ledger clock used for timestamps.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.chain.clock = clock
}

// SetGasPrice sets the fee suggestion and the minimum price writes must pay.
func (s *MemoryStore) SetGasPrice(suggested, minimum *big.Int) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.chain.gasPrice = suggested
	s.chain.minGasPrice = minimum
}

// InjectFaults queues failures for upcoming writes.
func (s *MemoryStore) InjectFaults(faults ...Fault) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.chain.faults = append(s.chain.faults, faults...)
}

// Mine advances the head by n empty blocks.
func (s *MemoryStore) Mine(n int) {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	s.chain.head += uint64(n)
}

// Reorg discards the last depth blocks together with every write and event
// they contained. Sequence numbers are not rolled back.
func (s *MemoryStore) Reorg(depth int) {
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()

	newHead := uint64(0)
	if uint64(depth) < c.head {
		newHead = c.head - uint64(depth)
	}
	for fp, e := range c.entries {
		if e.block > newHead {
			delete(c.entries, fp)
		}
	}
	for ref, r := range c.receipts {
		if r.BlockNumber > newHead {
			delete(c.receipts, ref)
		}
	}
	kept := c.events[:0]
	for _, ev := range c.events {
		if ev.Block <= newHead {
			kept = append(kept, ev)
		}
	}
	c.events = kept
	c.head = newHead
}

// Events returns a copy of the event log.
func (s *MemoryStore) Events() []Event {
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	out := make([]Event, len(s.chain.events))
	copy(out, s.chain.events)
	return out
}

// Submitter implements Store.
func (s *MemoryStore) Submitter() string { return s.submitter }

// Anchor implements Store.
func (s *MemoryStore) Anchor(ctx context.Context, fp Fingerprint, metadata string, opts TxOptions) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()

	fault, hasFault := c.takeFault("anchor")
	if hasFault && !fault.AfterWrite {
		return nil, fault.Err
	}

	if fp.IsZero() {
		return nil, ErrZeroFingerprint
	}
	if _, ok := c.entries[fp]; ok {
		return nil, ErrAlreadyAnchored
	}
	if err := c.checkTx(s.submitter, opts); err != nil {
		return nil, err
	}

	block, ts := c.nextBlock()
	c.entries[fp] = memoryEntry{timestamp: ts, block: block}
	ev := AnchoredEvent{Fingerprint: fp, Submitter: s.submitter, Timestamp: ts, Metadata: metadata}
	c.events = append(c.events, Event{Block: block, Anchored: &ev})

	sub := c.commit(s.submitter, opts.Nonce, 1, &Receipt{
		BlockNumber: block,
		Succeeded:   true,
		Anchored:    []AnchoredEvent{ev},
	})
	if hasFault {
		return nil, fault.Err
	}
	return sub, nil
}

// AnchorBatch implements Store.
func (s *MemoryStore) AnchorBatch(ctx context.Context, fps []Fingerprint, metadata []string, opts TxOptions) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := s.chain
	c.mu.Lock()
	defer c.mu.Unlock()

	fault, hasFault := c.takeFault("batch")
	if hasFault && !fault.AfterWrite {
		return nil, fault.Err
	}

	if err := ValidateBatch(fps, metadata); err != nil {
		return nil, err
	}
	if err := c.checkTx(s.submitter, opts); err != nil {
		return nil, err
	}

	block, ts := c.nextBlock()
	receipt := &Receipt{BlockNumber: block, Succeeded: true}
	for i, fp := range fps {
		if fp.IsZero() {
			continue
		}
		if _, ok := c.entries[fp]; ok {
			continue
		}
		c.entries[fp] = memoryEntry{timestamp: ts, block: block}
		ev := AnchoredEvent{Fingerprint: fp, Submitter: s.submitter, Timestamp: ts, Metadata: metadata[i]}
		c.events = append(c.events, Event{Block: block, Anchored: &ev})
		receipt.Anchored = append(receipt.Anchored, ev)
	}
	summary := BatchAnchoredEvent{Submitter: s.submitter, RequestedCount: uint64(len(fps)), Timestamp: ts}
	c.events = append(c.events, Event{Block: block, Batch: &summary})
	receipt.Batch = &summary

	sub := c.commit(s.submitter, opts.Nonce, len(fps), receipt)
	if hasFault {
		return nil, fault.Err
	}
	return sub, nil
}

// IsAnchored implements Reader.
func (s *MemoryStore) IsAnchored(ctx context.Context, fp Fingerprint) (bool, uint64, error) {
	if err := ctx.Err(); err != nil {
		return false, 0, err
	}
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	e, ok := s.chain.entries[fp]
	if !ok {
		return false, 0, nil
	}
	return true, e.timestamp, nil
}

// VerifyIntegrity implements Reader.
func (s *MemoryStore) VerifyIntegrity(ctx context.Context, fp Fingerprint, expected uint64) (bool, error) {
	ok, ts, err := s.IsAnchored(ctx, fp)
	if err != nil {
		return false, err
	}
	return ok && ts == expected, nil
}

// Receipt implements Store.
func (s *MemoryStore) Receipt(ctx context.Context, ref string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	r, ok := s.chain.receipts[ref]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *r
	return &cp, nil
}

// Head implements Store.
func (s *MemoryStore) Head(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	return s.chain.head, nil
}

// PendingNonce implements Store.
func (s *MemoryStore) PendingNonce(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	return s.chain.nonces[s.submitter], nil
}

// SuggestGasPrice implements Store.
func (s *MemoryStore) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.chain.mu.Lock()
	defer s.chain.mu.Unlock()
	return new(big.Int).Set(s.chain.gasPrice), nil
}

// takeFault pops the first queued fault matching op. Caller holds mu.
func (c *memoryChain) takeFault(op string) (Fault, bool) {
	for i, f := range c.faults {
		if f.Op == "" || f.Op == op {
			c.faults = append(c.faults[:i], c.faults[i+1:]...)
			return f, true
		}
	}
	return Fault{}, false
}

// checkTx enforces the submitter sequence and the minimum fee. Caller holds mu.
func (c *memoryChain) checkTx(submitter string, opts TxOptions) error {
	expected := c.nonces[submitter]
	switch {
	case opts.Nonce < expected:
		return fmt.Errorf("%w: got %d, want %d", ErrNonceTooLow, opts.Nonce, expected)
	case opts.Nonce > expected:
		return fmt.Errorf("%w: got %d, want %d", ErrNonceGap, opts.Nonce, expected)
	}
	if c.minGasPrice != nil && (opts.GasPrice == nil || opts.GasPrice.Cmp(c.minGasPrice) < 0) {
		return ErrUnderpriced
	}
	return nil
}

// nextBlock mines a block for a write and returns its height and timestamp.
func (c *memoryChain) nextBlock() (uint64, uint64) {
	c.head++
	ts := c.clock().Unix()
	if ts < 1 {
		ts = 1
	}
	return c.head, uint64(ts)
}

// commit records the receipt, consumes the nonce and returns the submission.
func (c *memoryChain) commit(submitter string, nonce uint64, items int, r *Receipt) *Submission {
	c.txCount++
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d", submitter, nonce, c.txCount)))
	ref := "0x" + hex.EncodeToString(h[:])
	r.Ref = ref
	c.receipts[ref] = r
	c.nonces[submitter] = nonce + 1
	return &Submission{Ref: ref, Nonce: nonce, Items: items, SentAt: c.clock().UTC()}
}
