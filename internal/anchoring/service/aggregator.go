package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
	"go.uber.org/zap"
)

// ErrAggregatorStopped is returned by Add and Flush after Stop.
var ErrAggregatorStopped = errors.New("aggregator stopped")

// AggregatorConfig controls when buffered requests are flushed.
type AggregatorConfig struct {
	MaxSize int           // flush when this many requests are buffered, at most ledger.MaxBatchSize
	MaxWait time.Duration // flush this long after the oldest buffered request arrived
}

// FlushFunc receives every batch built by the Aggregator.
type FlushFunc func(b *model.Batch)

// RejectFunc is told about requests dropped before batching.
type RejectFunc func(fp ledger.Fingerprint, metadata string, err error)

type anchorRequest struct {
	fp       ledger.Fingerprint
	metadata string
}

// Aggregator buffers anchor requests in arrival order and groups them into
// bounded batches. Zero fingerprints never reach a batch.
type Aggregator struct {
	maxSize  int
	maxWait  time.Duration
	flush    FlushFunc
	onReject RejectFunc
	ch       chan anchorRequest
	flushReq chan chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewAggregator creates an Aggregator. Call Start before Add and Stop on shutdown.
func NewAggregator(cfg AggregatorConfig, flush FlushFunc, logger *zap.Logger) *Aggregator {
	if cfg.MaxSize <= 0 || cfg.MaxSize > ledger.MaxBatchSize {
		cfg.MaxSize = ledger.MaxBatchSize
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	return &Aggregator{
		maxSize:  cfg.MaxSize,
		maxWait:  cfg.MaxWait,
		flush:    flush,
		ch:       make(chan anchorRequest, 4*ledger.MaxBatchSize),
		flushReq: make(chan chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// SetReject configures the callback for requests rejected before batching.
func (a *Aggregator) SetReject(fn RejectFunc) { a.onReject = fn }

// Start launches the background flush loop.
func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop flushes whatever is buffered and stops the loop.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
	a.wg.Wait()
}

// Add buffers one request. A zero fingerprint is rejected immediately.
func (a *Aggregator) Add(ctx context.Context, fp ledger.Fingerprint, metadata string) error {
	if fp.IsZero() {
		err := &model.ErrValidation{Msg: "fingerprint must not be zero", Err: ledger.ErrZeroFingerprint}
		if a.onReject != nil {
			a.onReject(fp, metadata, err)
		}
		return err
	}
	select {
	case <-a.done:
		return ErrAggregatorStopped
	default:
	}
	select {
	case a.ch <- anchorRequest{fp: fp, metadata: metadata}:
		return nil
	case <-a.done:
		return ErrAggregatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush hands the current buffer to the FlushFunc without waiting for it to
// fill up, and returns once it has.
func (a *Aggregator) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case a.flushReq <- ack:
	case <-a.done:
		return ErrAggregatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()

	var (
		fps    []ledger.Fingerprint
		metas  []string
		seen   = make(map[ledger.Fingerprint]bool)
		timer  *time.Timer
		expiry <-chan time.Time
	)

	emit := func(trigger string) {
		if timer != nil {
			timer.Stop()
			timer, expiry = nil, nil
		}
		if len(fps) == 0 {
			return
		}
		b, err := model.NewBatch(fps, metas)
		fps, metas = nil, nil
		seen = make(map[ledger.Fingerprint]bool)
		if err != nil {
			a.logger.Error("aggregator: build batch", zap.Error(err))
			return
		}
		a.logger.Debug("aggregator: flush",
			zap.String("batch_id", b.ID.String()),
			zap.Int("items", b.Len()),
			zap.String("trigger", trigger),
		)
		a.flush(b)
	}

	add := func(r anchorRequest) {
		if seen[r.fp] {
			return
		}
		seen[r.fp] = true
		fps = append(fps, r.fp)
		metas = append(metas, r.metadata)
		if len(fps) == 1 {
			timer = time.NewTimer(a.maxWait)
			expiry = timer.C
		}
		if len(fps) >= a.maxSize {
			emit("size")
		}
	}

	// drain takes in everything Add has already handed over.
	drain := func() {
		for {
			select {
			case r := <-a.ch:
				add(r)
			default:
				return
			}
		}
	}

	for {
		select {
		case <-a.done:
			drain()
			emit("stop")
			return
		case r := <-a.ch:
			add(r)
		case <-expiry:
			timer, expiry = nil, nil
			emit("max_wait")
		case ack := <-a.flushReq:
			drain()
			emit("explicit")
			close(ack)
		}
	}
}
