package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/EvidenceAnchor/internal/anchoring/model"
	"github.com/jmerrifield20/EvidenceAnchor/internal/ledger"
)

// MemoryRecordRepository keeps AnchorRecords in process memory. It is used
// when no database is configured and in tests.
type MemoryRecordRepository struct {
	mu      sync.RWMutex
	records map[ledger.Fingerprint]*model.AnchorRecord
}

// NewMemoryRecordRepository creates an empty MemoryRecordRepository.
func NewMemoryRecordRepository() *MemoryRecordRepository {
	return &MemoryRecordRepository{records: make(map[ledger.Fingerprint]*model.AnchorRecord)}
}

// CreateIfAbsent implements the record store contract.
func (r *MemoryRecordRepository) CreateIfAbsent(_ context.Context, rec *model.AnchorRecord) (*model.AnchorRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.records[rec.Fingerprint]; ok {
		return existing.Clone(), false, nil
	}
	r.records[rec.Fingerprint] = rec.Clone()
	return rec.Clone(), true, nil
}

// Get implements the record store contract.
func (r *MemoryRecordRepository) Get(_ context.Context, fp ledger.Fingerprint) (*model.AnchorRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[fp]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// Update implements the record store contract.
func (r *MemoryRecordRepository) Update(_ context.Context, rec *model.AnchorRecord, from model.Status) error {
	if rec.Status != from && !model.CanTransition(from, rec.Status) {
		return fmt.Errorf("%s -> %s: %w", from, rec.Status, model.ErrInvalidTransition)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.records[rec.Fingerprint]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != from {
		return ErrConflict
	}
	rec.UpdatedAt = time.Now().UTC()
	cp := rec.Clone()
	cp.ID = stored.ID
	cp.Metadata = stored.Metadata
	cp.CreatedAt = stored.CreatedAt
	r.records[rec.Fingerprint] = cp
	return nil
}

// ListByStatus implements the record store contract.
func (r *MemoryRecordRepository) ListByStatus(_ context.Context, status model.Status, limit int) ([]*model.AnchorRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	r.mu.RLock()
	var out []*model.AnchorRecord
	for _, rec := range r.records {
		if status == "" || rec.Status == status {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListRecentByStatus implements the record store contract.
func (r *MemoryRecordRepository) ListRecentByStatus(_ context.Context, status model.Status, since time.Time, limit int) ([]*model.AnchorRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	r.mu.RLock()
	var out []*model.AnchorRecord
	for _, rec := range r.records {
		if rec.Status == status && !rec.UpdatedAt.Before(since) {
			out = append(out, rec.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
