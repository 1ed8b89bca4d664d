package auditchain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is a thread-safe in-process Log.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryLog returns a MemoryLog holding only the genesis entry.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{entries: []*Entry{{
		Index:     0,
		Timestamp: time.Now().UTC(),
		Action:    ActionGenesis,
		Actor:     SystemActor,
		DataHash:  GenesisHash,
		PrevHash:  GenesisHash,
		Hash:      GenesisHash,
	}}}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, fingerprint, action, actor string, payload any) (*Entry, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prev := l.entries[len(l.entries)-1]
	entry := &Entry{
		Index:       len(l.entries),
		Timestamp:   time.Now().UTC(),
		Fingerprint: fingerprint,
		Action:      action,
		Actor:       actor,
		DataHash:    sha256Sum(payloadJSON),
		PrevHash:    prev.Hash,
	}
	entry.Hash = hashEntry(entry)
	l.entries = append(l.entries, entry)
	cp := *entry
	return &cp, nil
}

// Get implements Log.
func (l *MemoryLog) Get(_ context.Context, index int) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index < 0 || index >= len(l.entries) {
		return nil, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	cp := *l.entries[index]
	return &cp, nil
}

// List implements Log.
func (l *MemoryLog) List(_ context.Context, offset, limit int) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if offset < 0 {
		offset = 0
	}
	out := []*Entry{}
	for i := offset; i < len(l.entries) && len(out) < limit; i++ {
		cp := *l.entries[i]
		out = append(out, &cp)
	}
	return out, nil
}

// ForFingerprint implements Log.
func (l *MemoryLog) ForFingerprint(_ context.Context, fingerprint string) ([]*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := []*Entry{}
	for _, e := range l.entries {
		if e.Fingerprint == fingerprint {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Len implements Log.
func (l *MemoryLog) Len(_ context.Context) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries), nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var prev *Entry
	for _, curr := range l.entries {
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return nil
}

// Root implements Log.
func (l *MemoryLog) Root(_ context.Context) (string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Hash, nil
}
