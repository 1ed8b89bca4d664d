// Package lock provides keyed mutual exclusion, in-process or shared between
// processes through Redis. The anchoring subsystem uses it so that only one
// submission per fingerprint, and one write per signer, is active at a time.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotHeld is returned when releasing a lock that expired or was taken over.
var ErrNotHeld = errors.New("lock not held")

// Locker acquires exclusive access to a key. Lock blocks until the key is
// free or ctx is done; the returned func releases it and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker creates an in-process Locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot)}
}

// Lock implements Locker.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s, false)
		return nil, ctx.Err()
	}

	var released bool
	return func() {
		if released {
			return
		}
		released = true
		l.release(key, s, true)
	}, nil
}

func (l *MemoryLocker) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}
