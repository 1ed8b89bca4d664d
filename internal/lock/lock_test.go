package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryLocker_exclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "fp")
			if err != nil {
				t.Error(err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if len(l.slots) != 0 {
		t.Errorf("expected no slots left, got %d", len(l.slots))
	}
}

func TestMemoryLocker_independentKeys(t *testing.T) {
	l := NewMemoryLocker()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	unlockA, err := l.Lock(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("locking a different key blocked: %v", err)
	}
	unlockB()
}

func TestMemoryLocker_contextCancel(t *testing.T) {
	l := NewMemoryLocker()
	unlock, _ := l.Lock(context.Background(), "k")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}

	unlock()
	unlock() // second call is a no-op

	again, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	again()
}
