package conversations

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		overlap bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "c1")
			if err != nil {
				t.Errorf("Lock() error: %v", err)
				return
			}
			defer unlock()

			mu.Lock()
			active++
			if active > 1 {
				overlap = true
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()

	if overlap {
		t.Error("two holders of the same key overlapped")
	}
	if n := len(k.slots); n != 0 {
		t.Errorf("slots = %d after all unlocks, want 0", n)
	}
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	if err != nil {
		t.Fatalf("Lock(a) error: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock(b) error while a is held: %v", err)
	}
	unlockB()
}

func TestKeyedMutexRespectsContext(t *testing.T) {
	k := NewKeyedMutex()

	unlock, err := k.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Lock() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := k.Lock(ctx, "c1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Lock() on held key error = %v, want DeadlineExceeded", err)
	}

	unlock()
	unlock() // second call is a no-op

	again, err := k.Lock(context.Background(), "c1")
	if err != nil {
		t.Fatalf("Lock() after release error: %v", err)
	}
	again()
}
