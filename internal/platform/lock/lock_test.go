package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	var inside, maxInside int32

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			unlock, err := l.Lock(context.Background(), "k")
			if err != nil {
				return err
			}
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if maxInside != 1 {
		t.Fatalf("expected at most 1 holder, saw %d", maxInside)
	}
	if l.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", l.Len())
	}
}

func TestLocal_DistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	unlockA, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("expected lock on another key, got %v", err)
	}
	unlockB()
}

func TestLocal_ContextCancelled(t *testing.T) {
	l := NewLocal()
	unlock, err := l.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "k"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	unlock()
	unlock()
	if l.Len() != 0 {
		t.Fatalf("expected no entries, got %d", l.Len())
	}
}

func TestNoop(t *testing.T) {
	unlock, err := Noop{}.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlock()
}

var _ Locker = (*Local)(nil)
var _ Locker = (*Redis)(nil)
var _ Locker = Noop{}

func TestLocal_ReleaseUnblocksWaiter(t *testing.T) {
	l := NewLocal()
	unlock, _ := l.Lock(context.Background(), "k")

	var wg sync.WaitGroup
	acquired := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		u, err := l.Lock(context.Background(), "k")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held lock")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	wg.Wait()
}

func TestLockers_ImplementLocker(t *testing.T) {
	lockers := map[string]Locker{
		"local": NewLocal(),
		"noop":  Noop{},
	}
	for name, l := range lockers {
		unlock, err := l.Lock(context.Background(), "k")
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", name, err)
		}
		unlock()
		unlock()
	}
}
