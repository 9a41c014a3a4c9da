package order

import (
	"context"
	"errors"
	"sync"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestSequencer_Next(t *testing.T) {
	store := NewMemoryStore()
	seq := NewSequencer(store, "")

	first, err := seq.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "ORD-1" {
		t.Errorf("expected ORD-1, got %s", first)
	}
	second, _ := seq.Next(context.Background())
	if second != "ORD-2" {
		t.Errorf("expected ORD-2, got %s", second)
	}

	raw, err := store.PeekOrderSeed(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if raw != "3" {
		t.Errorf("expected stored seed 3, got %s", raw)
	}
}

func TestSequencer_CustomPrefix(t *testing.T) {
	store := NewMemoryStore()
	store.SetOrderSeed(context.Background(), strPtr("500"))
	number, err := NewSequencer(store, "RX-").Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if number != "RX-500" {
		t.Errorf("expected RX-500, got %s", number)
	}
}

func TestSequencer_ConcurrentCallersGetDistinctNumbers(t *testing.T) {
	store := NewMemoryStore()
	seq := NewSequencer(store, "")

	const callers = 64
	var (
		mu   sync.Mutex
		seen = make(map[string]bool, callers)
	)
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			number, err := seq.Next(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if seen[number] {
				t.Errorf("order number %s issued twice", number)
			}
			seen[number] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(seen) != callers {
		t.Errorf("expected %d distinct numbers, got %d", callers, len(seen))
	}
}

func TestSequencer_BadSeed(t *testing.T) {
	tests := []struct {
		name string
		seed *string
	}{
		{"missing", nil},
		{"non-numeric", strPtr("abc")},
		{"empty", strPtr("")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			store.SetOrderSeed(context.Background(), tt.seed)
			_, err := NewSequencer(store, "").Next(context.Background())
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestParseSeed_TrimsWhitespace(t *testing.T) {
	v, err := parseSeed(strPtr(" 42\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Errorf("expected 42, got %d", v)
	}
}
