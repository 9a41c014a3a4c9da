package order

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// NextOrderNumberSeedProperty is the global property holding the next seed.
const NextOrderNumberSeedProperty = "order.nextOrderNumberSeed"

const DefaultOrderNumberPrefix = "ORD-"

// SequenceStore hands out the shared order number seed. Implementations must
// serialize concurrent callers and return ErrConfiguration when the stored
// value is missing or not numeric.
type SequenceStore interface {
	GetAndIncrementOrderSeed(ctx context.Context) (int64, error)
}

// SeedStore is a SequenceStore whose seed can be inspected and reset by an
// operator.
type SeedStore interface {
	SequenceStore
	PeekOrderSeed(ctx context.Context) (string, error)
	SetOrderSeed(ctx context.Context, value *string) error
}

// Sequencer turns seeds into order numbers.
type Sequencer struct {
	store  SequenceStore
	prefix string
}

func NewSequencer(store SequenceStore, prefix string) *Sequencer {
	if prefix == "" {
		prefix = DefaultOrderNumberPrefix
	}
	return &Sequencer{store: store, prefix: prefix}
}

// Next returns a fresh order number. A failed save after Next leaves a gap in
// the sequence; a number is never issued twice.
func (s *Sequencer) Next(ctx context.Context) (string, error) {
	seed, err := s.store.GetAndIncrementOrderSeed(ctx)
	if err != nil {
		return "", err
	}
	return s.prefix + strconv.FormatInt(seed, 10), nil
}

// parseSeed validates a stored seed value.
func parseSeed(raw *string) (int64, error) {
	if raw == nil {
		return 0, fmt.Errorf("%w: global property %s is not set", ErrConfiguration, NextOrderNumberSeedProperty)
	}
	v, err := strconv.ParseInt(strings.TrimSpace(*raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: global property %s has non-numeric value %q", ErrConfiguration, NextOrderNumberSeedProperty, *raw)
	}
	return v, nil
}
