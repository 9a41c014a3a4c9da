package order

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memTxKey struct{}

// MemoryStore keeps orders and the order number seed in process memory. It
// implements OrderRepository, TxManager and SequenceStore and backs STORE=memory
// deployments and the engine tests. Transactions are serialized and roll back by
// restoring a snapshot.
type MemoryStore struct {
	txMu sync.Mutex

	mu     sync.RWMutex
	orders map[uuid.UUID]*Order
	seq    map[uuid.UUID]int64
	next   int64

	seedMu sync.Mutex
	props  map[string]*string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[uuid.UUID]*Order),
		seq:    make(map[uuid.UUID]int64),
		props:  map[string]*string{NextOrderNumberSeedProperty: strPtr("1")},
	}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	saved := make(map[uuid.UUID]*Order, len(s.orders))
	for id, o := range s.orders {
		saved[id] = o.clone()
	}
	savedSeq := make(map[uuid.UUID]int64, len(s.seq))
	for id, n := range s.seq {
		savedSeq[id] = n
	}
	savedNext := s.next
	s.mu.RUnlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.mu.Lock()
		s.orders, s.seq, s.next = saved, savedSeq, savedNext
		s.mu.Unlock()
		return err
	}
	return nil
}

// LockKey is a no-op: memory transactions are already serialized.
func (s *MemoryStore) LockKey(context.Context, string) error {
	return nil
}

// checkConstraints mirrors the unique indexes of the orders table. Caller holds mu.
func (s *MemoryStore) checkConstraints(o *Order) error {
	for id, other := range s.orders {
		if id == o.ID {
			continue
		}
		if other.OrderNumber == o.OrderNumber {
			return validationf("order number %s is already in use", o.OrderNumber)
		}
		if o.Voided || other.Voided || o.PreviousOrderID == nil || other.PreviousOrderID == nil {
			continue
		}
		if *other.PreviousOrderID == *o.PreviousOrderID && other.Action == o.Action {
			return fmt.Errorf("%w: order %s already has an unvoided %s order", ErrConcurrencyConflict, o.PreviousOrderID, o.Action)
		}
	}
	return nil
}

func (s *MemoryStore) Create(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if _, exists := s.orders[o.ID]; exists {
		return validationf("order %s already exists", o.ID)
	}
	if err := s.checkConstraints(o); err != nil {
		return err
	}
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	s.next++
	s.seq[o.ID] = s.next
	s.orders[o.ID] = o.clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, o *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	if err := s.checkConstraints(o); err != nil {
		return err
	}
	o.UpdatedAt = time.Now()
	s.orders[o.ID] = o.clone()
	return nil
}

func (s *MemoryStore) UpdateFulfillment(_ context.Context, id uuid.UUID, f Fulfillment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if f.Status != nil {
		status := *f.Status
		o.FulfillerStatus = &status
	}
	if f.Comment != nil {
		o.FulfillerComment = strPtr(*f.Comment)
	}
	if f.AccessionNumber != nil {
		o.AccessionNumber = strPtr(*f.AccessionNumber)
	}
	o.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[id]; !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	delete(s.orders, id)
	delete(s.seq, id)
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o.clone(), nil
}

func (s *MemoryStore) GetByOrderNumber(_ context.Context, number string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orders {
		if o.OrderNumber == number {
			return o.clone(), nil
		}
	}
	return nil, fmt.Errorf("order number %s: %w", number, ErrNotFound)
}

func (s *MemoryStore) FindActiveByPatientConceptCareSetting(_ context.Context, patientID, conceptID, careSettingID uuid.UUID, asOf time.Time) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.Voided || o.IsDiscontinuation() {
			continue
		}
		if o.PatientID != patientID || o.ConceptID != conceptID || o.CareSettingID != careSettingID {
			continue
		}
		if end := o.EffectiveStopDate(); end != nil && end.Before(asOf) {
			continue
		}
		out = append(out, o.clone())
	}
	s.sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) FindPreviousOrderLink(_ context.Context, previousID uuid.UUID, action Action) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orders {
		if !o.Voided && o.Action == action && o.PreviousOrderID != nil && *o.PreviousOrderID == previousID {
			return o.clone(), nil
		}
	}
	return nil, fmt.Errorf("%s order for %s: %w", action, previousID, ErrNotFound)
}

func (s *MemoryStore) ListChildren(_ context.Context, previousID uuid.UUID) ([]*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.orders {
		if o.PreviousOrderID != nil && *o.PreviousOrderID == previousID {
			out = append(out, o.clone())
		}
	}
	s.sortNewestFirst(out)
	return out, nil
}

func (s *MemoryStore) Search(_ context.Context, f Filter, limit, offset int) ([]*Order, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make(map[uuid.UUID]bool, len(f.OrderTypeIDs))
	for _, id := range f.OrderTypeIDs {
		types[id] = true
	}
	var out []*Order
	for _, o := range s.orders {
		if o.PatientID != f.PatientID {
			continue
		}
		if o.Voided && !f.IncludeVoided {
			continue
		}
		if f.ConceptID != nil && o.ConceptID != *f.ConceptID {
			continue
		}
		if f.CareSettingID != nil && o.CareSettingID != *f.CareSettingID {
			continue
		}
		if len(types) > 0 && !types[o.OrderTypeID] {
			continue
		}
		out = append(out, o.clone())
	}
	s.sortNewestFirst(out)
	total := len(out)
	if limit <= 0 {
		return out, total, nil
	}
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

// sortNewestFirst orders by activation date, then insertion order. Caller holds mu.
func (s *MemoryStore) sortNewestFirst(orders []*Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		a, b := orders[i].DateActivated, orders[j].DateActivated
		if a != nil && b != nil && !a.Equal(*b) {
			return a.After(*b)
		}
		return s.seq[orders[i].ID] > s.seq[orders[j].ID]
	})
}

func (s *MemoryStore) GetAndIncrementOrderSeed(_ context.Context) (int64, error) {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	seed, err := parseSeed(s.props[NextOrderNumberSeedProperty])
	if err != nil {
		return 0, err
	}
	s.props[NextOrderNumberSeedProperty] = strPtr(strconv.FormatInt(seed+1, 10))
	return seed, nil
}

// PeekOrderSeed returns the raw stored seed without consuming it.
func (s *MemoryStore) PeekOrderSeed(_ context.Context) (string, error) {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	raw := s.props[NextOrderNumberSeedProperty]
	if raw == nil {
		return "", fmt.Errorf("%w: global property %s is not set", ErrConfiguration, NextOrderNumberSeedProperty)
	}
	return *raw, nil
}

// SetOrderSeed overwrites the stored seed. A nil value removes the property.
func (s *MemoryStore) SetOrderSeed(_ context.Context, value *string) error {
	s.seedMu.Lock()
	defer s.seedMu.Unlock()
	if value == nil {
		delete(s.props, NextOrderNumberSeedProperty)
		return nil
	}
	v := *value
	s.props[NextOrderNumberSeedProperty] = &v
	return nil
}
