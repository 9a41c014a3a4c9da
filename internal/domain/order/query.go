package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) GetOrderByNumber(ctx context.Context, number string) (*Order, error) {
	return s.orders.GetByOrderNumber(ctx, number)
}

// GetAllOrdersByPatient returns the patient's orders newest first, voided ones
// only when includeVoided is set.
func (s *Service) GetAllOrdersByPatient(ctx context.Context, patientID uuid.UUID, includeVoided bool, limit, offset int) ([]*Order, int, error) {
	return s.orders.Search(ctx, Filter{PatientID: patientID, IncludeVoided: includeVoided}, limit, offset)
}

// GetActiveOrders returns the patient's orders active at asOf (now when nil).
// An order type filter also matches its subtypes.
func (s *Service) GetActiveOrders(ctx context.Context, patientID uuid.UUID, orderTypeID, careSettingID *uuid.UUID, asOf *time.Time) ([]*Order, error) {
	at := s.now()
	if asOf != nil {
		at = *asOf
	}
	f := Filter{PatientID: patientID, CareSettingID: careSettingID}
	if orderTypeID != nil {
		ids, err := s.types.GetSubtypes(ctx, *orderTypeID, true)
		if err != nil {
			return nil, err
		}
		f.OrderTypeIDs = ids
	}
	candidates, _, err := s.orders.Search(ctx, f, 0, 0)
	if err != nil {
		return nil, err
	}
	active := make([]*Order, 0, len(candidates))
	for _, o := range candidates {
		if IsActive(o, at) {
			active = append(active, o)
		}
	}
	return active, nil
}

// GetOrderHistoryByOrderNumber follows previous-order links back from the
// order with the given number and returns the chain root first.
func (s *Service) GetOrderHistoryByOrderNumber(ctx context.Context, number string) ([]*Order, error) {
	o, err := s.orders.GetByOrderNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	chain := []*Order{o}
	visited := map[uuid.UUID]bool{o.ID: true}
	for o.PreviousOrderID != nil {
		id := *o.PreviousOrderID
		if visited[id] {
			return nil, fmt.Errorf("%w: order chain of %s loops at %s", ErrConfiguration, number, id)
		}
		visited[id] = true
		prev, err := s.orders.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, prev)
		o = prev
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// GetOrderHistoryByConcept returns every unvoided order for the patient and
// concept, newest first.
func (s *Service) GetOrderHistoryByConcept(ctx context.Context, patientID, conceptID uuid.UUID) ([]*Order, error) {
	orders, _, err := s.orders.Search(ctx, Filter{PatientID: patientID, ConceptID: &conceptID}, 0, 0)
	return orders, err
}

// GetDiscontinuationOrder returns the unvoided order discontinuing id, or nil.
func (s *Service) GetDiscontinuationOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.findLink(ctx, id, ActionDiscontinue)
}

// GetRevisionOrder returns the unvoided order revising id, or nil.
func (s *Service) GetRevisionOrder(ctx context.Context, id uuid.UUID) (*Order, error) {
	return s.findLink(ctx, id, ActionRevise)
}

func (s *Service) findLink(ctx context.Context, id uuid.UUID, action Action) (*Order, error) {
	if _, err := s.orders.GetByID(ctx, id); err != nil {
		return nil, err
	}
	o, err := s.orders.FindPreviousOrderLink(ctx, id, action)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return o, err
}
