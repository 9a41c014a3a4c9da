package order

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows Search. Nil and empty fields do not filter.
type Filter struct {
	PatientID     uuid.UUID
	ConceptID     *uuid.UUID
	CareSettingID *uuid.UUID
	OrderTypeIDs  []uuid.UUID
	IncludeVoided bool
}

// Fulfillment carries the fulfiller columns. Nil fields keep the stored value.
type Fulfillment struct {
	Status          *FulfillerStatus
	Comment         *string
	AccessionNumber *string
}

type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	Update(ctx context.Context, o *Order) error
	// UpdateFulfillment writes only the fulfiller columns of order id.
	UpdateFulfillment(ctx context.Context, id uuid.UUID, f Fulfillment) error
	Delete(ctx context.Context, id uuid.UUID) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByOrderNumber(ctx context.Context, number string) (*Order, error)
	// FindActiveByPatientConceptCareSetting returns unvoided, non-discontinuation
	// orders whose window has not closed before asOf. Orders starting after asOf
	// are included.
	FindActiveByPatientConceptCareSetting(ctx context.Context, patientID, conceptID, careSettingID uuid.UUID, asOf time.Time) ([]*Order, error)
	// FindPreviousOrderLink returns the unvoided order with the given action
	// whose previous order is previousID, or ErrNotFound.
	FindPreviousOrderLink(ctx context.Context, previousID uuid.UUID, action Action) (*Order, error)
	// ListChildren returns every order, voided or not, linked to previousID.
	ListChildren(ctx context.Context, previousID uuid.UUID) ([]*Order, error)
	// Search returns matching orders newest first. limit <= 0 returns all.
	Search(ctx context.Context, f Filter, limit, offset int) ([]*Order, int, error)
	// LockKey serializes writers on key until the surrounding transaction ends.
	LockKey(ctx context.Context, key string) error
}

// TxManager runs fn in one storage transaction: every write inside commits or
// none does.
type TxManager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ObservationPurger deletes observations recorded against an order.
type ObservationPurger interface {
	PurgeObservationsForOrder(ctx context.Context, orderID uuid.UUID) error
}
