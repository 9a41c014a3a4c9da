package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func memOrder(number string) *Order {
	return &Order{
		OrderNumber:   number,
		PatientID:     uuid.New(),
		ConceptID:     uuid.New(),
		CareSettingID: uuid.New(),
		Action:        ActionNew,
		DateActivated: timePtr(day0),
	}
}

func TestMemoryStore_InTxRollsBack(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	kept := memOrder("ORD-1")
	if err := s.Create(ctx, kept); err != nil {
		t.Fatalf("create: %v", err)
	}

	boom := errors.New("boom")
	err := s.InTx(ctx, func(ctx context.Context) error {
		if err := s.Create(ctx, memOrder("ORD-2")); err != nil {
			return err
		}
		kept.Instructions = strPtr("changed")
		if err := s.Update(ctx, kept); err != nil {
			return err
		}
		// Nested calls join the outer transaction.
		return s.InTx(ctx, func(context.Context) error { return boom })
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	if _, err := s.GetByOrderNumber(ctx, "ORD-2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ORD-2 rolled back, got %v", err)
	}
	got, _ := s.GetByID(ctx, kept.ID)
	if got.Instructions != nil {
		t.Errorf("expected update rolled back, got %q", *got.Instructions)
	}
}

func TestMemoryStore_Constraints(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	a := memOrder("ORD-1")
	s.Create(ctx, a)

	if err := s.Create(ctx, memOrder("ORD-1")); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for duplicate number, got %v", err)
	}

	r1 := memOrder("ORD-2")
	r1.Action = ActionRevise
	r1.PreviousOrderID = &a.ID
	if err := s.Create(ctx, r1); err != nil {
		t.Fatalf("create: %v", err)
	}
	r2 := memOrder("ORD-3")
	r2.Action = ActionRevise
	r2.PreviousOrderID = &a.ID
	if err := s.Create(ctx, r2); !errors.Is(err, ErrConcurrencyConflict) {
		t.Errorf("expected ErrConcurrencyConflict for second live revision, got %v", err)
	}

	r1.Voided = true
	s.Update(ctx, r1)
	if err := s.Create(ctx, r2); err != nil {
		t.Errorf("expected revision allowed once the first is voided: %v", err)
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	o := memOrder("ORD-1")
	o.Drug = &DrugDetails{Route: strPtr("oral")}
	s.Create(ctx, o)

	o.Drug.Route = strPtr("iv")
	got, _ := s.GetByID(ctx, o.ID)
	if *got.Drug.Route != "oral" {
		t.Error("stored order must not alias the caller's payload")
	}
	got.OrderNumber = "changed"
	again, _ := s.GetByID(ctx, o.ID)
	if again.OrderNumber != "ORD-1" {
		t.Error("returned order must not alias the stored one")
	}
}

func TestMemoryStore_FindActiveByPatientConceptCareSetting(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := memOrder("ORD-1")
	s.Create(ctx, base)

	expired := *base
	expired.ID = uuid.Nil
	expired.OrderNumber = "ORD-2"
	expired.AutoExpireDate = timePtr(day0.Add(time.Hour))
	s.Create(ctx, &expired)

	disc := *base
	disc.ID = uuid.Nil
	disc.OrderNumber = "ORD-3"
	disc.Action = ActionDiscontinue
	s.Create(ctx, &disc)

	got, err := s.FindActiveByPatientConceptCareSetting(ctx, base.PatientID, base.ConceptID, base.CareSettingID, day0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ID != base.ID {
		t.Errorf("expected only the open order, got %d", len(got))
	}
}

func TestMemoryStore_DeleteMissing(t *testing.T) {
	s := NewMemoryStore()
	if err := s.Delete(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.Update(context.Background(), memOrder("ORD-1")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
