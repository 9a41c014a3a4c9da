package order

import "github.com/google/uuid"

// AmbiguityDetector decides whether a candidate order would leave two active
// orders for the same orderable in one care setting, and resolves the target
// of a discontinuation that did not name one.
type AmbiguityDetector struct {
	parallel map[uuid.UUID]bool
}

// NewAmbiguityDetector builds a detector. Orders whose type id is in
// parallelTypes may coexist with other active orders for the same concept.
func NewAmbiguityDetector(parallelTypes []uuid.UUID) *AmbiguityDetector {
	d := &AmbiguityDetector{parallel: make(map[uuid.UUID]bool)}
	for _, id := range parallelTypes {
		d.parallel[id] = true
	}
	return d
}

func (d *AmbiguityDetector) allowsParallel(orderTypeID uuid.UUID) bool {
	return d.parallel[orderTypeID]
}

func (d *AmbiguityDetector) matching(candidate *Order, existing []*Order) []*Order {
	var out []*Order
	for _, o := range existing {
		if o.ID == candidate.ID || o.Voided || o.IsDiscontinuation() {
			continue
		}
		if o.PatientID != candidate.PatientID || o.CareSettingID != candidate.CareSettingID {
			continue
		}
		if candidate.IsDiscontinuation() && candidate.Drug == nil {
			// A bare discontinuation names the orderable by concept only.
			if o.ConceptID != candidate.ConceptID {
				continue
			}
		} else if !candidate.SameOrderable(o) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// CheckConflicts fails with an *AmbiguousOrderError when saving candidate would
// overlap another unvoided order for the same orderable. The order candidate
// links to through PreviousOrderID is not a conflict.
func (d *AmbiguityDetector) CheckConflicts(candidate *Order, existing []*Order) error {
	if candidate.IsDiscontinuation() {
		return nil
	}
	if d.allowsParallel(candidate.OrderTypeID) {
		return nil
	}
	var conflicts []*Order
	for _, o := range d.matching(candidate, existing) {
		if candidate.PreviousOrderID != nil && o.ID == *candidate.PreviousOrderID {
			continue
		}
		if d.allowsParallel(o.OrderTypeID) {
			continue
		}
		if windowsOverlap(candidate, o) {
			conflicts = append(conflicts, o)
		}
	}
	if len(conflicts) > 0 {
		return &AmbiguousOrderError{
			Reason:     "an active order for the same orderable and care setting already exists",
			Candidates: conflicts,
		}
	}
	return nil
}

// ResolveDiscontinuationTarget picks the single order a discontinuation with no
// explicit previous order applies to. active must hold the orders active at the
// discontinue date.
func (d *AmbiguityDetector) ResolveDiscontinuationTarget(candidate *Order, active []*Order) (*Order, error) {
	var matches []*Order
	for _, o := range d.matching(candidate, active) {
		if candidate.DateActivated != nil && !o.IsActive(*candidate.DateActivated) {
			continue
		}
		matches = append(matches, o)
	}
	switch len(matches) {
	case 0:
		return nil, illegalf("no active order matches the discontinuation")
	case 1:
		return matches[0], nil
	default:
		return nil, &AmbiguousOrderError{
			Reason:     "more than one active order matches the discontinuation",
			Candidates: matches,
		}
	}
}
