package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ehr/orders/internal/platform/lock"
	"github.com/ehr/orders/internal/platform/telemetry"
	"github.com/ehr/orders/internal/platform/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// Event types published on the patient topic after a commit.
const (
	EventOrderSaved           = "order.saved"
	EventOrderRevised         = "order.revised"
	EventOrderDiscontinued    = "order.discontinued"
	EventOrderVoided          = "order.voided"
	EventOrderUnvoided        = "order.unvoided"
	EventOrderPurged          = "order.purged"
	EventOrderFulfillerStatus = "order.fulfiller-status"
)

// activationSkew is how far before the clock a plain save may place
// date_activated. Anything earlier needs a retrospective save.
const activationSkew = time.Minute

// Service is the order lifecycle engine. Every write runs under a
// (patient, concept, care setting) lock and inside one storage transaction.
type Service struct {
	orders   OrderRepository
	seq      *Sequencer
	types    OrderTypeHierarchy
	tx       TxManager
	detector *AmbiguityDetector
	locker   lock.Locker
	events   websocket.EventPublisher
	purger   ObservationPurger
	tel      *telemetry.Provider
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(orders OrderRepository, seq *Sequencer, types OrderTypeHierarchy, tx TxManager) *Service {
	return &Service{
		orders:   orders,
		seq:      seq,
		types:    types,
		tx:       tx,
		detector: NewAmbiguityDetector(nil),
		locker:   lock.NewLocal(),
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

// SetParallelOrderTypes declares the order types whose orders may be active
// side by side for the same concept.
func (s *Service) SetParallelOrderTypes(ids []uuid.UUID) {
	s.detector = NewAmbiguityDetector(ids)
}

// SetLocker replaces the default in-process locker.
func (s *Service) SetLocker(l lock.Locker) {
	s.locker = l
}

// SetEventPublisher attaches an optional publisher for lifecycle events.
func (s *Service) SetEventPublisher(p websocket.EventPublisher) {
	s.events = p
}

// SetObservationPurger enables cascading purges.
func (s *Service) SetObservationPurger(p ObservationPurger) {
	s.purger = p
}

func (s *Service) SetTelemetry(p *telemetry.Provider) {
	s.tel = p
}

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l
}

// SetClock overrides the time source used for "now".
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Outcome classifies an engine error for metrics and logs.
func Outcome(err error) string {
	var amb *AmbiguousOrderError
	switch {
	case err == nil:
		return telemetry.OutcomeSuccess
	case errors.As(err, &amb), errors.Is(err, ErrAmbiguousOrder):
		return "ambiguous"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrIllegalTransition):
		return "illegal_transition"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrConcurrencyConflict):
		return "conflict"
	default:
		return "error"
	}
}

// Save places a new, revision or discontinuation order. Missing order type and
// care setting are taken from oc. The input is not modified; the stored order
// is returned.
func (s *Service) Save(ctx context.Context, o *Order, oc *OrderContext) (*Order, error) {
	return s.save(ctx, o, oc, false)
}

// SaveRetrospective records an order that took effect in the past. The order
// must carry DateActivated, and linked orders are checked as of that date.
func (s *Service) SaveRetrospective(ctx context.Context, o *Order, oc *OrderContext) (*Order, error) {
	return s.save(ctx, o, oc, true)
}

// Revise replaces the terms of an active order. Identity fields left empty on
// revision are copied from the previous order.
func (s *Service) Revise(ctx context.Context, previousID uuid.UUID, revision *Order, oc *OrderContext) (*Order, error) {
	if revision == nil {
		return nil, validationf("revision is required")
	}
	prev, err := s.orders.GetByID(ctx, previousID)
	if err != nil {
		return nil, err
	}
	r := revision.clone()
	r.Action = ActionRevise
	r.PreviousOrderID = &prev.ID
	inheritIdentity(r, prev)
	return s.save(ctx, r, oc, false)
}

// Discontinue stops orderID as of date, or now when date is nil. A date in the
// past checks the target as of that date.
func (s *Service) Discontinue(ctx context.Context, orderID uuid.UUID, reason DiscontinueReason, date *time.Time, actor Actor) (*Order, error) {
	target, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	d := &Order{
		Action:          ActionDiscontinue,
		PreviousOrderID: &target.ID,
		OrdererID:       actor.OrdererID,
		EncounterID:     actor.EncounterID,
	}
	inheritIdentity(d, target)
	if reason.ConceptID != nil {
		d.DiscontinueReasonConceptID = reason.ConceptID
	}
	if reason.Text != "" {
		d.DiscontinueReasonText = strPtr(reason.Text)
	}
	if actor.User != "" {
		d.Creator = strPtr(actor.User)
	}
	retro := false
	if date != nil {
		d.DateActivated = timePtr(*date)
		retro = date.Before(s.now())
	}
	return s.save(ctx, d, nil, retro)
}

// inheritIdentity copies the clinical identity of prev into empty fields of o.
func inheritIdentity(o, prev *Order) {
	if o.PatientID == uuid.Nil {
		o.PatientID = prev.PatientID
	}
	if o.ConceptID == uuid.Nil {
		o.ConceptID = prev.ConceptID
	}
	if o.CareSettingID == uuid.Nil {
		o.CareSettingID = prev.CareSettingID
	}
	if o.OrderTypeID == uuid.Nil {
		o.OrderTypeID = prev.OrderTypeID
	}
	if o.Kind == "" {
		o.Kind = prev.resolveKind()
	}
	if o.Kind == KindDrug && prev.Drug != nil {
		if o.Drug == nil {
			o.Drug = &DrugDetails{}
			if o.Action == ActionRevise {
				d := *prev.Drug
				o.Drug = &d
			}
		}
		if o.Drug.DrugID == nil && o.Drug.DrugNonCoded == nil {
			o.Drug.DrugID = prev.Drug.DrugID
			o.Drug.DrugNonCoded = prev.Drug.DrugNonCoded
		}
	}
}

func (s *Service) save(ctx context.Context, in *Order, oc *OrderContext, retro bool) (saved *Order, err error) {
	if in == nil {
		return nil, validationf("order is required")
	}
	op := "save"
	if retro {
		op = "save_retrospective"
	}
	ctx, done := s.tel.Track(ctx, op, attribute.String("order.action", string(in.Action)))
	defer func() { done(err) }()

	if in.ID != uuid.Nil {
		return nil, illegalf("order %s is already saved; revise or discontinue it instead", in.ID)
	}
	o := in.clone()
	if err := s.prepare(ctx, o, oc, retro); err != nil {
		return nil, err
	}

	unlock, err := s.lockOrder(ctx, o.lockKey())
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.orders.LockKey(ctx, o.lockKey()); err != nil {
			return err
		}
		prev, err := s.resolvePrevious(ctx, o, retro)
		if err != nil {
			return err
		}
		if !o.IsDiscontinuation() {
			if err := s.checkConflicts(ctx, o); err != nil {
				return err
			}
		}
		if o.OrderNumber == "" {
			number, err := s.seq.Next(ctx)
			if err != nil {
				return err
			}
			s.tel.OrderNumberIssued()
			o.OrderNumber = number
		}
		o.ID = uuid.New()
		if err := s.orders.Create(ctx, o); err != nil {
			return err
		}
		if prev != nil {
			prev.DateStopped = timePtr(*o.DateActivated)
			if err := s.orders.Update(ctx, prev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		var amb *AmbiguousOrderError
		if errors.As(err, &amb) {
			s.tel.AmbiguityRejected()
		}
		return nil, err
	}

	event := EventOrderSaved
	switch o.Action {
	case ActionRevise:
		event = EventOrderRevised
	case ActionDiscontinue:
		event = EventOrderDiscontinued
	}
	s.logger.Info().
		Str("order_id", o.ID.String()).
		Str("order_number", o.OrderNumber).
		Str("action", string(o.Action)).
		Bool("retrospective", retro).
		Msg("order saved")
	s.publish(ctx, event, o)
	return o, nil
}

// prepare resolves defaults and validates everything that needs no storage
// reads of other orders.
func (s *Service) prepare(ctx context.Context, o *Order, oc *OrderContext, retro bool) error {
	if o.PatientID == uuid.Nil {
		return validationf("patient_id is required")
	}
	if o.ConceptID == uuid.Nil {
		return validationf("concept_id is required")
	}
	if o.Action == "" {
		o.Action = ActionNew
	}
	if !validActions[o.Action] {
		return validationf("invalid action: %s", o.Action)
	}

	if o.CareSettingID == uuid.Nil && oc != nil && oc.CareSettingID != nil {
		o.CareSettingID = *oc.CareSettingID
	}
	if o.CareSettingID == uuid.Nil {
		return validationf("care setting is required on the order or its context")
	}

	if err := s.resolveOrderType(ctx, o, oc); err != nil {
		return err
	}

	o.Kind = o.resolveKind()
	switch o.Kind {
	case KindGeneric:
		if o.Drug != nil || o.Test != nil {
			return validationf("generic orders carry no drug or test details")
		}
	case KindDrug:
		if o.Test != nil {
			return validationf("drug orders cannot carry test details")
		}
	case KindTest:
		if o.Drug != nil {
			return validationf("test orders cannot carry drug details")
		}
	default:
		return validationf("invalid kind: %s", o.Kind)
	}

	if o.Urgency == "" {
		o.Urgency = UrgencyRoutine
	}
	if !validUrgencies[o.Urgency] {
		return validationf("invalid urgency: %s", o.Urgency)
	}
	if o.Urgency == UrgencyOnScheduledDate && o.ScheduledDate == nil {
		return validationf("scheduled_date is required for urgency %s", UrgencyOnScheduledDate)
	}
	if o.Urgency != UrgencyOnScheduledDate && o.ScheduledDate != nil {
		return validationf("scheduled_date is only allowed with urgency %s", UrgencyOnScheduledDate)
	}
	if o.FulfillerStatus != nil && !validFulfillerStatuses[*o.FulfillerStatus] {
		return validationf("invalid fulfiller_status: %s", *o.FulfillerStatus)
	}
	if o.DateStopped != nil {
		return validationf("date_stopped is set by revisions and discontinuations, not on save")
	}
	if o.Voided {
		return validationf("cannot save a voided order")
	}

	now := s.now()
	if o.DateActivated == nil {
		if retro {
			return validationf("retrospective orders must carry date_activated")
		}
		o.DateActivated = timePtr(now)
	}
	if o.DateActivated.After(now) {
		if o.IsDiscontinuation() {
			return illegalf("discontinue date %s is in the future", o.DateActivated.Format(time.RFC3339))
		}
		return validationf("date_activated cannot be in the future")
	}
	if !retro && o.DateActivated.Before(now.Add(-activationSkew)) {
		return validationf("date_activated %s is in the past; use a retrospective save", o.DateActivated.Format(time.RFC3339))
	}
	if o.AutoExpireDate != nil {
		if o.IsDiscontinuation() {
			return validationf("discontinuation orders cannot carry auto_expire_date")
		}
		o.AutoExpireDate = timePtr(endOfDayIfDateOnly(*o.AutoExpireDate))
		if o.AutoExpireDate.Before(*o.DateActivated) {
			return validationf("auto_expire_date cannot precede date_activated")
		}
	}
	return nil
}

func (s *Service) resolveOrderType(ctx context.Context, o *Order, oc *OrderContext) error {
	if o.OrderTypeID == uuid.Nil && oc != nil && oc.OrderTypeID != nil {
		o.OrderTypeID = *oc.OrderTypeID
	}
	if o.OrderTypeID == uuid.Nil {
		t, err := s.types.OrderTypeForConcept(ctx, o.ConceptID)
		if err != nil {
			return err
		}
		if t == nil {
			return validationf("no order type given and none is mapped to concept %s", o.ConceptID)
		}
		o.OrderTypeID = t.ID
	}
	t, err := s.types.GetOrderType(ctx, o.OrderTypeID)
	if errors.Is(err, ErrNotFound) {
		return validationf("unknown order type %s", o.OrderTypeID)
	}
	if err != nil {
		return err
	}
	if t.Retired && o.Action == ActionNew {
		return validationf("order type %s is retired", t.Name)
	}
	return nil
}

// resolvePrevious loads and validates the order o links to. It returns the
// order whose window o closes, or nil for NEW orders.
func (s *Service) resolvePrevious(ctx context.Context, o *Order, retro bool) (*Order, error) {
	switch o.Action {
	case ActionNew:
		if o.PreviousOrderID == nil {
			return nil, nil
		}
		prev, err := s.loadPrevious(ctx, *o.PreviousOrderID)
		if err != nil {
			return nil, err
		}
		if prev.PatientID != o.PatientID {
			return nil, validationf("previous order %s belongs to another patient", prev.OrderNumber)
		}
		return nil, nil
	case ActionRevise:
		if o.PreviousOrderID == nil {
			return nil, validationf("revision orders require previous_order_id")
		}
	case ActionDiscontinue:
		if o.PreviousOrderID == nil {
			active, err := s.orders.FindActiveByPatientConceptCareSetting(ctx, o.PatientID, o.ConceptID, o.CareSettingID, *o.DateActivated)
			if err != nil {
				return nil, err
			}
			target, err := s.detector.ResolveDiscontinuationTarget(o, active)
			if err != nil {
				return nil, err
			}
			o.PreviousOrderID = &target.ID
			if o.Drug == nil && o.Test == nil {
				o.Kind = ""
				inheritIdentity(o, target)
			}
		}
	}

	prev, err := s.loadPrevious(ctx, *o.PreviousOrderID)
	if err != nil {
		return nil, err
	}
	if err := s.checkLinkTarget(ctx, o, prev, retro); err != nil {
		return nil, err
	}
	return prev, nil
}

func (s *Service) loadPrevious(ctx context.Context, id uuid.UUID) (*Order, error) {
	prev, err := s.orders.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, validationf("previous order %s does not exist", id)
	}
	return prev, err
}

// checkLinkTarget enforces the rules for revising or discontinuing prev.
func (s *Service) checkLinkTarget(ctx context.Context, o, prev *Order, retro bool) error {
	verb := "revised"
	if o.IsDiscontinuation() {
		verb = "discontinued"
	}
	if prev.Voided {
		return illegalf("order %s is voided and cannot be %s", prev.OrderNumber, verb)
	}
	if prev.IsDiscontinuation() {
		return illegalf("order %s is a discontinuation order and cannot be %s", prev.OrderNumber, verb)
	}
	if prev.PatientID != o.PatientID {
		return validationf("patient does not match previous order %s", prev.OrderNumber)
	}
	if prev.CareSettingID != o.CareSettingID {
		return validationf("care setting does not match previous order %s", prev.OrderNumber)
	}
	if !o.SameOrderable(prev) {
		return validationf("orderable does not match previous order %s", prev.OrderNumber)
	}
	if prev.DateActivated != nil && o.DateActivated.Before(*prev.DateActivated) {
		return validationf("date_activated cannot precede that of previous order %s", prev.OrderNumber)
	}
	if child, err := s.orders.FindPreviousOrderLink(ctx, prev.ID, o.Action); err == nil {
		return illegalf("order %s was already %s by %s", prev.OrderNumber, verb, child.OrderNumber)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if prev.DateStopped != nil {
		return illegalf("order %s is already stopped", prev.OrderNumber)
	}
	at := s.now()
	if retro || o.IsDiscontinuation() {
		at = *o.DateActivated
	}
	if !prev.IsActive(at) {
		return illegalf("order %s is not active at %s", prev.OrderNumber, at.Format(time.RFC3339))
	}
	return nil
}

func (s *Service) checkConflicts(ctx context.Context, o *Order) error {
	existing, err := s.orders.FindActiveByPatientConceptCareSetting(ctx, o.PatientID, o.ConceptID, o.CareSettingID, *o.DateActivated)
	if err != nil {
		return err
	}
	return s.detector.CheckConflicts(o, existing)
}

// VoidOrder soft-deletes an order. Voiding a revision or discontinuation
// reopens the previous order if its stop date is still the one this order set.
func (s *Service) VoidOrder(ctx context.Context, id uuid.UUID, reason, user string) (voided *Order, err error) {
	ctx, done := s.tel.Track(ctx, "void")
	defer func() { done(err) }()

	if reason == "" {
		return nil, validationf("void reason is required")
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockOrder(ctx, o.lockKey())
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.orders.LockKey(ctx, o.lockKey()); err != nil {
			return err
		}
		cur, err := s.orders.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if cur.Voided {
			return illegalf("order %s is already voided", cur.OrderNumber)
		}
		cur.Voided = true
		cur.DateVoided = timePtr(s.now())
		cur.VoidReason = strPtr(reason)
		if user != "" {
			cur.VoidedBy = strPtr(user)
		}
		if err := s.orders.Update(ctx, cur); err != nil {
			return err
		}
		if err := s.reopenPrevious(ctx, cur); err != nil {
			return err
		}
		o = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("order_id", o.ID.String()).Str("order_number", o.OrderNumber).Msg("order voided")
	s.publish(ctx, EventOrderVoided, o)
	return o, nil
}

// reopenPrevious clears the previous order's stop date when o was the order
// that set it.
func (s *Service) reopenPrevious(ctx context.Context, o *Order) error {
	if !o.IsLinked() || o.DateActivated == nil {
		return nil
	}
	prev, err := s.orders.GetByID(ctx, *o.PreviousOrderID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if prev.DateStopped == nil || !prev.DateStopped.Equal(*o.DateActivated) {
		return nil
	}
	prev.DateStopped = nil
	return s.orders.Update(ctx, prev)
}

// UnvoidOrder restores a voided order and re-applies its stop to the previous
// order, which must still be active and not linked to another order.
func (s *Service) UnvoidOrder(ctx context.Context, id uuid.UUID) (restored *Order, err error) {
	ctx, done := s.tel.Track(ctx, "unvoid")
	defer func() { done(err) }()

	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockOrder(ctx, o.lockKey())
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.orders.LockKey(ctx, o.lockKey()); err != nil {
			return err
		}
		cur, err := s.orders.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !cur.Voided {
			return illegalf("order %s is not voided", cur.OrderNumber)
		}
		cur.Voided = false
		cur.VoidedBy = nil
		cur.DateVoided = nil
		cur.VoidReason = nil

		var prev *Order
		if cur.IsLinked() {
			prev, err = s.orders.GetByID(ctx, *cur.PreviousOrderID)
			if err != nil {
				return err
			}
			if prev.Voided {
				return illegalf("previous order %s is voided", prev.OrderNumber)
			}
			if child, err := s.orders.FindPreviousOrderLink(ctx, prev.ID, cur.Action); err == nil {
				return illegalf("previous order %s is already linked to %s", prev.OrderNumber, child.OrderNumber)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
			if prev.DateStopped != nil || !prev.IsActive(s.now()) {
				return illegalf("previous order %s is no longer active", prev.OrderNumber)
			}
		}
		if !cur.IsDiscontinuation() {
			if err := s.checkConflicts(ctx, cur); err != nil {
				return err
			}
		}
		if err := s.orders.Update(ctx, cur); err != nil {
			return err
		}
		if prev != nil {
			prev.DateStopped = timePtr(*cur.DateActivated)
			if err := s.orders.Update(ctx, prev); err != nil {
				return err
			}
		}
		o = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("order_id", o.ID.String()).Str("order_number", o.OrderNumber).Msg("order unvoided")
	s.publish(ctx, EventOrderUnvoided, o)
	return o, nil
}

// UpdateFulfillerStatus sets the fulfiller fields. A nil argument leaves that
// field unchanged.
func (s *Service) UpdateFulfillerStatus(ctx context.Context, id uuid.UUID, status *FulfillerStatus, comment, accessionNumber *string) (updated *Order, err error) {
	ctx, done := s.tel.Track(ctx, "fulfiller_status")
	defer func() { done(err) }()

	if status != nil && !validFulfillerStatuses[*status] {
		return nil, validationf("invalid fulfiller_status: %s", *status)
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock, err := s.lockOrder(ctx, o.lockKey())
	if err != nil {
		return nil, err
	}
	defer unlock()

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.orders.LockKey(ctx, o.lockKey()); err != nil {
			return err
		}
		cur, err := s.orders.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if cur.Voided {
			return illegalf("order %s is voided", cur.OrderNumber)
		}
		if err := s.orders.UpdateFulfillment(ctx, id, Fulfillment{
			Status:          status,
			Comment:         comment,
			AccessionNumber: accessionNumber,
		}); err != nil {
			return err
		}
		updated, err = s.orders.GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, EventOrderFulfillerStatus, updated)
	return updated, nil
}

// PurgeOrder deletes an order permanently. Orders that others link to cannot
// be purged. With cascade, observations recorded against the order go first.
func (s *Service) PurgeOrder(ctx context.Context, id uuid.UUID, cascade bool) (err error) {
	ctx, done := s.tel.Track(ctx, "purge")
	defer func() { done(err) }()

	if cascade && s.purger == nil {
		return fmt.Errorf("%w: cascading purge requested but no observation purger is configured", ErrConfiguration)
	}
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return err
	}
	unlock, err := s.lockOrder(ctx, o.lockKey())
	if err != nil {
		return err
	}
	defer unlock()

	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.orders.LockKey(ctx, o.lockKey()); err != nil {
			return err
		}
		children, err := s.orders.ListChildren(ctx, id)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return illegalf("order %s is referenced by %d other order(s)", o.OrderNumber, len(children))
		}
		if !o.Voided {
			if err := s.reopenPrevious(ctx, o); err != nil {
				return err
			}
		}
		if cascade {
			if err := s.purger.PurgeObservationsForOrder(ctx, id); err != nil {
				return err
			}
		}
		return s.orders.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Warn().Str("order_id", o.ID.String()).Str("order_number", o.OrderNumber).Bool("cascade", cascade).Msg("order purged")
	s.publish(ctx, EventOrderPurged, o)
	return nil
}

func (s *Service) lockOrder(ctx context.Context, key string) (func(), error) {
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
	}
	return unlock, nil
}

func (s *Service) publish(ctx context.Context, eventType string, o *Order) {
	if s.events == nil {
		return
	}
	data, err := json.Marshal(o)
	if err != nil {
		s.logger.Error().Err(err).Str("order_id", o.ID.String()).Msg("failed to encode order event")
		return
	}
	event := websocket.Event{
		Type:         eventType,
		Topic:        "Patient/" + o.PatientID.String(),
		ResourceType: "Order",
		ResourceID:   o.ID.String(),
		Timestamp:    s.now().UTC(),
		Data:         data,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Str("order_id", o.ID.String()).Msg("failed to publish order event")
	}
}
