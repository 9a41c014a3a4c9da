package order

import (
	"time"

	"github.com/google/uuid"
)

// Action tags what an order does to the chain it belongs to.
type Action string

const (
	ActionNew         Action = "NEW"
	ActionRevise      Action = "REVISE"
	ActionDiscontinue Action = "DISCONTINUE"
)

var validActions = map[Action]bool{
	ActionNew: true, ActionRevise: true, ActionDiscontinue: true,
}

// FulfillerStatus is reported by whoever carries the order out (pharmacy, lab).
type FulfillerStatus string

const (
	FulfillerReceived   FulfillerStatus = "RECEIVED"
	FulfillerInProgress FulfillerStatus = "IN_PROGRESS"
	FulfillerException  FulfillerStatus = "EXCEPTION"
	FulfillerCompleted  FulfillerStatus = "COMPLETED"
)

var validFulfillerStatuses = map[FulfillerStatus]bool{
	FulfillerReceived: true, FulfillerInProgress: true, FulfillerException: true, FulfillerCompleted: true,
}

type Urgency string

const (
	UrgencyRoutine         Urgency = "ROUTINE"
	UrgencyStat            Urgency = "STAT"
	UrgencyOnScheduledDate Urgency = "ON_SCHEDULED_DATE"
)

var validUrgencies = map[Urgency]bool{
	UrgencyRoutine: true, UrgencyStat: true, UrgencyOnScheduledDate: true,
}

// Kind selects which subtype payload an order carries.
type Kind string

const (
	KindGeneric Kind = "generic"
	KindDrug    Kind = "drug"
	KindTest    Kind = "test"
)

// DrugDetails is the payload of a drug order. Either DrugID or DrugNonCoded
// identifies the formulation; when both are empty the concept alone does.
type DrugDetails struct {
	DrugID             *uuid.UUID `json:"drug_id,omitempty"`
	DrugNonCoded       *string    `json:"drug_non_coded,omitempty"`
	Dose               *float64   `json:"dose,omitempty"`
	DoseUnits          *string    `json:"dose_units,omitempty"`
	Route              *string    `json:"route,omitempty"`
	Frequency          *string    `json:"frequency,omitempty"`
	AsNeeded           bool       `json:"as_needed,omitempty"`
	DosingInstructions *string    `json:"dosing_instructions,omitempty"`
	Quantity           *float64   `json:"quantity,omitempty"`
	QuantityUnits      *string    `json:"quantity_units,omitempty"`
	NumRefills         *int       `json:"num_refills,omitempty"`
}

// TestDetails is the payload of a lab or imaging test order.
type TestDetails struct {
	SpecimenSource  *string `json:"specimen_source,omitempty"`
	Laterality      *string `json:"laterality,omitempty"`
	ClinicalHistory *string `json:"clinical_history,omitempty"`
	Frequency       *string `json:"frequency,omitempty"`
	NumberOfRepeats *int    `json:"number_of_repeats,omitempty"`
}

// Order maps to the orders table. Clinical fields are fixed once the order is
// saved; later changes happen through REVISE and DISCONTINUE orders linked by
// PreviousOrderID.
type Order struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	OrderNumber   string       `db:"order_number" json:"order_number"`
	PatientID     uuid.UUID    `db:"patient_id" json:"patient_id"`
	ConceptID     uuid.UUID    `db:"concept_id" json:"concept_id"`
	CareSettingID uuid.UUID    `db:"care_setting_id" json:"care_setting_id"`
	OrderTypeID   uuid.UUID    `db:"order_type_id" json:"order_type_id"`
	Kind          Kind         `db:"kind" json:"kind"`
	Drug          *DrugDetails `db:"-" json:"drug,omitempty"`
	Test          *TestDetails `db:"-" json:"test,omitempty"`

	Action          Action     `db:"action" json:"action"`
	PreviousOrderID *uuid.UUID `db:"previous_order_id" json:"previous_order_id,omitempty"`

	Urgency        Urgency    `db:"urgency" json:"urgency"`
	ScheduledDate  *time.Time `db:"scheduled_date" json:"scheduled_date,omitempty"`
	DateActivated  *time.Time `db:"date_activated" json:"date_activated,omitempty"`
	AutoExpireDate *time.Time `db:"auto_expire_date" json:"auto_expire_date,omitempty"`
	DateStopped    *time.Time `db:"date_stopped" json:"date_stopped,omitempty"`

	OrdererID                  *uuid.UUID `db:"orderer_id" json:"orderer_id,omitempty"`
	EncounterID                *uuid.UUID `db:"encounter_id" json:"encounter_id,omitempty"`
	Instructions               *string    `db:"instructions" json:"instructions,omitempty"`
	DiscontinueReasonConceptID *uuid.UUID `db:"discontinue_reason_concept_id" json:"discontinue_reason_concept_id,omitempty"`
	DiscontinueReasonText      *string    `db:"discontinue_reason_text" json:"discontinue_reason_text,omitempty"`

	FulfillerStatus  *FulfillerStatus `db:"fulfiller_status" json:"fulfiller_status,omitempty"`
	FulfillerComment *string          `db:"fulfiller_comment" json:"fulfiller_comment,omitempty"`
	AccessionNumber  *string          `db:"accession_number" json:"accession_number,omitempty"`

	Voided     bool       `db:"voided" json:"voided"`
	VoidedBy   *string    `db:"voided_by" json:"voided_by,omitempty"`
	DateVoided *time.Time `db:"date_voided" json:"date_voided,omitempty"`
	VoidReason *string    `db:"void_reason" json:"void_reason,omitempty"`

	Creator   *string   `db:"creator" json:"creator,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// OrderContext supplies defaults for fields the caller left empty.
type OrderContext struct {
	OrderTypeID   *uuid.UUID `json:"order_type_id,omitempty"`
	CareSettingID *uuid.UUID `json:"care_setting_id,omitempty"`
}

// DiscontinueReason is either a coded concept or free text.
type DiscontinueReason struct {
	ConceptID *uuid.UUID
	Text      string
}

// Actor identifies who is placing a discontinuation and in which encounter.
type Actor struct {
	OrdererID   *uuid.UUID
	EncounterID *uuid.UUID
	User        string
}

func (o *Order) IsDiscontinuation() bool {
	return o.Action == ActionDiscontinue
}

// IsLinked reports whether the order revises or discontinues another order.
func (o *Order) IsLinked() bool {
	return (o.Action == ActionRevise || o.Action == ActionDiscontinue) && o.PreviousOrderID != nil
}

// resolveKind infers the kind from the payload when the caller did not set it.
func (o *Order) resolveKind() Kind {
	if o.Kind != "" {
		return o.Kind
	}
	switch {
	case o.Drug != nil:
		return KindDrug
	case o.Test != nil:
		return KindTest
	default:
		return KindGeneric
	}
}

// SameOrderable reports whether both orders ask for the same thing: the same
// drug formulation for drug orders, otherwise the same concept.
func (o *Order) SameOrderable(other *Order) bool {
	if other == nil || o.resolveKind() != other.resolveKind() || o.ConceptID != other.ConceptID {
		return false
	}
	switch o.resolveKind() {
	case KindDrug:
		return sameDrug(o.Drug, other.Drug)
	default:
		return true
	}
}

// sameDrug compares formulations. An order that names no formulation is
// matched on its concept alone.
func sameDrug(a, b *DrugDetails) bool {
	if !a.hasFormulation() || !b.hasFormulation() {
		return true
	}
	if a.DrugID != nil || b.DrugID != nil {
		return a.DrugID != nil && b.DrugID != nil && *a.DrugID == *b.DrugID
	}
	return *a.DrugNonCoded == *b.DrugNonCoded
}

func (d *DrugDetails) hasFormulation() bool {
	return d != nil && (d.DrugID != nil || d.DrugNonCoded != nil)
}

// lockKey names the (patient, concept, care setting) slot guarded during
// check-then-act sequences.
func lockKey(patientID, conceptID, careSettingID uuid.UUID) string {
	return "order:" + patientID.String() + ":" + conceptID.String() + ":" + careSettingID.String()
}

func (o *Order) lockKey() string {
	return lockKey(o.PatientID, o.ConceptID, o.CareSettingID)
}

// clone copies the order and its payload so stored and returned values do not alias.
func (o *Order) clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.Drug != nil {
		d := *o.Drug
		c.Drug = &d
	}
	if o.Test != nil {
		t := *o.Test
		c.Test = &t
	}
	return &c
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func strPtr(s string) *string {
	return &s
}
