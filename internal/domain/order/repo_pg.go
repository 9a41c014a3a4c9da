package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/orders/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgSerializationError  = "40001"
	pgDeadlockDetected    = "40P01"
)

// mapPGError turns driver errors into the package's error kinds.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case "uq_orders_previous_action":
			return fmt.Errorf("%w: order was revised or discontinued concurrently", ErrConcurrencyConflict)
		case "orders_order_number_key":
			return validationf("order number is already in use")
		}
	case pgForeignKeyViolation:
		return illegalf("order is still referenced (%s)", pgErr.ConstraintName)
	case pgSerializationError, pgDeadlockDetected:
		return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Message)
	}
	return err
}

// =========== Order Repository ===========

type orderRepoPG struct{ pool *pgxpool.Pool }

func NewOrderRepoPG(pool *pgxpool.Pool) OrderRepository {
	return &orderRepoPG{pool: pool}
}

func (r *orderRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const orderCols = `id, order_number, patient_id, concept_id, care_setting_id, order_type_id,
	kind, details, action, previous_order_id, urgency, scheduled_date,
	date_activated, auto_expire_date, date_stopped, orderer_id, encounter_id, instructions,
	discontinue_reason_concept_id, discontinue_reason_text,
	fulfiller_status, fulfiller_comment, accession_number,
	voided, voided_by, date_voided, void_reason, creator, created_at, updated_at`

func (r *orderRepoPG) scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var details []byte
	err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientID, &o.ConceptID, &o.CareSettingID, &o.OrderTypeID,
		&o.Kind, &details, &o.Action, &o.PreviousOrderID, &o.Urgency, &o.ScheduledDate,
		&o.DateActivated, &o.AutoExpireDate, &o.DateStopped, &o.OrdererID, &o.EncounterID, &o.Instructions,
		&o.DiscontinueReasonConceptID, &o.DiscontinueReasonText,
		&o.FulfillerStatus, &o.FulfillerComment, &o.AccessionNumber,
		&o.Voided, &o.VoidedBy, &o.DateVoided, &o.VoidReason, &o.Creator, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, mapPGError(err)
	}
	if err := decodeDetails(&o, details); err != nil {
		return nil, err
	}
	return &o, nil
}

// encodeDetails stores the kind-specific payload as JSONB.
func encodeDetails(o *Order) ([]byte, error) {
	switch o.Kind {
	case KindDrug:
		if o.Drug != nil {
			return json.Marshal(o.Drug)
		}
	case KindTest:
		if o.Test != nil {
			return json.Marshal(o.Test)
		}
	}
	return nil, nil
}

func decodeDetails(o *Order, details []byte) error {
	if len(details) == 0 {
		return nil
	}
	switch o.Kind {
	case KindDrug:
		o.Drug = &DrugDetails{}
		return json.Unmarshal(details, o.Drug)
	case KindTest:
		o.Test = &TestDetails{}
		return json.Unmarshal(details, o.Test)
	}
	return nil
}

func (r *orderRepoPG) Create(ctx context.Context, o *Order) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	details, err := encodeDetails(o)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO orders (id, order_number, patient_id, concept_id, care_setting_id, order_type_id,
			kind, details, action, previous_order_id, urgency, scheduled_date,
			date_activated, auto_expire_date, date_stopped, orderer_id, encounter_id, instructions,
			discontinue_reason_concept_id, discontinue_reason_text,
			fulfiller_status, fulfiller_comment, accession_number,
			voided, voided_by, date_voided, void_reason, creator)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)
		RETURNING created_at, updated_at`,
		o.ID, o.OrderNumber, o.PatientID, o.ConceptID, o.CareSettingID, o.OrderTypeID,
		o.Kind, details, o.Action, o.PreviousOrderID, o.Urgency, o.ScheduledDate,
		o.DateActivated, o.AutoExpireDate, o.DateStopped, o.OrdererID, o.EncounterID, o.Instructions,
		o.DiscontinueReasonConceptID, o.DiscontinueReasonText,
		o.FulfillerStatus, o.FulfillerComment, o.AccessionNumber,
		o.Voided, o.VoidedBy, o.DateVoided, o.VoidReason, o.Creator,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	return mapPGError(err)
}

// Update writes the mutable columns: stop date, fulfiller fields and void state.
func (r *orderRepoPG) Update(ctx context.Context, o *Order) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE orders SET date_stopped=$2, fulfiller_status=$3, fulfiller_comment=$4, accession_number=$5,
			voided=$6, voided_by=$7, date_voided=$8, void_reason=$9, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		o.ID, o.DateStopped, o.FulfillerStatus, o.FulfillerComment, o.AccessionNumber,
		o.Voided, o.VoidedBy, o.DateVoided, o.VoidReason,
	).Scan(&o.UpdatedAt)
	return mapPGError(err)
}

func (r *orderRepoPG) UpdateFulfillment(ctx context.Context, id uuid.UUID, f Fulfillment) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE orders SET
			fulfiller_status = COALESCE($2, fulfiller_status),
			fulfiller_comment = COALESCE($3, fulfiller_comment),
			accession_number = COALESCE($4, accession_number),
			updated_at = NOW()
		WHERE id = $1`,
		id, f.Status, f.Comment, f.AccessionNumber,
	)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *orderRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return mapPGError(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *orderRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1`, id))
}

func (r *orderRepoPG) GetByOrderNumber(ctx context.Context, number string) (*Order, error) {
	return r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE order_number = $1`, number))
}

func (r *orderRepoPG) queryOrders(ctx context.Context, sql string, args ...interface{}) ([]*Order, error) {
	rows, err := r.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, mapPGError(err)
	}
	defer rows.Close()
	var items []*Order
	for rows.Next() {
		o, err := r.scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, o)
	}
	return items, mapPGError(rows.Err())
}

func (r *orderRepoPG) FindActiveByPatientConceptCareSetting(ctx context.Context, patientID, conceptID, careSettingID uuid.UUID, asOf time.Time) ([]*Order, error) {
	return r.queryOrders(ctx, `SELECT `+orderCols+` FROM orders
		WHERE patient_id = $1 AND concept_id = $2 AND care_setting_id = $3
			AND voided = FALSE AND action <> 'DISCONTINUE'
			AND COALESCE(date_stopped, auto_expire_date, 'infinity'::timestamptz) >= $4
		ORDER BY date_activated DESC, created_at DESC`,
		patientID, conceptID, careSettingID, asOf)
}

func (r *orderRepoPG) FindPreviousOrderLink(ctx context.Context, previousID uuid.UUID, action Action) (*Order, error) {
	o, err := r.scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders
		WHERE previous_order_id = $1 AND action = $2 AND voided = FALSE`, previousID, action))
	if err != nil {
		return nil, fmt.Errorf("%s order for %s: %w", action, previousID, err)
	}
	return o, nil
}

func (r *orderRepoPG) ListChildren(ctx context.Context, previousID uuid.UUID) ([]*Order, error) {
	return r.queryOrders(ctx, `SELECT `+orderCols+` FROM orders WHERE previous_order_id = $1
		ORDER BY date_activated DESC, created_at DESC`, previousID)
}

func (r *orderRepoPG) Search(ctx context.Context, f Filter, limit, offset int) ([]*Order, int, error) {
	where := []string{"patient_id = $1"}
	args := []interface{}{f.PatientID}
	idx := 2
	if !f.IncludeVoided {
		where = append(where, "voided = FALSE")
	}
	if f.ConceptID != nil {
		where = append(where, fmt.Sprintf("concept_id = $%d", idx))
		args = append(args, *f.ConceptID)
		idx++
	}
	if f.CareSettingID != nil {
		where = append(where, fmt.Sprintf("care_setting_id = $%d", idx))
		args = append(args, *f.CareSettingID)
		idx++
	}
	if len(f.OrderTypeIDs) > 0 {
		where = append(where, fmt.Sprintf("order_type_id = ANY($%d)", idx))
		args = append(args, f.OrderTypeIDs)
		idx++
	}
	clause := strings.Join(where, " AND ")

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM orders WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, 0, mapPGError(err)
	}

	sql := `SELECT ` + orderCols + ` FROM orders WHERE ` + clause + ` ORDER BY date_activated DESC, created_at DESC`
	if limit > 0 {
		sql += " LIMIT $" + strconv.Itoa(idx) + " OFFSET $" + strconv.Itoa(idx+1)
		args = append(args, limit, offset)
	}
	items, err := r.queryOrders(ctx, sql, args...)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// LockKey takes a transaction-scoped advisory lock. Outside a transaction it
// would be released immediately, so it refuses to run there.
func (r *orderRepoPG) LockKey(ctx context.Context, key string) error {
	tx := db.TxFromContext(ctx)
	if tx == nil {
		return errors.New("advisory lock requires a transaction")
	}
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return mapPGError(err)
}

// =========== Sequence Store ===========

type sequenceStorePG struct{ pool *pgxpool.Pool }

// NewSequenceStorePG returns a SeedStore over the global_property table.
// Each increment commits in its own short transaction so the row lock is not
// held for the rest of a save.
func NewSequenceStorePG(pool *pgxpool.Pool) SeedStore {
	return &sequenceStorePG{pool: pool}
}

func (s *sequenceStorePG) GetAndIncrementOrderSeed(ctx context.Context) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin sequence transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var raw *string
	err = tx.QueryRow(ctx, `SELECT property_value FROM global_property WHERE property = $1 FOR UPDATE`,
		NextOrderNumberSeedProperty).Scan(&raw)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	seed, err := parseSeed(raw)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `UPDATE global_property SET property_value = $2 WHERE property = $1`,
		NextOrderNumberSeedProperty, strconv.FormatInt(seed+1, 10)); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit sequence transaction: %w", err)
	}
	return seed, nil
}

// PeekOrderSeed returns the raw stored seed without consuming it.
func (s *sequenceStorePG) PeekOrderSeed(ctx context.Context) (string, error) {
	var raw *string
	err := s.pool.QueryRow(ctx, `SELECT property_value FROM global_property WHERE property = $1`,
		NextOrderNumberSeedProperty).Scan(&raw)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return "", err
	}
	if raw == nil {
		return "", fmt.Errorf("%w: global property %s is not set", ErrConfiguration, NextOrderNumberSeedProperty)
	}
	return *raw, nil
}

// SetOrderSeed overwrites the stored seed. A nil value removes the property.
func (s *sequenceStorePG) SetOrderSeed(ctx context.Context, value *string) error {
	if value == nil {
		_, err := s.pool.Exec(ctx, `DELETE FROM global_property WHERE property = $1`, NextOrderNumberSeedProperty)
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO global_property (property, property_value) VALUES ($1, $2)
		ON CONFLICT (property) DO UPDATE SET property_value = EXCLUDED.property_value`,
		NextOrderNumberSeedProperty, *value)
	return err
}

// =========== Order Type Repository ===========

type orderTypeRepoPG struct{ pool *pgxpool.Pool }

func NewOrderTypeRepoPG(pool *pgxpool.Pool) OrderTypeHierarchy {
	return &orderTypeRepoPG{pool: pool}
}

func (r *orderTypeRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const orderTypeSelect = `SELECT ot.id, ot.name, ot.parent_id, ot.retired,
		COALESCE(array_agg(m.concept_class) FILTER (WHERE m.concept_class IS NOT NULL), '{}')
	FROM order_type ot
	LEFT JOIN order_type_class_map m ON m.order_type_id = ot.id`

func scanOrderType(row pgx.Row) (*OrderType, error) {
	var t OrderType
	if err := row.Scan(&t.ID, &t.Name, &t.ParentID, &t.Retired, &t.ConceptClasses); err != nil {
		return nil, mapPGError(err)
	}
	return &t, nil
}

func (r *orderTypeRepoPG) GetOrderType(ctx context.Context, id uuid.UUID) (*OrderType, error) {
	return scanOrderType(r.conn(ctx).QueryRow(ctx, orderTypeSelect+` WHERE ot.id = $1 GROUP BY ot.id`, id))
}

func (r *orderTypeRepoPG) GetOrderTypeByName(ctx context.Context, name string) (*OrderType, error) {
	return scanOrderType(r.conn(ctx).QueryRow(ctx, orderTypeSelect+` WHERE ot.name = $1 GROUP BY ot.id`, name))
}

// subtypesSQL walks order_type breadth first from $1. The path array stops a
// cyclic hierarchy from recursing forever.
const subtypesSQL = `
	WITH RECURSIVE tree (id, depth, path) AS (
		SELECT id, 0, ARRAY[id] FROM order_type WHERE id = $1
		UNION ALL
		SELECT ot.id, tree.depth + 1, tree.path || ot.id
		FROM order_type ot
		JOIN tree ON ot.parent_id = tree.id
		WHERE NOT ot.id = ANY(tree.path)
	)
	SELECT id FROM tree
	GROUP BY id
	ORDER BY MIN(depth), id`

func (r *orderTypeRepoPG) GetSubtypes(ctx context.Context, id uuid.UUID, includeSelf bool) ([]uuid.UUID, error) {
	rows, err := r.conn(ctx).Query(ctx, subtypesSQL, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := false
	var ids []uuid.UUID
	for rows.Next() {
		var typeID uuid.UUID
		if err := rows.Scan(&typeID); err != nil {
			return nil, err
		}
		if typeID == id {
			found = true
			if !includeSelf {
				continue
			}
		}
		ids = append(ids, typeID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("order type %s: %w", id, ErrNotFound)
	}
	return ids, nil
}

func (r *orderTypeRepoPG) OrderTypeForConcept(ctx context.Context, conceptID uuid.UUID) (*OrderType, error) {
	rows, err := r.conn(ctx).Query(ctx, orderTypeSelect+`
		WHERE ot.retired = FALSE AND ot.id IN (
			SELECT cm.order_type_id FROM order_type_class_map cm
			JOIN concept_class_ref c ON c.concept_class = cm.concept_class
			WHERE c.concept_id = $1)
		GROUP BY ot.id`, conceptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var matches []*OrderType
	for rows.Next() {
		t, err := scanOrderType(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, validationf("concept %s maps to more than one order type", conceptID)
	}
}

// =========== Observation Purger ===========

type observationPurgerPG struct{ pool *pgxpool.Pool }

func NewObservationPurgerPG(pool *pgxpool.Pool) ObservationPurger {
	return &observationPurgerPG{pool: pool}
}

func (p *observationPurgerPG) PurgeObservationsForOrder(ctx context.Context, orderID uuid.UUID) error {
	var q queryable = p.pool
	if tx := db.TxFromContext(ctx); tx != nil {
		q = tx
	}
	_, err := q.Exec(ctx, `DELETE FROM order_observation WHERE order_id = $1`, orderID)
	return err
}
