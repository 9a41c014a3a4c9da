package order

import (
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/orders/internal/platform/auth"
	"github.com/ehr/orders/internal/platform/middleware"
	"github.com/ehr/orders/pkg/pagination"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – everyone who works with orders
	readGroup := api.Group("", auth.RequireRole("physician", "nurse", "pharmacist", "lab_technician"))
	readGroup.GET("/orders/:id", h.GetOrder)
	readGroup.GET("/orders/:id/discontinuation", h.GetDiscontinuationOrder)
	readGroup.GET("/orders/:id/revision", h.GetRevisionOrder)
	readGroup.GET("/orders/number/:number", h.GetOrderByNumber)
	readGroup.GET("/orders/number/:number/history", h.GetOrderHistory)
	readGroup.GET("/patients/:patientId/orders", h.ListPatientOrders)
	readGroup.GET("/patients/:patientId/active-orders", h.ListActiveOrders)
	readGroup.GET("/patients/:patientId/concepts/:conceptId/orders", h.ListConceptHistory)

	// Write endpoints – prescribers
	writeGroup := api.Group("", auth.RequireRole("physician", "nurse"))
	writeGroup.POST("/orders", h.SaveOrder)
	writeGroup.POST("/orders/retrospective", h.SaveRetrospectiveOrder)
	writeGroup.POST("/orders/:id/revise", h.ReviseOrder)
	writeGroup.POST("/orders/:id/discontinue", h.DiscontinueOrder)
	writeGroup.POST("/orders/:id/void", h.VoidOrder)
	writeGroup.POST("/orders/:id/unvoid", h.UnvoidOrder)

	// Fulfillers report progress
	fulfillGroup := api.Group("", auth.RequireRole("pharmacist", "lab_technician", "nurse"))
	fulfillGroup.PATCH("/orders/:id/fulfiller-status", h.UpdateFulfillerStatus)

	adminGroup := api.Group("", auth.RequireRole("admin"))
	adminGroup.DELETE("/orders/:id", h.PurgeOrder)
}

// -- Request bodies --

type contextRequest struct {
	OrderTypeID   string `json:"order_type_id" validate:"omitempty,uuid"`
	CareSettingID string `json:"care_setting_id" validate:"omitempty,uuid"`
}

// orderFields are the order attributes shared by save and revise requests.
type orderFields struct {
	CareSettingID              string          `json:"care_setting_id" validate:"omitempty,uuid"`
	OrderTypeID                string          `json:"order_type_id" validate:"omitempty,uuid"`
	OrderNumber                string          `json:"order_number" validate:"omitempty,max=50"`
	Kind                       string          `json:"kind" validate:"omitempty,oneof=generic drug test"`
	Action                     string          `json:"action" validate:"omitempty,oneof=NEW REVISE DISCONTINUE"`
	PreviousOrderID            string          `json:"previous_order_id" validate:"omitempty,uuid"`
	Urgency                    string          `json:"urgency" validate:"omitempty,oneof=ROUTINE STAT ON_SCHEDULED_DATE"`
	ScheduledDate              *time.Time      `json:"scheduled_date"`
	DateActivated              *time.Time      `json:"date_activated"`
	AutoExpireDate             *time.Time      `json:"auto_expire_date"`
	OrdererID                  string          `json:"orderer_id" validate:"omitempty,uuid"`
	EncounterID                string          `json:"encounter_id" validate:"omitempty,uuid"`
	Instructions               *string         `json:"instructions" validate:"omitempty,max=4000"`
	DiscontinueReasonConceptID string          `json:"discontinue_reason_concept_id" validate:"omitempty,uuid"`
	DiscontinueReasonText      *string         `json:"discontinue_reason_text" validate:"omitempty,max=1024"`
	FulfillerStatus            *string         `json:"fulfiller_status" validate:"omitempty,oneof=RECEIVED IN_PROGRESS EXCEPTION COMPLETED"`
	Drug                       *DrugDetails    `json:"drug"`
	Test                       *TestDetails    `json:"test"`
	Context                    *contextRequest `json:"context"`
}

type saveRequest struct {
	PatientID string `json:"patient_id" validate:"required,uuid"`
	ConceptID string `json:"concept_id" validate:"required,uuid"`
	orderFields
}

type reviseRequest struct {
	PatientID string `json:"patient_id" validate:"omitempty,uuid"`
	ConceptID string `json:"concept_id" validate:"omitempty,uuid"`
	orderFields
}

type discontinueRequest struct {
	ReasonConceptID string     `json:"reason_concept_id" validate:"omitempty,uuid"`
	Reason          string     `json:"reason" validate:"omitempty,max=1024"`
	Date            *time.Time `json:"date"`
	OrdererID       string     `json:"orderer_id" validate:"omitempty,uuid"`
	EncounterID     string     `json:"encounter_id" validate:"omitempty,uuid"`
}

type voidRequest struct {
	Reason string `json:"reason" validate:"required,max=255"`
}

type fulfillerStatusRequest struct {
	Status          *string `json:"status" validate:"omitempty,oneof=RECEIVED IN_PROGRESS EXCEPTION COMPLETED"`
	Comment         *string `json:"comment" validate:"omitempty,max=1024"`
	AccessionNumber *string `json:"accession_number" validate:"omitempty,max=255"`
}

// bindAndValidate decodes the body into req and checks its validate tags.
func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, formatValidationErrors(err))
	}
	return nil
}

func formatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "uuid":
			msgs = append(msgs, field+" must be a UUID")
		case "oneof":
			msgs = append(msgs, field+" must be one of "+strings.Join(strings.Fields(fe.Param()), ", "))
		case "max":
			msgs = append(msgs, field+" must be at most "+fe.Param()+" characters")
		default:
			msgs = append(msgs, field+" is invalid")
		}
	}
	return strings.Join(msgs, ", ")
}

// optionalUUID parses a field already checked by the uuid tag.
func optionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

func uuidOrNil(s string) uuid.UUID {
	if id := optionalUUID(s); id != nil {
		return *id
	}
	return uuid.Nil
}

func (f orderFields) toOrder(patientID, conceptID string) *Order {
	o := &Order{
		PatientID:                  uuidOrNil(patientID),
		ConceptID:                  uuidOrNil(conceptID),
		CareSettingID:              uuidOrNil(f.CareSettingID),
		OrderTypeID:                uuidOrNil(f.OrderTypeID),
		OrderNumber:                f.OrderNumber,
		Kind:                       Kind(f.Kind),
		Action:                     Action(f.Action),
		PreviousOrderID:            optionalUUID(f.PreviousOrderID),
		Urgency:                    Urgency(f.Urgency),
		ScheduledDate:              f.ScheduledDate,
		DateActivated:              f.DateActivated,
		AutoExpireDate:             f.AutoExpireDate,
		OrdererID:                  optionalUUID(f.OrdererID),
		EncounterID:                optionalUUID(f.EncounterID),
		Instructions:               f.Instructions,
		DiscontinueReasonConceptID: optionalUUID(f.DiscontinueReasonConceptID),
		DiscontinueReasonText:      f.DiscontinueReasonText,
		Drug:                       f.Drug,
		Test:                       f.Test,
	}
	if f.FulfillerStatus != nil {
		fs := FulfillerStatus(*f.FulfillerStatus)
		o.FulfillerStatus = &fs
	}
	return o
}

func (f orderFields) orderContext() *OrderContext {
	if f.Context == nil {
		return nil
	}
	return &OrderContext{
		OrderTypeID:   optionalUUID(f.Context.OrderTypeID),
		CareSettingID: optionalUUID(f.Context.CareSettingID),
	}
}

// stampActor fills the creator and, when missing, the orderer from the caller.
func stampActor(c echo.Context, o *Order) {
	ctx := c.Request().Context()
	if user := auth.UserIDFromContext(ctx); user != "" {
		o.Creator = strPtr(user)
	}
	if o.OrdererID == nil {
		o.OrdererID = auth.ProviderIDFromContext(ctx)
	}
}

// errorResponse maps engine errors onto HTTP statuses.
func errorResponse(err error) error {
	var amb *AmbiguousOrderError
	switch {
	case errors.As(err, &amb):
		return echo.NewHTTPError(http.StatusConflict, map[string]interface{}{
			"message":    amb.Error(),
			"candidates": amb.CandidateNumbers(),
		})
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrConcurrencyConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

// orderJSON writes o and tags the request's audit entry with its patient.
func orderJSON(c echo.Context, code int, o *Order) error {
	middleware.SetAuditPatient(c, o.PatientID.String())
	return c.JSON(code, o)
}

func pathUUID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func queryUUID(c echo.Context, name string) (*uuid.UUID, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return &id, nil
}

// -- Write handlers --

func (h *Handler) SaveOrder(c echo.Context) error {
	return h.save(c, false)
}

func (h *Handler) SaveRetrospectiveOrder(c echo.Context) error {
	return h.save(c, true)
}

func (h *Handler) save(c echo.Context, retro bool) error {
	var req saveRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	o := req.toOrder(req.PatientID, req.ConceptID)
	stampActor(c, o)

	var (
		saved *Order
		err   error
	)
	if retro {
		saved, err = h.svc.SaveRetrospective(c.Request().Context(), o, req.orderContext())
	} else {
		saved, err = h.svc.Save(c.Request().Context(), o, req.orderContext())
	}
	if err != nil {
		return errorResponse(err)
	}
	return orderJSON(c, http.StatusCreated, saved)
}

func (h *Handler) ReviseOrder(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req reviseRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	o := req.toOrder(req.PatientID, req.ConceptID)
	stampActor(c, o)
	saved, err := h.svc.Revise(c.Request().Context(), id, o, req.orderContext())
	if err != nil {
		return errorResponse(err)
	}
	return orderJSON(c, http.StatusCreated, saved)
}

func (h *Handler) DiscontinueOrder(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req discontinueRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	actor := Actor{
		OrdererID:   optionalUUID(req.OrdererID),
		EncounterID: optionalUUID(req.EncounterID),
		User:        auth.UserIDFromContext(ctx),
	}
	if actor.OrdererID == nil {
		actor.OrdererID = auth.ProviderIDFromContext(ctx)
	}
	reason := DiscontinueReason{ConceptID: optionalUUID(req.ReasonConceptID), Text: req.Reason}
	saved, err := h.svc.Discontinue(ctx, id, reason, req.Date, actor)
	if err != nil {
		return errorResponse(err)
	}
	return orderJSON(c, http.StatusCreated, saved)
}

func (h *Handler) VoidOrder(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req voidRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	o, err := h.svc.VoidOrder(ctx, id, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return errorResponse(err)
	}
	return orderJSON(c, http.StatusOK, o)
}

func (h *Handler) UnvoidOrder(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	o, err := h.svc.UnvoidOrder(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return orderJSON(c, http.StatusOK, o)
}

func (h *Handler) UpdateFulfillerStatus(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	var req fulfillerStatusRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	var status *FulfillerStatus
	if req.Status != nil {
		fs := FulfillerStatus(*req.Status)
		status = &fs
	}
	o, err := h.svc.UpdateFulfillerStatus(c.Request().Context(), id, status, req.Comment, req.AccessionNumber)
	if err != nil {
		return errorResponse(err)
	}
	return orderJSON(c, http.StatusOK, o)
}

func (h *Handler) PurgeOrder(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	cascade, _ := strconv.ParseBool(c.QueryParam("cascade"))
	if err := h.svc.PurgeOrder(c.Request().Context(), id, cascade); err != nil {
		return errorResponse(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Read handlers --

func (h *Handler) GetOrder(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	o, err := h.svc.GetOrder(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	return orderJSON(c, http.StatusOK, o)
}

func (h *Handler) GetOrderByNumber(c echo.Context) error {
	o, err := h.svc.GetOrderByNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return errorResponse(err)
	}
	return orderJSON(c, http.StatusOK, o)
}

func (h *Handler) GetOrderHistory(c echo.Context) error {
	chain, err := h.svc.GetOrderHistoryByOrderNumber(c.Request().Context(), c.Param("number"))
	if err != nil {
		return errorResponse(err)
	}
	if len(chain) > 0 {
		middleware.SetAuditPatient(c, chain[0].PatientID.String())
	}
	return c.JSON(http.StatusOK, chain)
}

func (h *Handler) GetDiscontinuationOrder(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	o, err := h.svc.GetDiscontinuationOrder(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	if o == nil {
		return echo.NewHTTPError(http.StatusNotFound, "order has not been discontinued")
	}
	return orderJSON(c, http.StatusOK, o)
}

func (h *Handler) GetRevisionOrder(c echo.Context) error {
	id, err := pathUUID(c, "id")
	if err != nil {
		return err
	}
	o, err := h.svc.GetRevisionOrder(c.Request().Context(), id)
	if err != nil {
		return errorResponse(err)
	}
	if o == nil {
		return echo.NewHTTPError(http.StatusNotFound, "order has not been revised")
	}
	return orderJSON(c, http.StatusOK, o)
}

func (h *Handler) ListPatientOrders(c echo.Context) error {
	patientID, err := pathUUID(c, "patientId")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	includeVoided, _ := strconv.ParseBool(c.QueryParam("include_voided"))
	orders, total, err := h.svc.GetAllOrdersByPatient(c.Request().Context(), patientID, includeVoided, pg.Limit, pg.Offset)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(orders, total, pg, c.Request().URL))
}

func (h *Handler) ListActiveOrders(c echo.Context) error {
	patientID, err := pathUUID(c, "patientId")
	if err != nil {
		return err
	}
	orderType, err := queryUUID(c, "order_type")
	if err != nil {
		return err
	}
	careSetting, err := queryUUID(c, "care_setting")
	if err != nil {
		return err
	}
	var asOf *time.Time
	if v := c.QueryParam("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "as_of must be an RFC 3339 timestamp")
		}
		asOf = &t
	}
	orders, err := h.svc.GetActiveOrders(c.Request().Context(), patientID, orderType, careSetting, asOf)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, orders)
}

func (h *Handler) ListConceptHistory(c echo.Context) error {
	patientID, err := pathUUID(c, "patientId")
	if err != nil {
		return err
	}
	conceptID, err := pathUUID(c, "conceptId")
	if err != nil {
		return err
	}
	orders, err := h.svc.GetOrderHistoryByConcept(c.Request().Context(), patientID, conceptID)
	if err != nil {
		return errorResponse(err)
	}
	return c.JSON(http.StatusOK, orders)
}
