package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/orders/internal/platform/auth"
)

const auditPatientKey = "audit_patient_id"

// AuditEntry records one access to order data: who touched which patient's
// orders, how, and with what outcome.
type AuditEntry struct {
	UserID     string
	UserRoles  []string
	PatientID  string
	OrderRef   string // order id or order number from the path
	Action     string // read, search, create, revise, discontinue, void, unvoid, fulfill, purge
	IPAddress  string
	UserAgent  string
	Path       string
	Route      string
	Method     string
	Timestamp  time.Time
	RequestID  string
	StatusCode int
}

// AuditRecorder persists audit entries somewhere durable.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// SetAuditPatient names the patient whose data the handler returned or
// changed. Routes without a patient in the path use it so every audit line
// carries one.
func SetAuditPatient(c echo.Context, patientID string) {
	c.Set(auditPatientKey, patientID)
}

// Audit logs every order read and write under /api/v1 once the handler has
// run. Entries go to the recorder when one is given and always to the logger.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !strings.HasPrefix(path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			ctx := req.Context()
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(ctx),
				UserRoles:  auth.RolesFromContext(ctx),
				PatientID:  extractPatientID(c),
				OrderRef:   extractOrderRef(c),
				Action:     orderAction(req.Method, c.Path()),
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				Path:       path,
				Route:      c.Path(),
				Method:     req.Method,
				Timestamp:  time.Now().UTC(),
				StatusCode: status,
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			if len(recorders) > 0 && recorders[0] != nil {
				if recErr := recorders[0].RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "order_audit").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("patient_id", entry.PatientID).
				Str("order", entry.OrderRef).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("order_access")

			return err
		}
	}
}

// orderAction maps the method and registered route onto an audit action.
func orderAction(method, route string) string {
	last := route[strings.LastIndex(route, "/")+1:]
	switch method {
	case http.MethodGet, http.MethodHead:
		if strings.HasPrefix(route, "/api/v1/patients/") || last == "history" {
			return "search"
		}
		return "read"
	case http.MethodPost:
		switch last {
		case "revise", "discontinue", "void", "unvoid":
			return last
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		if last == "fulfiller-status" {
			return "fulfill"
		}
		return "update"
	case http.MethodDelete:
		return "purge"
	default:
		return "read"
	}
}

// extractPatientID prefers /api/v1/patients/<uuid> in the path and falls back
// to what the handler recorded with SetAuditPatient.
func extractPatientID(c echo.Context) string {
	path := c.Request().URL.Path
	if strings.HasPrefix(path, "/api/v1/patients/") {
		segments := strings.Split(strings.TrimPrefix(path, "/api/v1/patients/"), "/")
		if len(segments) > 0 && isUUIDLike(segments[0]) {
			return segments[0]
		}
	}
	if id, ok := c.Get(auditPatientKey).(string); ok {
		return id
	}
	return ""
}

func extractOrderRef(c echo.Context) string {
	if id := c.Param("id"); id != "" {
		return id
	}
	return c.Param("number")
}

func isUUIDLike(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
