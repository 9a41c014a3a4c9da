package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runWithRoles(roles []string, required ...string) error {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), UserRolesKey, roles)
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	return RequireRole(required...)(okHandler)(c)
}

func TestRequireRole_Allowed(t *testing.T) {
	if err := runWithRoles([]string{"physician"}, "physician", "nurse"); err != nil {
		t.Errorf("expected access, got %v", err)
	}
}

func TestRequireRole_Denied(t *testing.T) {
	err := runWithRoles([]string{"nurse"}, "physician")
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_NoRoles(t *testing.T) {
	err := runWithRoles(nil, "physician")
	expectStatus(t, err, http.StatusForbidden)
}

func TestRequireRole_AdminBypass(t *testing.T) {
	if err := runWithRoles([]string{"admin"}, "pharmacist"); err != nil {
		t.Errorf("expected admin to pass, got %v", err)
	}
}
