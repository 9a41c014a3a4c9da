package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func paramsFor(target string) Params {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	return FromContext(e.NewContext(req, rec))
}

func TestFromContext_Defaults(t *testing.T) {
	p := paramsFor("/")
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := paramsFor("/?limit=50&offset=10")
	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := paramsFor("/?limit=1000")
	if p.Limit != MaxLimit {
		t.Errorf("expected limit clamped to %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := paramsFor("/?offset=-5")
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(20) {
		t.Error("expected HasNext for total 20")
	}
	if p.HasNext(15) {
		t.Error("expected no next page for total 15")
	}
	if !p.HasPrevious() {
		t.Error("expected HasPrevious")
	}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset 0, got %d", p.PreviousOffset())
	}
}

func TestNewPage_Links(t *testing.T) {
	base, _ := url.Parse("/api/v1/patients/p1/orders?include_voided=true")
	page := NewPage([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 2}, base)

	if !page.HasMore {
		t.Error("expected HasMore")
	}
	if page.Links.Self != "/api/v1/patients/p1/orders?include_voided=true&limit=2&offset=2" {
		t.Errorf("unexpected self link %q", page.Links.Self)
	}
	if page.Links.Next != "/api/v1/patients/p1/orders?include_voided=true&limit=2&offset=4" {
		t.Errorf("unexpected next link %q", page.Links.Next)
	}
	if page.Links.Previous != "/api/v1/patients/p1/orders?include_voided=true&limit=2&offset=0" {
		t.Errorf("unexpected previous link %q", page.Links.Previous)
	}
}

func TestNewPage_EmptyData(t *testing.T) {
	page := NewPage[int](nil, 0, Params{Limit: 20}, nil)
	if page.Data == nil || len(page.Data) != 0 {
		t.Error("expected empty, non-nil data")
	}
	if page.HasMore {
		t.Error("expected no more pages")
	}
	if page.Links.Next != "" || page.Links.Previous != "" {
		t.Error("expected no navigation links")
	}
}
