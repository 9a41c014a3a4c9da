package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/orders/internal/config"
	"github.com/ehr/orders/internal/domain/order"
	"github.com/ehr/orders/internal/platform/auth"
	"github.com/ehr/orders/internal/platform/lock"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:                "development",
		Store:              config.StoreMemory,
		OrderLockTTL:       time.Second,
		OrderNumberPrefix:  "ORD-",
		ParallelOrderTypes: []string{"Test Order"},
		MetricsEnabled:     true,
		CORSOrigins:        []string{"http://localhost:3000"},
		BodyLimit:          "1M",
		RequestTimeout:     5 * time.Second,
		RateLimitRPS:       1000,
		RateLimitBurst:     1000,
	}
}

func TestResolveParallelTypes_IncludesSubtypes(t *testing.T) {
	types := defaultOrderTypes()
	labID := uuid.New()
	types.AddType(&order.OrderType{ID: labID, Name: "Lab Order", ParentID: &testOrderTypeID})

	ids, err := resolveParallelTypes(context.Background(), types, []string{"Test Order", "Lab Order"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected Test Order and its subtype once each, got %v", ids)
	}
	got := map[uuid.UUID]bool{ids[0]: true, ids[1]: true}
	if !got[testOrderTypeID] || !got[labID] {
		t.Errorf("unexpected ids %v", ids)
	}
}

func TestResolveParallelTypes_UnknownName(t *testing.T) {
	_, err := resolveParallelTypes(context.Background(), defaultOrderTypes(), []string{"Radiology Order"})
	if !errors.Is(err, order.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "Radiology Order") {
		t.Errorf("expected error to name the type, got %v", err)
	}
}

func TestParseSeedArg(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1", "1", false},
		{"1200", "1200", false},
		{"007", "7", false},
		{"0", "", true},
		{"-4", "", true},
		{"12abc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := parseSeedArg(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseSeedArg(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("parseSeedArg(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestNewLocker(t *testing.T) {
	cfg := memoryConfig()
	l, err := newLocker(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := l.(lock.Noop); !ok {
		t.Errorf("expected no-op locker for the memory store, got %T", l)
	}

	cfg.Store = config.StorePostgres
	l, err = newLocker(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := l.(*lock.Local); !ok {
		t.Errorf("expected local locker for postgres without REDIS_URL, got %T", l)
	}

	cfg.RedisURL = "redis://localhost:6379/0"
	l, err = newLocker(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := l.(*lock.Redis); !ok {
		t.Errorf("expected redis locker, got %T", l)
	}

	cfg.RedisURL = "not a url"
	if _, err := newLocker(cfg, zerolog.Nop()); err == nil {
		t.Error("expected error for malformed REDIS_URL")
	}
}

func TestBuildServer_RejectsBadBodyLimit(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.BodyLimit = "huge"
	store, err := openStorage(ctx, cfg)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	if _, err := buildServer(ctx, cfg, store, lock.NewLocal(), zerolog.Nop()); err == nil || !strings.Contains(err.Error(), "BODY_LIMIT") {
		t.Errorf("expected BODY_LIMIT error, got %v", err)
	}
}

func newMemoryServer(t *testing.T) http.Handler {
	t.Helper()
	return newMemoryServerWith(t, memoryConfig())
}

func newMemoryServerWith(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()
	ctx := context.Background()
	store, err := openStorage(ctx, cfg)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(store.close)
	e, err := buildServer(ctx, cfg, store, lock.NewLocal(), zerolog.Nop())
	if err != nil {
		t.Fatalf("build server: %v", err)
	}
	return e
}

func TestServer_HealthAndMetrics(t *testing.T) {
	srv := newMemoryServer(t)

	for _, path := range []string{"/health", "/health/db", "/metrics"} {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestServer_SaveAndFetchOrder(t *testing.T) {
	srv := newMemoryServer(t)

	body := `{"patient_id":"` + uuid.NewString() +
		`","concept_id":"` + uuid.NewString() +
		`","care_setting_id":"` + uuid.NewString() +
		`","order_type_id":"` + drugOrderTypeID.String() +
		`","drug":{"drug_id":"` + uuid.NewString() + `","dose":250,"dose_units":"mg"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var created order.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.OrderNumber != "ORD-1" {
		t.Errorf("expected first order number ORD-1, got %q", created.OrderNumber)
	}
	if created.Creator == nil || *created.Creator != "dev-user" {
		t.Errorf("expected creator dev-user, got %v", created.Creator)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/number/ORD-1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 fetching by number, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+uuid.NewString(), nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown order, got %d", rec.Code)
	}
}

func TestServer_SigningKeyAuth(t *testing.T) {
	cfg := memoryConfig()
	cfg.Env = "production"
	cfg.AuthSigningKey = "orders-test-signing-key"
	srv := newMemoryServerWith(t, cfg)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/number/ORD-9", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without a token, got %d", rec.Code)
	}

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dr.house",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"physician"},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.AuthSigningKey))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/number/ORD-9", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected the signed token to reach the handler (404), got %d", rec.Code)
	}
}

func TestServer_RateLimitsAPI(t *testing.T) {
	cfg := memoryConfig()
	cfg.RateLimitRPS = 0.01
	cfg.RateLimitBurst = 1
	srv := newMemoryServerWith(t, cfg)

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders/number/ORD-9", nil))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusNotFound || codes[1] != http.StatusTooManyRequests {
		t.Errorf("expected 404 then 429, got %v", codes)
	}

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("health must not be rate limited, got %d", rec.Code)
	}
}
