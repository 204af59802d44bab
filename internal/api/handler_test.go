package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sqlanywhere/sqlanywhere/internal/auth"
	"github.com/sqlanywhere/sqlanywhere/internal/config"
	"github.com/sqlanywhere/sqlanywhere/internal/observability"
	"github.com/sqlanywhere/sqlanywhere/internal/storage"
	"github.com/sqlanywhere/sqlanywhere/internal/storage/local"
)

func TestHealthEndpoint(t *testing.T) {
	cfg, err := config.Load("sqlanywhere-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("trace header is missing")
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	cfg, err := config.Load("sqlanywhere-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{
		Readiness: func(rctx context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	cfg, err := config.Load("sqlanywhere-api", mapLookup(map[string]string{
		"SQLANYWHERE_AUTH_REQUIRED": "true",
	}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	validator, err := auth.NewStaticAPIKeyValidator("k1:alice:query_runner|plan_reader,k2:bob:query_runner")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}

	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		QueryEngine:    newTestEngine(t),
	})
	body := `{"sql":"SELECT * FROM \"ftp://host/a.csv\""}`

	unauthResp := httptest.NewRecorder()
	h.ServeHTTP(unauthResp, httptest.NewRequest(http.MethodPost, "/v1/query/explain", strings.NewReader(body)))
	if unauthResp.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", unauthResp.Code)
	}

	wrongRole := httptest.NewRequest(http.MethodPost, "/v1/query/explain", strings.NewReader(body))
	wrongRole.Header.Set("X-API-Key", "k2")
	wrongRoleResp := httptest.NewRecorder()
	h.ServeHTTP(wrongRoleResp, wrongRole)
	if wrongRoleResp.Code != http.StatusForbidden {
		t.Fatalf("wrong role status = %d", wrongRoleResp.Code)
	}

	authReq := httptest.NewRequest(http.MethodPost, "/v1/query/explain", strings.NewReader(body))
	authReq.Header.Set("Authorization", "Bearer k1")
	authResp := httptest.NewRecorder()
	h.ServeHTTP(authResp, authReq)
	if authResp.Code != http.StatusOK {
		t.Fatalf("auth status = %d, body = %s", authResp.Code, authResp.Body.String())
	}
}

func TestAuthRequiredWithoutMiddlewareFailsClosed(t *testing.T) {
	cfg, err := config.Load("sqlanywhere-api", mapLookup(map[string]string{
		"SQLANYWHERE_AUTH_REQUIRED": "true",
	}))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{QueryEngine: newTestEngine(t)})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/query", strings.NewReader(`{"sql":"SELECT 1"}`)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
	if code := decodeErrorBody(t, rr)["error_code"]; code != "AUTH_MIDDLEWARE_MISSING" {
		t.Fatalf("error_code = %v", code)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestReadinessChecks(t *testing.T) {
	registry := storage.NewRegistry(storage.DefaultRetryPolicy(), observability.DiscardLogger())
	if err := CheckSchemes(registry)(context.Background()); err == nil {
		t.Fatal("CheckSchemes() on an empty registry succeeded")
	}
	registry.Register("file", local.Factory())
	if err := CheckSchemes(registry)(context.Background()); err != nil {
		t.Fatalf("CheckSchemes() error = %v", err)
	}

	dir := t.TempDir()
	cfg := config.Config{Query: config.QueryConfig{SpoolDir: dir}}
	if err := CheckSpoolDir(cfg)(context.Background()); err != nil {
		t.Fatalf("CheckSpoolDir() error = %v", err)
	}
	file := filepath.Join(dir, "plain")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	cfg.Query.SpoolDir = file
	if err := CheckSpoolDir(cfg)(context.Background()); err == nil {
		t.Fatal("CheckSpoolDir() accepted a regular file")
	}
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
