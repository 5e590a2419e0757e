package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"tradeflow/api/internal/config"
	"tradeflow/api/internal/gitrepo"
	"tradeflow/api/internal/store"
)

// fakeStoreForHealth extends the memory store with a controllable ping.
type fakeStoreForHealth struct {
	*store.MemoryStore
	pingFn func(context.Context) error
}

func (f *fakeStoreForHealth) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func newTestServiceWithHealth(t *testing.T, fs *fakeStoreForHealth, opts ...Option) *Service {
	t.Helper()
	if fs.MemoryStore == nil {
		fs.MemoryStore = store.NewMemoryStore()
	}
	return New(*config.Default(), fs, gitrepo.New(t.TempDir()), opts...)
}

func TestHealthEndpoint(t *testing.T) {
	svc := newTestServiceWithHealth(t, &fakeStoreForHealth{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rr.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if ok, exists := response["ok"]; !exists || ok != true {
		t.Errorf("expected ok=true, got %v", ok)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		pingErr  error
		code     int
		status   string
		dbStatus string
	}{
		{name: "database reachable", code: http.StatusOK, status: "ready", dbStatus: "ok"},
		{name: "database down", pingErr: errors.New("connection refused"), code: http.StatusServiceUnavailable, status: "not_ready", dbStatus: "error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStoreForHealth{pingFn: func(context.Context) error { return tc.pingErr }}
			server := NewHTTPServer(newTestServiceWithHealth(t, fs), "*")

			rr := httptest.NewRecorder()
			server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ready", nil))
			if rr.Code != tc.code {
				t.Fatalf("status code = %d, want %d", rr.Code, tc.code)
			}

			var response struct {
				OK     bool   `json:"ok"`
				Status string `json:"status"`
				Checks map[string]struct {
					Status string `json:"status"`
					Error  string `json:"error"`
				} `json:"checks"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if response.OK != (tc.pingErr == nil) || response.Status != tc.status {
				t.Fatalf("response = %+v", response)
			}
			database := response.Checks["database"]
			if database.Status != tc.dbStatus {
				t.Fatalf("database status = %q, want %q", database.Status, tc.dbStatus)
			}
			if tc.pingErr != nil && database.Error != tc.pingErr.Error() {
				t.Fatalf("database error = %q", database.Error)
			}
		})
	}
}

func TestHealthEndpoint_Preflight(t *testing.T) {
	svc := newTestServiceWithHealth(t, &fakeStoreForHealth{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodOptions, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if rr.Code >= 300 {
		t.Errorf("expected a 2xx preflight response, got %d", rr.Code)
	}
	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
}

func TestHealthEndpoint_CORSHeaders(t *testing.T) {
	svc := newTestServiceWithHealth(t, &fakeStoreForHealth{})
	server := NewHTTPServer(svc, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rr := httptest.NewRecorder()

	server.Handler().ServeHTTP(rr, req)

	if origin := rr.Header().Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("expected CORS origin=*, got %v", origin)
	}
	if cache := rr.Header().Get("Cache-Control"); cache != "no-store" {
		t.Errorf("expected Cache-Control=no-store, got %v", cache)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	svc := newTestServiceWithHealth(t, &fakeStoreForHealth{}, WithMetrics(NewMetrics(prometheus.NewRegistry())))
	server := NewHTTPServer(svc, "*")

	server.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, `tradeflow_http_requests_total{method="GET",route="/api/health",status="200"} 1`) {
		t.Fatalf("request counter missing from metrics output:\n%s", body)
	}
}

func TestMetricsEndpointDisabled(t *testing.T) {
	svc := newTestServiceWithHealth(t, &fakeStoreForHealth{})
	server := NewHTTPServer(svc, "*")

	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 without metrics, got %d", rr.Code)
	}
}

func TestPingMethod(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
	}{
		{name: "healthy"},
		{name: "unreachable", pingErr: errors.New("dial tcp: connection refused")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fs := &fakeStoreForHealth{pingFn: func(context.Context) error { return tc.pingErr }}
			svc := newTestServiceWithHealth(t, fs)
			if err := svc.Ping(context.Background()); !errors.Is(err, tc.pingErr) {
				t.Fatalf("Ping() error = %v, want %v", err, tc.pingErr)
			}
		})
	}
}
