package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"tradeflow/api/internal/doctree"
	"tradeflow/api/internal/search"
	"tradeflow/api/internal/store"
)

type apiClient struct {
	t      *testing.T
	server *HTTPServer
}

func newAPIClient(t *testing.T, opts ...Option) (*apiClient, *Service) {
	t.Helper()
	svc := newTestService(t, store.NewMemoryStore(), opts...)
	return &apiClient{t: t, server: NewHTTPServer(svc, "*")}, svc
}

func (c *apiClient) do(method, path string, body any) (int, map[string]any) {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Name", "Lin")
	rr := httptest.NewRecorder()
	c.server.Handler().ServeHTTP(rr, req)

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		c.t.Fatalf("%s %s: decode response %q: %v", method, path, rr.Body.String(), err)
	}
	return rr.Code, payload
}

func (c *apiClient) createTrade(reference string) string {
	c.t.Helper()
	status, payload := c.do(http.MethodPost, "/api/trades", map[string]any{"reference": reference})
	if status != http.StatusCreated {
		c.t.Fatalf("create trade status = %d, body = %v", status, payload)
	}
	return payload["trade"].(map[string]any)["id"].(string)
}

func TestTradeLifecycleOverHTTP(t *testing.T) {
	client, svc := newAPIClient(t)
	tradeID := client.createTrade("PO-2026-042")
	base := "/api/trades/" + tradeID

	status, payload := client.do(http.MethodGet, base, nil)
	if status != http.StatusOK {
		t.Fatalf("get trade status = %d", status)
	}
	if docs := payload["documents"].([]any); len(docs) != 5 {
		t.Fatalf("documents = %d, want 5", len(docs))
	}

	status, payload = client.do(http.MethodPost, base+"/navigate", map[string]any{"step": "proforma_invoice"})
	if status != http.StatusConflict || payload["code"] != "STEP_LOCKED" {
		t.Fatalf("locked navigate = %d %v", status, payload)
	}
	if _, ok := payload["details"].(map[string]any)["steps"]; !ok {
		t.Fatalf("locked navigate should report progress, got %v", payload["details"])
	}

	path := fieldPath(t, svc, tradeID, doctree.KindOffer, "buyer_name")
	status, payload = client.do(http.MethodPost, base+"/documents/offer/edit", map[string]any{"path": path.String(), "text": "Acme Trading"})
	if status != http.StatusOK {
		t.Fatalf("edit status = %d, body = %v", status, payload)
	}

	status, payload = client.do(http.MethodPost, base+"/navigate", map[string]any{"step": 1})
	if status != http.StatusOK {
		t.Fatalf("navigate status = %d, body = %v", status, payload)
	}
	if payload["active"] != float64(doctree.KindProforma) {
		t.Fatalf("active = %v", payload["active"])
	}

	status, payload = client.do(http.MethodGet, base+"/documents/proforma_invoice", nil)
	if status != http.StatusOK {
		t.Fatalf("get document status = %d", status)
	}
	if !strings.Contains(payload["markup"].(string), "Acme Trading") {
		t.Fatalf("proforma markup missing propagated buyer: %s", payload["markup"])
	}
	if mapped := payload["mapped"].([]any); len(mapped) != 1 {
		t.Fatalf("mapped = %v", mapped)
	}

	status, _ = client.do(http.MethodPost, base+"/documents/proforma_invoice/mapped/confirm", nil)
	if status != http.StatusOK {
		t.Fatalf("confirm status = %d", status)
	}

	status, payload = client.do(http.MethodPost, base+"/save", nil)
	if status != http.StatusOK {
		t.Fatalf("save status = %d, body = %v", status, payload)
	}

	status, payload = client.do(http.MethodGet, base+"/history", nil)
	if status != http.StatusOK {
		t.Fatalf("history status = %d", status)
	}
	commits := payload["commits"].([]any)
	if len(commits) < 2 {
		t.Fatalf("commits = %d, want at least 2", len(commits))
	}
	head := commits[0].(map[string]any)["hash"].(string)
	first := commits[len(commits)-1].(map[string]any)["hash"].(string)

	status, payload = client.do(http.MethodGet, base+"/compare?from="+first+"&to="+head, nil)
	if status != http.StatusOK {
		t.Fatalf("compare status = %d, body = %v", status, payload)
	}
	if changes := payload["changes"].([]any); len(changes) == 0 {
		t.Fatal("compare should list the buyer change")
	}

	status, payload = client.do(http.MethodPost, base+"/versions", map[string]any{"hash": head, "name": "Sent to buyer"})
	if status != http.StatusCreated || payload["name"] != "sent-to-buyer" {
		t.Fatalf("tag version = %d %v", status, payload)
	}

	status, payload = client.do(http.MethodGet, base+"/history/"+head, nil)
	if status != http.StatusOK {
		t.Fatalf("version status = %d", status)
	}
	if pool := payload["pool"].(map[string]any); pool["buyer_name"] != "Acme Trading" {
		t.Fatalf("version pool = %v", pool)
	}

	status, payload = client.do(http.MethodGet, base+"/events", nil)
	if status != http.StatusOK || len(payload["events"].([]any)) < 4 {
		t.Fatalf("events = %d %v", status, payload)
	}

	status, payload = client.do(http.MethodGet, "/api/trades", nil)
	if status != http.StatusOK || len(payload["trades"].([]any)) != 1 {
		t.Fatalf("list trades = %d %v", status, payload)
	}
	trade := payload["trades"].([]any)[0].(map[string]any)
	if trade["buyerName"] != "Acme Trading" || trade["updatedBy"] != "Lin" {
		t.Fatalf("trade summary = %v", trade)
	}
}

func TestHTTPErrorMapping(t *testing.T) {
	client, _ := newAPIClient(t)
	tradeID := client.createTrade("PO-9")
	base := "/api/trades/" + tradeID

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{name: "unknown trade", method: http.MethodGet, path: "/api/trades/trd_missing", status: http.StatusNotFound, code: "NOT_FOUND"},
		{name: "unknown step", method: http.MethodGet, path: base + "/documents/bill_of_lading", status: http.StatusBadRequest, code: "INVALID_STEP"},
		{name: "step out of range", method: http.MethodPost, path: base + "/navigate", body: map[string]any{"step": 7}, status: http.StatusBadRequest, code: "INVALID_STEP"},
		{name: "blank reference", method: http.MethodPost, path: "/api/trades", body: map[string]any{"reference": ""}, status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{
			name:   "stale replace",
			method: http.MethodPut,
			path:   base + "/documents/sales_contract",
			body:   map[string]any{"markup": "<p>x</p>", "fingerprint": "stale"},
			status: http.StatusConflict,
			code:   "STALE_REVISION",
		},
		{name: "compare without hashes", method: http.MethodGet, path: base + "/compare", status: http.StatusUnprocessableEntity, code: "VALIDATION_ERROR"},
		{name: "unknown route", method: http.MethodGet, path: "/api/nope", status: http.StatusNotFound, code: "NOT_FOUND"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := client.do(tc.method, tc.path, tc.body)
			if status != tc.status || payload["code"] != tc.code {
				t.Fatalf("%s %s = %d %v, want %d %s", tc.method, tc.path, status, payload, tc.status, tc.code)
			}
		})
	}
}

func TestInvalidJSONBody(t *testing.T) {
	client, _ := newAPIClient(t)
	req := httptest.NewRequest(http.MethodPost, "/api/trades", strings.NewReader("{"))
	rr := httptest.NewRecorder()
	client.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "INVALID_BODY") {
		t.Fatalf("invalid body = %d %s", rr.Code, rr.Body.String())
	}
}

func TestSearchEndpoint(t *testing.T) {
	index := &fakeSearch{response: search.Response{
		Results: []search.Result{{ID: "trd_1", Reference: "PO-1", BuyerName: "Acme"}},
		Total:   1,
	}}
	client, _ := newAPIClient(t, WithSearch(index))

	status, payload := client.do(http.MethodGet, "/api/search?q=acme&status=draft", nil)
	if status != http.StatusOK {
		t.Fatalf("search status = %d", status)
	}
	results := payload["results"].([]any)
	if len(results) != 1 || results[0].(map[string]any)["id"] != "trd_1" {
		t.Fatalf("results = %v", results)
	}
}

func TestAgentChangesOverHTTP(t *testing.T) {
	client, _ := newAPIClient(t)
	tradeID := client.createTrade("PO-11")

	status, payload := client.do(http.MethodPost, "/api/trades/"+tradeID+"/documents/sales_contract/agent-changes", map[string]any{
		"changes": []map[string]string{
			{"fieldId": "buyer_name", "value": "Globex GmbH"},
			{"fieldId": "lc_number", "value": "LC-1"},
		},
	})
	if status != http.StatusOK {
		t.Fatalf("agent changes status = %d, body = %v", status, payload)
	}
	if unknown := payload["unknown"].([]any); len(unknown) != 1 || unknown[0] != "lc_number" {
		t.Fatalf("unknown = %v", unknown)
	}

	status, payload = client.do(http.MethodGet, "/api/trades/"+tradeID+"/progress", nil)
	if status != http.StatusOK {
		t.Fatalf("progress status = %d", status)
	}
	steps := payload["steps"].([]any)
	if offer := steps[0].(map[string]any); offer["complete"] != true {
		t.Fatalf("offer should be complete once the buyer propagated, got %v", offer)
	}
}
