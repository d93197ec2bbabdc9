// Archivist - Content-Addressed Archive Deduplication and Forwarding
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/archivist

package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/tomtom215/archivist/internal/archive"
	"github.com/tomtom215/archivist/internal/delivery"
	"github.com/tomtom215/archivist/internal/forward"
	"github.com/tomtom215/archivist/internal/hashing"
)

const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	Meta    *APIMeta        `json:"meta"`
}

type staticHealth bool

func (s staticHealth) Healthy() bool { return bool(s) }

func newTestHandler(t *testing.T, cfg Config, deps map[string]HealthChecker) http.Handler {
	t.Helper()
	return newHandler(t, cfg, deps).Router()
}

func newHandler(t *testing.T, cfg Config, deps map[string]HealthChecker) *Handler {
	t.Helper()
	acfg := archive.DefaultConfig(filepath.Join(t.TempDir(), "archive.db"))
	acfg.Destinations = []delivery.DestinationConfig{{ID: "audit", Kind: delivery.KindLog}}
	acfg.Schedules = []forward.ScheduleSpec{{ID: "all", SourceID: forward.AnySource, DestinationID: "audit"}}
	a, err := archive.Open(t.Context(), acfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return NewHandler(a, cfg, zerolog.Nop(), deps)
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s %s: decode %q: %v", method, target, rec.Body.String(), err)
		}
	}
	return rec, env
}

func decodeData(t *testing.T, env envelope, v any) {
	t.Helper()
	if err := json.Unmarshal(env.Data, v); err != nil {
		t.Fatalf("decode data %s: %v", env.Data, err)
	}
}

func TestHealthAndRequestID(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, DefaultConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Header().Get(RequestIDHeader) != "req-42" {
		t.Fatalf("healthz = %d, request id %q", rec.Code, rec.Header().Get(RequestIDHeader))
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if !env.Success || env.Meta == nil || env.Meta.RequestID != "req-42" {
		t.Errorf("unexpected envelope: %+v", env)
	}

	rec, _ = do(t, h, http.MethodGet, "/healthz", "")
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected a generated request id")
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		deps map[string]HealthChecker
		want int
	}{
		{"store only", nil, http.StatusOK},
		{"healthy bus", map[string]HealthChecker{"events": staticHealth(true)}, http.StatusOK},
		{"unhealthy bus", map[string]HealthChecker{"events": staticHealth(false)}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestHandler(t, DefaultConfig(), tt.deps)
			rec, _ := do(t, h, http.MethodGet, "/readyz", "")
			if rec.Code != tt.want {
				t.Errorf("readyz = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestSubmitAndLookup(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, DefaultConfig(), nil)

	rec, env := do(t, h, http.MethodPost, "/api/v1/files?source_id=chan-1&source_message_id=10", "hello")
	if rec.Code != http.StatusCreated {
		t.Fatalf("first submit = %d: %s", rec.Code, rec.Body.String())
	}
	var first archive.SubmitResult
	decodeData(t, env, &first)
	if first.ContentSHA256 != helloSHA || first.Status != hashing.StatusNew || len(first.Enqueued) != 1 {
		t.Errorf("unexpected first result: %+v", first)
	}

	rec, env = do(t, h, http.MethodPost, "/api/v1/files?source_id=chan-2&source_message_id=11", "hello")
	if rec.Code != http.StatusOK {
		t.Fatalf("duplicate submit = %d: %s", rec.Code, rec.Body.String())
	}
	var dup archive.SubmitResult
	decodeData(t, env, &dup)
	if dup.Status != hashing.StatusExactDuplicate || len(dup.Enqueued) != 0 || dup.CategoryID != first.CategoryID {
		t.Errorf("unexpected duplicate result: %+v", dup)
	}

	rec, env = do(t, h, http.MethodGet, "/api/v1/files/"+strings.ToUpper(helloSHA), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup = %d", rec.Code)
	}
	var f hashing.FileRecord
	decodeData(t, env, &f)
	if f.SourceChannelID != "chan-1" || f.SizeBytes != 5 {
		t.Errorf("lookup returned %+v, want the first sighting", f)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/v1/files/"+helloSHA+"/similar?algorithm=fuzzy", "")
	if rec.Code != http.StatusOK {
		t.Errorf("similar = %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSubmitErrors(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.MaxUploadBytes = 4
	h := newTestHandler(t, cfg, nil)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		status int
		code   string
	}{
		{"too large", http.MethodPost, "/api/v1/files?source_id=c&source_message_id=1", "hello", http.StatusRequestEntityTooLarge, ErrCodeBadRequest},
		{"size mismatch", http.MethodPost, "/api/v1/files?source_id=c&source_message_id=1&size=3", "abcd", http.StatusBadRequest, ErrCodeBadRequest},
		{"bad size", http.MethodPost, "/api/v1/files?source_id=c&size=-1", "abc", http.StatusBadRequest, ErrCodeBadRequest},
		{"bad label", http.MethodPost, "/api/v1/files?source_id=c&source_message_id=1&labels=ok,bad%20label", "abc", http.StatusBadRequest, ErrCodeValidationFailed},
		{"bad digest", http.MethodGet, "/api/v1/files/xyz", "", http.StatusBadRequest, ErrCodeBadRequest},
		{"unknown digest", http.MethodGet, "/api/v1/files/" + helloSHA, "", http.StatusNotFound, ErrCodeNotFound},
		{"bad algorithm", http.MethodGet, "/api/v1/files/" + helloSHA + "/similar?algorithm=audio", "", http.StatusBadRequest, ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, h, tt.method, tt.target, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if env.Success || env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("unexpected error envelope: %s", rec.Body.String())
			}
			if env.Error.Class != archive.ClassRejected.String() {
				t.Errorf("class = %q, want rejected", env.Error.Class)
			}
		})
	}
}

func TestSchedules(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, DefaultConfig(), nil)

	rec, env := do(t, h, http.MethodPost, "/api/v1/schedules",
		`{"schedule_id":"nightly","source_id":"chan-1","destination_id":"audit","trigger":"@daily","enabled":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register = %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	decodeData(t, env, &created)
	if created["schedule_id"] != "nightly" {
		t.Errorf("unexpected id: %v", created)
	}

	rec, env = do(t, h, http.MethodGet, "/api/v1/schedules", "")
	var list []forward.Schedule
	decodeData(t, env, &list)
	if rec.Code != http.StatusOK || len(list) != 2 || env.Meta.Count == nil || *env.Meta.Count != 2 {
		t.Fatalf("list = %d, %+v", rec.Code, list)
	}

	if rec, _ := do(t, h, http.MethodPost, "/api/v1/schedules/nightly/disable", ""); rec.Code != http.StatusOK {
		t.Errorf("disable = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/v1/schedules/missing/enable", ""); rec.Code != http.StatusNotFound {
		t.Errorf("enable missing = %d", rec.Code)
	}

	rejects := []struct {
		name string
		body string
		code string
	}{
		{"bad trigger", `{"source_id":"c","destination_id":"audit","trigger":"every tuesday"}`, ErrCodeBadRequest},
		{"no destination", `{"source_id":"c"}`, ErrCodeValidationFailed},
		{"unknown field", `{"source_id":"c","destination_id":"audit","color":"red"}`, ErrCodeBadRequest},
	}
	for _, tt := range rejects {
		rec, env := do(t, h, http.MethodPost, "/api/v1/schedules", tt.body)
		if rec.Code != http.StatusBadRequest || env.Error == nil || env.Error.Code != tt.code {
			t.Errorf("%s: %d %s", tt.name, rec.Code, rec.Body.String())
		}
	}
}

func TestClaimAndResult(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, DefaultConfig(), nil)
	if rec, _ := do(t, h, http.MethodPost, "/api/v1/files?source_id=chan-1&source_message_id=1", "hello"); rec.Code != http.StatusCreated {
		t.Fatalf("submit = %d", rec.Code)
	}

	rec, env := do(t, h, http.MethodPost, "/api/v1/claims", `{"agent_id":"agent-1","max":5}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("claim = %d: %s", rec.Code, rec.Body.String())
	}
	var items []forward.Item
	decodeData(t, env, &items)
	if len(items) != 1 || items[0].State != forward.StateInFlight || items[0].ClaimedBy != "agent-1" {
		t.Fatalf("unexpected claim: %+v", items)
	}
	id := items[0].ID

	rec, env = do(t, h, http.MethodPost, "/api/v1/items/"+id+"/result", `{"delivered":true,"ref":"msg-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("result = %d: %s", rec.Code, rec.Body.String())
	}
	var it forward.Item
	decodeData(t, env, &it)
	if it.State != forward.StateDelivered || it.DeliveryRef != "msg-1" {
		t.Errorf("unexpected item: %+v", it)
	}

	rec, env = do(t, h, http.MethodPost, "/api/v1/items/"+id+"/result", `{"delivered":true}`)
	if rec.Code != http.StatusConflict || env.Error.Code != ErrCodeConflict {
		t.Errorf("second result = %d: %s", rec.Code, rec.Body.String())
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/v1/items/"+id+"/result", `{"delivered":false}`); rec.Code != http.StatusBadRequest {
		t.Errorf("failure without error = %d", rec.Code)
	}
	if rec, _ := do(t, h, http.MethodPost, "/api/v1/claims", `{"agent_id":"agent-1","max":0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("zero max = %d", rec.Code)
	}

	rec, env = do(t, h, http.MethodGet, "/api/v1/schedules/all/status", "")
	var st forward.Status
	decodeData(t, env, &st)
	if rec.Code != http.StatusOK || st.Delivered != 1 || st.Pending != 0 {
		t.Errorf("status = %d, %+v", rec.Code, st)
	}

	rec, env = do(t, h, http.MethodGet, "/api/v1/schedules/all/items?state=delivered&limit=10", "")
	decodeData(t, env, &items)
	if rec.Code != http.StatusOK || len(items) != 1 {
		t.Errorf("items = %d, %+v", rec.Code, items)
	}
	if rec, _ := do(t, h, http.MethodGet, "/api/v1/schedules/all/items?state=lost", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad state = %d", rec.Code)
	}
}

func TestOperatorEndpoints(t *testing.T) {
	t.Parallel()
	h := newTestHandler(t, DefaultConfig(), nil)
	if rec, _ := do(t, h, http.MethodPost, "/api/v1/files?source_id=chan-1&source_message_id=1&mime_hint=text/plain", "hello"); rec.Code != http.StatusCreated {
		t.Fatalf("submit = %d", rec.Code)
	}

	rec, env := do(t, h, http.MethodGet, "/api/v1/integrity", "")
	var report struct {
		Clean bool `json:"clean"`
	}
	decodeData(t, env, &report)
	if rec.Code != http.StatusOK || !report.Clean {
		t.Errorf("integrity = %d: %s", rec.Code, rec.Body.String())
	}

	rec, env = do(t, h, http.MethodGet, "/api/v1/migrations", "")
	if rec.Code != http.StatusOK || env.Meta.Count == nil || *env.Meta.Count != 5 {
		t.Errorf("migrations = %d: %s", rec.Code, rec.Body.String())
	}

	rec, env = do(t, h, http.MethodPut, "/api/v1/files/"+helloSHA+"/category", `{"category_id":"keep"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("reassign = %d: %s", rec.Code, rec.Body.String())
	}
	rec, env = do(t, h, http.MethodGet, "/api/v1/categories/keep/stats", "")
	var gs struct {
		Count int64 `json:"count"`
	}
	decodeData(t, env, &gs)
	if rec.Code != http.StatusOK || gs.Count != 1 {
		t.Errorf("category stats = %d: %s", rec.Code, rec.Body.String())
	}

	rec, _ = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "archivist_") {
		t.Errorf("metrics = %d", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.RateLimitRequests = 1
	h := newTestHandler(t, cfg, nil)

	if rec, _ := do(t, h, http.MethodGet, "/api/v1/schedules", ""); rec.Code != http.StatusOK {
		t.Fatalf("first = %d", rec.Code)
	}
	rec, env := do(t, h, http.MethodGet, "/api/v1/schedules", "")
	if rec.Code != http.StatusTooManyRequests || env.Error == nil || env.Error.Code != ErrCodeTooManyRequests {
		t.Errorf("second = %d: %s", rec.Code, rec.Body.String())
	}
	if rec, _ := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("health endpoints are not rate limited, got %d", rec.Code)
	}
}
