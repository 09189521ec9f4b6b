package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rmax-ai/matlens/pkg/engine"
	"github.com/rmax-ai/matlens/pkg/logger"
	"github.com/rmax-ai/matlens/pkg/store"
)

type MockRebuilder struct {
	startErr error
	stages   []string
	run      *store.RebuildRun
}

func (m *MockRebuilder) Start(ctx context.Context, stages ...string) (string, error) {
	m.stages = stages
	if m.startErr != nil {
		return "", m.startErr
	}
	return "run-1", nil
}

func (m *MockRebuilder) Status(ctx context.Context) (*store.RebuildRun, error) {
	return m.run, nil
}

type MockUsage struct {
	ids []int64
	err error
}

func (m *MockUsage) Lookup(ctx context.Context, ids []int64) (map[int64]engine.MaterialUsage, error) {
	m.ids = ids
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[int64]engine.MaterialUsage)
	for _, id := range ids {
		if id == 7 {
			out[id] = engine.MaterialUsage{Elevations: 2, Total: 2, LastUsed: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)}
		}
	}
	return out, nil
}

type MockStore struct {
	unused []store.UnusedMaterial
	groups []store.DuplicateGroup
	limit  int
	offset int
}

func (m *MockStore) GetUsageSummaries(ctx context.Context, ids []int64) ([]store.UsageSummary, error) {
	return []store.UsageSummary{{MaterialID: 7, UsedElevations: 2, TotalUses: 2, LastUsed: store.Sentinel}}, nil
}

func (m *MockStore) ListUnused(ctx context.Context, limit, offset int) ([]store.UnusedMaterial, error) {
	m.limit, m.offset = limit, offset
	return m.unused, nil
}

func (m *MockStore) ListDuplicateMembers(ctx context.Context) ([]store.DuplicateMember, error) {
	return nil, nil
}

func (m *MockStore) GetRun(ctx context.Context, runID string) (*store.RebuildRun, error) {
	if runID == "run-1" {
		return &store.RebuildRun{RunID: runID, Status: store.RunSucceeded}, nil
	}
	return nil, nil
}

func (m *MockStore) CountUnused(ctx context.Context) (int64, error) {
	return int64(len(m.unused)), nil
}

func (m *MockStore) DuplicateKeyTypes(ctx context.Context) ([]string, error) {
	return []string{"title"}, nil
}

func (m *MockStore) ListDuplicateGroups(ctx context.Context, keyType string, limit, offset int) ([]store.DuplicateGroup, error) {
	m.limit, m.offset = limit, offset
	return m.groups, nil
}

func newTestServer(st *MockStore, rb *MockRebuilder, usage *MockUsage) *Server {
	return NewServer(st, rb, usage, logger.Nop(), "")
}

func serve(s *Server, method, target string, body string, header map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestSecureHeaders(t *testing.T) {
	s := newTestServer(&MockStore{}, &MockRebuilder{}, &MockUsage{})
	w := serve(s, "GET", "/v1/health", "", nil)

	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}
	expectedHeaders := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for key, expected := range expectedHeaders {
		if got := w.Header().Get(key); got != expected {
			t.Errorf("Header %s: expected %q, got %q", key, expected, got)
		}
	}
	if w.Header().Get("X-Trace-ID") == "" {
		t.Error("expected a generated trace id")
	}
}

func TestHandleRebuild(t *testing.T) {
	tests := []struct {
		name       string
		startErr   error
		body       string
		wantStatus int
		wantBody   string
	}{
		{"accepted", nil, `{"stages":["summary"]}`, http.StatusAccepted, `"run_id":"run-1"`},
		{"no body", nil, "", http.StatusAccepted, `"status":"running"`},
		{"busy", engine.ErrRebuildInProgress, "", http.StatusConflict, "rebuild_in_progress"},
		{"unknown stage", engine.ErrUnknownStage, `{"stages":["rollup"]}`, http.StatusBadRequest, "unknown_stage"},
		{"schema missing", engine.ErrSchema, "", http.StatusUnprocessableEntity, "schema_missing"},
		{"failure", errors.New("db down"), "", http.StatusInternalServerError, "internal_server_error"},
		{"bad json", nil, `{"stages":`, http.StatusBadRequest, "invalid_json_body"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rb := &MockRebuilder{startErr: tt.startErr}
			s := newTestServer(&MockStore{}, rb, &MockUsage{})
			w := serve(s, "POST", "/v1/rebuild", tt.body, nil)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if !strings.Contains(w.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", w.Body.String(), tt.wantBody)
			}
		})
	}

	s := newTestServer(&MockStore{}, &MockRebuilder{}, &MockUsage{})
	if w := serve(s, "GET", "/v1/rebuild", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /v1/rebuild = %d, want 405", w.Code)
	}
}

func TestHandleRebuild_Auth(t *testing.T) {
	rb := &MockRebuilder{}
	s := newTestServer(&MockStore{}, rb, &MockUsage{})
	s.SetAdminToken("secret")

	cases := []struct {
		header string
		want   int
	}{
		{"", http.StatusUnauthorized},
		{"Token secret", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"Bearer secret", http.StatusAccepted},
	}
	for _, c := range cases {
		var header map[string]string
		if c.header != "" {
			header = map[string]string{"Authorization": c.header}
		}
		if w := serve(s, "POST", "/v1/rebuild", "", header); w.Code != c.want {
			t.Errorf("Authorization %q: status %d, want %d", c.header, w.Code, c.want)
		}
	}
}

func TestHandleRebuildStatus(t *testing.T) {
	rb := &MockRebuilder{}
	s := newTestServer(&MockStore{}, rb, &MockUsage{})

	if w := serve(s, "GET", "/v1/rebuild/status", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 before any run, got %d", w.Code)
	}

	rb.run = &store.RebuildRun{RunID: "run-9", Status: store.RunRunning, Stages: []string{"extract"}}
	w := serve(s, "GET", "/v1/rebuild/status", "", nil)
	var run store.RebuildRun
	if err := json.NewDecoder(w.Body).Decode(&run); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if run.RunID != "run-9" || run.Status != store.RunRunning {
		t.Errorf("unexpected run %+v", run)
	}

	w = serve(s, "GET", "/v1/rebuild/status?run_id=run-1", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), store.RunSucceeded) {
		t.Errorf("run lookup: %d %s", w.Code, w.Body.String())
	}
}

func TestHandleUsage(t *testing.T) {
	usage := &MockUsage{}
	s := newTestServer(&MockStore{}, &MockRebuilder{}, usage)

	w := serve(s, "GET", "/v1/usage?ids=7,%208,,9", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp UsageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(resp.Usage) != 1 || resp.Usage[7].Elevations != 2 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if len(usage.ids) != 3 {
		t.Errorf("expected 3 ids passed through, got %v", usage.ids)
	}

	for target, want := range map[string]string{
		"/v1/usage":          "missing_ids",
		"/v1/usage?ids=1,x":  "invalid_ids",
		"/v1/usage?ids=12a3": "invalid_ids",
	} {
		if w := serve(s, "GET", target, "", nil); w.Code != http.StatusBadRequest || !strings.Contains(w.Body.String(), want) {
			t.Errorf("%s: %d %s", target, w.Code, w.Body.String())
		}
	}

	usage.err = errors.New("boom")
	if w := serve(s, "GET", "/v1/usage?ids=1", "", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 on lookup error, got %d", w.Code)
	}
}

func TestHandleUnused(t *testing.T) {
	st := &MockStore{unused: []store.UnusedMaterial{{MaterialID: 3, ReasonAllUnused: true}}}
	s := newTestServer(st, &MockRebuilder{}, &MockUsage{})

	w := serve(s, "GET", "/v1/unused?limit=5000&offset=10", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp UnusedResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.Total != 1 || len(resp.Items) != 1 || resp.Limit != maxPageSize || resp.Offset != 10 {
		t.Errorf("unexpected response %+v", resp)
	}
	if st.limit != maxPageSize || st.offset != 10 {
		t.Errorf("store saw limit=%d offset=%d", st.limit, st.offset)
	}

	if w := serve(s, "GET", "/v1/unused?limit=0", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero limit, got %d", w.Code)
	}
}

func TestHandleDuplicates(t *testing.T) {
	st := &MockStore{groups: []store.DuplicateGroup{{KeyType: "title", GroupHash: "ab", GroupSize: 2, MaterialIDs: []int64{1, 2}}}}
	s := newTestServer(st, &MockRebuilder{}, &MockUsage{})

	w := serve(s, "GET", "/v1/duplicates", "", nil)
	var resp DuplicatesResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if resp.KeyType != "title" || len(resp.Groups) != 1 || resp.Limit != defaultPageSize {
		t.Errorf("unexpected response %+v", resp)
	}

	if w := serve(s, "GET", "/v1/duplicates?key_type=colour", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown key type, got %d", w.Code)
	}

	w = serve(s, "GET", "/v1/duplicates/types", "", nil)
	if !strings.Contains(w.Body.String(), `"key_types":["title"]`) {
		t.Errorf("unexpected types body %s", w.Body.String())
	}
}

func TestHandleReports(t *testing.T) {
	s := newTestServer(&MockStore{}, &MockRebuilder{}, &MockUsage{})

	w := serve(s, "GET", "/v1/reports?type=usage", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("Content-Type = %q", ct)
	}
	records, err := csv.NewReader(w.Body).ReadAll()
	if err != nil {
		t.Fatalf("csv parse failed: %v", err)
	}
	if len(records) != 2 || records[1][0] != "7" {
		t.Errorf("unexpected records %v", records)
	}

	for target, want := range map[string]int{
		"/v1/reports":                          http.StatusBadRequest,
		"/v1/reports?type=events":              http.StatusBadRequest,
		"/v1/reports?type=unused&to=yesterday": http.StatusBadRequest,
		"/v1/reports?type=usage&from=2024-02-01T00:00:00Z&to=2024-01-01T00:00:00Z": http.StatusBadRequest,
	} {
		if w := serve(s, "GET", target, "", nil); w.Code != want {
			t.Errorf("%s: status %d, want %d", target, w.Code, want)
		}
	}
}

func TestRecovery(t *testing.T) {
	s := newTestServer(&MockStore{}, &MockRebuilder{}, &MockUsage{})
	h := s.withRecovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 after panic, got %d", w.Code)
	}
}
