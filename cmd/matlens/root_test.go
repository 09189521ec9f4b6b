package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func runCLI(t *testing.T, server *httptest.Server, args ...string) (string, error) {
	t.Helper()
	t.Setenv("MATLENS_ENDPOINT", "")
	t.Setenv("MATLENS_ADMIN_TOKEN", "tok")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--endpoint", server.URL}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestUsageCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/usage" {
			t.Errorf("Expected path /v1/usage, got %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ids"); got != "7,8,9" {
			t.Errorf("Expected ids=7,8,9, got %q", got)
		}
		w.Write([]byte(`{"usage":{
			"7":{"job_areas":0,"elevations":3,"project_views":0,"total":3,"last_used":"2023-06-01T00:00:00Z"},
			"8":{"job_areas":0,"elevations":0,"project_views":0,"total":0,"last_used":"1970-01-01T00:00:00Z"}}}`))
	}))
	defer server.Close()

	out, err := runCLI(t, server, "usage", "7", "8,9")
	if err != nil {
		t.Fatalf("usage failed: %v", err)
	}
	for _, want := range []string{"MATERIAL", "2023-06-01", "unknown"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
	if strings.Contains(out, "1970") {
		t.Errorf("sentinel date should render as '-':\n%s", out)
	}
}

func TestUsageCommand_InvalidID(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	if _, err := runCLI(t, server, "usage", "abc"); err == nil || !strings.Contains(err.Error(), "invalid material id") {
		t.Errorf("expected invalid id error, got %v", err)
	}
}

func TestRebuildCommand(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
		wantOut string
	}{
		{name: "accepted", status: http.StatusAccepted, body: `{"run_id":"run-1","status":"running"}`, wantOut: "run-1"},
		{name: "busy", status: http.StatusConflict, body: `{"error":"rebuild_in_progress"}`, wantErr: "already running"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Expected token from MATLENS_ADMIN_TOKEN, got %q", got)
				}
				var req struct {
					Stages []string `json:"stages"`
				}
				json.NewDecoder(r.Body).Decode(&req)
				if len(req.Stages) != 2 || req.Stages[0] != "summary" || req.Stages[1] != "unused" {
					t.Errorf("unexpected stages %v", req.Stages)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			out, err := runCLI(t, server, "rebuild", "--stage", "summary,unused")
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("rebuild failed: %v", err)
			}
			if !strings.Contains(out, tt.wantOut) {
				t.Errorf("expected %q in output:\n%s", tt.wantOut, out)
			}
		})
	}
}

func TestDuplicatesCommand_JSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("key_type"); got != "title_brand" {
			t.Errorf("Expected key_type=title_brand, got %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("Expected limit=5, got %q", got)
		}
		w.Write([]byte(`{"key_type":"title_brand","groups":[{"key_type":"title_brand","group_hash":"abc","group_size":2,"material_ids":[1,2]}],"limit":5,"offset":0}`))
	}))
	defer server.Close()

	out, err := runCLI(t, server, "--json", "duplicates", "--key-type", "title_brand", "--limit", "5")
	if err != nil {
		t.Fatalf("duplicates failed: %v", err)
	}
	var page struct {
		Groups []struct {
			MaterialIDs []int64 `json:"material_ids"`
		} `json:"groups"`
	}
	if err := json.Unmarshal([]byte(out), &page); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if len(page.Groups) != 1 || len(page.Groups[0].MaterialIDs) != 2 {
		t.Errorf("unexpected groups: %+v", page.Groups)
	}
}

func TestStatusCommand_NoRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no_rebuild_recorded"}`, http.StatusNotFound)
	}))
	defer server.Close()

	if _, err := runCLI(t, server, "status"); err == nil || !strings.Contains(err.Error(), "no rebuild recorded") {
		t.Errorf("expected friendly error, got %v", err)
	}
}
