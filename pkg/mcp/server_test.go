package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("Expected content in result")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Expected TextContent, got %T", result.Content[0])
	}
	return text.Text
}

func TestMCPServer_ReadUnused(t *testing.T) {
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/unused" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"items":[{"material_id":8,"reason_all_unused":true}],"total":1,"limit":1000,"offset":0}`))
			return
		}
		http.NotFound(w, r)
	})
	ts := httptest.NewServer(apiHandler)
	defer ts.Close()

	s := NewServer(ts.URL, "")

	req := mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: "matlens://unused",
		},
	}
	result, err := s.handleReadUnused(context.Background(), req)
	if err != nil {
		t.Fatalf("handleReadUnused failed: %v", err)
	}
	if len(result) != 1 {
		t.Fatalf("Expected 1 resource content, got %d", len(result))
	}
	content, ok := result[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("Expected TextResourceContents")
	}
	if content.MIMEType != "application/json" {
		t.Errorf("Expected application/json, got %s", content.MIMEType)
	}

	var page struct {
		Items []map[string]any `json:"items"`
		Total int              `json:"total"`
	}
	if err := json.Unmarshal([]byte(content.Text), &page); err != nil {
		t.Fatalf("Failed to parse result JSON: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestMCPServer_MaterialUsage(t *testing.T) {
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/usage" {
			if got := r.URL.Query().Get("ids"); got != "7,99" {
				t.Errorf("Expected ids=7,99, got %q", got)
			}
			w.Write([]byte(`{"usage":{"7":{"job_areas":0,"elevations":3,"project_views":0,"total":3,"last_used":"2023-06-01T00:00:00Z"}}}`))
			return
		}
		http.NotFound(w, r)
	})
	ts := httptest.NewServer(apiHandler)
	defer ts.Close()

	s := NewServer(ts.URL, "")

	tests := []struct {
		name      string
		ids       string
		wantError bool
		wantText  []string
	}{
		{
			name:     "KnownAndUnknown",
			ids:      "7, 99",
			wantText: []string{"Material 7: 3 uses", "last used 2023-06-01", "Material 99: unknown"},
		},
		{name: "Missing", ids: "", wantError: true},
		{name: "NotANumber", ids: "7,abc", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := mcp.CallToolRequest{
				Params: mcp.CallToolParams{
					Name:      "material_usage",
					Arguments: map[string]any{"ids": tt.ids},
				},
			}
			result, err := s.handleMaterialUsage(context.Background(), req)
			if err != nil {
				t.Fatalf("handleMaterialUsage failed: %v", err)
			}
			if result.IsError != tt.wantError {
				t.Fatalf("IsError = %v, want %v", result.IsError, tt.wantError)
			}
			text := resultText(t, result)
			for _, want := range tt.wantText {
				if !strings.Contains(text, want) {
					t.Errorf("Expected %q in %q", want, text)
				}
			}
		})
	}
}

func TestMCPServer_Rebuild(t *testing.T) {
	apiHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/rebuild":
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("Expected bearer token, got %q", got)
			}
			w.WriteHeader(http.StatusAccepted)
			w.Write([]byte(`{"run_id":"run-1","status":"running"}`))
		case "/v1/rebuild/status":
			w.Write([]byte(`{"run_id":"run-1","status":"succeeded"}`))
		default:
			http.NotFound(w, r)
		}
	})
	ts := httptest.NewServer(apiHandler)
	defer ts.Close()

	s := NewServer(ts.URL, "tok")
	s.pollInterval = 10 * time.Millisecond

	req := mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      "rebuild_usage",
			Arguments: map[string]any{"stages": "summary,unused", "wait": true},
		},
	}
	result, err := s.handleRebuild(context.Background(), req)
	if err != nil {
		t.Fatalf("handleRebuild failed: %v", err)
	}
	if result.IsError {
		t.Fatalf("Expected success, got %q", resultText(t, result))
	}
	if text := resultText(t, result); !strings.Contains(text, "succeeded") {
		t.Errorf("Expected succeeded status, got %q", text)
	}
}

func TestMCPServer_RebuildInProgress(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rebuild_in_progress"}`, http.StatusConflict)
	}))
	defer ts.Close()

	s := NewServer(ts.URL, "")
	req := mcp.CallToolRequest{Params: mcp.CallToolParams{Name: "rebuild_usage"}}
	result, err := s.handleRebuild(context.Background(), req)
	if err != nil {
		t.Fatalf("handleRebuild failed: %v", err)
	}
	if !result.IsError {
		t.Error("Expected tool error while a rebuild is running")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" a, ,b ,")
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Error("splitList(\"\") should be nil")
	}
}
