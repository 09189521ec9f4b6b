package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rmax-ai/matlens/pkg/client"
)

const unusedResourceLimit = 1000

// Server adapts matlens-d to the Model Context Protocol.
type Server struct {
	mcpServer    *server.MCPServer
	apiClient    *client.Client
	pollInterval time.Duration
}

// NewServer creates a new MCP server instance. token is sent on rebuild calls.
func NewServer(apiURL, token string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"matlens",
			"1.0.0",
		),
		apiClient:    client.NewClient(apiURL).WithToken(token),
		pollInterval: time.Second,
	}
	s.registerResources()
	s.registerTools()
	s.registerPrompts()
	return s
}

// Serve starts the MCP server on stdio.
func (s *Server) Serve() error {
	return server.ServeStdio(s.mcpServer)
}

// --- Resources ---

func (s *Server) registerResources() {
	// matlens://unused
	s.mcpServer.AddResource(mcp.NewResource(
		"matlens://unused",
		"Unused Materials",
		mcp.WithResourceDescription("Materials with no recorded usage as of the last rebuild"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadUnused)

	// matlens://duplicates
	s.mcpServer.AddResource(mcp.NewResource(
		"matlens://duplicates",
		"Duplicate Title Groups",
		mcp.WithResourceDescription("Materials sharing a normalized title"),
		mcp.WithMIMEType("application/json"),
	), s.handleReadDuplicates)
}

// --- Tools ---

func (s *Server) registerTools() {
	// rebuild_usage
	s.mcpServer.AddTool(mcp.NewTool(
		"rebuild_usage",
		mcp.WithDescription("Refresh the usage tables from the catalog. Fails if a rebuild is already running."),
		mcp.WithString("stages", mcp.Description("Comma separated stages (extract, summary, unused, duplicates). Empty means all.")),
		mcp.WithBoolean("wait", mcp.Description("Block until the rebuild finishes (default false)")),
	), s.handleRebuild)

	// material_usage
	s.mcpServer.AddTool(mcp.NewTool(
		"material_usage",
		mcp.WithDescription("Look up how often materials are used by job areas, elevations and project views."),
		mcp.WithString("ids", mcp.Required(), mcp.Description("Comma separated material ids, e.g. '12,40'")),
	), s.handleMaterialUsage)
}

// --- Prompts ---

func (s *Server) registerPrompts() {
	s.mcpServer.AddPrompt(mcp.NewPrompt(
		"matlens-aware",
		mcp.WithPromptDescription("Explains matlens usage counts, unused materials and duplicate groups"),
	), s.handleGetPrompt)
}

// --- Handlers ---

func (s *Server) handleReadUnused(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	page, err := s.apiClient.Unused(ctx, client.Page{Limit: unusedResourceLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unused materials: %w", err)
	}
	return jsonResource(request.Params.URI, page)
}

func (s *Server) handleReadDuplicates(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	page, err := s.apiClient.Duplicates(ctx, "title", client.Page{Limit: unusedResourceLimit})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch duplicate groups: %w", err)
	}
	return jsonResource(request.Params.URI, page)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resource: %w", err)
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleRebuild(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stages := splitList(mcp.ParseString(request, "stages", ""))
	wait := mcp.ParseBoolean(request, "wait", false)

	runID, err := s.apiClient.Rebuild(ctx, stages...)
	if errors.Is(err, client.ErrRebuildInProgress) {
		return mcp.NewToolResultError("A rebuild is already running. Try again once it finishes."), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}
	if !wait {
		return mcp.NewToolResultText(fmt.Sprintf("Rebuild started\nRun: %s", runID)), nil
	}

	run, err := s.apiClient.WaitForRun(ctx, runID, s.pollInterval)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Rebuild %s: %v", runID, err)), nil
	}
	msg := fmt.Sprintf("Run: %s\nStatus: %s", run.RunID, run.Status)
	if run.Error != "" {
		msg += "\nError: " + run.Error
	}
	return mcp.NewToolResultText(msg), nil
}

func (s *Server) handleMaterialUsage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := splitList(mcp.ParseString(request, "ids", ""))
	if len(raw) == 0 {
		return mcp.NewToolResultError("ids is required"), nil
	}
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid material id %q", r)), nil
		}
		ids = append(ids, id)
	}

	usage, err := s.apiClient.Usage(ctx, ids)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("API error: %v", err)), nil
	}

	var b strings.Builder
	for _, id := range ids {
		u, ok := usage[id]
		if !ok {
			fmt.Fprintf(&b, "Material %d: unknown\n", id)
			continue
		}
		fmt.Fprintf(&b, "Material %d: %d uses (job areas %d, elevations %d, project views %d), last used %s\n",
			id, u.Total, u.JobAreas, u.Elevations, u.ProjectViews, u.LastUsed.Format(time.DateOnly))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleGetPrompt(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	name := request.Params.Name
	if name != "matlens-aware" {
		return nil, fmt.Errorf("prompt not found: %s", name)
	}

	promptText := `You are interacting with matlens, which tracks how catalog materials are used.

Concepts:
- Job area: a job area references a material through its chosen option.
- Elevation: an elevation lists material ids in its material list.
- Project view: a project view lists material ids too (older catalogs lack it).
- Usage: per material counts from each source plus a total and the last date it was used.
- Unused: materials with zero total uses at the last rebuild.
- Duplicate group: materials whose normalized title (and optionally brand, style, category) match.

Counts reflect the last rebuild. Use 'material_usage' to look materials up and
'rebuild_usage' only when the user asks for fresh numbers; rebuilds are expensive.
`

	return mcp.NewGetPromptResult(
		"matlens-aware",
		[]mcp.PromptMessage{
			mcp.NewPromptMessage(mcp.RoleUser, mcp.NewTextContent(promptText)),
		},
	), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
