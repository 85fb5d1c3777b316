// Package mcp implements the Model Context Protocol server for Kindred.
//
// The MCP surface is an operator's window into the matching engine: scoring
// with full per-dimension breakdowns, active gate inspection, and weighting
// history. It is read-only. Mutations go through the HTTP API where the
// audit trail and rate limits live.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/thinkalike/kindred/internal/ctxutil"
	"github.com/thinkalike/kindred/internal/session"
	"github.com/thinkalike/kindred/internal/storage"
)

// Server wraps the MCP server with Kindred's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	compatSvc *session.CompatService
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(db *storage.DB, compatSvc *session.CompatService, logger *slog.Logger) *Server {
	s := &Server{
		db:        db,
		compatSvc: compatSvc,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kindred",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// operatorKey attributes a tool call to the operator key behind the caller's
// token. Claims flow in from the HTTP auth middleware through ctxutil; an
// empty string means the transport did not carry them (stdio, tests).
func operatorKey(ctx context.Context) string {
	c := ctxutil.ClaimsFromContext(ctx)
	if c == nil || c.KeyID == nil {
		return ""
	}
	return c.KeyID.String()
}

func (s *Server) registerResources() {
	// kindred://weighting/active — the weighting table scores are computed under.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kindred://weighting/active",
			"Active Weighting Table",
			mcplib.WithResourceDescription("The active ethical weighting table: per-dimension weights and version"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveWeighting,
	)

	// kindred://gates/active — gate sessions currently in flight.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kindred://gates/active",
			"Active Gates",
			mcplib.WithResourceDescription("Narrative gate sessions currently in flight"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveGates,
	)

	// kindred://profiles/{id} — one user's value profile.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kindred://profiles/{id}",
			"Value Profile",
			mcplib.WithTemplateDescription("A user's value profile: dimensions, provenance, and version"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleProfile,
	)
}

func (s *Server) registerTools() {
	// kindred_compatibility — score a pair with the full breakdown.
	s.mcpServer.AddTool(
		mcplib.NewTool("kindred_compatibility",
			mcplib.WithDescription("Score two users under the active weighting table, with per-dimension contributions ordered by influence"),
			mcplib.WithString("user_a", mcplib.Description("First user UUID"), mcplib.Required()),
			mcplib.WithString("user_b", mcplib.Description("Second user UUID"), mcplib.Required()),
		),
		s.handleCompatibility,
	)

	// kindred_active_gates — list in-flight gate sessions.
	s.mcpServer.AddTool(
		mcplib.NewTool("kindred_active_gates",
			mcplib.WithDescription("List narrative gate sessions currently in flight"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum sessions to return")),
		),
		s.handleListGates,
	)

	// kindred_gate_trail — one session's choice history and audit events.
	s.mcpServer.AddTool(
		mcplib.NewTool("kindred_gate_trail",
			mcplib.WithDescription("Fetch a gate session with its choice history and tamper-evident audit trail"),
			mcplib.WithString("session_id", mcplib.Description("Gate session UUID"), mcplib.Required()),
		),
		s.handleGateTrail,
	)

	// kindred_weighting_history — published weighting table versions.
	s.mcpServer.AddTool(
		mcplib.NewTool("kindred_weighting_history",
			mcplib.WithDescription("List published weighting table versions, newest first"),
			mcplib.WithNumber("limit", mcplib.Description("Maximum versions to return")),
		),
		s.handleWeightingHistory,
	)
}

func (s *Server) registerPrompts() {
	// explain-score — walks an operator's agent through reading a breakdown.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("explain-score",
			mcplib.WithPromptDescription("Explain a pair's compatibility score from its per-dimension breakdown"),
			mcplib.WithArgument("user_a",
				mcplib.ArgumentDescription("First user UUID"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("user_b",
				mcplib.ArgumentDescription("Second user UUID"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleExplainScorePrompt,
	)
}

func (s *Server) handleActiveWeighting(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	table, err := s.db.GetActiveWeightingTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("mcp: active weighting: %w", err)
	}

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal weighting: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kindred://weighting/active",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleActiveGates(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	sessions, err := s.db.ListActiveSessions(ctx, 50)
	if err != nil {
		return nil, fmt.Errorf("mcp: active gates: %w", err)
	}

	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal gates: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "kindred://gates/active",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleProfile(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	var rawID string
	if _, err := fmt.Sscanf(uri, "kindred://profiles/%s", &rawID); err != nil || rawID == "" {
		return nil, fmt.Errorf("mcp: invalid profile URI: %s", uri)
	}
	userID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid user ID in URI %s: %w", uri, err)
	}

	profile, err := s.db.GetValueProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mcp: profile: %w", err)
	}

	data, err := json.MarshalIndent(profile, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal profile: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleCompatibility(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	userA, err := uuid.Parse(request.GetString("user_a", ""))
	if err != nil {
		return errorResult("user_a must be a valid UUID"), nil
	}
	userB, err := uuid.Parse(request.GetString("user_b", ""))
	if err != nil {
		return errorResult("user_b must be a valid UUID"), nil
	}

	result, err := s.compatSvc.Between(ctx, userA, userB)
	if err != nil {
		return errorResult(fmt.Sprintf("scoring failed: %v", err)), nil
	}
	s.logger.Info("mcp: compatibility scored",
		"user_a", userA, "user_b", userB, "operator_key", operatorKey(ctx))

	resultData, _ := json.MarshalIndent(result, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleListGates(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 20)

	sessions, err := s.db.ListActiveSessions(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("listing failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleGateTrail(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	sessionID, err := uuid.Parse(request.GetString("session_id", ""))
	if err != nil {
		return errorResult("session_id must be a valid UUID"), nil
	}

	sess, err := s.db.GetSessionWithHistory(ctx, sessionID)
	if err != nil {
		return errorResult(fmt.Sprintf("session lookup failed: %v", err)), nil
	}

	events, err := s.db.ListAuditEventsForSession(ctx, sessionID)
	if err != nil {
		return errorResult(fmt.Sprintf("audit lookup failed: %v", err)), nil
	}
	s.logger.Info("mcp: gate trail read",
		"session_id", sessionID, "operator_key", operatorKey(ctx))

	resultData, _ := json.MarshalIndent(map[string]any{
		"session":      sess,
		"audit_events": events,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleWeightingHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 10)

	tables, err := s.db.ListWeightingTables(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("listing failed: %v", err)), nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"tables": tables,
		"total":  len(tables),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleExplainScorePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	userA := request.Params.Arguments["user_a"]
	userB := request.Params.Arguments["user_b"]
	if userA == "" || userB == "" {
		return nil, fmt.Errorf("user_a and user_b arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Explain the compatibility score between %s and %s", userA, userB),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Explain the compatibility score for this pair:

1. CALL kindred_compatibility with user_a="%s" and user_b="%s".

2. READ contributing_dimensions. It is ordered by influence: the entries at
   the top moved the score the most, in either direction.

3. SUMMARIZE in plain language which value dimensions align, which diverge,
   and how the active weights amplified each. Quote alignment values, not
   raw profile scores.

4. If insufficient_data is true, say so instead of interpreting the number.
   A score built on no shared dimensions explains nothing.`, userA, userB),
				},
			},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
