// Package mcp exposes Sapphire's support decision plane to MCP-compatible
// agents: request resolution, knowledge base search, onboarding status and
// the KB review queue.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/sapphire/internal/kb"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/onboarding"
	"github.com/ashita-ai/sapphire/internal/service/resolution"
)

// searchWindow is how long a KB search counts as recent for the
// search-before-resolve nudge.
const searchWindow = 30 * time.Minute

// Resolver runs the resolution pipeline.
type Resolver interface {
	Resolve(ctx context.Context, req resolution.Request) (resolution.Response, error)
}

// OnboardingStatus reads a tenant's onboarding session.
type OnboardingStatus interface {
	Status(ctx context.Context, tenantID uuid.UUID) (onboarding.StatusView, error)
}

// ReviewQueue lists KB articles awaiting human review.
type ReviewQueue interface {
	Queue(ctx context.Context, limit int) ([]model.ReviewQueueItem, error)
}

// Deps holds the services the MCP tools call into. Searcher, Onboarding and
// Reviewer are optional; their tools report an error when unset.
type Deps struct {
	Resolver   Resolver
	Searcher   kb.Searcher
	Onboarding OnboardingStatus
	Reviewer   ReviewQueue
	Logger     *slog.Logger
	Version    string
}

// Server wraps the MCP server with Sapphire's service layer.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	resolver   Resolver
	searcher   kb.Searcher
	onboarding OnboardingStatus
	reviewer   ReviewQueue
	searches   *searchTracker
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all resources, prompts and tools.
func New(deps Deps) *Server {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := &Server{
		resolver:   deps.Resolver,
		searcher:   deps.Searcher,
		onboarding: deps.Onboarding,
		reviewer:   deps.Reviewer,
		searches:   newSearchTracker(searchWindow),
		logger:     deps.Logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"sapphire",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerResources()
	s.registerPrompts()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const serverInstructions = `Sapphire answers customer support requests from the knowledge base and routes the rest to human agents.
Search the knowledge base with sapphire_kb_search before calling sapphire_resolve so you know what the answer will be grounded on.`

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
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
