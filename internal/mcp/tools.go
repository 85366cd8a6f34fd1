package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/sapphire/internal/ctxutil"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/service/kbagent"
	"github.com/ashita-ai/sapphire/internal/service/onboarding"
	"github.com/ashita-ai/sapphire/internal/service/resolution"
	"github.com/ashita-ai/sapphire/internal/storage"
)

const (
	defaultSearchLimit = 5
	maxSearchLimit     = 20
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("sapphire_resolve",
			mcplib.WithDescription(`Answer a customer support request from the knowledge base.

Returns one of three outcomes:
- auto_resolved: the answer is grounded on KB articles and can be sent as is
- follow_up: the request needs a clarifying question before it can be answered
- escalated_to_case: a support case was opened and routed to a human tier

Each call for the same customer counts as another attempt. Repeated attempts
and low confidence push the request toward escalation.`),
			mcplib.WithString("user_email",
				mcplib.Description("Email of the customer who asked"),
				mcplib.Required(),
			),
			mcplib.WithString("message",
				mcplib.Description("The customer's request, verbatim"),
				mcplib.Required(),
			),
			mcplib.WithString("subject",
				mcplib.Description("Optional subject line"),
			),
			mcplib.WithString("tenant_id",
				mcplib.Description("Tenant UUID. Omit to resolve the tenant from the email domain."),
			),
			mcplib.WithString("category",
				mcplib.Description("Request category"),
				mcplib.Enum(categoryValues()...),
			),
			mcplib.WithString("priority",
				mcplib.Description("Priority requested by the customer"),
				mcplib.Enum(priorityValues()...),
			),
		),
		s.handleResolve,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("sapphire_kb_search",
			mcplib.WithDescription("Search the knowledge base for articles relevant to a question. Read-only."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("query",
				mcplib.Description("Natural language search query"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum articles to return"),
				mcplib.Min(1),
				mcplib.Max(maxSearchLimit),
				mcplib.DefaultNumber(defaultSearchLimit),
			),
		),
		s.handleKBSearch,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("sapphire_onboarding_status",
			mcplib.WithDescription("Show a tenant's onboarding session with the checklist of its current phase. Read-only."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithString("tenant_id",
				mcplib.Description("Tenant UUID"),
				mcplib.Required(),
			),
		),
		s.handleOnboardingStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("sapphire_review_queue",
			mcplib.WithDescription("List knowledge base articles flagged for human review, oldest first. Read-only."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum items to return"),
				mcplib.Min(1),
				mcplib.Max(kbagent.MaxQueueLimit),
				mcplib.DefaultNumber(kbagent.DefaultQueueLimit),
			),
		),
		s.handleReviewQueue,
	)
}

func categoryValues() []string {
	return []string{
		string(model.CategorySupport), string(model.CategoryOnboarding), string(model.CategoryBilling),
		string(model.CategoryCompliance), string(model.CategoryOutage),
	}
}

func priorityValues() []string {
	return []string{
		string(model.PriorityLow), string(model.PriorityNormal),
		string(model.PriorityHigh), string(model.PriorityCritical),
	}
}

// callerName identifies the MCP caller for the search tracker.
func callerName(ctx context.Context) string {
	if claims := ctxutil.ClaimsFromContext(ctx); claims != nil {
		return claims.Name
	}
	return "anonymous"
}

func (s *Server) handleResolve(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.resolver == nil {
		return errorResult("resolution is not available"), nil
	}
	email := strings.TrimSpace(request.GetString("user_email", ""))
	message := strings.TrimSpace(request.GetString("message", ""))
	if email == "" || message == "" {
		return errorResult("user_email and message are required"), nil
	}

	req := resolution.Request{
		UserEmail:         email,
		Subject:           request.GetString("subject", ""),
		Message:           message,
		Category:          model.Category(request.GetString("category", "")),
		PriorityRequested: model.Priority(request.GetString("priority", "")),
	}
	if raw := request.GetString("tenant_id", ""); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("tenant_id must be a UUID"), nil
		}
		req.TenantID = &id
	}

	resp, err := s.resolver.Resolve(ctx, req)
	if err != nil {
		if errors.Is(err, resolution.ErrInvalidRequest) || errors.Is(err, model.ErrInvalidEnum) {
			return errorResult(err.Error()), nil
		}
		s.logger.Error("mcp: resolve failed", "error", err, "caller", callerName(ctx))
		return errorResult("resolution failed"), nil
	}

	out := compactResolution(resp)
	if !s.searches.WasSearched(callerName(ctx)) {
		out["tip"] = "Call sapphire_kb_search first to preview the articles this answer draws on."
	}
	return jsonResult(out)
}

func (s *Server) handleKBSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.searcher == nil {
		return errorResult("knowledge base search is not configured"), nil
	}
	query := strings.TrimSpace(request.GetString("query", ""))
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := clampLimit(request.GetInt("limit", defaultSearchLimit), defaultSearchLimit, maxSearchLimit)

	docs := s.searcher.Search(ctx, query, limit)
	s.searches.Record(callerName(ctx))

	results := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		results = append(results, compactDocument(d))
	}
	return jsonResult(map[string]any{
		"results": results,
		"total":   len(results),
	})
}

func (s *Server) handleOnboardingStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.onboarding == nil {
		return errorResult("onboarding is not available"), nil
	}
	tenantID, err := uuid.Parse(request.GetString("tenant_id", ""))
	if err != nil {
		return errorResult("tenant_id must be a UUID"), nil
	}

	view, err := s.onboarding.Status(ctx, tenantID)
	if err != nil {
		if isNotFound(err) {
			return errorResult(fmt.Sprintf("no onboarding session for tenant %s", tenantID)), nil
		}
		s.logger.Error("mcp: onboarding status failed", "error", err, "tenant_id", tenantID)
		return errorResult("failed to load onboarding status"), nil
	}
	return jsonResult(view)
}

func (s *Server) handleReviewQueue(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.reviewer == nil {
		return errorResult("review queue is not available"), nil
	}
	limit := clampLimit(request.GetInt("limit", kbagent.DefaultQueueLimit), kbagent.DefaultQueueLimit, kbagent.MaxQueueLimit)

	items, err := s.reviewer.Queue(ctx, limit)
	if err != nil {
		s.logger.Error("mcp: review queue failed", "error", err)
		return errorResult("failed to load review queue"), nil
	}
	return jsonResult(map[string]any{
		"items": items,
		"total": len(items),
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, onboarding.ErrNoSession) ||
		errors.Is(err, onboarding.ErrTenantNotFound)
}

func clampLimit(n, def, maxN int) int {
	switch {
	case n <= 0:
		return def
	case n > maxN:
		return maxN
	}
	return n
}
