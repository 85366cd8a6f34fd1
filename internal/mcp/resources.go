package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/sapphire/internal/service/kbagent"
)

const (
	reviewQueueURI      = "sapphire://kb/review-queue"
	onboardingURIPrefix = "sapphire://onboarding/"
	onboardingURITmpl   = onboardingURIPrefix + "{tenant_id}"
	resourceMIMEType    = "application/json"
)

func (s *Server) registerResources() {
	// sapphire://kb/review-queue: articles awaiting human review.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			reviewQueueURI,
			"KB Review Queue",
			mcplib.WithResourceDescription("Knowledge base articles flagged for human review, oldest first"),
			mcplib.WithMIMEType(resourceMIMEType),
		),
		s.handleReviewQueueResource,
	)

	// sapphire://onboarding/{tenant_id}: one tenant's onboarding session.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			onboardingURITmpl,
			"Onboarding Status",
			mcplib.WithTemplateDescription("Onboarding phase and checklist for a tenant"),
			mcplib.WithTemplateMIMEType(resourceMIMEType),
		),
		s.handleOnboardingResource,
	)
}

func (s *Server) handleReviewQueueResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.reviewer == nil {
		return nil, fmt.Errorf("mcp: review queue is not available")
	}
	items, err := s.reviewer.Queue(ctx, kbagent.DefaultQueueLimit)
	if err != nil {
		return nil, fmt.Errorf("mcp: review queue: %w", err)
	}
	return jsonResource(reviewQueueURI, map[string]any{
		"items": items,
		"total": len(items),
	})
}

func (s *Server) handleOnboardingResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.onboarding == nil {
		return nil, fmt.Errorf("mcp: onboarding is not available")
	}
	uri := request.Params.URI
	tenantID, err := parseOnboardingURI(uri)
	if err != nil {
		return nil, err
	}
	view, err := s.onboarding.Status(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("mcp: onboarding status: %w", err)
	}
	return jsonResource(uri, view)
}

// parseOnboardingURI extracts the tenant ID from sapphire://onboarding/{tenant_id}.
func parseOnboardingURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, onboardingURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid onboarding URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid tenant_id in onboarding URI: %s", uri)
	}
	return id, nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEType,
			Text:     string(data),
		},
	}, nil
}
