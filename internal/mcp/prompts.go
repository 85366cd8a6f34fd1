package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// triage-request walks the agent through search, resolve and follow-up for one request.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("triage-request",
			mcplib.WithPromptDescription("Triage one customer request: search the KB, resolve, then act on the outcome"),
			mcplib.WithArgument("user_email",
				mcplib.ArgumentDescription("Email of the customer who asked"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("message",
				mcplib.ArgumentDescription("The customer's request, verbatim"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleTriagePrompt,
	)

	// review-kb guides a reviewer through the KB review queue.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("review-kb",
			mcplib.WithPromptDescription("Work through knowledge base articles flagged for review"),
		),
		s.handleReviewPrompt,
	)

	// agent-setup is a system prompt snippet describing the support workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining the Sapphire support workflow"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleTriagePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	email := request.Params.Arguments["user_email"]
	message := request.Params.Arguments["message"]
	if email == "" || message == "" {
		return nil, fmt.Errorf("user_email and message arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Triage a request from %s", email),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`A customer (%s) wrote:

%s

1. CALL sapphire_kb_search with the customer's question to see which articles exist.

2. CALL sapphire_resolve with user_email="%s" and the message above.

3. ACT on the outcome:
   - auto_resolved: send the answer and its citations to the customer unchanged.
   - follow_up: ask the customer the clarifying_question and resolve again with their reply.
   - escalated_to_case: tell the customer a specialist has the case (case_id) and
     the response target (sla_applied). Do not promise a resolution time beyond it.

If the search found nothing relevant, say so rather than inventing an answer.`, email, message, email),
				},
			},
		},
	}, nil
}

func (s *Server) handleReviewPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Review flagged knowledge base articles",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `CALL sapphire_review_queue to list articles awaiting review, oldest first.

For each item, read its quality dimensions (clarity, completeness,
technical_accuracy, structure) alongside the review_reason. Approve articles that are correct as
written. Reject articles that are wrong or unsafe; rejected articles are
disabled by default so they stop grounding answers.`,
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Sapphire support workflow for AI agents",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Sapphire, the support decision plane. It answers customer
requests from the knowledge base, opens cases for what it cannot answer, and
routes cases to support tiers by plan and priority.

## The Pattern: Search, Resolve, Act

### Search first:
Call sapphire_kb_search with the customer's question. This shows you the
articles an answer would be grounded on.

### Resolve:
Call sapphire_resolve with the customer's email and message. Sapphire
classifies the request, answers it or opens a case, and records the attempt.

### Act on the outcome:
Relay auto_resolved answers unchanged. Ask follow_up questions verbatim.
For escalated_to_case, give the customer the case reference.

## Available Tools

- sapphire_kb_search: Search the knowledge base (use FIRST)
- sapphire_resolve: Resolve a customer request
- sapphire_onboarding_status: Show a tenant's onboarding phase and checklist
- sapphire_review_queue: List KB articles flagged for human review

## Resources

- sapphire://kb/review-queue: the current review queue
- sapphire://onboarding/{tenant_id}: a tenant's onboarding status`,
				},
			},
		},
	}, nil
}
