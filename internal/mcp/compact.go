package mcp

import (
	"strings"

	"github.com/ashita-ai/sapphire/internal/kb"
	"github.com/ashita-ai/sapphire/internal/service/resolution"
)

const maxCompactSnippet = 280

// compactResolution returns the parts of a resolution an agent acts on.
// Drops side-effect bookkeeping, the raw unformatted answer and classifier
// internals other than intent and urgency.
func compactResolution(r resolution.Response) map[string]any {
	m := map[string]any{
		"outcome":            r.Outcome,
		"log_id":             r.LogID,
		"tenant_id":          r.TenantID,
		"answer":             r.FormattedAnswer,
		"confidence":         r.Confidence,
		"attempt_number":     r.AttemptNumber,
		"suggest_escalation": r.SuggestEscalation,
		"intent":             r.Classification.Intent,
		"urgency":            r.Classification.Urgency,
	}
	if r.FormattedAnswer == "" {
		m["answer"] = r.Answer
	}
	if len(r.Citations) > 0 {
		cites := make([]map[string]string, 0, len(r.Citations))
		for _, c := range r.Citations {
			cites = append(cites, map[string]string{"title": c.Title, "url": c.URL})
		}
		m["citations"] = cites
	}
	if len(r.Steps) > 0 {
		m["steps"] = r.Steps
	}
	if r.ClarifyingQuestion != "" {
		m["clarifying_question"] = r.ClarifyingQuestion
	}
	if r.CaseID != nil {
		m["case_id"] = r.CaseID
	}
	if r.TierRoute != nil {
		m["tier_route"] = *r.TierRoute
	}
	if r.SLAApplied != "" {
		m["sla_applied"] = r.SLAApplied
	}
	return m
}

// compactDocument trims a KB document to its title, link and a short excerpt.
// The snippet is preferred; full content is only excerpted when no snippet exists.
func compactDocument(d kb.Document) map[string]any {
	excerpt := d.Snippet
	if excerpt == "" {
		excerpt = d.Content
	}
	return map[string]any{
		"id":      d.ID,
		"title":   d.Title,
		"url":     d.URL,
		"excerpt": truncate(strings.TrimSpace(excerpt), maxCompactSnippet),
	}
}

// truncate shortens s to maxLen runes, appending "..." when cut.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
