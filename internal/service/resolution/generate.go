package resolution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ashita-ai/sapphire/internal/aigateway"
	"github.com/ashita-ai/sapphire/internal/model"
)

const (
	selfServiceFallback = "I'm having trouble processing your request right now. Please try again or contact support."
	analysisFallback    = "Case requires human review."

	// modelFallback marks answers that did not come from the model.
	modelFallback = "fallback"
)

var errNoGenerator = errors.New("resolution: no generator configured")

// Generation is a candidate resolution before scoring.
type Generation struct {
	Answer               string
	Steps                []string
	Confidence           float64
	Citations            []model.Citation
	NeedsClarification   bool
	ClarifyingQuestion   string
	ResolutionSuccessful bool
	SuggestEscalation    bool
	RootCause            string
	FixAttempts          []string
	ModelUsed            string
}

const selfServiceSchemaSrc = `{
	"type": "object",
	"required": ["answer", "confidence"],
	"properties": {
		"answer": {"type": "string"},
		"steps": {"type": "array", "items": {"type": "string"}},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1},
		"citations": {"type": "array"},
		"needs_clarification": {"type": "boolean"},
		"clarifying_question": {"type": ["string", "null"]},
		"resolution_successful": {"type": "boolean"}
	}
}`

const analysisSchemaSrc = `{
	"type": "object",
	"required": ["summary_for_agent", "confidence"],
	"properties": {
		"summary_for_agent": {"type": "string"},
		"probable_root_cause": {"type": ["string", "null"]},
		"recommended_fix_attempts": {"type": "array", "items": {"type": "string"}},
		"escalation_required": {"type": "boolean"},
		"confidence": {"type": "number", "minimum": 0, "maximum": 1}
	}
}`

var (
	selfServiceSchema = aigateway.MustCompileSchema("self_service_resolution", selfServiceSchemaSrc)
	analysisSchema    = aigateway.MustCompileSchema("escalation_analysis", analysisSchemaSrc)
)

type selfServiceWire struct {
	Answer               string   `json:"answer"`
	Steps                []string `json:"steps"`
	Confidence           float64  `json:"confidence"`
	NeedsClarification   bool     `json:"needs_clarification"`
	ClarifyingQuestion   *string  `json:"clarifying_question"`
	ResolutionSuccessful *bool    `json:"resolution_successful"`
}

type analysisWire struct {
	Summary            string   `json:"summary_for_agent"`
	RootCause          *string  `json:"probable_root_cause"`
	FixAttempts        []string `json:"recommended_fix_attempts"`
	EscalationRequired *bool    `json:"escalation_required"`
	Confidence         float64  `json:"confidence"`
}

// Citations builds source references for retrieved documents. Prior cases
// link to the case page.
func Citations(docs []model.ContextDoc) []model.Citation {
	out := make([]model.Citation, 0, len(docs))
	for _, d := range docs {
		switch {
		case d.URL != "":
			out = append(out, model.Citation{Title: orDefault(d.Title, "Document"), URL: d.URL, Snippet: clip(d.Content, 200)})
		case d.CaseID != nil:
			out = append(out, model.Citation{
				Title:   "Similar Case: " + d.Title,
				URL:     "/cases/" + d.CaseID.String(),
				Snippet: clip(d.Content, 200),
			})
		}
	}
	return out
}

func selfServicePrompt(docs []model.ContextDoc, subject, message string) string {
	var ctx strings.Builder
	for _, d := range docs {
		fmt.Fprintf(&ctx, "\n--- %s ---\n%s\n", orDefault(d.Title, "Document"), clip(d.Content, 500))
	}
	return `ROLE: Sapphire Support AI
GOAL: Solve the issue without human intervention.

You have access to:
- Knowledge Base articles
- Workflow guides
- Prior case solutions
- Tenant-specific context

User Request:
Subject: ` + orDefault(subject, "N/A") + `
Message: ` + message + `

Context from Knowledge Base and Case History:
` + ctx.String() + `

Instructions:
1. Provide a clear, actionable answer with specific steps
2. If you're confident (>= 0.78), provide the solution
3. If moderately confident (0.45-0.78), ask ONE clarifying question
4. If low confidence (< 0.45), suggest escalation
5. Always cite sources when using KB articles or prior cases

Return structured JSON:
{
  "answer": "Clear explanation and solution steps",
  "steps": ["Step 1", "Step 2", ...],
  "confidence": 0.0-1.0,
  "citations": ["doc references"],
  "needs_clarification": true/false,
  "clarifying_question": "optional single question",
  "resolution_successful": true/false
}`
}

func analysisPrompt(docs []model.ContextDoc, subject, message string) string {
	lines := make([]string, 0, len(docs))
	for _, d := range docs {
		lines = append(lines, "- "+orDefault(d.Title, "Document")+": "+clip(d.Content, 300))
	}
	return `ROLE: Senior Support Agent AI
GOAL: Determine if the case requires human intervention.

User Issue:
Subject: ` + orDefault(subject, "N/A") + `
Message: ` + message + `

Available Context:
` + strings.Join(lines, "\n") + `

Analyze and provide:
1. Summary for human agent
2. Probable root cause
3. Recommended fix attempts before escalation
4. Whether escalation is required

Return JSON:
{
  "summary_for_agent": "...",
  "probable_root_cause": "...",
  "recommended_fix_attempts": ["...", "..."],
  "escalation_required": true/false,
  "confidence": 0.0-1.0
}`
}

// generate produces a candidate for the tenant's tier. It never fails: a
// gateway error yields the tier's zero-confidence fallback.
func (e *Engine) generate(ctx context.Context, tier model.PlanTier, docs []model.ContextDoc, subject, message string) Generation {
	if tier == model.TierZero {
		return e.generateSelfService(ctx, docs, subject, message)
	}
	return e.generateAnalysis(ctx, docs, subject, message)
}

func (e *Engine) generateSelfService(ctx context.Context, docs []model.ContextDoc, subject, message string) Generation {
	docs = docs[:min(len(docs), 6)]
	citations := Citations(docs)

	text, err := e.complete(ctx, aigateway.GenerateRequest{
		Prompt:      selfServicePrompt(docs, subject, message),
		Operation:   "support_resolution",
		MaxTokens:   1000,
		Temperature: 0.3,
	})
	if err != nil {
		e.logger.Warn("resolution: generation failed, using fallback", "error", err)
		return Generation{
			Answer:            selfServiceFallback,
			Citations:         []model.Citation{},
			SuggestEscalation: true,
			ModelUsed:         modelFallback,
		}
	}
	return parseSelfService(text, citations, e.modelName)
}

// complete calls the generator, failing when none is configured.
func (e *Engine) complete(ctx context.Context, req aigateway.GenerateRequest) (string, error) {
	if e.gen == nil {
		return "", errNoGenerator
	}
	return e.gen.Generate(ctx, req)
}

func parseSelfService(text string, citations []model.Citation, modelUsed string) Generation {
	g := Generation{Citations: citations, ModelUsed: modelUsed}
	raw, ok := aigateway.ExtractJSON(text)
	if !ok {
		// Plain prose: a long answer is worth a follow-up, a short one is not.
		g.Answer = strings.TrimSpace(text)
		g.Confidence = 0.4
		if len(g.Answer) > 100 {
			g.Confidence = 0.6
		}
		g.NeedsClarification = g.Confidence < 0.7
		g.SuggestEscalation = g.Confidence < EscalateThreshold
		return g
	}

	var w selfServiceWire
	if err := selfServiceSchema.Decode([]byte(raw), &w); err != nil {
		g.Answer = strings.TrimSpace(text)
		g.Confidence = 0.5
		return g
	}
	g.Answer = w.Answer
	g.Steps = w.Steps
	g.Confidence = w.Confidence
	g.NeedsClarification = w.NeedsClarification
	if w.ClarifyingQuestion != nil {
		g.ClarifyingQuestion = strings.TrimSpace(*w.ClarifyingQuestion)
	}
	g.ResolutionSuccessful = w.Confidence >= AutoResolveThreshold
	if w.ResolutionSuccessful != nil {
		g.ResolutionSuccessful = *w.ResolutionSuccessful
	}
	g.SuggestEscalation = w.Confidence < EscalateThreshold
	return g
}

func (e *Engine) generateAnalysis(ctx context.Context, docs []model.ContextDoc, subject, message string) Generation {
	docs = docs[:min(len(docs), 5)]
	text, err := e.complete(ctx, aigateway.GenerateRequest{
		Prompt:      analysisPrompt(docs, subject, message),
		Operation:   "escalation_analysis",
		MaxTokens:   800,
		Temperature: 0.3,
	})
	if err != nil {
		e.logger.Warn("resolution: analysis failed, using fallback", "error", err)
		return Generation{
			Answer:            analysisFallback,
			Citations:         []model.Citation{},
			SuggestEscalation: true,
			ModelUsed:         modelFallback,
		}
	}
	return parseAnalysis(text, e.modelName)
}

func parseAnalysis(text, modelUsed string) Generation {
	g := Generation{Citations: []model.Citation{}, ModelUsed: modelUsed}
	var w analysisWire
	if err := analysisSchema.DecodeText(text, &w); err != nil {
		g.Answer = strings.TrimSpace(text)
		g.Confidence = 0.5
		g.SuggestEscalation = true
		return g
	}
	escalate := true
	if w.EscalationRequired != nil {
		escalate = *w.EscalationRequired
	}
	g.Answer = w.Summary
	g.Confidence = w.Confidence
	g.FixAttempts = w.FixAttempts
	if w.RootCause != nil {
		g.RootCause = *w.RootCause
	}
	g.ResolutionSuccessful = !escalate
	g.SuggestEscalation = escalate
	return g
}

// caseSummary is the summary artifact stored on an escalated case.
func caseSummary(c model.Classification, g Generation, confidence float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "AI Classification: %s\n\n", c.Intent)
	b.WriteString("AI Resolution Attempt:\n")
	fmt.Fprintf(&b, "Confidence: %.2f\n", confidence)
	fmt.Fprintf(&b, "Resolution Successful: %t\n\n", g.ResolutionSuccessful)
	fmt.Fprintf(&b, "Answer: %s\n", g.Answer)
	if g.RootCause != "" {
		fmt.Fprintf(&b, "\nProbable Root Cause: %s\n", g.RootCause)
	}
	if len(g.FixAttempts) > 0 {
		b.WriteString("\nRecommended Fixes:\n")
		for _, f := range g.FixAttempts {
			b.WriteString("- " + f + "\n")
		}
	}
	return b.String()
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

// clip returns at most n runes of s.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
