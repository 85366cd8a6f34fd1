package resolution

import (
	"strconv"
	"strings"

	"github.com/ashita-ai/sapphire/internal/model"
)

// Decision thresholds.
const (
	AutoResolveThreshold = 0.78
	EscalateThreshold    = 0.45
	MaxPriorAttempts     = 2

	citationBoost = 0.05
	stepBoost     = 0.05
	maxBoosted    = 3
)

// DefaultClarifyingQuestion is asked on follow-up when the model offers none.
const DefaultClarifyingQuestion = "Could you share more details about what you've already tried and any error messages you're seeing?"

// Score adds a bounded boost for citations and steps to the model's
// confidence and caps the result at 1.
func Score(base float64, citations, steps int) float64 {
	conf := base + citationBoost*float64(min(citations, maxBoosted)) + stepBoost*float64(min(steps, maxBoosted))
	return max(0, min(conf, 1))
}

// ShouldEscalate reports whether an attempt must become a case regardless
// of the answer's quality.
func ShouldEscalate(confidence float64, priorAttempts int, userRejected bool) bool {
	return userRejected || confidence < EscalateThreshold || priorAttempts > MaxPriorAttempts
}

// Decide picks the terminal outcome of an attempt. attempt is 1-based.
func Decide(confidence float64, attempt int, userRejected bool) model.Outcome {
	escalate := ShouldEscalate(confidence, attempt-1, userRejected)
	switch {
	case confidence >= AutoResolveThreshold && !escalate:
		return model.OutcomeAutoResolved
	case escalate:
		return model.OutcomeEscalatedToCase
	default:
		return model.OutcomeFollowUp
	}
}

// CaseStatusFor is the status a new escalated case opens with.
func CaseStatusFor(confidence float64) model.CaseStatus {
	if confidence < EscalateThreshold {
		return model.CaseEscalated
	}
	return model.CaseNew
}

// TierRoute is 2 for premium tenants, critical urgency or compliance
// flags, 1 otherwise.
func TierRoute(tier model.PlanTier, c model.Classification) int {
	if tier == model.TierTwo || c.Urgency == model.PriorityCritical || c.ComplianceFlag {
		return 2
	}
	return 1
}

// attemptPrefixLen is how much of a message identifies repeat attempts.
const attemptPrefixLen = 50

// attemptPrefix returns the first 50 characters of message.
func attemptPrefix(message string) string {
	r := []rune(message)
	if len(r) > attemptPrefixLen {
		r = r[:attemptPrefixLen]
	}
	return string(r)
}

// FormatAnswer renders an answer for display with its steps, sources and
// clarifying question.
func FormatAnswer(answer string, steps []string, citations []model.Citation, question string) string {
	var b strings.Builder
	b.WriteString(answer)
	if len(steps) > 0 {
		b.WriteString("\n\nSteps to resolve:\n")
		for i, s := range steps {
			b.WriteString(strconv.Itoa(i+1) + ". " + s + "\n")
		}
	}
	if len(citations) > 0 {
		b.WriteString("\n\nSources:\n")
		for _, c := range citations {
			title := c.Title
			if title == "" {
				title = "Source"
			}
			b.WriteString("- " + title + "\n")
		}
	}
	if question != "" {
		b.WriteString("\n\nTo help me better assist you: " + question)
	}
	return b.String()
}
