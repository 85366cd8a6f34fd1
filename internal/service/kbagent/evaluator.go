package kbagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/sapphire/internal/aigateway"
	"github.com/ashita-ai/sapphire/internal/model"
)

const (
	evalContentMax     = 3000
	minOverallScore    = 7
	minDimensionScore  = 6
	fallbackScore      = 5
	defaultReasonFmt   = "Overall score %d or dimension score < 6"
	evaluationErrorFmt = "Evaluation error: %v"
)

var qualitySchema = aigateway.MustCompileSchema("kb_quality", `{
  "type": "object",
  "required": ["clarity_score", "completeness_score", "technical_accuracy_score", "structure_score", "overall_score"],
  "properties": {
    "clarity_score":            {"type": "number"},
    "completeness_score":       {"type": "number"},
    "technical_accuracy_score": {"type": "number"},
    "structure_score":          {"type": "number"},
    "overall_score":            {"type": "number"},
    "needs_review":             {"type": "boolean"},
    "reason":                   {"type": ["string", "null"]}
  }
}`)

type qualityWire struct {
	Clarity           float64 `json:"clarity_score"`
	Completeness      float64 `json:"completeness_score"`
	TechnicalAccuracy float64 `json:"technical_accuracy_score"`
	Structure         float64 `json:"structure_score"`
	Overall           float64 `json:"overall_score"`
	NeedsReview       *bool   `json:"needs_review"`
	Reason            *string `json:"reason"`
}

// Evaluator scores article quality with the model.
type Evaluator struct {
	gen    aigateway.Generator
	logger *slog.Logger
}

// NewEvaluator creates an Evaluator.
func NewEvaluator(gen aigateway.Generator, logger *slog.Logger) *Evaluator {
	return &Evaluator{gen: gen, logger: logger}
}

// Evaluate rates content on four 1..10 dimensions plus overall. An article
// needs review when overall < 7 or any dimension < 6. Any failure yields
// all 5s flagged for review.
func (e *Evaluator) Evaluate(ctx context.Context, content string) model.KBQualityScore {
	if e.gen == nil {
		return fallbackQuality(errors.New("no model configured"))
	}
	out, err := e.gen.Generate(ctx, aigateway.GenerateRequest{
		Prompt:      evaluationPrompt(truncate(content, evalContentMax)),
		Operation:   "evaluate_kb_quality",
		MaxTokens:   500,
		Temperature: 0.2,
	})
	if err != nil {
		e.logger.Warn("kbagent: quality evaluation failed", "error", err)
		return fallbackQuality(err)
	}
	q, err := parseQuality(out)
	if err != nil {
		e.logger.Warn("kbagent: quality evaluation unparseable", "error", err)
		return fallbackQuality(err)
	}
	return q
}

func parseQuality(text string) (model.KBQualityScore, error) {
	raw, ok := aigateway.ExtractJSON(text)
	if !ok {
		return model.KBQualityScore{}, errors.New("no JSON object in response")
	}
	var w qualityWire
	if err := qualitySchema.Decode([]byte(raw), &w); err != nil {
		return model.KBQualityScore{}, err
	}

	q := model.KBQualityScore{
		QualityDimensions: model.QualityDimensions{
			Clarity:           clampScore(w.Clarity),
			Completeness:      clampScore(w.Completeness),
			TechnicalAccuracy: clampScore(w.TechnicalAccuracy),
			Structure:         clampScore(w.Structure),
			Overall:           clampScore(w.Overall),
		},
		NeedsReview: true,
	}
	if w.NeedsReview != nil {
		q.NeedsReview = *w.NeedsReview
	}
	if w.Reason != nil && *w.Reason != "" {
		q.ReviewReason = w.Reason
	}
	if q.Overall < minOverallScore || q.Min() < minDimensionScore {
		q.NeedsReview = true
		if q.ReviewReason == nil {
			reason := fmt.Sprintf(defaultReasonFmt, q.Overall)
			q.ReviewReason = &reason
		}
	}
	return q, nil
}

func clampScore(v float64) int {
	n := int(v)
	return max(1, min(10, n))
}

func fallbackQuality(err error) model.KBQualityScore {
	reason := fmt.Sprintf(evaluationErrorFmt, err)
	return model.KBQualityScore{
		QualityDimensions: model.QualityDimensions{
			Clarity:           fallbackScore,
			Completeness:      fallbackScore,
			TechnicalAccuracy: fallbackScore,
			Structure:         fallbackScore,
			Overall:           fallbackScore,
		},
		NeedsReview:  true,
		ReviewReason: &reason,
	}
}

func evaluationPrompt(content string) string {
	return fmt.Sprintf(`Evaluate this knowledge base article for quality. Rate each dimension 1-10 and provide an overall score.

Article Content:
%s

Evaluate:
1. Clarity: Is the article clear and easy to understand?
2. Completeness: Does it cover the topic thoroughly?
3. Technical Accuracy: Are the technical details correct?
4. Structure: Is it well-organized with proper sections?

Return ONLY valid JSON in this exact format:
{
  "clarity_score": <1-10>,
  "completeness_score": <1-10>,
  "technical_accuracy_score": <1-10>,
  "structure_score": <1-10>,
  "overall_score": <1-10>,
  "needs_review": <true/false>,
  "reason": "<explanation if needs_review is true>"
}

Flag needs_review = true if:
- overall_score < 7, OR
- any dimension < 6, OR
- content appears speculative or uncertain`, content)
}
