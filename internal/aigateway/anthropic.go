package aigateway

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/sony/gobreaker"

	"github.com/ashita-ai/sapphire/internal/breaker"
	"github.com/ashita-ai/sapphire/internal/model"
)

const systemPrompt = "You are Sapphire, the support assistant for a legal AI platform. " +
	"Follow the output format requested in the prompt exactly."

// AnthropicGenerator serves Generate through the Anthropic Messages API.
type AnthropicGenerator struct {
	client anthropic.Client
	model  string
	cb     *gobreaker.CircuitBreaker
	logger *slog.Logger
}

// NewAnthropic creates a generator for the given model. Extra request
// options (base URL, retries) are passed to the SDK client.
func NewAnthropic(apiKey, modelName string, logger *slog.Logger, opts ...option.RequestOption) *AnthropicGenerator {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithRequestTimeout(30 * time.Second)}, opts...)
	return &AnthropicGenerator{
		client: anthropic.NewClient(opts...),
		model:  modelName,
		cb:     breaker.New("anthropic", breaker.Settings{}, logger),
		logger: logger,
	}
}

// Generate sends the prompt as a single user message.
func (g *AnthropicGenerator) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return breaker.Do(g.cb, func() (string, error) {
		message, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
			Model:       anthropic.Model(g.model),
			MaxTokens:   int64(maxTokens),
			Temperature: anthropic.Float(req.Temperature),
			System: []anthropic.TextBlockParam{
				{Text: systemPrompt},
			},
			Messages: []anthropic.MessageParam{
				anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("aigateway: anthropic %s: %w", req.Operation, err)
		}
		for _, block := range message.Content {
			if block.Type == "text" {
				g.logger.Debug("aigateway: anthropic response",
					"operation", req.Operation,
					"tokens_in", message.Usage.InputTokens,
					"tokens_out", message.Usage.OutputTokens)
				return block.Text, nil
			}
		}
		return "", ErrEmptyResponse
	})
}

const classifyPrompt = `Classify the inbound customer message below.

Respond with ONLY a JSON object:
{
  "intent": "sales|support|onboarding|billing|compliance|outage|unknown",
  "urgency": "low|normal|high|critical",
  "confidence": 0.0-1.0,
  "compliance_flag": true/false,
  "recommended_action": "self_service|create_case|route_sales|escalate_ops|needs_review"
}

From: %s
Subject: %s

%s`

// GeneratorClassifier classifies by prompting a Generator. It is used when
// generation is served by a provider without a classify endpoint.
type GeneratorClassifier struct {
	gen       Generator
	modelName string
	logger    *slog.Logger
}

// NewGeneratorClassifier wraps gen. modelName is recorded as model_used.
func NewGeneratorClassifier(gen Generator, modelName string, logger *slog.Logger) *GeneratorClassifier {
	return &GeneratorClassifier{gen: gen, modelName: modelName, logger: logger}
}

// Classify never fails; errors yield model.FallbackClassification.
func (c *GeneratorClassifier) Classify(ctx context.Context, subject, body, from string) model.Classification {
	text, err := c.gen.Generate(ctx, GenerateRequest{
		Prompt:      fmt.Sprintf(classifyPrompt, from, subject, body),
		Operation:   "classify_intent",
		MaxTokens:   200,
		Temperature: 0,
	})
	if err != nil {
		c.logger.Warn("aigateway: classification failed, using fallback", "error", err)
		return model.FallbackClassification()
	}
	raw, ok := ExtractJSON(text)
	if !ok {
		c.logger.Warn("aigateway: classification output had no JSON, using fallback")
		return model.FallbackClassification()
	}
	cls, err := DecodeClassification([]byte(raw))
	if err != nil {
		c.logger.Warn("aigateway: classification output rejected, using fallback", "error", err)
		return model.FallbackClassification()
	}
	if cls.ModelUsed == "unknown" {
		cls.ModelUsed = c.modelName
	}
	return cls
}
