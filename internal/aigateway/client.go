// Package aigateway talks to the AI gateway that classifies inbound messages
// and generates answers. Classification never fails: any transport, status
// or schema problem yields model.FallbackClassification.
package aigateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/sapphire/internal/breaker"
	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/telemetry"
)

// maxResponseBytes caps how much of a gateway response is read.
const maxResponseBytes = 4 << 20

// ErrEmptyResponse is returned when the gateway answers without text.
var ErrEmptyResponse = errors.New("aigateway: empty response")

// Classifier labels an inbound message with intent and urgency.
type Classifier interface {
	Classify(ctx context.Context, subject, body, from string) model.Classification
}

// GenerateRequest is one text generation call.
type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	Operation   string  `json:"operation"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// Generator produces free text for a prompt.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Config configures the HTTP gateway client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client is the HTTP AI gateway client. It implements Classifier and Generator.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     *slog.Logger

	classifyDuration metric.Float64Histogram
	generateDuration metric.Float64Histogram
}

// New creates a gateway client. A zero timeout means 30s.
func New(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	meter := telemetry.Meter("sapphire/aigateway")
	classifyDur, _ := meter.Float64Histogram("sapphire.ai.classify.duration",
		metric.WithDescription("Time to classify an inbound message (ms)"),
		metric.WithUnit("ms"),
	)
	generateDur, _ := meter.Float64Histogram("sapphire.ai.generate.duration",
		metric.WithDescription("Time to generate a completion (ms)"),
		metric.WithUnit("ms"),
	)
	return &Client{
		baseURL:          strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:           cfg.APIKey,
		httpClient:       &http.Client{Timeout: timeout},
		cb:               breaker.New("ai-gateway", breaker.Settings{}, logger),
		logger:           logger,
		classifyDuration: classifyDur,
		generateDuration: generateDur,
	}
}

type classifyRequest struct {
	Subject   string `json:"subject"`
	BodyText  string `json:"body_text"`
	FromEmail string `json:"from_email"`
	Operation string `json:"operation"`
}

// Classify asks the gateway to classify a message.
func (c *Client) Classify(ctx context.Context, subject, body, from string) model.Classification {
	start := time.Now()
	raw, err := c.post(ctx, "/classify", classifyRequest{
		Subject:   subject,
		BodyText:  body,
		FromEmail: from,
		Operation: "classify_intent",
	})
	var cls model.Classification
	if err == nil {
		cls, err = DecodeClassification(raw)
	}
	outcome := "ok"
	if err != nil {
		outcome = "fallback"
		c.logger.Warn("aigateway: classification failed, using fallback", "error", err)
		cls = model.FallbackClassification()
	}
	c.classifyDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("outcome", outcome)))
	return cls
}

type generateResponse struct {
	Response string `json:"response"`
	Answer   string `json:"answer"`
}

// Generate asks the gateway for a completion. The text is read from
// "response", falling back to "answer".
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	start := time.Now()
	defer func() {
		c.generateDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("operation", req.Operation)))
	}()

	raw, err := c.post(ctx, "/generate", req)
	if err != nil {
		return "", err
	}
	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("aigateway: decode generate response: %w", err)
	}
	text := out.Response
	if text == "" {
		text = out.Answer
	}
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// post sends a JSON request through the circuit breaker and returns the raw
// body of a 2xx response.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("aigateway: marshal request: %w", err)
	}
	return breaker.Do(c.cb, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("aigateway: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("aigateway: POST %s: %w", path, err)
		}
		defer func() { _ = resp.Body.Close() }()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return nil, fmt.Errorf("aigateway: read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("aigateway: POST %s: status %d: %s", path, resp.StatusCode, truncate(string(raw), 200))
		}
		return raw, nil
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
