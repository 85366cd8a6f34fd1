package aigateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGateway(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL + "/", APIKey: "gw-key"}, testLogger())
}

func TestClassify_Success(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/classify", r.URL.Path)
		assert.Equal(t, "Bearer gw-key", r.Header.Get("Authorization"))

		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "classify_intent", req.Operation)
		assert.Equal(t, "a@firm.com", req.FromEmail)

		_, _ = w.Write([]byte(`{"intent":"support","urgency":"high","confidence":0.91,
			"compliance_flag":false,"recommended_action":"self_service","model_used":"gw-1"}`))
	})

	cls := c.Classify(context.Background(), "VPN", "cannot connect", "a@firm.com")
	assert.Equal(t, model.IntentSupport, cls.Intent)
	assert.Equal(t, model.PriorityHigh, cls.Urgency)
	assert.InDelta(t, 0.91, cls.Confidence, 1e-9)
	assert.Equal(t, model.ActionSelfService, cls.RecommendedAction)
	assert.Equal(t, "gw-1", cls.ModelUsed)
}

func TestClassify_DefaultsForMissingFields(t *testing.T) {
	c := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	cls := c.Classify(context.Background(), "", "hello", "a@b.com")
	assert.Equal(t, model.IntentUnknown, cls.Intent)
	assert.Equal(t, model.PriorityNormal, cls.Urgency)
	assert.InDelta(t, 0.5, cls.Confidence, 1e-9)
	assert.False(t, cls.ComplianceFlag)
	assert.Equal(t, model.ActionNeedsReview, cls.RecommendedAction)
	assert.Equal(t, "unknown", cls.ModelUsed)
}

func TestClassify_FallbackOnFailure(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{"unknown intent", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"intent":"refund","confidence":0.9}`))
		}},
		{"confidence out of range", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"intent":"support","confidence":7}`))
		}},
		{"not json", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>oops</html>`))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newGateway(t, tt.handler)
			cls := c.Classify(context.Background(), "s", "b", "f@x.com")
			assert.Equal(t, model.FallbackClassification(), cls)
		})
	}
}

func TestGenerate(t *testing.T) {
	t.Run("reads response field", func(t *testing.T) {
		c := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/generate", r.URL.Path)
			var req GenerateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "support_resolution", req.Operation)
			assert.Equal(t, 1000, req.MaxTokens)
			assert.InDelta(t, 0.3, req.Temperature, 1e-9)
			_, _ = w.Write([]byte(`{"response":"try restarting"}`))
		})
		text, err := c.Generate(context.Background(), GenerateRequest{
			Prompt: "p", Operation: "support_resolution", MaxTokens: 1000, Temperature: 0.3,
		})
		require.NoError(t, err)
		assert.Equal(t, "try restarting", text)
	})

	t.Run("falls back to answer field", func(t *testing.T) {
		c := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"answer":"from answer"}`))
		})
		text, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"})
		require.NoError(t, err)
		assert.Equal(t, "from answer", text)
	})

	t.Run("empty response", func(t *testing.T) {
		c := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		})
		_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"})
		assert.ErrorIs(t, err, ErrEmptyResponse)
	})

	t.Run("status error", func(t *testing.T) {
		c := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		})
		_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "p"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 503")
	})
}

func TestGenerate_BreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	c := newGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	for range 10 {
		_, _ = c.Generate(context.Background(), GenerateRequest{Prompt: "p"})
	}
	assert.Less(t, calls.Load(), int32(10), "open breaker should stop calling the gateway")
}

func TestExtractJSON(t *testing.T) {
	raw, ok := ExtractJSON("Sure! ```json\n{\"a\": {\"b\": 1}}\n``` hope that helps")
	require.True(t, ok)
	assert.Equal(t, `{"a": {"b": 1}}`, raw)

	_, ok = ExtractJSON("no json here")
	assert.False(t, ok)
	_, ok = ExtractJSON("} backwards {")
	assert.False(t, ok)
}

func TestSchemaDecodeText(t *testing.T) {
	s := MustCompileSchema("test", `{"type":"object","required":["n"],"properties":{"n":{"type":"integer"}}}`)

	var out struct {
		N int `json:"n"`
	}
	require.NoError(t, s.DecodeText(`result: {"n": 4}`, &out))
	assert.Equal(t, 4, out.N)

	err := s.DecodeText(`{"n": "four"}`, &out)
	assert.ErrorIs(t, err, ErrInvalidOutput)
	err = s.DecodeText(`plain text`, &out)
	assert.ErrorIs(t, err, ErrInvalidOutput)
}

type stubGenerator struct {
	text string
	err  error
}

func (s stubGenerator) Generate(context.Context, GenerateRequest) (string, error) {
	return s.text, s.err
}

func TestGeneratorClassifier(t *testing.T) {
	c := NewGeneratorClassifier(stubGenerator{
		text: "Here you go:\n{\"intent\":\"billing\",\"urgency\":\"low\",\"confidence\":0.8}",
	}, "claude-test", testLogger())
	cls := c.Classify(context.Background(), "Invoice", "wrong amount", "a@b.com")
	assert.Equal(t, model.IntentBilling, cls.Intent)
	assert.Equal(t, "claude-test", cls.ModelUsed)

	c = NewGeneratorClassifier(stubGenerator{err: errors.New("down")}, "m", testLogger())
	assert.Equal(t, model.FallbackClassification(), c.Classify(context.Background(), "", "x", "y"))
}

func TestAnthropicGenerator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])
		assert.EqualValues(t, 800, body["max_tokens"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",
			"content":[{"type":"text","text":"generated text"}],
			"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":3}}`))
	}))
	defer srv.Close()

	g := NewAnthropic("test-key", "claude-test", testLogger(),
		option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	text, err := g.Generate(context.Background(), GenerateRequest{Prompt: "hi", MaxTokens: 800, Temperature: 0.3})
	require.NoError(t, err)
	assert.Equal(t, "generated text", text)
}
