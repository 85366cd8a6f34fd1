package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "ten")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
	if got := err.Error(); got != `TEST_FLOAT_BAD="ten" is not a valid number` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", "kafka-1:9092, ,kafka-2:9092")
	got := envList("TEST_LIST")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Fatalf("unexpected list: %v", got)
	}
	if envList("TEST_LIST_MISSING") != nil {
		t.Fatal("expected nil for unset list")
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("SAPPHIRE_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid SAPPHIRE_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "SAPPHIRE_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention SAPPHIRE_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("SAPPHIRE_PORT", "abc")
	t.Setenv("KB_CACHE_TTL", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "SAPPHIRE_PORT") {
		t.Fatalf("error should mention SAPPHIRE_PORT, got: %s", got)
	}
	if !strings.Contains(got, "KB_CACHE_TTL") {
		t.Fatalf("error should mention KB_CACHE_TTL, got: %s", got)
	}
}

func TestLoadRejectsBadSweepSchedule(t *testing.T) {
	t.Setenv("SLA_SWEEP_SCHEDULE", "every five minutes")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid SLA_SWEEP_SCHEDULE")
	}
	if !strings.Contains(err.Error(), "SLA_SWEEP_SCHEDULE") {
		t.Fatalf("error should mention SLA_SWEEP_SCHEDULE, got: %s", err)
	}
}

func TestLoadRequiresAnthropicKey(t *testing.T) {
	t.Setenv("AI_PROVIDER", "anthropic")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail without ANTHROPIC_API_KEY")
	}
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	if _, err := Load(); err != nil {
		t.Fatalf("expected Load() to succeed with key set, got: %v", err)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.AIGatewayTimeout != 30*time.Second || cfg.OutlineTimeout != 10*time.Second {
		t.Fatalf("unexpected client timeouts: %s / %s", cfg.AIGatewayTimeout, cfg.OutlineTimeout)
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("expected no kafka brokers by default, got %v", cfg.KafkaBrokers)
	}
}

func TestLoadIntakeRateLimit(t *testing.T) {
	t.Setenv("INTAKE_RATE_LIMIT", "0")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("INTAKE_RATE_LIMIT=0 should disable limiting, got: %v", err)
	}
	if cfg.IntakeRateLimit != 0 {
		t.Fatalf("expected 0, got %v", cfg.IntakeRateLimit)
	}

	t.Setenv("INTAKE_RATE_LIMIT", "-1")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "INTAKE_RATE_LIMIT") {
		t.Fatalf("expected negative INTAKE_RATE_LIMIT to fail, got: %v", err)
	}
}

func TestLoadEnvironment(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Environment != "development" {
		t.Fatalf("expected default environment, got %q", cfg.Environment)
	}
}
