package model

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Field length limits for inbound support messages.
const (
	MaxSubjectLen = 1000
	MaxMessageLen = 64 * 1024 // 64 KB
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest exchanges a service-account API key for a JWT.
type AuthTokenRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is returned by POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IntakeRequest is the body of POST /v1/intake.
type IntakeRequest struct {
	TenantID          *uuid.UUID `json:"tenant_id,omitempty"`
	UserID            string     `json:"user_id"`
	Subject           string     `json:"subject"`
	Message           string     `json:"message"`
	Attachments       []string   `json:"attachments,omitempty"`
	Category          string     `json:"category,omitempty"`
	PriorityRequested string     `json:"priority_requested,omitempty"`
	UserRejected      bool       `json:"user_rejected,omitempty"`
}

// Validate checks required fields and lengths. Enum fields are parsed by the caller.
func (r IntakeRequest) Validate() error {
	if _, err := mail.ParseAddress(r.UserID); err != nil {
		return fmt.Errorf("user_id must be an email address")
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("message is required")
	}
	if len(r.Subject) > MaxSubjectLen {
		return fmt.Errorf("subject exceeds maximum length of %d bytes", MaxSubjectLen)
	}
	if len(r.Message) > MaxMessageLen {
		return fmt.Errorf("message exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// EmailIntakeRequest is the body of POST /v1/intake/email.
type EmailIntakeRequest struct {
	FromEmail  string         `json:"from_email"`
	ToEmail    string         `json:"to_email"`
	Subject    string         `json:"subject,omitempty"`
	BodyText   string         `json:"body_text"`
	RawPayload map[string]any `json:"raw_payload,omitempty"`
}

func (r EmailIntakeRequest) Validate() error {
	if _, err := mail.ParseAddress(r.FromEmail); err != nil {
		return fmt.Errorf("from_email must be an email address")
	}
	if r.ToEmail != "" {
		if _, err := mail.ParseAddress(r.ToEmail); err != nil {
			return fmt.Errorf("to_email must be an email address")
		}
	}
	if strings.TrimSpace(r.BodyText) == "" {
		return fmt.Errorf("body_text is required")
	}
	if len(r.BodyText) > MaxMessageLen {
		return fmt.Errorf("body_text exceeds maximum length of %d bytes", MaxMessageLen)
	}
	return nil
}

// FeedbackRequest is the body of POST /v1/ai-logs/{id}/feedback.
type FeedbackRequest struct {
	Helpful  bool    `json:"helpful"`
	Feedback *string `json:"feedback,omitempty"`
}

// EscalateRequest is the body of POST /v1/cases/{id}/escalate.
type EscalateRequest struct {
	Reason string `json:"reason"`
}

// CaseMessageRequest is the body of POST /v1/cases/{id}/messages.
type CaseMessageRequest struct {
	SenderType  SenderType `json:"sender_type"`
	SenderEmail string     `json:"sender_email"`
	BodyText    string     `json:"body_text"`
	Attachments []string   `json:"attachments,omitempty"`
}

// OnboardingStartRequest is the body of POST /v1/onboarding/start.
type OnboardingStartRequest struct {
	TenantID      uuid.UUID     `json:"tenant_id"`
	TenantName    string        `json:"tenant_name,omitempty"`
	PlanTier      PlanTier      `json:"plan_tier"`
	TriggerSource TriggerSource `json:"trigger_source"`
}

// OnboardingAdvanceRequest is the body of POST /v1/onboarding/advance-step.
type OnboardingAdvanceRequest struct {
	TenantID uuid.UUID      `json:"tenant_id"`
	StepKey  string         `json:"step_key"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// OnboardingTenantRequest carries just a tenant (resume, complete) plus an
// optional reason (pause, fail).
type OnboardingTenantRequest struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Reason   string    `json:"reason,omitempty"`
}

// OnboardingUpgradeRequest is the body of POST /v1/onboarding/upgrade.
type OnboardingUpgradeRequest struct {
	TenantID      uuid.UUID     `json:"tenant_id"`
	NewTier       PlanTier      `json:"new_tier"`
	TriggerSource TriggerSource `json:"trigger_source,omitempty"`
}

// ReviewDecisionRequest is the body of POST /v1/kb/review/{id}/approve|reject.
type ReviewDecisionRequest struct {
	Reason         string `json:"reason,omitempty"`
	DisableArticle *bool  `json:"disable_article,omitempty"`
}

// MarkUsedRequest is the body of POST /v1/training-dataset/mark-used.
type MarkUsedRequest struct {
	LogIDs []uuid.UUID `json:"log_ids"`
}

// OpsCaseUpdateRequest is the body of PATCH /v1/ops/cases/{id}.
type OpsCaseUpdateRequest struct {
	Status          *CaseStatus `json:"status,omitempty"`
	Priority        *Priority   `json:"priority,omitempty"`
	OwnerIdentityID *uuid.UUID  `json:"owner_identity_id,omitempty"`
	InternalNotes   *string     `json:"internal_notes,omitempty"`
}

// ExportFormat is the serialization of a training dataset export.
type ExportFormat string

const (
	ExportJSONL ExportFormat = "jsonl"
	ExportJSON  ExportFormat = "json"
)

var exportFormats = []ExportFormat{ExportJSONL, ExportJSON}

// ParseExportFormat returns ExportJSONL for an empty string.
func ParseExportFormat(s string) (ExportFormat, error) {
	if s == "" {
		return ExportJSONL, nil
	}
	return parseEnum("format", s, exportFormats)
}

func (f *ExportFormat) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseExportFormat, b, f)
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	Postgres      string `json:"postgres"`
	Qdrant        string `json:"qdrant,omitempty"`
	Redis         string `json:"redis,omitempty"`
	KBQueueDepth  int    `json:"kb_queue_depth"`
	KBQueueStatus string `json:"kb_queue_status"`
	Uptime        int64  `json:"uptime_seconds"`
}
