package model

import (
	"time"

	"github.com/google/uuid"
)

// Intent is the classified purpose of an inbound message.
type Intent string

const (
	IntentSales      Intent = "sales"
	IntentSupport    Intent = "support"
	IntentOnboarding Intent = "onboarding"
	IntentBilling    Intent = "billing"
	IntentCompliance Intent = "compliance"
	IntentOutage     Intent = "outage"
	IntentUnknown    Intent = "unknown"
)

var intents = []Intent{IntentSales, IntentSupport, IntentOnboarding, IntentBilling, IntentCompliance, IntentOutage, IntentUnknown}

// Intents returns the allowed intent values in a stable order.
func Intents() []Intent { return append([]Intent(nil), intents...) }

func ParseIntent(s string) (Intent, error) { return parseEnum("intent", s, intents) }

func (i *Intent) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseIntent, b, i)
}

// RecommendedAction is the classifier's routing suggestion.
type RecommendedAction string

const (
	ActionSelfService RecommendedAction = "self_service"
	ActionCreateCase  RecommendedAction = "create_case"
	ActionRouteSales  RecommendedAction = "route_sales"
	ActionEscalateOps RecommendedAction = "escalate_ops"
	ActionNeedsReview RecommendedAction = "needs_review"
)

var recommendedActions = []RecommendedAction{ActionSelfService, ActionCreateCase, ActionRouteSales, ActionEscalateOps, ActionNeedsReview}

// RecommendedActions returns the allowed action values in a stable order.
func RecommendedActions() []RecommendedAction {
	return append([]RecommendedAction(nil), recommendedActions...)
}

func ParseRecommendedAction(s string) (RecommendedAction, error) {
	return parseEnum("recommended_action", s, recommendedActions)
}

func (a *RecommendedAction) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseRecommendedAction, b, a)
}

// Priorities returns the allowed priority/urgency values in rank order.
func Priorities() []Priority { return append([]Priority(nil), priorities...) }

// Classification is the AI gateway's reading of an inbound message.
type Classification struct {
	Intent            Intent            `json:"intent"`
	Urgency           Priority          `json:"urgency"`
	Confidence        float64           `json:"confidence"`
	ComplianceFlag    bool              `json:"compliance_flag"`
	RecommendedAction RecommendedAction `json:"recommended_action"`
	ModelUsed         string            `json:"model_used"`
}

// FallbackClassification is what the pipeline uses when the classifier is
// unavailable. It flags the message for human review.
func FallbackClassification() Classification {
	return Classification{
		Intent:            IntentUnknown,
		Urgency:           PriorityNormal,
		Confidence:        0,
		ComplianceFlag:    true,
		RecommendedAction: ActionNeedsReview,
		ModelUsed:         "fallback",
	}
}

// Citation references a source used in a generated answer.
type Citation struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// ContextDocType distinguishes retrieval sources.
type ContextDocType string

const (
	ContextKBArticle ContextDocType = "kb_article"
	ContextPriorCase ContextDocType = "prior_case"
)

// ContextDoc is one retrieved document fed to generation.
type ContextDoc struct {
	Type       ContextDocType `json:"type"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	URL        string         `json:"url,omitempty"`
	CaseID     *uuid.UUID     `json:"case_id,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
}

// Outcome is the terminal state of a single resolution attempt.
type Outcome string

const (
	OutcomeAutoResolved    Outcome = "auto_resolved"
	OutcomeFollowUp        Outcome = "follow_up"
	OutcomeEscalatedToCase Outcome = "escalated_to_case"
)

// SupportAILog records one resolution attempt.
type SupportAILog struct {
	ID                  uuid.UUID      `json:"id"`
	TenantID            uuid.UUID      `json:"tenant_id"`
	CaseID              *uuid.UUID     `json:"case_id,omitempty"`
	Message             string         `json:"message"`
	Subject             *string        `json:"subject,omitempty"`
	AIAnswer            string         `json:"ai_answer"`
	Confidence          float64        `json:"confidence"`
	Resolved            bool           `json:"resolved"`
	FollowUpFlag        bool           `json:"follow_up_flag"`
	EscalationTriggered bool           `json:"escalation_triggered"`
	AttemptNumber       int            `json:"attempt_number"`
	Citations           []Citation     `json:"citations"`
	ContextDocs         []ContextDoc   `json:"context_docs,omitempty"`
	Helpful             *bool          `json:"helpful,omitempty"`
	UserFeedback        *string        `json:"user_feedback,omitempty"`
	ModelUsed           string         `json:"model_used"`
	Tier                int            `json:"tier"`
	Category            Category       `json:"category"`
	KBDocumentID        *string        `json:"kb_document_id,omitempty"`
	KBSideEffect        map[string]any `json:"kb_side_effect,omitempty"`
	UsedInTraining      bool           `json:"used_in_training"`
	CreatedAt           time.Time      `json:"created_at"`
}

// IntakeSource is the channel an intake event arrived on.
type IntakeSource string

const (
	SourceEmail  IntakeSource = "email"
	SourcePortal IntakeSource = "portal"
	SourceAPI    IntakeSource = "api"
)

// IntakeEvent is a raw inbound message before routing.
type IntakeEvent struct {
	ID         uuid.UUID      `json:"id"`
	Source     IntakeSource   `json:"source"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	FromEmail  string         `json:"from_email"`
	Subject    *string        `json:"subject,omitempty"`
	BodyText   string         `json:"body_text"`
	RawPayload map[string]any `json:"raw_payload,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SideEffect captures the result of a best-effort action so the caller can
// attach it to a response or audit record instead of dropping it.
type SideEffect struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewSideEffect builds a SideEffect from an error (nil means success).
func NewSideEffect(name string, err error) SideEffect {
	if err != nil {
		return SideEffect{Name: name, OK: false, Error: err.Error()}
	}
	return SideEffect{Name: name, OK: true}
}
