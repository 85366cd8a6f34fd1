package model

import (
	"time"

	"github.com/google/uuid"
)

// CaseStatus is the lifecycle state of a support case.
type CaseStatus string

const (
	CaseNew             CaseStatus = "new"
	CaseOpen            CaseStatus = "open"
	CasePendingCustomer CaseStatus = "pending_customer"
	CasePendingInternal CaseStatus = "pending_internal"
	CaseEscalated       CaseStatus = "escalated"
	CaseResolved        CaseStatus = "resolved"
	CaseClosed          CaseStatus = "closed"
)

var caseStatuses = []CaseStatus{
	CaseNew, CaseOpen, CasePendingCustomer, CasePendingInternal,
	CaseEscalated, CaseResolved, CaseClosed,
}

func ParseCaseStatus(s string) (CaseStatus, error) {
	return parseEnum("case_status", s, caseStatuses)
}

func (s CaseStatus) Valid() bool { return validEnum(s, caseStatuses) }

func (s *CaseStatus) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseCaseStatus, b, s)
}

// Terminal reports whether no further customer-driven transitions apply.
func (s CaseStatus) Terminal() bool {
	return s == CaseResolved || s == CaseClosed
}

// Open reports whether the case still accrues SLA time.
func (s CaseStatus) Open() bool { return !s.Terminal() }

// caseTransitions lists the legal forward moves. Transitions are monotonic
// except the pending_customer/open oscillation.
var caseTransitions = map[CaseStatus][]CaseStatus{
	CaseNew:             {CaseOpen, CasePendingCustomer, CasePendingInternal, CaseEscalated, CaseResolved, CaseClosed},
	CaseOpen:            {CasePendingCustomer, CasePendingInternal, CaseEscalated, CaseResolved, CaseClosed},
	CasePendingCustomer: {CaseOpen, CaseEscalated, CaseResolved, CaseClosed},
	CasePendingInternal: {CaseOpen, CaseEscalated, CaseResolved, CaseClosed},
	CaseEscalated:       {CaseResolved, CaseClosed},
	CaseResolved:        {CaseClosed},
	CaseClosed:          {},
}

// CanTransition reports whether a case may move from s to next. A no-op
// transition (s == next) is always allowed.
func (s CaseStatus) CanTransition(next CaseStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range caseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Priority is a case priority. Urgency shares its value set.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

var priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}

func ParsePriority(s string) (Priority, error) { return parseEnum("priority", s, priorities) }

// ParsePriorityOr returns def when s is empty and an error when s is unknown.
func ParsePriorityOr(s string, def Priority) (Priority, error) {
	if s == "" {
		return def, nil
	}
	return ParsePriority(s)
}

func (p Priority) Valid() bool { return validEnum(p, priorities) }

func (p *Priority) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParsePriority, b, p)
}

// Rank orders priorities from low (0) to critical (3).
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// MaxPriority returns the more urgent of a and b.
func MaxPriority(a, b Priority) Priority {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Category is the functional area of a case.
type Category string

const (
	CategorySupport    Category = "support"
	CategoryOnboarding Category = "onboarding"
	CategoryBilling    Category = "billing"
	CategoryCompliance Category = "compliance"
	CategoryOutage     Category = "outage"
)

var categories = []Category{CategorySupport, CategoryOnboarding, CategoryBilling, CategoryCompliance, CategoryOutage}

func ParseCategory(s string) (Category, error) { return parseEnum("category", s, categories) }

// ParseCategoryOr returns def when s is empty and an error when s is unknown.
func ParseCategoryOr(s string, def Category) (Category, error) {
	if s == "" {
		return def, nil
	}
	return ParseCategory(s)
}

func (c *Category) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseCategory, b, c)
}

// SenderType identifies who wrote a case message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderSystem   SenderType = "system"
)

var senderTypes = []SenderType{SenderCustomer, SenderAgent, SenderSystem}

func ParseSenderType(s string) (SenderType, error) {
	return parseEnum("sender_type", s, senderTypes)
}

func (t *SenderType) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseSenderType, b, t)
}

// Case is a tracked support ticket.
type Case struct {
	ID                  uuid.UUID  `json:"id"`
	TenantID            uuid.UUID  `json:"tenant_id"`
	Title               string     `json:"title"`
	Status              CaseStatus `json:"status"`
	Priority            Priority   `json:"priority"`
	Category            Category   `json:"category"`
	CreatedByIdentityID *uuid.UUID `json:"created_by_identity_id,omitempty"`
	OwnerIdentityID     *uuid.UUID `json:"owner_identity_id,omitempty"`
	AIConfidence        *float64   `json:"ai_confidence,omitempty"`
	TierRoute           *int       `json:"tier_route,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CaseMessage is one message on a case thread.
type CaseMessage struct {
	ID          uuid.UUID  `json:"id"`
	CaseID      uuid.UUID  `json:"case_id"`
	SenderType  SenderType `json:"sender_type"`
	SenderEmail string     `json:"sender_email"`
	BodyText    string     `json:"body_text"`
	Attachments []string   `json:"attachments,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ArtifactType classifies stored AI output.
type ArtifactType string

const (
	ArtifactSummary    ArtifactType = "summary"
	ArtifactDraftReply ArtifactType = "draft_reply"
	ArtifactKBAnswer   ArtifactType = "kb_answer"
)

// AIArtifact is a piece of AI-generated content tied to a case or intake event.
type AIArtifact struct {
	ID            uuid.UUID    `json:"id"`
	CaseID        *uuid.UUID   `json:"case_id,omitempty"`
	IntakeEventID *uuid.UUID   `json:"intake_event_id,omitempty"`
	TenantID      *uuid.UUID   `json:"tenant_id,omitempty"`
	ArtifactType  ArtifactType `json:"artifact_type"`
	Content       string       `json:"content"`
	Citations     []Citation   `json:"citations,omitempty"`
	Confidence    *float64     `json:"confidence,omitempty"`
	ModelUsed     string       `json:"model_used"`
	CreatedAt     time.Time    `json:"created_at"`
}
