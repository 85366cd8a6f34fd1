package model

import (
	"time"

	"github.com/google/uuid"
)

// SLAEventType enumerates the SLA timeline entries.
type SLAEventType string

const (
	SLAStarted               SLAEventType = "started"
	SLAFirstResponse         SLAEventType = "first_response"
	SLABreachedFirstResponse SLAEventType = "breached_first_response"
	SLABreachedResolution    SLAEventType = "breached_resolution"
	SLAPaused                SLAEventType = "paused"
	SLAResumed               SLAEventType = "resumed"
)

// SLAPolicy holds per-tenant, per-tier minute budgets.
type SLAPolicy struct {
	ID                   uuid.UUID `json:"id"`
	TenantID             uuid.UUID `json:"tenant_id"`
	PlanTier             PlanTier  `json:"plan_tier"`
	FirstResponseMinutes int       `json:"first_response_minutes"`
	ResolutionMinutes    int       `json:"resolution_minutes"`
}

// SLAEvent is an append-only entry in a case's SLA timeline.
type SLAEvent struct {
	ID        uuid.UUID      `json:"id"`
	CaseID    uuid.UUID      `json:"case_id"`
	EventType SLAEventType   `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}
