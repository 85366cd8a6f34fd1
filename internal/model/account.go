package model

import (
	"time"

	"github.com/google/uuid"
)

// AccountRole is the RBAC role of an API caller.
type AccountRole string

const (
	RoleAdmin  AccountRole = "admin"
	RoleOps    AccountRole = "ops"
	RoleAgent  AccountRole = "agent"
	RolePortal AccountRole = "portal"
)

var accountRoles = []AccountRole{RoleAdmin, RoleOps, RoleAgent, RolePortal}

func ParseAccountRole(s string) (AccountRole, error) {
	return parseEnum("role", s, accountRoles)
}

func (r *AccountRole) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseAccountRole, b, r)
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r AccountRole) int {
	switch r {
	case RoleAdmin:
		return 4
	case RoleOps:
		return 3
	case RoleAgent:
		return 2
	case RolePortal:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole AccountRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ServiceAccount is an API caller (portal backend, agent console, ops tooling).
type ServiceAccount struct {
	ID         uuid.UUID   `json:"id"`
	Name       string      `json:"name"`
	Role       AccountRole `json:"role"`
	APIKeyHash *string     `json:"-"`
	CreatedAt  time.Time   `json:"created_at"`
}

// AuditEntry is an append-only audit record.
type AuditEntry struct {
	ID            uuid.UUID      `json:"id"`
	EventType     string         `json:"event_type"`
	TenantID      *uuid.UUID     `json:"tenant_id,omitempty"`
	CaseID        *uuid.UUID     `json:"case_id,omitempty"`
	IntakeEventID *uuid.UUID     `json:"intake_event_id,omitempty"`
	Actor         string         `json:"actor"`
	Payload       map[string]any `json:"payload"`
	CreatedAt     time.Time      `json:"created_at"`
}

// CRMEvent is a record forwarded to the CRM (lead creation and similar).
type CRMEvent struct {
	ID        uuid.UUID      `json:"id"`
	TenantID  *uuid.UUID     `json:"tenant_id,omitempty"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload"`
	Forwarded bool           `json:"forwarded"`
	CreatedAt time.Time      `json:"created_at"`
}

// CRMLeadCreated is the event type for new sales leads.
const CRMLeadCreated = "lead_created"
