package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// PlanTier is a tenant's subscription service level.
type PlanTier string

const (
	TierZero PlanTier = "tier0" // self-service only
	TierOne  PlanTier = "tier1" // standard case support
	TierTwo  PlanTier = "tier2" // premium, faster SLA
)

var planTiers = []PlanTier{TierZero, TierOne, TierTwo}

// ParsePlanTier returns ErrInvalidEnum for anything other than tier0, tier1 or tier2.
func ParsePlanTier(s string) (PlanTier, error) { return parseEnum("plan_tier", s, planTiers) }

func (t PlanTier) Valid() bool { return validEnum(t, planTiers) }

func (t *PlanTier) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParsePlanTier, b, t)
}

// Level returns 0, 1 or 2.
func (t PlanTier) Level() int {
	switch t {
	case TierOne:
		return 1
	case TierTwo:
		return 2
	default:
		return 0
	}
}

// SLAName is the customer-facing name of the SLA applied to the tier.
func (t PlanTier) SLAName() string {
	switch t {
	case TierTwo:
		return "premium"
	case TierZero:
		return "basic"
	default:
		return "standard"
	}
}

// ProspectTenantName names the singleton tenant that absorbs unknown senders.
const ProspectTenantName = "Prospect"

// Tenant is a customer organization.
type Tenant struct {
	ID            uuid.UUID `json:"id"`
	Name          string    `json:"name"`
	PrimaryDomain *string   `json:"primary_domain,omitempty"`
	PlanTier      PlanTier  `json:"plan_tier"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsReservedTenantName reports whether name would collide with the Prospect
// tenant. The check ignores case and surrounding space.
func IsReservedTenantName(name string) bool {
	return strings.EqualFold(strings.TrimSpace(name), ProspectTenantName)
}

// IsProspect reports whether t is the catch-all Prospect tenant.
func (t Tenant) IsProspect() bool {
	return t.PrimaryDomain == nil && t.Name == ProspectTenantName
}

// IdentityRole is the role of a person within a tenant.
type IdentityRole string

const (
	IdentityCustomer IdentityRole = "customer"
	IdentityAgent    IdentityRole = "agent"
	IdentityOps      IdentityRole = "ops"
)

var identityRoles = []IdentityRole{IdentityCustomer, IdentityAgent, IdentityOps}

func ParseIdentityRole(s string) (IdentityRole, error) {
	return parseEnum("identity_role", s, identityRoles)
}

func (r *IdentityRole) UnmarshalText(b []byte) error {
	return unmarshalEnum(ParseIdentityRole, b, r)
}

// Identity is a person (by email) known to a tenant.
type Identity struct {
	ID          uuid.UUID    `json:"id"`
	TenantID    uuid.UUID    `json:"tenant_id"`
	Email       string       `json:"email"`
	DisplayName string       `json:"display_name"`
	Role        IdentityRole `json:"role"`
	CreatedAt   time.Time    `json:"created_at"`
}

// AIFeatures is the per-tenant AI capability set.
type AIFeatures struct {
	IntentClassification bool `json:"intent_classification"`
	KBRAG                bool `json:"kb_rag"`
	DraftReplies         bool `json:"draft_replies"`
}

// Entitlements are the product features a tenant's tier unlocks.
type Entitlements struct {
	TenantID         uuid.UUID  `json:"tenant_id"`
	AIFeatures       AIFeatures `json:"ai_features"`
	PortalEnabled    bool       `json:"portal_enabled"`
	FreescoutEnabled bool       `json:"freescout_enabled"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EntitlementsForTier derives the entitlement set for a plan tier.
func EntitlementsForTier(tenantID uuid.UUID, tier PlanTier) Entitlements {
	paid := tier == TierOne || tier == TierTwo
	return Entitlements{
		TenantID: tenantID,
		AIFeatures: AIFeatures{
			IntentClassification: true,
			KBRAG:                tier != TierZero,
			DraftReplies:         paid,
		},
		PortalEnabled:    true,
		FreescoutEnabled: paid,
	}
}
