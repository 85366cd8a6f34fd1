// Package tenants maps inbound senders to tenants and identities, and
// registers the tenants that claim a primary domain.
//
// Resolution order: an explicit tenant id, then the sender's email domain
// against registered primary domains, then the singleton Prospect tenant.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

// Store is the persistence the resolver needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error)
	GetTenantByDomain(ctx context.Context, domain string) (model.Tenant, error)
	GetOrCreateProspectTenant(ctx context.Context) (model.Tenant, error)
	GetOrCreateIdentity(ctx context.Context, tenantID uuid.UUID, email, displayName string) (model.Identity, error)
	CreateTenant(ctx context.Context, name, domain string, tier model.PlanTier, actor string) (model.Tenant, error)
	GetEntitlements(ctx context.Context, tenantID uuid.UUID) (model.Entitlements, error)
	ListAudit(ctx context.Context, tenantID uuid.UUID, eventType string, limit int) ([]model.AuditEntry, error)
}

const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// ErrInvalidTenant is returned for a registration with a missing name or a
// malformed domain.
var ErrInvalidTenant = errors.New("tenants: invalid tenant")

// Service resolves tenants and identities.
type Service struct {
	store  Store
	logger *slog.Logger
}

// New creates a tenant Service.
func New(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// DomainOf returns the lowercased part after the last '@', or "" if there is none.
func DomainOf(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 || i == len(email)-1 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(email[i+1:]))
}

// localPart returns the part before the last '@'.
func localPart(email string) string {
	if i := strings.LastIndex(email, "@"); i >= 0 {
		return email[:i]
	}
	return email
}

// ResolveByEmail finds the tenant whose primary domain matches the sender.
// ok is false when no tenant claims the domain.
func (s *Service) ResolveByEmail(ctx context.Context, email string) (model.Tenant, bool, error) {
	domain := DomainOf(email)
	if domain == "" {
		return model.Tenant{}, false, nil
	}
	t, err := s.store.GetTenantByDomain(ctx, domain)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Tenant{}, false, nil
	}
	if err != nil {
		return model.Tenant{}, false, fmt.Errorf("tenants: resolve domain %s: %w", domain, err)
	}
	return t, true, nil
}

// GetOrCreateProspect returns the catch-all tenant for unknown senders.
func (s *Service) GetOrCreateProspect(ctx context.Context) (model.Tenant, error) {
	return s.store.GetOrCreateProspectTenant(ctx)
}

// Resolve returns the tenant for a request. An explicit tenantID must exist.
func (s *Service) Resolve(ctx context.Context, tenantID *uuid.UUID, email string) (model.Tenant, error) {
	if tenantID != nil {
		return s.store.GetTenant(ctx, *tenantID)
	}
	t, ok, err := s.ResolveByEmail(ctx, email)
	if err != nil {
		return model.Tenant{}, err
	}
	if ok {
		return t, nil
	}
	s.logger.Debug("tenants: unknown domain, using prospect", "domain", DomainOf(email))
	return s.GetOrCreateProspect(ctx)
}

// GetOrCreateIdentity returns the identity for email within the tenant. The
// display name defaults to the address's local part.
func (s *Service) GetOrCreateIdentity(ctx context.Context, tenantID uuid.UUID, email string) (model.Identity, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return model.Identity{}, fmt.Errorf("tenants: identity email is required")
	}
	return s.store.GetOrCreateIdentity(ctx, tenantID, email, localPart(email))
}

// Registration is a tenant claiming a primary domain.
type Registration struct {
	Name   string         `json:"name"`
	Domain string         `json:"primary_domain"`
	Tier   model.PlanTier `json:"plan_tier"`
}

// Register creates a tenant that owns Domain. An empty tier means tier1. The
// domain is stored lowercased; it must be a bare host name, not an address.
func (s *Service) Register(ctx context.Context, r Registration, actor string) (model.Tenant, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return model.Tenant{}, fmt.Errorf("%w: name is required", ErrInvalidTenant)
	}
	if model.IsReservedTenantName(name) {
		return model.Tenant{}, fmt.Errorf("%w: %s is reserved", ErrInvalidTenant, name)
	}
	domain := strings.ToLower(strings.TrimSpace(r.Domain))
	if !validDomain(domain) {
		return model.Tenant{}, fmt.Errorf("%w: invalid primary_domain %q", ErrInvalidTenant, r.Domain)
	}
	tier := r.Tier
	if tier == "" {
		tier = model.TierOne
	}
	if !tier.Valid() {
		return model.Tenant{}, fmt.Errorf("%w: plan_tier %q", model.ErrInvalidEnum, tier)
	}

	t, err := s.store.CreateTenant(ctx, name, domain, tier, actor)
	if err != nil {
		return model.Tenant{}, fmt.Errorf("tenants: register %s: %w", domain, err)
	}
	s.logger.Info("tenants: registered", "tenant_id", t.ID, "domain", domain, "plan_tier", tier, "actor", actor)
	return t, nil
}

func validDomain(d string) bool {
	if d == "" || len(d) > 253 || strings.ContainsAny(d, "@/ \t") {
		return false
	}
	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return false
	}
	for _, l := range labels {
		if l == "" || len(l) > 63 || strings.HasPrefix(l, "-") || strings.HasSuffix(l, "-") {
			return false
		}
	}
	return true
}

// Overview is a tenant with its entitlements and recent audit trail.
// Entitlements is nil until onboarding or registration provisions them.
type Overview struct {
	Tenant       model.Tenant        `json:"tenant"`
	Entitlements *model.Entitlements `json:"entitlements"`
	Audit        []model.AuditEntry  `json:"audit"`
}

// Overview loads a tenant for the admin view. eventType narrows the audit
// trail when set.
func (s *Service) Overview(ctx context.Context, tenantID uuid.UUID, eventType string, auditLimit int) (Overview, error) {
	if auditLimit == 0 {
		auditLimit = DefaultAuditLimit
	}
	if auditLimit < 1 || auditLimit > MaxAuditLimit {
		return Overview{}, fmt.Errorf("%w: limit must be between 1 and %d", ErrInvalidTenant, MaxAuditLimit)
	}
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return Overview{}, fmt.Errorf("tenants: overview: %w", err)
	}
	out := Overview{Tenant: t}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e, err := s.store.GetEntitlements(gctx, tenantID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		out.Entitlements = &e
		return nil
	})
	g.Go(func() error {
		entries, err := s.store.ListAudit(gctx, tenantID, eventType, auditLimit)
		out.Audit = entries
		return err
	})
	if err := g.Wait(); err != nil {
		return Overview{}, fmt.Errorf("tenants: overview %s: %w", tenantID, err)
	}
	if out.Audit == nil {
		out.Audit = []model.AuditEntry{}
	}
	return out, nil
}
