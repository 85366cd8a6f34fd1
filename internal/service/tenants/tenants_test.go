package tenants

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/model"
	"github.com/ashita-ai/sapphire/internal/storage"
)

type memStore struct {
	mu           sync.Mutex
	tenants      map[uuid.UUID]model.Tenant
	identities   map[string]model.Identity
	entitlements map[uuid.UUID]model.Entitlements
	audit        map[uuid.UUID][]model.AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		tenants:      map[uuid.UUID]model.Tenant{},
		identities:   map[string]model.Identity{},
		entitlements: map[uuid.UUID]model.Entitlements{},
		audit:        map[uuid.UUID][]model.AuditEntry{},
	}
}

func (m *memStore) add(name, domain string, tier model.PlanTier) model.Tenant {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := model.Tenant{ID: uuid.New(), Name: name, PlanTier: tier, CreatedAt: time.Now()}
	if domain != "" {
		t.PrimaryDomain = &domain
	}
	m.tenants[t.ID] = t
	return t
}

func (m *memStore) GetTenant(_ context.Context, id uuid.UUID) (model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return model.Tenant{}, fmt.Errorf("get tenant: %w", storage.ErrNotFound)
	}
	return t, nil
}

func (m *memStore) GetTenantByDomain(_ context.Context, domain string) (model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.PrimaryDomain != nil && strings.EqualFold(*t.PrimaryDomain, domain) {
			return t, nil
		}
	}
	return model.Tenant{}, storage.ErrNotFound
}

func (m *memStore) GetOrCreateProspectTenant(_ context.Context) (model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.IsProspect() {
			return t, nil
		}
	}
	t := model.Tenant{ID: uuid.New(), Name: model.ProspectTenantName, PlanTier: model.TierZero}
	m.tenants[t.ID] = t
	return t, nil
}

func (m *memStore) CreateTenant(_ context.Context, name, domain string, tier model.PlanTier, actor string) (model.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tenants {
		if t.PrimaryDomain != nil && strings.EqualFold(*t.PrimaryDomain, domain) {
			return model.Tenant{}, fmt.Errorf("create tenant: %w", storage.ErrConflict)
		}
	}
	t := model.Tenant{ID: uuid.New(), Name: name, PrimaryDomain: &domain, PlanTier: tier}
	m.tenants[t.ID] = t
	m.entitlements[t.ID] = model.EntitlementsForTier(t.ID, tier)
	m.audit[t.ID] = append(m.audit[t.ID], model.AuditEntry{ID: uuid.New(), EventType: "tenant_registered", TenantID: &t.ID, Actor: actor})
	return t, nil
}

func (m *memStore) GetEntitlements(_ context.Context, tenantID uuid.UUID) (model.Entitlements, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entitlements[tenantID]
	if !ok {
		return model.Entitlements{}, storage.ErrNotFound
	}
	return e, nil
}

func (m *memStore) ListAudit(_ context.Context, tenantID uuid.UUID, eventType string, limit int) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditEntry
	for _, a := range m.audit[tenantID] {
		if eventType == "" || a.EventType == eventType {
			out = append(out, a)
		}
	}
	return out[:min(limit, len(out))], nil
}

func (m *memStore) GetOrCreateIdentity(_ context.Context, tenantID uuid.UUID, email, displayName string) (model.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID.String() + "|" + strings.ToLower(email)
	if ident, ok := m.identities[key]; ok {
		return ident, nil
	}
	ident := model.Identity{ID: uuid.New(), TenantID: tenantID, Email: email, DisplayName: displayName, Role: model.IdentityCustomer}
	m.identities[key] = ident
	return ident, nil
}

func newService(store Store) *Service {
	return New(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDomainOf(t *testing.T) {
	tests := []struct{ in, want string }{
		{"alice@Acme.COM", "acme.com"},
		{"weird@name@firm.io", "firm.io"},
		{"no-at-sign", ""},
		{"trailing@", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DomainOf(tt.in), tt.in)
	}
}

func TestResolve_KnownDomain(t *testing.T) {
	store := newMemStore()
	acme := store.add("Acme", "acme.com", model.TierTwo)
	svc := newService(store)

	got, err := svc.Resolve(context.Background(), nil, "Bob@ACME.com")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, got.ID)

	got, ok, err := svc.ResolveByEmail(context.Background(), "bob@acme.com")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, acme.ID, got.ID)
}

func TestResolve_UnknownDomainFallsBackToProspect(t *testing.T) {
	store := newMemStore()
	store.add("Acme", "acme.com", model.TierTwo)
	svc := newService(store)

	first, err := svc.Resolve(context.Background(), nil, "someone@unknown.org")
	require.NoError(t, err)
	assert.True(t, first.IsProspect())
	assert.Equal(t, model.TierZero, first.PlanTier)

	second, err := svc.Resolve(context.Background(), nil, "other@elsewhere.net")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "prospect tenant is a singleton")
}

func TestResolve_SubdomainDoesNotMatch(t *testing.T) {
	store := newMemStore()
	store.add("Acme", "acme.com", model.TierOne)
	svc := newService(store)

	got, err := svc.Resolve(context.Background(), nil, "x@eu.acme.com")
	require.NoError(t, err)
	assert.True(t, got.IsProspect())
}

func TestResolve_ExplicitTenant(t *testing.T) {
	store := newMemStore()
	acme := store.add("Acme", "acme.com", model.TierOne)
	svc := newService(store)

	got, err := svc.Resolve(context.Background(), &acme.ID, "x@other.com")
	require.NoError(t, err)
	assert.Equal(t, acme.ID, got.ID)

	missing := uuid.New()
	_, err = svc.Resolve(context.Background(), &missing, "x@acme.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetOrCreateIdentity(t *testing.T) {
	store := newMemStore()
	acme := store.add("Acme", "acme.com", model.TierOne)
	svc := newService(store)

	first, err := svc.GetOrCreateIdentity(context.Background(), acme.ID, "Jane.Doe@acme.com")
	require.NoError(t, err)
	assert.Equal(t, "Jane.Doe", first.DisplayName)

	again, err := svc.GetOrCreateIdentity(context.Background(), acme.ID, "jane.doe@ACME.com")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, err = svc.GetOrCreateIdentity(context.Background(), acme.ID, "  ")
	assert.Error(t, err)
}

func TestRegister(t *testing.T) {
	store := newMemStore()
	svc := newService(store)
	ctx := context.Background()

	got, err := svc.Register(ctx, Registration{Name: " Globex ", Domain: " Globex.IO "}, "root")
	require.NoError(t, err)
	assert.Equal(t, "Globex", got.Name)
	require.NotNil(t, got.PrimaryDomain)
	assert.Equal(t, "globex.io", *got.PrimaryDomain)
	assert.Equal(t, model.TierOne, got.PlanTier, "tier defaults to tier1")

	resolved, err := svc.Resolve(ctx, nil, "hank@globex.io")
	require.NoError(t, err)
	assert.Equal(t, got.ID, resolved.ID, "a registered domain routes its senders")

	_, err = svc.Register(ctx, Registration{Name: "Other", Domain: "globex.io"}, "root")
	assert.ErrorIs(t, err, storage.ErrConflict)

	tests := []struct {
		name string
		reg  Registration
		want error
	}{
		{"missing name", Registration{Domain: "a.com"}, ErrInvalidTenant},
		{"reserved name", Registration{Name: model.ProspectTenantName, Domain: "a.com"}, ErrInvalidTenant},
		{"email instead of domain", Registration{Name: "A", Domain: "ceo@a.com"}, ErrInvalidTenant},
		{"single label", Registration{Name: "A", Domain: "localhost"}, ErrInvalidTenant},
		{"empty label", Registration{Name: "A", Domain: "a..com"}, ErrInvalidTenant},
		{"hyphen edge", Registration{Name: "A", Domain: "-a.com"}, ErrInvalidTenant},
		{"bad tier", Registration{Name: "A", Domain: "a.com", Tier: "gold"}, model.ErrInvalidEnum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.reg, "root")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOverview(t *testing.T) {
	store := newMemStore()
	svc := newService(store)
	ctx := context.Background()

	registered, err := svc.Register(ctx, Registration{Name: "Initech", Domain: "initech.com", Tier: model.TierTwo}, "root")
	require.NoError(t, err)

	ov, err := svc.Overview(ctx, registered.ID, "", 0)
	require.NoError(t, err)
	assert.Equal(t, registered.ID, ov.Tenant.ID)
	require.NotNil(t, ov.Entitlements)
	assert.True(t, ov.Entitlements.FreescoutEnabled)
	require.Len(t, ov.Audit, 1)
	assert.Equal(t, "tenant_registered", ov.Audit[0].EventType)

	ov, err = svc.Overview(ctx, registered.ID, "tier_changed", 10)
	require.NoError(t, err)
	assert.NotNil(t, ov.Audit, "empty audit is a list, not null")
	assert.Empty(t, ov.Audit)

	legacy := store.add("Legacy", "legacy.com", model.TierOne)
	ov, err = svc.Overview(ctx, legacy.ID, "", 0)
	require.NoError(t, err)
	assert.Nil(t, ov.Entitlements, "not provisioned yet")

	_, err = svc.Overview(ctx, uuid.New(), "", 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.Overview(ctx, registered.ID, "", MaxAuditLimit+1)
	assert.ErrorIs(t, err, ErrInvalidTenant)
}
