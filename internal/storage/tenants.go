package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/sapphire/internal/model"
)

const tenantColumns = `id, name, primary_domain, plan_tier, created_at, updated_at`

func scanTenant(row pgx.Row) (model.Tenant, error) {
	var t model.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.PrimaryDomain, &t.PlanTier, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// GetTenant returns a tenant by ID.
func (db *DB) GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	t, err := scanTenant(db.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: get tenant %s: %w", id, notFound(err))
	}
	return t, nil
}

// GetTenantByDomain returns the tenant whose primary domain equals domain,
// compared case-insensitively. No wildcard or subdomain matching.
func (db *DB) GetTenantByDomain(ctx context.Context, domain string) (model.Tenant, error) {
	t, err := scanTenant(db.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants
		 WHERE primary_domain IS NOT NULL AND lower(primary_domain) = lower($1)`,
		strings.TrimSpace(domain)))
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: get tenant by domain: %w", notFound(err))
	}
	return t, nil
}

// CreateTenant registers a tenant under its primary domain together with the
// entitlements of its tier, audited as tenant_registered. A domain already
// claimed by another tenant returns ErrConflict.
func (db *DB) CreateTenant(ctx context.Context, name, domain string, tier model.PlanTier, actor string) (model.Tenant, error) {
	var t model.Tenant
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		t, err = scanTenant(tx.QueryRow(ctx,
			`INSERT INTO tenants (name, primary_domain, plan_tier) VALUES ($1, $2, $3)
			 RETURNING `+tenantColumns,
			name, domain, tier))
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: create tenant: domain %s: %w", domain, ErrConflict)
		}
		if err != nil {
			return fmt.Errorf("storage: create tenant: %w", err)
		}
		if err := upsertEntitlementsTx(ctx, tx, model.EntitlementsForTier(t.ID, tier)); err != nil {
			return err
		}
		return insertAudit(ctx, tx, AuditEntry{
			EventType: "tenant_registered",
			TenantID:  &t.ID,
			Actor:     actor,
			Payload: map[string]any{
				"name":           name,
				"primary_domain": domain,
				"plan_tier":      string(tier),
			},
		})
	})
	if err != nil {
		return model.Tenant{}, err
	}
	return t, nil
}

// GetOrCreateProspectTenant returns the singleton Prospect tenant, creating it
// on first use. Concurrent callers converge on the same row.
func (db *DB) GetOrCreateProspectTenant(ctx context.Context) (model.Tenant, error) {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (name, primary_domain, plan_tier) VALUES ($1, NULL, 'tier0')
		 ON CONFLICT (name) WHERE primary_domain IS NULL AND name = 'Prospect' DO NOTHING`,
		model.ProspectTenantName,
	); err != nil {
		return model.Tenant{}, fmt.Errorf("storage: create prospect tenant: %w", err)
	}
	t, err := scanTenant(db.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE primary_domain IS NULL AND name = $1`,
		model.ProspectTenantName))
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: get prospect tenant: %w", err)
	}
	return t, nil
}

// getOrCreateTenantTx returns the tenant with id, inserting it with the given
// name and tier if absent.
func getOrCreateTenantTx(ctx context.Context, q querier, id uuid.UUID, name string, tier model.PlanTier) (model.Tenant, error) {
	if _, err := q.Exec(ctx,
		`INSERT INTO tenants (id, name, plan_tier) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
		id, name, tier,
	); err != nil {
		return model.Tenant{}, fmt.Errorf("storage: create tenant %s: %w", id, err)
	}
	t, err := scanTenant(q.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return model.Tenant{}, fmt.Errorf("storage: get tenant %s: %w", id, notFound(err))
	}
	return t, nil
}

// GetOrCreateIdentity returns the identity keyed by (tenant, lower(email)),
// creating it with a customer role on first sight. The first writer wins;
// concurrent callers read back the winner's row.
func (db *DB) GetOrCreateIdentity(ctx context.Context, tenantID uuid.UUID, email, displayName string) (model.Identity, error) {
	var ident model.Identity
	scan := func(row pgx.Row) error {
		return row.Scan(&ident.ID, &ident.TenantID, &ident.Email, &ident.DisplayName, &ident.Role, &ident.CreatedAt)
	}

	err := scan(db.pool.QueryRow(ctx,
		`INSERT INTO identities (tenant_id, email, display_name, role)
		 VALUES ($1, $2, $3, 'customer')
		 ON CONFLICT (tenant_id, lower(email)) DO NOTHING
		 RETURNING id, tenant_id, email, display_name, role, created_at`,
		tenantID, email, displayName))
	if err == nil {
		return ident, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Identity{}, fmt.Errorf("storage: create identity: %w", err)
	}

	err = scan(db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, email, display_name, role, created_at
		 FROM identities WHERE tenant_id = $1 AND lower(email) = lower($2)`,
		tenantID, email))
	if err != nil {
		return model.Identity{}, fmt.Errorf("storage: get identity: %w", notFound(err))
	}
	return ident, nil
}

func upsertEntitlementsTx(ctx context.Context, q querier, e model.Entitlements) error {
	features, err := json.Marshal(e.AIFeatures)
	if err != nil {
		return fmt.Errorf("storage: marshal ai features: %w", err)
	}
	if _, err := q.Exec(ctx,
		`INSERT INTO entitlements (tenant_id, ai_features, portal_enabled, freescout_enabled, updated_at)
		 VALUES ($1, $2::jsonb, $3, $4, now())
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET ai_features = EXCLUDED.ai_features,
		     portal_enabled = EXCLUDED.portal_enabled,
		     freescout_enabled = EXCLUDED.freescout_enabled,
		     updated_at = now()`,
		e.TenantID, features, e.PortalEnabled, e.FreescoutEnabled,
	); err != nil {
		return fmt.Errorf("storage: upsert entitlements: %w", err)
	}
	return nil
}

// GetEntitlements returns a tenant's entitlements.
func (db *DB) GetEntitlements(ctx context.Context, tenantID uuid.UUID) (model.Entitlements, error) {
	var e model.Entitlements
	err := db.pool.QueryRow(ctx,
		`SELECT tenant_id, ai_features, portal_enabled, freescout_enabled, updated_at
		 FROM entitlements WHERE tenant_id = $1`, tenantID,
	).Scan(&e.TenantID, &e.AIFeatures, &e.PortalEnabled, &e.FreescoutEnabled, &e.UpdatedAt)
	if err != nil {
		return model.Entitlements{}, fmt.Errorf("storage: get entitlements: %w", notFound(err))
	}
	return e, nil
}
