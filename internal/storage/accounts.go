package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/sapphire/internal/model"
)

// GetServiceAccountByName returns the service account with the given name.
func (db *DB) GetServiceAccountByName(ctx context.Context, name string) (model.ServiceAccount, error) {
	var a model.ServiceAccount
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, role, api_key_hash, created_at FROM service_accounts WHERE name = $1`, name,
	).Scan(&a.ID, &a.Name, &a.Role, &a.APIKeyHash, &a.CreatedAt)
	if err != nil {
		return model.ServiceAccount{}, fmt.Errorf("storage: get service account: %w", notFound(err))
	}
	return a, nil
}

// UpsertServiceAccount creates the named account or replaces its role and key
// hash. Used to seed the admin account at startup.
func (db *DB) UpsertServiceAccount(ctx context.Context, name string, role model.AccountRole, apiKeyHash string) (model.ServiceAccount, error) {
	var a model.ServiceAccount
	err := db.pool.QueryRow(ctx,
		`INSERT INTO service_accounts (name, role, api_key_hash) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET role = EXCLUDED.role, api_key_hash = EXCLUDED.api_key_hash
		 RETURNING id, name, role, api_key_hash, created_at`,
		name, role, apiKeyHash,
	).Scan(&a.ID, &a.Name, &a.Role, &a.APIKeyHash, &a.CreatedAt)
	if err != nil {
		return model.ServiceAccount{}, fmt.Errorf("storage: upsert service account %s: %w", name, err)
	}
	return a, nil
}

// CountServiceAccounts reports how many service accounts exist.
func (db *DB) CountServiceAccounts(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM service_accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count service accounts: %w", err)
	}
	return n, nil
}
