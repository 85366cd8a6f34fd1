package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/auth"
	"github.com/ashita-ai/sapphire/internal/model"
)

func TestRunWritesUsableKeys(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	var out strings.Builder
	require.NoError(t, run(dir, &out))

	privPath := filepath.Join(dir, privateKeyFile)
	pubPath := filepath.Join(dir, publicKeyFile)
	assert.Contains(t, out.String(), "SAPPHIRE_JWT_PRIVATE_KEY="+privPath)
	assert.Contains(t, out.String(), "SAPPHIRE_ADMIN_API_KEY=sk_")

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(model.ServiceAccount{Name: "admin", Role: model.RoleAdmin})
	require.NoError(t, err)
	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Name)
}

func TestRunRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, run(dir, &strings.Builder{}))

	err := run(dir, &strings.Builder{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestNewAdminKeyIsRandom(t *testing.T) {
	a, err := newAdminKey()
	require.NoError(t, err)
	b, err := newAdminKey()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "sk_"))
}
