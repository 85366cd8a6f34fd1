package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/sapphire/internal/auth"
	"github.com/ashita-ai/sapphire/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("portal-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("portal-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestHashAPIKeyEncodesParams(t *testing.T) {
	hash, err := auth.HashAPIKey("portal-key-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "argon2id$v=19$m=65536,t=1,p=4$"), hash)

	other, err := auth.HashAPIKey("portal-key-123")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts differ")
}

func TestVerifyAPIKey_MalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"no-separator",
		"bcrypt$v=19$m=65536,t=1,p=4$c2FsdA$a2V5",
		"argon2id$v=16$m=65536,t=1,p=4$c2FsdA$a2V5",
		"argon2id$v=19$m=0,t=1,p=4$c2FsdA$a2V5",
		"argon2id$v=19$m=65536,t=1,p=4$!!!$a2V5",
		"argon2id$v=19$m=65536,t=1,p=4$c2FsdA$",
	} {
		_, err := auth.VerifyAPIKey("key", encoded)
		assert.ErrorContains(t, err, "malformed api key hash", encoded)
	}
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	account := model.ServiceAccount{ID: uuid.New(), Name: "portal", Role: model.RolePortal}

	token, expiresAt, err := mgr.IssueToken(account)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "portal", claims.Name)
	assert.Equal(t, model.RolePortal, claims.Role)
	assert.Equal(t, account.ID.String(), claims.Subject)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func TestNewJWTManager_MismatchedKeys(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))
	pubBytes, err := x509.MarshalPKIXPublicKey(otherPub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	_, err = auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func baseClaims(subject, iss string) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    iss,
		Audience:  jwt.ClaimStrings{"sapphire"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		ID:        uuid.New().String(),
	}
}

func TestValidateToken_Rejects(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	tests := []struct {
		name   string
		claims *auth.Claims
		want   string
	}{
		{
			name:   "wrong issuer",
			claims: &auth.Claims{RegisteredClaims: baseClaims(uuid.New().String(), "not-sapphire"), Name: "ops", Role: model.RoleOps},
			want:   "invalid issuer",
		},
		{
			name:   "empty issuer",
			claims: &auth.Claims{RegisteredClaims: baseClaims(uuid.New().String(), ""), Name: "ops", Role: model.RoleOps},
			want:   "invalid issuer",
		},
		{
			name:   "malformed subject",
			claims: &auth.Claims{RegisteredClaims: baseClaims("not-a-uuid", "sapphire"), Name: "ops", Role: model.RoleOps},
			want:   "invalid subject",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := mgr.ValidateToken(forgeToken(t, privKey, tt.claims))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateToken_UnknownRole(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	claims := jwt.MapClaims{
		"sub":  uuid.New().String(),
		"iss":  "sapphire",
		"aud":  []string{"sapphire"},
		"exp":  time.Now().Add(time.Hour).Unix(),
		"name": "intruder",
		"role": "superuser",
	}
	_, err := mgr.ValidateToken(forgeToken(t, privKey, claims))
	require.Error(t, err)
}

func TestValidateToken_Expired(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	rc := baseClaims(uuid.New().String(), "sapphire")
	rc.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	_, err := mgr.ValidateToken(forgeToken(t, privKey, &auth.Claims{RegisteredClaims: rc, Name: "ops", Role: model.RoleOps}))
	require.Error(t, err)
}
