package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ashita-ai/hibiki/internal/auth"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyPassword("s3cret", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyPassword("wrong", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyPassword_Bcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	valid, err := auth.VerifyPassword("s3cret", string(hash))
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyPassword("nope", string(hash))
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyPassword_Malformed(t *testing.T) {
	_, err := auth.VerifyPassword("x", "no-separator")
	assert.Error(t, err)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueToken("admin")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, claims.Role)
	assert.Equal(t, "admin", claims.Subject)
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

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	now := time.Now().UTC()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "not-hibiki",
			Audience:  jwt.ClaimStrings{"hibiki-admin"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role: auth.RoleAdmin,
	})

	_, err := mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_WrongRole(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	now := time.Now().UTC()
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			Issuer:    "hibiki",
			Audience:  jwt.ClaimStrings{"hibiki-admin"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Role: "viewer",
	})

	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid role")
}

func TestValidateToken_Expired(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	past := time.Now().UTC().Add(-2 * time.Hour)
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "hibiki",
			Audience:  jwt.ClaimStrings{"hibiki-admin"},
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Hour)),
		},
		Role: auth.RoleAdmin,
	})

	_, err := mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateToken_OtherKey(t *testing.T) {
	mgr, _ := newTestJWTManagerWithKey(t)
	other, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := other.IssueToken("admin")
	require.NoError(t, err)
	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}
