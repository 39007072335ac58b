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

	"github.com/ashita-ai/shiken/internal/auth"
	"github.com/ashita-ai/shiken/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	other, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salts differ")
}

func TestVerifyAPIKeyRejectsMalformedHash(t *testing.T) {
	for _, encoded := range []string{
		"",
		"c2FsdA$aGFzaA",
		"$bcrypt$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=16$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=x$c2FsdA$aGFzaA",
	} {
		_, err := auth.VerifyAPIKey("key", encoded)
		assert.Error(t, err, "hash %q", encoded)
	}
}

func testClient() model.APIClient {
	return model.APIClient{ID: uuid.New(), ClientID: "ci-bot", Name: "CI", Role: model.RoleOperator}
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	c := testClient()
	token, expiresAt, err := mgr.IssueToken(c)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", claims.ClientID)
	assert.Equal(t, model.RoleOperator, claims.Role)
	assert.Equal(t, c.ID.String(), claims.Subject)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", -time.Minute)
	require.NoError(t, err)

	token, _, err := mgr.IssueToken(testClient())
	require.NoError(t, err)
	_, err = mgr.ValidateToken(token)
	assert.Error(t, err)
}

func TestTokenFromAnotherKeyIsRejected(t *testing.T) {
	a, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	b, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := a.IssueToken(testClient())
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.Error(t, err)
}

func writeKeyPair(t *testing.T, dir string) (privPath, pubPath string, priv ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath = filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath = filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))
	return privPath, pubPath, priv
}

// newTestJWTManagerWithKey creates a JWTManager backed by PEM files and
// returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	privPath, pubPath, priv := writeKeyPair(t, t.TempDir())
	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func TestMismatchedKeyFilesAreRejected(t *testing.T) {
	privPath, _, _ := writeKeyPair(t, t.TempDir())
	_, otherPub, _ := writeKeyPair(t, t.TempDir())

	_, err := auth.NewJWTManager(privPath, otherPub, time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match")
}

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func forgedClaims(mutate func(c *auth.Claims)) *auth.Claims {
	now := time.Now().UTC()
	c := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "shiken",
			Audience:  jwt.ClaimStrings{"shiken"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		ClientID: "ci-bot",
		Role:     model.RoleReader,
	}
	mutate(c)
	return c
}

func TestValidateTokenRejectsForgedClaims(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)

	ok := forgeToken(t, privKey, forgedClaims(func(*auth.Claims) {}))
	_, err := mgr.ValidateToken(ok)
	require.NoError(t, err)

	cases := map[string]func(c *auth.Claims){
		"wrong issuer":      func(c *auth.Claims) { c.Issuer = "not-shiken" },
		"empty issuer":      func(c *auth.Claims) { c.Issuer = "" },
		"wrong audience":    func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"other"} },
		"no expiry":         func(c *auth.Claims) { c.ExpiresAt = nil },
		"malformed subject": func(c *auth.Claims) { c.Subject = "not-a-uuid" },
		"unknown role":      func(c *auth.Claims) { c.Role = "superuser" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := mgr.ValidateToken(forgeToken(t, privKey, forgedClaims(mutate)))
			assert.Error(t, err)
		})
	}
}

func TestWriteKeyPairLoadsAndRefusesOverwrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	privPath, pubPath, err := auth.WriteKeyPair(dir)
	require.NoError(t, err)

	info, err := os.Stat(privPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken(testClient())
	require.NoError(t, err)
	_, err = mgr.ValidateToken(token)
	require.NoError(t, err)

	_, _, err = auth.WriteKeyPair(dir)
	assert.ErrorIs(t, err, auth.ErrKeyExists)
}
