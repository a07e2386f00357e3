package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/guardian-gateway/internal/domain"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func TestIssueAndVerify(t *testing.T) {
	key := newKey(t)
	tok, err := NewIssuer(key, "test", time.Hour).Issue("u-1", "acme", "desk-1", domain.ScopeActionsSubmit)
	require.NoError(t, err)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, int64(3600), tok.ExpiresIn)

	claims, err := NewBaseValidator(&key.PublicKey).VerifyToken("Bearer " + tok.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.OrgID)
	assert.Equal(t, "desk-1", claims.AccountID)
	assert.True(t, claims.Allows(domain.ScopeActionsSubmit))
	assert.False(t, claims.Allows(domain.ScopeGuardiansWrite))
}

func TestVerifyRejects(t *testing.T) {
	key := newKey(t)
	v := NewBaseValidator(&key.PublicKey)

	// чужой ключ
	foreign, err := NewIssuer(newKey(t), "test", time.Hour).Issue("u-1", "acme", "desk-1")
	require.NoError(t, err)
	_, err = v.VerifyToken(foreign.AccessToken)
	require.Error(t, err)

	// HMAC вместо RSA
	hs, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &domain.CustomClaims{OrgID: "acme", AccountID: "x"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = v.VerifyToken(hs)
	require.Error(t, err)

	// без аккаунта
	noAcc, err := jwt.NewWithClaims(jwt.SigningMethodRS256, &domain.CustomClaims{OrgID: "acme"}).SignedString(key)
	require.NoError(t, err)
	_, err = v.VerifyToken(noAcc)
	require.Error(t, err)

	// просроченный
	iss := NewIssuer(key, "test", time.Minute)
	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := iss.Issue("u-1", "acme", "desk-1")
	require.NoError(t, err)
	_, err = v.VerifyToken(expired.AccessToken)
	require.Error(t, err)

	_, err = NewIssuer(key, "test", 0).Issue("u-1", "", "desk-1")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestParseKeys(t *testing.T) {
	key := newKey(t)
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	pub, err := ParseRSAPublicKey(pubPEM)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))

	priv, err := ParseRSAPrivateKey(privPEM)
	require.NoError(t, err)
	assert.True(t, priv.Equal(key))

	_, err = ParseRSAPublicKey(nil)
	require.Error(t, err)
	_, err = ParseRSAPrivateKey([]byte("garbage"))
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	key := newKey(t)
	v := NewBaseValidator(&key.PublicKey)
	tok, err := NewIssuer(key, "test", time.Hour).Issue("u-1", "acme", "desk-1", domain.ScopeGuardiansWrite)
	require.NoError(t, err)

	var seen *domain.CustomClaims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
	})

	do := func(required bool, header string) int {
		seen = nil
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		NewMiddleware(v, required, zap.NewNop())(next).ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do(false, ""))
	assert.Nil(t, seen)

	assert.Equal(t, http.StatusUnauthorized, do(true, ""))
	assert.Equal(t, http.StatusUnauthorized, do(false, "Bearer nope"))

	assert.Equal(t, http.StatusOK, do(true, "Bearer "+tok.AccessToken))
	require.NotNil(t, seen)
	assert.Equal(t, "desk-1", seen.AccountID)
}

func TestRequireScope(t *testing.T) {
	h := RequireScope(domain.ScopeGuardiansWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func(c *domain.CustomClaims) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		if c != nil {
			req = req.WithContext(WithClaims(req.Context(), c))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do(nil))
	assert.Equal(t, http.StatusForbidden, do(&domain.CustomClaims{OrgID: "acme", AccountID: "a"}))
	assert.Equal(t, http.StatusOK, do(&domain.CustomClaims{Scopes: map[string]bool{domain.ScopeGuardiansWrite: true}}))
	assert.Equal(t, http.StatusOK, do(&domain.CustomClaims{Scopes: map[string]bool{domain.ScopeAdmin: true}}))
}
