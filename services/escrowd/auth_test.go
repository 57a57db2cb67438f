package main

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(now func() time.Time) *Authenticator {
	return NewAuthenticator([]APIKeyConfig{{Key: testAPIKey, Secret: testAPISecret}}, 2*time.Minute, now)
}

func signTestRequest(req *http.Request, secret, nonce string, at time.Time, body []byte) {
	ts := strconv.FormatInt(at.Unix(), 10)
	sig := computeSignature(secret, ts, nonce, req.Method, canonicalRequestPath(req), body)
	req.Header.Set(headerAPIKey, testAPIKey)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerNonce, nonce)
	req.Header.Set(headerSignature, hex.EncodeToString(sig))
}

func TestAuthenticateAcceptsValidRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := newTestAuthenticator(func() time.Time { return now })
	body := []byte(`{"approver":"GA"}`)

	req := httptest.NewRequest(http.MethodPost, "/v1/escrows/esc-1/approvals", nil)
	signTestRequest(req, testAPISecret, "n-1", now, body)

	principal, err := auth.Authenticate(req, body)
	require.NoError(t, err)
	require.Equal(t, testAPIKey, principal.APIKey)
}

func TestAuthenticateRejectsUnknownKey(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := newTestAuthenticator(func() time.Time { return now })

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/esc-1", nil)
	signTestRequest(req, testAPISecret, "n-1", now, nil)
	req.Header.Set(headerAPIKey, "someone-else")

	_, err := auth.Authenticate(req, nil)
	require.ErrorContains(t, err, "unknown API key")
}

func TestAuthenticateRejectsSkewedTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := newTestAuthenticator(func() time.Time { return now })

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/esc-1", nil)
	signTestRequest(req, testAPISecret, "n-1", now.Add(-3*time.Minute), nil)

	_, err := auth.Authenticate(req, nil)
	require.ErrorContains(t, err, "skew")
}

func TestAuthenticateRejectsWrongSecret(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := newTestAuthenticator(func() time.Time { return now })

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/esc-1", nil)
	signTestRequest(req, "wrong-secret", "n-1", now, nil)

	_, err := auth.Authenticate(req, nil)
	require.ErrorContains(t, err, "invalid signature")
}

func TestAuthenticateRejectsNonceReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := newTestAuthenticator(func() time.Time { return now })

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/esc-1", nil)
	signTestRequest(req, testAPISecret, "n-1", now, nil)

	_, err := auth.Authenticate(req, nil)
	require.NoError(t, err)
	_, err = auth.Authenticate(req, nil)
	require.ErrorContains(t, err, "nonce already used")
}

func TestAuthenticateExpiresOldNonces(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := newTestAuthenticator(func() time.Time { return now })

	req := httptest.NewRequest(http.MethodGet, "/v1/escrows/esc-1", nil)
	signTestRequest(req, testAPISecret, "n-1", now, nil)
	_, err := auth.Authenticate(req, nil)
	require.NoError(t, err)

	// After the nonce window the composite may be reused; the timestamp is
	// re-signed so the skew check still passes.
	now = now.Add(11 * time.Minute)
	req = httptest.NewRequest(http.MethodGet, "/v1/escrows/esc-1", nil)
	signTestRequest(req, testAPISecret, "n-1", now, nil)
	_, err = auth.Authenticate(req, nil)
	require.NoError(t, err)
}

func TestAuthenticateRejectsOversizedBody(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	auth := newTestAuthenticator(func() time.Time { return now })

	req := httptest.NewRequest(http.MethodPost, "/v1/escrows", nil)
	_, err := auth.Authenticate(req, make([]byte, maxBodyForSig+1))
	require.ErrorContains(t, err, "exceeds")
}

func TestCanonicalRequestPath(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/escrows?participant=GA&status=pending", nil)
	require.Equal(t, "/v1/escrows?participant=GA&status=pending", canonicalRequestPath(req))

	// Query order does not affect the signature.
	reordered := httptest.NewRequest(http.MethodGet, "/v1/escrows?status=pending&participant=GA", nil)
	require.Equal(t, canonicalRequestPath(req), canonicalRequestPath(reordered))
}

func TestSignaturePayloadShape(t *testing.T) {
	sig := computeSignature("secret", "1700000000", "n-1", "post", "/v1/escrows", []byte("{}"))
	upper := computeSignature("secret", "1700000000", "n-1", "POST", "/v1/escrows", []byte("{}"))
	require.Equal(t, hex.EncodeToString(sig), hex.EncodeToString(upper))

	other := computeSignature("secret", "1700000000", "n-1", "POST", "/v1/escrows", []byte(strings.Repeat("x", 3)))
	require.NotEqual(t, hex.EncodeToString(sig), hex.EncodeToString(other))
}
