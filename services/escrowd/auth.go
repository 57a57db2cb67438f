package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	headerAPIKey    = "X-Api-Key"
	headerTimestamp = "X-Timestamp"
	headerNonce     = "X-Nonce"
	headerSignature = "X-Signature"

	// maxBodyForSig caps the request body size we are willing to hash.
	maxBodyForSig = 1 << 20 // 1 MiB

	defaultNonceTTL = 10 * time.Minute
)

// Principal represents an authenticated API client.
type Principal struct {
	APIKey string
}

// Authenticator verifies API key + HMAC signatures on incoming requests.
// Nonces are remembered per key for the TTL window to reject replays.
type Authenticator struct {
	secrets  map[string]string
	skew     time.Duration
	nonceTTL time.Duration
	nowFn    func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewAuthenticator builds an Authenticator from the configured key pairs.
func NewAuthenticator(keys []APIKeyConfig, skew time.Duration, nowFn func() time.Time) *Authenticator {
	secrets := make(map[string]string, len(keys))
	for _, entry := range keys {
		secrets[strings.TrimSpace(entry.Key)] = strings.TrimSpace(entry.Secret)
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &Authenticator{
		secrets:  secrets,
		skew:     skew,
		nonceTTL: defaultNonceTTL,
		nowFn:    nowFn,
		nonces:   make(map[string]time.Time),
	}
}

// Authenticate validates headers and signature, returning the caller principal.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) (*Principal, error) {
	if len(body) > maxBodyForSig {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyForSig)
	}
	apiKey := strings.TrimSpace(r.Header.Get(headerAPIKey))
	if apiKey == "" {
		return nil, errors.New("missing X-Api-Key header")
	}
	secret, ok := a.secrets[apiKey]
	if !ok || secret == "" {
		return nil, errors.New("unknown API key")
	}
	timestampHeader := strings.TrimSpace(r.Header.Get(headerTimestamp))
	if timestampHeader == "" {
		return nil, errors.New("missing X-Timestamp header")
	}
	secs, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	drift := now.Sub(time.Unix(secs, 0).UTC())
	if drift < 0 {
		drift = -drift
	}
	if drift > a.skew {
		return nil, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(headerNonce))
	if nonce == "" {
		return nil, errors.New("missing X-Nonce header")
	}
	providedSig := strings.TrimSpace(r.Header.Get(headerSignature))
	if providedSig == "" {
		return nil, errors.New("missing X-Signature header")
	}
	expected := computeSignature(secret, timestampHeader, nonce, r.Method, canonicalRequestPath(r), body)
	providedBytes, err := hex.DecodeString(providedSig)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !hmac.Equal(providedBytes, expected) {
		return nil, errors.New("invalid signature")
	}
	if a.seenNonce(apiKey, timestampHeader, nonce, now) {
		return nil, errors.New("nonce already used")
	}
	return &Principal{APIKey: apiKey}, nil
}

func (a *Authenticator) seenNonce(apiKey, timestamp, nonce string, now time.Time) bool {
	composite := apiKey + "|" + timestamp + "|" + nonce
	cutoff := now.Add(-a.nonceTTL)

	a.mu.Lock()
	defer a.mu.Unlock()
	for key, observed := range a.nonces {
		if observed.Before(cutoff) {
			delete(a.nonces, key)
		}
	}
	if _, ok := a.nonces[composite]; ok {
		return true
	}
	a.nonces[composite] = now
	return false
}

// canonicalRequestPath normalises URL paths and query ordering for signing.
func canonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		path += "?" + canonicalQuery(r.URL.RawQuery)
	}
	return path
}

func canonicalQuery(raw string) string {
	parts := strings.Split(raw, "&")
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

// computeSignature builds the HMAC-SHA256 signature for the request metadata.
func computeSignature(secret, timestamp, nonce, method, path string, body []byte) []byte {
	payload := strings.Join([]string{timestamp, nonce, strings.ToUpper(method), path, string(body)}, "\n")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}
