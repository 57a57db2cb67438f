// Package oracle resolves exchange rates between the ledger's native asset
// and local currencies. Rates are informational only: conversion failures
// degrade to a fixed fallback and are never propagated as escrow failures.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// RateSource resolves the price of one native asset unit in the supplied
// local currency.
type RateSource interface {
	Rate(ctx context.Context, currency string) (*big.Rat, error)
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGecko adapts the public CoinGecko simple price API.
type CoinGecko struct {
	client   HTTPDoer
	endpoint string
	assetID  string
}

// NewCoinGecko constructs an adapter for the given CoinGecko asset identifier
// (e.g. "stellar"). When client is nil http.DefaultClient is used.
func NewCoinGecko(client HTTPDoer, endpoint, assetID string) *CoinGecko {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	id := strings.ToLower(strings.TrimSpace(assetID))
	if id == "" {
		id = "stellar"
	}
	return &CoinGecko{client: client, endpoint: ep, assetID: id}
}

func (o *CoinGecko) Rate(ctx context.Context, currency string) (*big.Rat, error) {
	cur := strings.ToLower(strings.TrimSpace(currency))
	if cur == "" {
		return nil, fmt.Errorf("oracle: currency required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.endpoint, nil)
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("ids", o.assetID)
	values.Set("vs_currencies", cur)
	req.URL.RawQuery = values.Encode()
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("oracle: coingecko status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("oracle: coingecko decode: %w", err)
	}
	entry, ok := payload[o.assetID]
	if !ok {
		return nil, fmt.Errorf("oracle: quote missing for %s", o.assetID)
	}
	raw, ok := entry[cur]
	if !ok {
		return nil, fmt.Errorf("oracle: no %s rate in response", cur)
	}
	rat, ok := new(big.Rat).SetString(raw.String())
	if !ok || rat.Sign() <= 0 {
		return nil, fmt.Errorf("oracle: invalid rate %q", raw.String())
	}
	return rat, nil
}

type cacheEntry struct {
	rate      *big.Rat
	fetchedAt time.Time
}

// Cache wraps a RateSource with a per-currency TTL. The clock is injected so
// tests can advance time deterministically rather than sleeping.
type Cache struct {
	source RateSource
	ttl    time.Duration
	nowFn  func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

func NewCache(source RateSource, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		source:  source,
		ttl:     ttl,
		nowFn:   time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// SetNowFunc overrides the cache clock. Primarily for tests.
func (c *Cache) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.nowFn = now
}

func (c *Cache) Rate(ctx context.Context, currency string) (*big.Rat, error) {
	key := strings.ToUpper(strings.TrimSpace(currency))
	now := c.nowFn()

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		return new(big.Rat).Set(entry.rate), nil
	}

	rate, err := c.source.Rate(ctx, currency)
	if err != nil {
		// A stale entry beats no entry for display purposes.
		if ok {
			return new(big.Rat).Set(entry.rate), nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.entries[key] = cacheEntry{rate: new(big.Rat).Set(rate), fetchedAt: now}
	c.mu.Unlock()
	return rate, nil
}

// DefaultFallbackRate is used when every rate lookup fails.
var DefaultFallbackRate = big.NewRat(1, 10)

// Converter translates between native asset amounts and local currency for
// display. Lookup failures silently degrade to the fallback rate.
type Converter struct {
	source   RateSource
	fallback *big.Rat
}

func NewConverter(source RateSource, fallback *big.Rat) *Converter {
	if fallback == nil || fallback.Sign() <= 0 {
		fallback = DefaultFallbackRate
	}
	return &Converter{source: source, fallback: new(big.Rat).Set(fallback)}
}

// RateFor returns the local-currency price of one native unit, or the
// fallback when the source fails.
func (c *Converter) RateFor(ctx context.Context, currency string) *big.Rat {
	if c.source != nil {
		if rate, err := c.source.Rate(ctx, currency); err == nil && rate.Sign() > 0 {
			return rate
		}
	}
	return new(big.Rat).Set(c.fallback)
}

// ToLocal converts a native-asset amount to local currency.
func (c *Converter) ToLocal(ctx context.Context, nativeAmount, currency string) (*big.Rat, error) {
	amt, err := parseDecimal(nativeAmount)
	if err != nil {
		return nil, err
	}
	return amt.Mul(amt, c.RateFor(ctx, currency)), nil
}

// ToNative converts a local-currency amount to the native asset.
func (c *Converter) ToNative(ctx context.Context, localAmount, currency string) (*big.Rat, error) {
	amt, err := parseDecimal(localAmount)
	if err != nil {
		return nil, err
	}
	return amt.Quo(amt, c.RateFor(ctx, currency)), nil
}

func parseDecimal(raw string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("oracle: amount required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("oracle: invalid amount %q", raw)
	}
	return rat, nil
}

// FormatRat renders a rational with the given number of decimal places.
func FormatRat(r *big.Rat, places int) string {
	if r == nil {
		return "0"
	}
	if places < 0 {
		places = 7
	}
	return r.FloatString(places)
}
