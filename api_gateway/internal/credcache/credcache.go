// Package credcache stores authentication results in Redis under versioned
// envelopes so gateway replicas of different builds can share one cache.
package credcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	envelopeVersion = 1
	kindPrincipal   = "principal"
)

// Principal is the identity and entitlement snapshot behind an API key.
// A Principal with Valid=false is a cached rejection.
type Principal struct {
	MerchantID     int64 `json:"merchant_id"`
	SubscriptionID int64 `json:"subscription_id"`
	QuotaTotal     int64 `json:"quota_total"`
	QuotaUsed      int64 `json:"quota_used"`
	Valid          bool  `json:"valid"`
}

// Remaining is the snapshot's unused allowance, floored at zero.
func (p Principal) Remaining() int64 {
	if r := p.QuotaTotal - p.QuotaUsed; r > 0 {
		return r
	}
	return 0
}

type envelope struct {
	V    int             `json:"v"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Cache reads and writes Principals keyed by API key digest.
type Cache struct {
	rdb         goredis.UniversalClient
	positiveTTL time.Duration
	negativeTTL time.Duration
}

func New(rdb goredis.UniversalClient, positiveTTL, negativeTTL time.Duration) *Cache {
	return &Cache{rdb: rdb, positiveTTL: positiveTTL, negativeTTL: negativeTTL}
}

// Key is the Redis key for a key digest.
func Key(keyHash string) string {
	return "api_key:" + keyHash
}

// Get returns the cached Principal. Entries written by an incompatible
// build, or otherwise unreadable, are reported as a miss.
func (c *Cache) Get(ctx context.Context, keyHash string) (Principal, bool, error) {
	raw, err := c.rdb.Get(ctx, Key(keyHash)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Principal{}, false, nil
	}
	if err != nil {
		return Principal{}, false, fmt.Errorf("get %s: %w", Key(keyHash), err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.V != envelopeVersion || env.Kind != kindPrincipal {
		return Principal{}, false, nil
	}
	var p Principal
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return Principal{}, false, nil
	}
	return p, true, nil
}

// Put caches p with the positive or negative TTL depending on p.Valid.
func (c *Cache) Put(ctx context.Context, keyHash string, p Principal) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal principal: %w", err)
	}
	raw, err := json.Marshal(envelope{V: envelopeVersion, Kind: kindPrincipal, Data: data})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ttl := c.positiveTTL
	if !p.Valid {
		ttl = c.negativeTTL
	}
	if err := c.rdb.Set(ctx, Key(keyHash), raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", Key(keyHash), err)
	}
	return nil
}

// Invalidate drops a cached result, e.g. after a key is revoked.
func (c *Cache) Invalidate(ctx context.Context, keyHash string) error {
	return c.rdb.Del(ctx, Key(keyHash)).Err()
}
