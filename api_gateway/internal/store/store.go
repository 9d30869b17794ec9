// Package store holds the gateway's read-only queries against the merchant store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/credcache"
)

// Key and subscription status codes shared with the usage worker.
const (
	KeyStatusActive = 1

	SubscriptionActive    = 1
	SubscriptionExhausted = 2
)

const lookupActiveKeyQuery = `
SELECT k.merchant_id, us.id, s.tokens, us.used_tokens
FROM merchant_api_keys k
JOIN user_subscriptions us ON us.merchant_id = k.merchant_id AND us.status IN ($2, $3)
JOIN subscriptions s ON s.id = us.subscription_id
WHERE k.hash = $1 AND k.status = $4
ORDER BY us.created_at DESC
LIMIT 1`

const quotaSnapshotQuery = `
SELECT s.tokens, us.used_tokens
FROM user_subscriptions us
JOIN subscriptions s ON s.id = us.subscription_id
WHERE us.id = $1 AND us.status IN ($2, $3)`

// Store runs gateway queries. The gateway never writes to the merchant store.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// LookupActiveKey resolves a key digest to its merchant's current
// subscription. ok is false when no active key with a live subscription
// exists. An exhausted subscription still authenticates; quota rejects it.
func (s *Store) LookupActiveKey(ctx context.Context, keyHash string) (credcache.Principal, bool, error) {
	var p credcache.Principal
	err := s.db.QueryRowContext(ctx, lookupActiveKeyQuery,
		keyHash, SubscriptionActive, SubscriptionExhausted, KeyStatusActive,
	).Scan(&p.MerchantID, &p.SubscriptionID, &p.QuotaTotal, &p.QuotaUsed)
	if errors.Is(err, sql.ErrNoRows) {
		return credcache.Principal{}, false, nil
	}
	if err != nil {
		return credcache.Principal{}, false, fmt.Errorf("lookup api key: %w", err)
	}
	p.Valid = true
	return p, true, nil
}

// QuotaSnapshot reads the authoritative total and persisted usage of a subscription.
func (s *Store) QuotaSnapshot(ctx context.Context, subscriptionID int64) (total, used int64, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, quotaSnapshotQuery,
		subscriptionID, SubscriptionActive, SubscriptionExhausted,
	).Scan(&total, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("quota snapshot %d: %w", subscriptionID, err)
	}
	return total, used, true, nil
}
