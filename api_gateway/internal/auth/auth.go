// Package auth resolves API keys to Principals through the shared
// credential cache, falling back to the merchant store on a miss.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/credcache"
	gatewayerrors "github.com/georgiangelov2000/payments-microservices/api_gateway/internal/errors"
	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
)

// KeyStore looks up an active key by digest.
type KeyStore interface {
	LookupActiveKey(ctx context.Context, keyHash string) (credcache.Principal, bool, error)
}

// Seeder initialises a live quota counter if none exists.
type Seeder interface {
	Seed(ctx context.Context, subscriptionID, remaining int64) (bool, error)
}

// Authenticator turns raw API keys into Principals.
type Authenticator struct {
	cache   *credcache.Cache
	store   KeyStore
	seeder  Seeder
	timeout time.Duration
	lookups *prometheus.CounterVec
	logger  logging.Logger
	sf      singleflight.Group
}

// Config holds the Authenticator's collaborators. Lookups may be nil.
type Config struct {
	Cache   *credcache.Cache
	Store   KeyStore
	Seeder  Seeder
	Timeout time.Duration
	Lookups *prometheus.CounterVec
	Logger  logging.Logger
}

func NewAuthenticator(cfg Config) *Authenticator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Authenticator{
		cache:   cfg.Cache,
		store:   cfg.Store,
		seeder:  cfg.Seeder,
		timeout: timeout,
		lookups: cfg.Lookups,
		logger:  cfg.Logger,
	}
}

// HashKey is the digest the merchant store indexes keys by.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Authenticate returns the Principal for apiKey, ErrUnauthorized for an
// unknown or inactive key, and ErrGateway when the cache or store fails.
func (a *Authenticator) Authenticate(ctx context.Context, apiKey string) (credcache.Principal, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		a.record("missing")
		return credcache.Principal{}, fmt.Errorf("%w: missing api key", gatewayerrors.ErrUnauthorized)
	}
	keyHash := HashKey(apiKey)

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	p, hit, err := a.cache.Get(ctx, keyHash)
	if err != nil {
		a.record("error")
		return credcache.Principal{}, fmt.Errorf("%w: %v", gatewayerrors.ErrGateway, err)
	}
	if hit {
		return a.resolve(p, "hit")
	}

	v, err, _ := a.sf.Do(keyHash, func() (interface{}, error) {
		// Detached so one caller's disconnect does not fail the others.
		lctx, lcancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer lcancel()
		return a.load(lctx, keyHash)
	})
	if err != nil {
		a.record("error")
		return credcache.Principal{}, err
	}
	return a.resolve(v.(credcache.Principal), "miss")
}

func (a *Authenticator) resolve(p credcache.Principal, source string) (credcache.Principal, error) {
	if !p.Valid {
		a.record(source + "_negative")
		return credcache.Principal{}, gatewayerrors.ErrUnauthorized
	}
	a.record(source)
	return p, nil
}

// load runs once per key digest at a time. It re-reads the cache first so
// a caller that missed just before another flight finished does not query
// the store again.
func (a *Authenticator) load(ctx context.Context, keyHash string) (credcache.Principal, error) {
	if p, hit, err := a.cache.Get(ctx, keyHash); err == nil && hit {
		return p, nil
	}

	p, ok, err := a.store.LookupActiveKey(ctx, keyHash)
	if err != nil {
		return credcache.Principal{}, fmt.Errorf("%w: %v", gatewayerrors.ErrGateway, err)
	}
	if !ok {
		p = credcache.Principal{Valid: false}
	}

	if err := a.cache.Put(ctx, keyHash, p); err != nil {
		a.logger.WithError(err).Warn("Failed to cache authentication result")
	}
	if p.Valid && a.seeder != nil {
		if _, err := a.seeder.Seed(ctx, p.SubscriptionID, p.Remaining()); err != nil {
			// Consume reseeds a missing counter on its own.
			a.logger.WithError(err).WithField("subscription_id", p.SubscriptionID).Warn("Failed to seed quota counter")
		}
	}
	return p, nil
}

func (a *Authenticator) record(result string) {
	if a.lookups != nil {
		a.lookups.WithLabelValues(result).Inc()
	}
}
