// Package quota enforces per-subscription token allowances against a
// counter shared by every gateway replica.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	gatewayerrors "github.com/georgiangelov2000/payments-microservices/api_gateway/internal/errors"
	"github.com/georgiangelov2000/payments-microservices/pkg/usage"
)

const (
	statusMissing  = -1
	statusExceeded = 0
	statusAllowed  = 1
)

// consumeScript decrements, checks and compensates in one round trip.
// Returns {status, remaining}.
var consumeScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if not current then
  return {-1, 0}
end
local amount = tonumber(ARGV[1])
local remaining = redis.call('DECRBY', KEYS[1], amount)
if remaining < 0 then
  remaining = redis.call('INCRBY', KEYS[1], amount)
  return {0, remaining}
end
return {1, remaining}
`)

// SnapshotSource reads the authoritative allowance of a subscription.
type SnapshotSource interface {
	QuotaSnapshot(ctx context.Context, subscriptionID int64) (total, used int64, ok bool, err error)
}

// Publisher accepts usage events. It must not block or fail.
type Publisher interface {
	Publish(ctx context.Context, e usage.Event)
}

// Result describes a granted consumption.
type Result struct {
	Remaining int64
	Event     usage.Event
}

// Enforcer owns the live quota counters.
type Enforcer struct {
	rdb        goredis.UniversalClient
	snapshots  SnapshotSource
	publisher  Publisher
	counterTTL time.Duration
	decisions  *prometheus.CounterVec
	sf         singleflight.Group
}

// NewEnforcer builds an Enforcer. decisions may be nil.
func NewEnforcer(rdb goredis.UniversalClient, snapshots SnapshotSource, publisher Publisher, counterTTL time.Duration, decisions *prometheus.CounterVec) *Enforcer {
	return &Enforcer{
		rdb:        rdb,
		snapshots:  snapshots,
		publisher:  publisher,
		counterTTL: counterTTL,
		decisions:  decisions,
	}
}

// CounterKey is the Redis key of a subscription's remaining tokens.
func CounterKey(subscriptionID int64) string {
	return fmt.Sprintf("sub:%d:tokens", subscriptionID)
}

// Seed initialises a counter only if none exists, so in-flight consumption
// recorded in an existing counter is never reset.
func (e *Enforcer) Seed(ctx context.Context, subscriptionID, remaining int64) (bool, error) {
	if remaining < 0 {
		remaining = 0
	}
	ok, err := e.rdb.SetNX(ctx, CounterKey(subscriptionID), remaining, e.counterTTL).Result()
	if err != nil {
		return false, fmt.Errorf("seed %s: %w", CounterKey(subscriptionID), err)
	}
	return ok, nil
}

// Remaining reads the live counter without modifying it.
func (e *Enforcer) Remaining(ctx context.Context, subscriptionID int64) (int64, bool, error) {
	n, err := e.rdb.Get(ctx, CounterKey(subscriptionID)).Int64()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

// Consume takes amount tokens from the subscription of merchantID or fails
// with ErrQuotaExceeded without taking any. A granted consumption produces
// exactly one usage event, handed to the publisher before returning.
func (e *Enforcer) Consume(ctx context.Context, merchantID, subscriptionID, amount int64) (Result, error) {
	if amount <= 0 {
		return Result{}, fmt.Errorf("%w: non-positive amount %d", gatewayerrors.ErrGateway, amount)
	}

	status, remaining, err := e.run(ctx, subscriptionID, amount)
	if err != nil {
		return Result{}, err
	}
	if status == statusMissing {
		if err := e.reseed(ctx, subscriptionID); err != nil {
			return Result{}, err
		}
		if status, remaining, err = e.run(ctx, subscriptionID, amount); err != nil {
			return Result{}, err
		}
		if status == statusMissing {
			e.record("error")
			return Result{}, fmt.Errorf("%w: counter for subscription %d vanished after seeding", gatewayerrors.ErrGateway, subscriptionID)
		}
	}

	if status == statusExceeded {
		e.record("exceeded")
		return Result{Remaining: remaining}, gatewayerrors.ErrQuotaExceeded
	}

	e.record("allowed")
	event := usage.NewEvent(merchantID, subscriptionID, amount)
	if e.publisher != nil {
		e.publisher.Publish(ctx, event)
	}
	return Result{Remaining: remaining, Event: event}, nil
}

func (e *Enforcer) run(ctx context.Context, subscriptionID, amount int64) (int64, int64, error) {
	vals, err := consumeScript.Run(ctx, e.rdb, []string{CounterKey(subscriptionID)}, amount).Int64Slice()
	if err != nil {
		e.record("error")
		return 0, 0, fmt.Errorf("%w: consume script: %v", gatewayerrors.ErrGateway, err)
	}
	if len(vals) != 2 {
		e.record("error")
		return 0, 0, fmt.Errorf("%w: consume script returned %d values", gatewayerrors.ErrGateway, len(vals))
	}
	return vals[0], vals[1], nil
}

// reseed rebuilds a missing counter from the store. Concurrent misses for
// one subscription share a single snapshot query.
func (e *Enforcer) reseed(ctx context.Context, subscriptionID int64) error {
	_, err, _ := e.sf.Do(strconv.FormatInt(subscriptionID, 10), func() (interface{}, error) {
		total, used, ok, err := e.snapshots.QuotaSnapshot(ctx, subscriptionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", gatewayerrors.ErrGateway, err)
		}
		if !ok {
			return nil, fmt.Errorf("%w: subscription %d no longer active", gatewayerrors.ErrUnauthorized, subscriptionID)
		}
		if _, err := e.Seed(ctx, subscriptionID, total-used); err != nil {
			return nil, fmt.Errorf("%w: %v", gatewayerrors.ErrGateway, err)
		}
		e.record("seeded")
		return nil, nil
	})
	if err != nil {
		e.record("error")
	}
	return err
}

func (e *Enforcer) record(outcome string) {
	if e.decisions != nil {
		e.decisions.WithLabelValues(outcome).Inc()
	}
}
