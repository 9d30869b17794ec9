// Package breaker implements a circuit breaker whose state lives in Redis,
// so every gateway replica short-circuits together.
package breaker

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
)

// State of a route's breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker.
type Config struct {
	// Threshold is the number of consecutive transport failures that opens the circuit.
	Threshold int
	// OpenTTL is how long the circuit stays open. Expiry of the marker closes it.
	OpenTTL time.Duration
	// HalfOpen admits a single probe after OpenTTL instead of reopening to
	// all traffic at once. The circuit closes only when the probe succeeds.
	HalfOpen bool
	// ProbeTTL bounds how long one probe holds the half-open lease.
	ProbeTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		OpenTTL:   30 * time.Second,
		ProbeTTL:  5 * time.Second,
	}
}

// Snapshot is a point-in-time view of one route's breaker.
type Snapshot struct {
	Route     string    `json:"route"`
	State     string    `json:"state"`
	Failures  int64     `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

// recordFailureScript returns 1 when this failure opened the circuit.
// KEYS: open, fails, tripped, probe. ARGV: threshold, open ttl ms, half-open flag.
var recordFailureScript = goredis.NewScript(`
local halfOpen = ARGV[3] == '1'
if halfOpen and redis.call('EXISTS', KEYS[3]) == 1 and redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('SET', KEYS[1], '1', 'PX', ARGV[2])
  redis.call('DEL', KEYS[2], KEYS[4])
  return 1
end
local fails = redis.call('INCR', KEYS[2])
if fails >= tonumber(ARGV[1]) then
  redis.call('SET', KEYS[1], '1', 'PX', ARGV[2])
  redis.call('DEL', KEYS[2])
  if halfOpen then
    redis.call('SET', KEYS[3], '1')
  end
  return 1
end
return 0
`)

// recordSuccessScript clears every key. Returns 2 if the circuit was open,
// 1 if it was half-open, 0 if closed.
var recordSuccessScript = goredis.NewScript(`
local was = 0
if redis.call('EXISTS', KEYS[1]) == 1 then
  was = 2
elseif redis.call('EXISTS', KEYS[3]) == 1 then
  was = 1
end
redis.call('DEL', KEYS[1], KEYS[2], KEYS[3], KEYS[4])
return was
`)

// Breaker tracks upstream transport failures per route.
type Breaker struct {
	rdb     goredis.UniversalClient
	cfg     Config
	metrics *Metrics
	logger  logging.Logger
}

// New builds a Breaker. metrics may be nil.
func New(rdb goredis.UniversalClient, cfg Config, metrics *Metrics, logger logging.Logger) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.OpenTTL <= 0 {
		cfg.OpenTTL = def.OpenTTL
	}
	if cfg.ProbeTTL <= 0 {
		cfg.ProbeTTL = def.ProbeTTL
	}
	return &Breaker{rdb: rdb, cfg: cfg, metrics: metrics, logger: logger}
}

// Keys share a hash tag so the scripts stay single-slot under Redis Cluster.
func openKey(route string) string    { return "cb:{" + route + "}" }
func failsKey(route string) string   { return "cb:{" + route + "}:fails" }
func trippedKey(route string) string { return "cb:{" + route + "}:tripped" }
func probeKey(route string) string   { return "cb:{" + route + "}:probe" }

func keys(route string) []string {
	return []string{openKey(route), failsKey(route), trippedKey(route), probeKey(route)}
}

// IsOpen reports whether calls to route must be short-circuited. In
// half-open mode the first caller after the cooldown takes the probe lease
// and is let through; everyone else is refused until the probe resolves.
func (b *Breaker) IsOpen(ctx context.Context, route string) (bool, error) {
	n, err := b.rdb.Exists(ctx, openKey(route)).Result()
	if err != nil {
		return false, fmt.Errorf("breaker %s: %w", route, err)
	}
	if n > 0 {
		b.observe(route, StateOpen)
		return true, nil
	}
	if !b.cfg.HalfOpen {
		b.observe(route, StateClosed)
		return false, nil
	}

	tripped, err := b.rdb.Exists(ctx, trippedKey(route)).Result()
	if err != nil {
		return false, fmt.Errorf("breaker %s: %w", route, err)
	}
	if tripped == 0 {
		b.observe(route, StateClosed)
		return false, nil
	}
	acquired, err := b.rdb.SetNX(ctx, probeKey(route), "1", b.cfg.ProbeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("breaker %s: %w", route, err)
	}
	if acquired {
		b.transition(route, StateOpen, StateHalfOpen)
	}
	return !acquired, nil
}

// RecordFailure counts one transport failure and opens the circuit when
// the threshold is crossed.
func (b *Breaker) RecordFailure(ctx context.Context, route string) error {
	halfOpen := "0"
	if b.cfg.HalfOpen {
		halfOpen = "1"
	}
	opened, err := recordFailureScript.Run(ctx, b.rdb, keys(route),
		b.cfg.Threshold, b.cfg.OpenTTL.Milliseconds(), halfOpen,
	).Int()
	if err != nil {
		return fmt.Errorf("breaker %s record failure: %w", route, err)
	}
	if opened == 1 {
		b.transition(route, StateClosed, StateOpen)
		if b.logger != nil {
			b.logger.WithFields(logging.Fields{
				"route":    route,
				"open_ttl": b.cfg.OpenTTL,
			}).Warn("Circuit opened")
		}
	}
	return nil
}

// RecordSuccess fully resets the breaker for route.
func (b *Breaker) RecordSuccess(ctx context.Context, route string) error {
	was, err := recordSuccessScript.Run(ctx, b.rdb, keys(route)).Int()
	if err != nil {
		return fmt.Errorf("breaker %s record success: %w", route, err)
	}
	if was > 0 {
		b.transition(route, State(was), StateClosed)
		if b.logger != nil {
			b.logger.WithField("route", route).Info("Circuit closed")
		}
	}
	return nil
}

// State reads the current breaker state for route.
func (b *Breaker) State(ctx context.Context, route string) (Snapshot, error) {
	pipe := b.rdb.Pipeline()
	ttl := pipe.PTTL(ctx, openKey(route))
	fails := pipe.Get(ctx, failsKey(route))
	tripped := pipe.Exists(ctx, trippedKey(route))
	if _, err := pipe.Exec(ctx); err != nil && err != goredis.Nil {
		return Snapshot{}, fmt.Errorf("breaker %s state: %w", route, err)
	}

	snap := Snapshot{Route: route, State: StateClosed.String()}
	snap.Failures, _ = fails.Int64()
	if d := ttl.Val(); d > 0 {
		snap.State = StateOpen.String()
		snap.OpenUntil = time.Now().Add(d).UTC()
	} else if b.cfg.HalfOpen && tripped.Val() > 0 {
		snap.State = StateHalfOpen.String()
	}
	return snap, nil
}

func (b *Breaker) transition(route string, from, to State) {
	if b.metrics != nil {
		b.metrics.recordTransition(route, from, to)
	}
}

func (b *Breaker) observe(route string, s State) {
	if b.metrics != nil {
		b.metrics.state.WithLabelValues(route).Set(float64(s))
	}
}
