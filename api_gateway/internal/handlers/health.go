package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/georgiangelov2000/payments-microservices/api_gateway/internal/breaker"
	"github.com/georgiangelov2000/payments-microservices/pkg/monitoring"
)

// BreakerState reads a route's breaker.
type BreakerState interface {
	State(ctx context.Context, route string) (breaker.Snapshot, error)
}

// PublisherState reports whether usage events currently reach Kafka.
type PublisherState interface {
	Available() bool
}

// HealthDeps are the gateway's dependencies visible on /health.
type HealthDeps struct {
	Redis     monitoring.Pinger
	Database  monitoring.Pinger
	Breaker   BreakerState
	Publisher PublisherState
	Timeout   time.Duration
}

// RegisterHealthChecks adds the gateway checks to hc. Redis and the
// database gate health; an open breaker or a broker outage only degrade it.
func RegisterHealthChecks(hc *monitoring.HealthChecker, deps HealthDeps) {
	if deps.Timeout <= 0 {
		deps.Timeout = 2 * time.Second
	}
	hc.AddCheck("redis", monitoring.PingHealthCheck("redis", deps.Redis, deps.Timeout))
	hc.AddCheck("database", monitoring.PingHealthCheck("database", deps.Database, deps.Timeout))

	if deps.Publisher != nil {
		hc.AddCheck("kafka", monitoring.DegradedWhen(func() bool {
			return !deps.Publisher.Available()
		}, "kafka unavailable; usage events are written to the fallback list"))
	}

	if deps.Breaker != nil {
		hc.AddCheck("circuit_breaker", func() monitoring.CheckResult {
			ctx, cancel := context.WithTimeout(context.Background(), deps.Timeout)
			defer cancel()
			snap, err := deps.Breaker.State(ctx, RoutePayments)
			if err != nil {
				return monitoring.CheckResult{Status: monitoring.StatusDegraded, Message: fmt.Sprintf("breaker state unavailable: %v", err)}
			}
			if snap.State != breaker.StateClosed.String() {
				return monitoring.CheckResult{
					Status:  monitoring.StatusDegraded,
					Message: fmt.Sprintf("payments circuit %s until %s", snap.State, snap.OpenUntil.Format(time.RFC3339)),
				}
			}
			return monitoring.CheckResult{Status: monitoring.StatusHealthy, Message: fmt.Sprintf("payments circuit closed, %d recent failures", snap.Failures)}
		})
	}
}
