// Package publisher hands usage events to Kafka, spilling them to a Redis
// list when the broker cannot take them.
package publisher

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
	"github.com/georgiangelov2000/payments-microservices/pkg/redis"
	"github.com/georgiangelov2000/payments-microservices/pkg/usage"
)

// Producer is the subset of pkg/kafka.Producer the publisher needs.
// ProduceAsync must not wait for buffer space.
type Producer interface {
	ProduceAsync(ctx context.Context, record *kgo.Record, done func(*kgo.Record, error))
	Ping(ctx context.Context) error
}

// Metrics counts publish outcomes by path (kafka, fallback) and status.
type Metrics struct {
	Published *prometheus.CounterVec
}

// Publisher never fails the request it is called from. Every event ends up
// either acknowledged by Kafka or appended to the fallback list, once.
type Publisher struct {
	producer        Producer
	fallback        *redis.TypedList[usage.Event]
	available       atomic.Bool
	fallbackTimeout time.Duration
	metrics         Metrics
	logger          logging.Logger
}

func New(producer Producer, fallback *redis.TypedList[usage.Event], fallbackTimeout time.Duration, metrics Metrics, logger logging.Logger) *Publisher {
	if fallbackTimeout <= 0 {
		fallbackTimeout = 2 * time.Second
	}
	p := &Publisher{
		producer:        producer,
		fallback:        fallback,
		fallbackTimeout: fallbackTimeout,
		metrics:         metrics,
		logger:          logger,
	}
	p.available.Store(producer != nil)
	return p
}

// Available reports whether events currently go to Kafka.
func (p *Publisher) Available() bool {
	return p.available.Load()
}

// Publish schedules e for delivery and returns without waiting for the broker.
func (p *Publisher) Publish(ctx context.Context, e usage.Event) {
	// The record outlives the request that produced it.
	ctx = context.WithoutCancel(ctx)

	if !p.available.Load() {
		p.spill(ctx, e, "broker_unavailable")
		return
	}
	rec, err := usage.Record(e)
	if err != nil {
		p.spill(ctx, e, "encode_failed")
		return
	}
	p.producer.ProduceAsync(ctx, rec, func(_ *kgo.Record, err error) {
		if err != nil {
			reason := "produce_failed"
			if errors.Is(err, kgo.ErrMaxBuffered) {
				reason = "buffer_full"
			}
			p.logger.WithError(err).WithField("event_id", e.EventID).Warn("Usage event not acknowledged by Kafka")
			p.markUnavailable()
			p.spill(ctx, e, reason)
			return
		}
		p.count("kafka", "ok")
	})
}

// spill appends e to the fallback list. The list is the last durable copy;
// losing it here is logged at error level with the full event.
func (p *Publisher) spill(ctx context.Context, e usage.Event, reason string) {
	ctx, cancel := context.WithTimeout(ctx, p.fallbackTimeout)
	defer cancel()
	if err := p.fallback.Push(ctx, e); err != nil {
		p.count("fallback", "error")
		p.logger.WithError(err).WithFields(logging.Fields{
			"event_id":        e.EventID,
			"merchant_id":     e.MerchantID,
			"subscription_id": e.SubscriptionID,
			"amount":          e.Amount,
			"reason":          reason,
		}).Error("Usage event lost: fallback list unavailable")
		return
	}
	p.count("fallback", "ok")
	p.logger.WithFields(logging.Fields{"event_id": e.EventID, "reason": reason}).Debug("Usage event written to fallback list")
}

func (p *Publisher) markUnavailable() {
	if p.available.CompareAndSwap(true, false) {
		p.logger.Warn("Kafka unavailable; usage events go to the fallback list")
	}
}

// Watch pings the broker every interval and flips availability. It
// returns when ctx is done.
func (p *Publisher) Watch(ctx context.Context, interval, timeout time.Duration) {
	if p.producer == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx, timeout)
		}
	}
}

func (p *Publisher) probe(ctx context.Context, timeout time.Duration) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.producer.Ping(pctx); err != nil {
		if p.available.CompareAndSwap(true, false) {
			p.logger.WithError(err).Warn("Kafka ping failed; usage events go to the fallback list")
		}
		return
	}
	if p.available.CompareAndSwap(false, true) {
		p.logger.Info("Kafka reachable again; usage events go to Kafka")
	}
}

func (p *Publisher) count(path, status string) {
	if p.metrics.Published != nil {
		p.metrics.Published.WithLabelValues(path, status).Inc()
	}
}
