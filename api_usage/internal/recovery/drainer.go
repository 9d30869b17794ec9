// Package recovery moves usage events the gateway parked in Redis while
// Kafka was unavailable back onto the usage topic.
package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/georgiangelov2000/payments-microservices/pkg/kafka"
	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
	"github.com/georgiangelov2000/payments-microservices/pkg/redis"
	"github.com/georgiangelov2000/payments-microservices/pkg/usage"
)

const (
	consumerName = "usage.recovery"
	lockKey      = usage.FallbackKey + ":lock"
)

// Producer publishes one record and waits for the acknowledgement.
type Producer interface {
	Produce(ctx context.Context, record *kgo.Record) error
}

// Config tunes a Drainer.
type Config struct {
	// Chunk is how many entries are read per LRANGE.
	Chunk int64
	// LockTTL bounds how long one replica may hold the drain lease without
	// renewing it. The lease is renewed before every chunk and on every trim.
	LockTTL time.Duration
	// Retries is how often a failed publish is retried before the pass stops.
	Retries int
}

// Drainer empties the fallback list in FIFO order. Only the prefix that was
// published (or dead-lettered) is trimmed, so an entry is never lost; a
// re-published event may be delivered twice, which the consumer dedups.
type Drainer struct {
	rdb      goredis.UniversalClient
	list     *redis.TypedList[usage.Event]
	producer Producer
	executor failsafe.Executor[any]
	cfg      Config
	outcomes *prometheus.CounterVec // outcome
	logger   logging.Logger
}

// New builds a Drainer. outcomes may be nil.
func New(rdb goredis.UniversalClient, producer Producer, cfg Config, outcomes *prometheus.CounterVec, logger logging.Logger) *Drainer {
	if cfg.Chunk <= 0 {
		cfg.Chunk = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	retry := retrypolicy.NewBuilder[any]().
		WithBackoff(100*time.Millisecond, 2*time.Second).
		WithMaxRetries(cfg.Retries).
		WithJitterFactor(0.1).
		ReturnLastFailure().
		Build()

	return &Drainer{
		rdb:      rdb,
		list:     usage.NewFallbackList(rdb),
		producer: producer,
		executor: failsafe.With(retry),
		cfg:      cfg,
		outcomes: outcomes,
		logger:   logger,
	}
}

// Run drains on every tick until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := d.Drain(ctx); err != nil {
			d.logger.WithError(err).WithField("recovered", n).Warn("Fallback drain stopped early")
		} else if n > 0 {
			d.logger.WithField("recovered", n).Info("Drained usage fallback list")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Drain processes the list until it is empty or a publish fails. It returns
// how many entries were removed. Only the replica holding the drain lease
// trims; a pass that loses the lease stops with redis.ErrLeaseLost and
// leaves the list to the new holder.
func (d *Drainer) Drain(ctx context.Context) (int, error) {
	lease, err := redis.AcquireLease(ctx, d.rdb, lockKey, d.cfg.LockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire drain lock: %w", err)
	}
	if lease == nil {
		return 0, nil
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			d.logger.WithError(err).Warn("Failed to release drain lock")
		}
	}()

	total := 0
	for ctx.Err() == nil {
		if err := lease.Refresh(ctx); err != nil {
			return total, err
		}
		entries, err := d.list.Peek(ctx, d.cfg.Chunk)
		if err != nil {
			return total, err
		}
		if len(entries) == 0 {
			return total, nil
		}

		done, pubErr := d.publish(ctx, entries)
		if err := d.list.TrimHeld(ctx, int64(done), lease); err != nil {
			return total, err
		}
		total += done
		if pubErr != nil {
			return total, pubErr
		}
	}
	return total, ctx.Err()
}

// publish handles entries in order and returns how many it dealt with
// before the first failure.
func (d *Drainer) publish(ctx context.Context, entries []redis.Entry[usage.Event]) (int, error) {
	for i, entry := range entries {
		record, cause := d.record(entry)
		outcome := "republished"
		if cause != nil {
			outcome = "dead_lettered"
		}
		err := d.executor.WithContext(ctx).Run(func() error {
			return d.producer.Produce(ctx, record)
		})
		if err != nil {
			d.count("error")
			return i, fmt.Errorf("publish fallback entry: %w", err)
		}
		if cause != nil {
			d.logger.WithError(cause).Warn("Undecodable fallback entry dead-lettered")
		}
		d.count(outcome)
	}
	return len(entries), nil
}

// record builds the usage record for a valid entry, or the dead-letter
// record plus its cause for one that can never be applied.
func (d *Drainer) record(entry redis.Entry[usage.Event]) (*kgo.Record, error) {
	cause := entry.Err
	if cause == nil {
		rec, err := usage.Record(entry.Value)
		if err == nil {
			return rec, nil
		}
		cause = err
	}
	msg := kafka.Message{Topic: usage.Topic, Value: []byte(entry.Raw), Timestamp: time.Now().UTC()}
	payload, err := kafka.EncodeDLQMessage(msg, cause, consumerName)
	if err != nil {
		payload = []byte(entry.Raw)
	}
	return kafka.NewRecord(usage.Topic+kafka.DLQSuffix, nil, payload, map[string]string{"consumer": consumerName}), cause
}

func (d *Drainer) count(outcome string) {
	if d.outcomes != nil {
		d.outcomes.WithLabelValues(outcome).Inc()
	}
}
