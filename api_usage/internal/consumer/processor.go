// Package consumer applies usage events read from Kafka to the merchant
// store exactly once per event id.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"

	"github.com/georgiangelov2000/payments-microservices/api_usage/internal/store"
	"github.com/georgiangelov2000/payments-microservices/pkg/kafka"
	"github.com/georgiangelov2000/payments-microservices/pkg/logging"
	"github.com/georgiangelov2000/payments-microservices/pkg/usage"
)

// ErrUnknownSubscription marks an event whose subscription does not exist.
var ErrUnknownSubscription = errors.New("unknown subscription")

// Applier persists a batch of events in one transaction.
type Applier interface {
	ApplyUsage(ctx context.Context, events []usage.Event) (store.Outcome, error)
}

// DeadLetterer parks a message that can never be applied.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, msg kafka.Message, cause error) error
}

// Metrics are optional; nil fields are skipped.
type Metrics struct {
	Events    *prometheus.CounterVec   // status
	Exhausted *prometheus.CounterVec   // no labels beyond service
	Apply     *prometheus.HistogramVec // mode
}

// RetryConfig bounds the in-process retry around one store transaction.
// Once it is spent the error goes back to the consumer, which redelivers.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Config wires a Processor.
type Config struct {
	Store      Applier
	Redis      goredis.UniversalClient
	DeadLetter DeadLetterer
	DedupTTL   time.Duration
	Retry      RetryConfig
	Metrics    Metrics
	Logger     logging.Logger
}

// Processor runs the shared apply path for both consumption strategies:
// skip events whose marker exists, apply the rest in one transaction, then
// mark them. The marker is written only after commit; the ledger's unique
// event id covers the window between the two.
type Processor struct {
	store    Applier
	rdb      goredis.UniversalClient
	dlq      DeadLetterer
	dedupTTL time.Duration
	executor failsafe.Executor[store.Outcome]
	metrics  Metrics
	logger   logging.Logger
}

func NewProcessor(cfg Config) *Processor {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = time.Hour
	}
	def := DefaultRetryConfig()
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	if cfg.Retry.BaseDelay <= 0 {
		cfg.Retry.BaseDelay = def.BaseDelay
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		cfg.Retry.MaxDelay = cfg.Retry.BaseDelay
	}

	retry := retrypolicy.NewBuilder[store.Outcome]().
		WithBackoff(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay).
		WithMaxRetries(cfg.Retry.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ store.Outcome, err error) bool {
			return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}).
		ReturnLastFailure().
		Build()

	return &Processor{
		store:    cfg.Store,
		rdb:      cfg.Redis,
		dlq:      cfg.DeadLetter,
		dedupTTL: cfg.DedupTTL,
		executor: failsafe.With(retry),
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// HandleMessage applies one message in its own transaction. Undecodable
// events and events for unknown subscriptions are returned as poison so the
// consumer dead-letters them instead of redelivering forever.
func (p *Processor) HandleMessage(ctx context.Context, msg kafka.Message) error {
	e, err := usage.FromMessage(msg)
	if err != nil {
		p.count("invalid", 1)
		return kafka.Poison(err)
	}

	start := time.Now()
	out, err := p.apply(ctx, []usage.Event{e})
	p.observe("message", start)
	if err != nil {
		return err
	}
	if len(out.Orphans) > 0 {
		return kafka.Poison(fmt.Errorf("%w: %d", ErrUnknownSubscription, e.SubscriptionID))
	}
	return nil
}

// HandleBatch applies a buffered batch in one transaction. A returned error
// leaves the whole batch uncommitted for redelivery; bad messages inside it
// are dead-lettered individually first.
func (p *Processor) HandleBatch(ctx context.Context, msgs []kafka.Message) error {
	events := make([]usage.Event, 0, len(msgs))
	byID := make(map[string]kafka.Message, len(msgs))
	for _, msg := range msgs {
		e, err := usage.FromMessage(msg)
		if err != nil {
			p.count("invalid", 1)
			if err := p.deadLetter(ctx, msg, err); err != nil {
				return err
			}
			continue
		}
		events = append(events, e)
		byID[e.EventID] = msg
	}

	start := time.Now()
	out, err := p.apply(ctx, events)
	p.observe("batch", start)
	if err != nil {
		return err
	}
	for _, e := range out.Orphans {
		cause := fmt.Errorf("%w: %d", ErrUnknownSubscription, e.SubscriptionID)
		if err := p.deadLetter(ctx, byID[e.EventID], cause); err != nil {
			return err
		}
	}
	return nil
}

func (p *Processor) deadLetter(ctx context.Context, msg kafka.Message, cause error) error {
	if p.dlq == nil {
		return fmt.Errorf("no dead-letter sink for %s: %w", msg.Topic, cause)
	}
	if err := p.dlq.DeadLetter(ctx, msg, cause); err != nil {
		return err
	}
	p.count("dead_lettered", 1)
	p.logger.WithError(cause).WithFields(logging.Fields{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}).Warn("Usage event dead-lettered")
	return nil
}

func (p *Processor) apply(ctx context.Context, events []usage.Event) (store.Outcome, error) {
	fresh := p.unseen(ctx, events)
	if len(fresh) == 0 {
		return store.Outcome{}, nil
	}

	out, err := p.executor.WithContext(ctx).Get(func() (store.Outcome, error) {
		return p.store.ApplyUsage(ctx, fresh)
	})
	if err != nil {
		p.count("failed", len(fresh))
		p.logger.WithError(err).WithField("events", len(fresh)).Error("Failed to apply usage")
		return store.Outcome{}, err
	}

	p.count("applied", len(out.Applied))
	p.count("duplicate", len(out.Duplicates))
	p.count("orphan", len(out.Orphans))
	p.mark(ctx, out)
	for _, id := range out.Exhausted() {
		if p.metrics.Exhausted != nil {
			p.metrics.Exhausted.WithLabelValues().Inc()
		}
		p.logger.WithField("subscription_id", id).Info("Subscription exhausted")
	}
	return out, nil
}

// unseen drops events whose dedup marker is present. A Redis failure keeps
// every event; the ledger still rejects repeats.
func (p *Processor) unseen(ctx context.Context, events []usage.Event) []usage.Event {
	if len(events) == 0 || p.rdb == nil {
		return events
	}
	pipe := p.rdb.Pipeline()
	cmds := make([]*goredis.IntCmd, len(events))
	for i, e := range events {
		cmds[i] = pipe.Exists(ctx, usage.DedupKey(e.EventID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.WithError(err).Warn("Dedup marker lookup failed - relying on ledger")
		return events
	}

	fresh := events[:0:0]
	for i, e := range events {
		if cmds[i].Val() > 0 {
			p.count("duplicate", 1)
			continue
		}
		fresh = append(fresh, e)
	}
	return fresh
}

// mark records every event the store has now seen, applied or not.
func (p *Processor) mark(ctx context.Context, out store.Outcome) {
	if p.rdb == nil || len(out.Applied)+len(out.Duplicates) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	pipe := p.rdb.Pipeline()
	for _, e := range out.Applied {
		pipe.SetNX(ctx, usage.DedupKey(e.EventID), "1", p.dedupTTL)
	}
	for _, e := range out.Duplicates {
		pipe.SetNX(ctx, usage.DedupKey(e.EventID), "1", p.dedupTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to write dedup markers")
	}
}

func (p *Processor) count(status string, n int) {
	if p.metrics.Events != nil && n > 0 {
		p.metrics.Events.WithLabelValues(status).Add(float64(n))
	}
}

func (p *Processor) observe(mode string, start time.Time) {
	if p.metrics.Apply != nil {
		p.metrics.Apply.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}
}
