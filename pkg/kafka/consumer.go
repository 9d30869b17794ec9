package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/georgiangelov2000/payments-microservices/pkg/monitoring"
)

// Handler is a function that processes a Kafka message
type Handler func(ctx context.Context, msg Message) error

// BatchHandler processes a buffered batch. On error nothing in the batch is
// committed and every partition is rewound to its first buffered offset.
type BatchHandler func(ctx context.Context, msgs []Message) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Topics   []string
	// Prefetch caps the records handed out per poll.
	Prefetch int
	// RetryDelay pauses polling after a rewind so a failing dependency is
	// not hammered.
	RetryDelay time.Duration
}

// Consumer is a group consumer with at-least-once delivery. Offsets are
// committed only after the handler succeeds, and a failed record is
// redelivered by seeking its partition back to it.
type Consumer struct {
	client   *kgo.Client
	logger   *logrus.Logger
	groupID  string
	prefetch int
	delay    time.Duration
	handlers map[string]Handler
	mu       sync.RWMutex
	metrics  *monitoring.KafkaMetrics

	// produce, commit, rewind and allowRebalance are swapped out in tests.
	produce        func(ctx context.Context, record *kgo.Record) error
	commit         func(ctx context.Context, records ...*kgo.Record) error
	rewind         func(offsets map[string]map[int32]kgo.EpochOffset)
	allowRebalance func()
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg ConsumerConfig, logger *logrus.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = time.Second
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ClientID(cfg.ClientID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.MaxConcurrentFetches(1),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c := newConsumer(logger, cfg.GroupID, prefetch, delay)
	c.client = client
	c.produce = func(ctx context.Context, record *kgo.Record) error {
		return client.ProduceSync(ctx, record).FirstErr()
	}
	c.commit = client.CommitRecords
	c.rewind = client.SetOffsets
	c.allowRebalance = client.AllowRebalance
	return c, nil
}

func newConsumer(logger *logrus.Logger, groupID string, prefetch int, delay time.Duration) *Consumer {
	return &Consumer{
		logger:         logger,
		groupID:        groupID,
		prefetch:       prefetch,
		delay:          delay,
		handlers:       make(map[string]Handler),
		allowRebalance: func() {},
	}
}

// WithMetrics attaches message counters.
func (c *Consumer) WithMetrics(m monitoring.KafkaMetrics) *Consumer {
	c.metrics = &m
	return c
}

// AddHandler registers a handler for a topic
func (c *Consumer) AddHandler(topic string, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[topic] = handler
}

// Close leaves the group and closes the underlying client
func (c *Consumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

// Ping checks broker connectivity
func (c *Consumer) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Client returns the underlying kgo.Client
func (c *Consumer) Client() *kgo.Client {
	return c.client
}

// Start polls and dispatches records to the registered handlers one at a
// time, committing each success. It returns when ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		records, err := c.poll(ctx)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			c.allowRebalance()
			continue
		}

		commitRecords, rewind := c.processRecords(ctx, records)
		if len(commitRecords) > 0 {
			if err := c.commit(ctx, commitRecords...); err != nil {
				c.logger.WithError(err).Error("failed to commit records")
			}
		}
		c.allowRebalance()
		if len(rewind) > 0 {
			c.seek(rewind)
			if !sleepCtx(ctx, c.delay) {
				return ctx.Err()
			}
		}
	}
}

// StartBatch buffers polled records and hands them to handler when the
// buffer reaches maxBatch or interval elapses, whichever comes first.
// Offsets are committed only after handler returns nil.
func (c *Consumer) StartBatch(ctx context.Context, interval time.Duration, maxBatch int, handler BatchHandler) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxBatch <= 0 {
		maxBatch = 500
	}

	b := &batchBuffer{interval: interval, maxBatch: maxBatch, nextFlush: time.Now().Add(interval)}
	for {
		pollCtx, cancel := context.WithDeadline(ctx, b.nextFlush)
		records, err := c.poll(pollCtx)
		cancel()
		if err != nil && (ctx.Err() != nil || errors.Is(err, kgo.ErrClientClosed)) {
			c.flushPending(ctx, b, handler)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		c.bufferBatch(ctx, b, records, handler)
	}
}

// batchBuffer holds polled records that are not yet handled or committed.
type batchBuffer struct {
	interval  time.Duration
	maxBatch  int
	pending   []*kgo.Record
	nextFlush time.Time
}

// bufferBatch adds records and flushes when the buffer is full or due.
// Rebalances stay blocked while records are pending so a flush never commits
// partitions this member no longer owns; the flush interval bounds the wait
// and stays well under the group rebalance timeout.
func (c *Consumer) bufferBatch(ctx context.Context, b *batchBuffer, records []*kgo.Record, handler BatchHandler) {
	b.pending = append(b.pending, records...)
	if len(b.pending) >= b.maxBatch || !time.Now().Before(b.nextFlush) {
		c.flushPending(ctx, b, handler)
	}
	if len(b.pending) == 0 {
		c.allowRebalance()
	}
}

func (c *Consumer) flushPending(ctx context.Context, b *batchBuffer, handler BatchHandler) {
	if len(b.pending) > 0 {
		// Detached so a shutdown still finishes the in-flight flush.
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.interval)
		c.flushBatch(flushCtx, b.pending, handler)
		cancel()
		b.pending = nil
	}
	b.nextFlush = time.Now().Add(b.interval)
}

func (c *Consumer) flushBatch(ctx context.Context, records []*kgo.Record, handler BatchHandler) {
	msgs := make([]Message, len(records))
	for i, r := range records {
		msgs[i] = messageFromRecord(r)
	}

	start := time.Now()
	err := handler(ctx, msgs)
	c.observe("flush", start)

	commitRecords, rewind := planBatch(records, err)
	if err != nil {
		c.logger.WithError(err).WithField("batch_size", len(records)).Error("Batch flush failed - rewinding for redelivery")
		c.count(records[0].Topic, "flush", "error")
		c.seek(rewind)
		return
	}
	c.count(records[0].Topic, "flush", "ok")
	if err := c.commit(ctx, commitRecords...); err != nil {
		c.logger.WithError(err).Error("failed to commit batch")
	}
}

// DeadLetter publishes msg to its dead-letter topic.
func (c *Consumer) DeadLetter(ctx context.Context, msg Message, cause error) error {
	payload, err := EncodeDLQMessage(msg, cause, c.groupID)
	if err != nil {
		return err
	}
	record := NewRecord(msg.Topic+DLQSuffix, msg.Key, payload, map[string]string{"consumer": c.groupID})
	if err := c.produce(ctx, record); err != nil {
		return fmt.Errorf("publish to %s: %w", record.Topic, err)
	}
	c.count(msg.Topic, "dead_letter", "ok")
	return nil
}

func (c *Consumer) poll(ctx context.Context) ([]*kgo.Record, error) {
	fetches := c.client.PollRecords(ctx, c.prefetch)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}
	if errs := fetches.Errors(); len(errs) > 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, fe := range errs {
			if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
				continue
			}
			c.logger.WithError(fe.Err).WithFields(logrus.Fields{
				"topic":     fe.Topic,
				"partition": fe.Partition,
			}).Error("errors while polling")
		}
	}

	records := make([]*kgo.Record, 0, c.prefetch)
	iter := fetches.RecordIter()
	for !iter.Done() {
		records = append(records, iter.Next())
	}
	return records, nil
}

// processRecords runs handlers in order. After a transient failure the rest
// of that partition is skipped and the failed offset is returned for rewind.
// Poison failures are dead-lettered and count as handled.
func (c *Consumer) processRecords(ctx context.Context, records []*kgo.Record) ([]*kgo.Record, map[topicPartition]int64) {
	rewind := make(map[topicPartition]int64)
	lastSuccess := make(map[topicPartition]*kgo.Record)

	for _, record := range records {
		tp := topicPartition{topic: record.Topic, partition: record.Partition}
		if _, blocked := rewind[tp]; blocked {
			continue
		}

		c.mu.RLock()
		handler, exists := c.handlers[record.Topic]
		c.mu.RUnlock()

		if !exists {
			c.logger.WithField("topic", record.Topic).Warn("No handler registered for topic")
			lastSuccess[tp] = record
			continue
		}

		msg := messageFromRecord(record)
		start := time.Now()
		err := handler(ctx, msg)
		c.observe("handle", start)

		switch {
		case err == nil:
			c.count(record.Topic, "handle", "ok")
			lastSuccess[tp] = record
		case IsPoison(err):
			c.count(record.Topic, "handle", "poison")
			if dlqErr := c.DeadLetter(ctx, msg, err); dlqErr != nil {
				c.logger.WithError(dlqErr).WithField("offset", record.Offset).Error("Dead-letter publish failed - will redeliver")
				rewind[tp] = record.Offset
				continue
			}
			c.logger.WithError(err).WithFields(logrus.Fields{
				"topic":     record.Topic,
				"partition": record.Partition,
				"offset":    record.Offset,
			}).Warn("Message dead-lettered")
			lastSuccess[tp] = record
		default:
			c.count(record.Topic, "handle", "error")
			c.logger.WithError(err).WithFields(logrus.Fields{
				"topic":     record.Topic,
				"partition": record.Partition,
				"offset":    record.Offset,
			}).Error("Failed to handle message - will redeliver")
			rewind[tp] = record.Offset
		}
	}

	commitRecords := make([]*kgo.Record, 0, len(lastSuccess))
	for _, record := range lastSuccess {
		commitRecords = append(commitRecords, record)
	}
	return commitRecords, rewind
}

// planBatch returns the highest record per partition to commit on success,
// or the lowest offset per partition to rewind to on failure.
func planBatch(records []*kgo.Record, err error) ([]*kgo.Record, map[topicPartition]int64) {
	if err != nil {
		rewind := make(map[topicPartition]int64)
		for _, r := range records {
			tp := topicPartition{topic: r.Topic, partition: r.Partition}
			if off, ok := rewind[tp]; !ok || r.Offset < off {
				rewind[tp] = r.Offset
			}
		}
		return nil, rewind
	}
	last := make(map[topicPartition]*kgo.Record)
	for _, r := range records {
		tp := topicPartition{topic: r.Topic, partition: r.Partition}
		if cur, ok := last[tp]; !ok || r.Offset > cur.Offset {
			last[tp] = r
		}
	}
	out := make([]*kgo.Record, 0, len(last))
	for _, r := range last {
		out = append(out, r)
	}
	return out, nil
}

func (c *Consumer) seek(rewind map[topicPartition]int64) {
	if len(rewind) == 0 || c.rewind == nil {
		return
	}
	offsets := make(map[string]map[int32]kgo.EpochOffset)
	for tp, off := range rewind {
		if offsets[tp.topic] == nil {
			offsets[tp.topic] = make(map[int32]kgo.EpochOffset)
		}
		offsets[tp.topic][tp.partition] = kgo.EpochOffset{Epoch: -1, Offset: off}
	}
	c.rewind(offsets)
}

func (c *Consumer) count(topic, op, status string) {
	if c.metrics != nil {
		c.metrics.Messages.WithLabelValues(topic, op, status).Inc()
	}
}

func (c *Consumer) observe(op string, start time.Time) {
	if c.metrics != nil {
		c.metrics.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
