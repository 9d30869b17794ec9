package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	// Linger trades latency for batching. Zero sends immediately.
	Linger time.Duration
	// ProduceTimeout bounds how long a record may sit in the client buffer.
	ProduceTimeout time.Duration
	// MaxBuffered caps records awaiting acknowledgement. Zero keeps the
	// client default.
	MaxBuffered int
}

// Producer publishes records with all-ISR acknowledgement so an acked
// record survives a broker restart.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger *logrus.Logger) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	timeout := cfg.ProduceTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(cfg.Linger),
		kgo.RecordDeliveryTimeout(timeout),
		kgo.AllowAutoTopicCreation(),
	}
	if cfg.MaxBuffered > 0 {
		opts = append(opts, kgo.MaxBufferedRecords(cfg.MaxBuffered))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{client: client, logger: logger}, nil
}

// Produce publishes a record and waits for the broker acknowledgement.
func (p *Producer) Produce(ctx context.Context, record *kgo.Record) error {
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce to %s: %w", record.Topic, err)
	}
	return nil
}

// ProduceAsync buffers a record and returns immediately. done runs once the
// record is acknowledged or has failed. A full buffer fails the record with
// kgo.ErrMaxBuffered instead of waiting for room.
func (p *Producer) ProduceAsync(ctx context.Context, record *kgo.Record, done func(*kgo.Record, error)) {
	p.client.TryProduce(ctx, record, func(r *kgo.Record, err error) {
		if done != nil {
			done(r, err)
		}
	})
}

// Ping checks broker connectivity
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Flush waits for buffered records, bounded by ctx.
func (p *Producer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close flushes pending records and closes the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil && p.logger != nil {
		p.logger.WithError(err).Warn("Kafka producer flush on close incomplete")
	}
	p.client.Close()
	return nil
}

// Client returns the underlying kgo.Client for health checks
func (p *Producer) Client() *kgo.Client {
	return p.client
}
