package consumer

import (
	"context"
	"fmt"
	"time"

	"github.com/georgiangelov2000/payments-microservices/pkg/kafka"
	"github.com/georgiangelov2000/payments-microservices/pkg/usage"
)

// Apply strategies.
const (
	ModeMessage = "message"
	ModeBatch   = "batch"
)

// RunConfig selects how messages reach the Processor.
type RunConfig struct {
	Mode          string
	FlushInterval time.Duration
	BatchMax      int
}

// Source is the subset of *kafka.Consumer that Run drives.
type Source interface {
	AddHandler(topic string, handler kafka.Handler)
	Start(ctx context.Context) error
	StartBatch(ctx context.Context, interval time.Duration, maxBatch int, handler kafka.BatchHandler) error
}

// Run consumes the usage topic until ctx is cancelled. Message mode commits
// each event after its own transaction; batch mode buffers up to BatchMax
// events or FlushInterval and commits them together.
func Run(ctx context.Context, src Source, p *Processor, cfg RunConfig) error {
	switch cfg.Mode {
	case "", ModeMessage:
		src.AddHandler(usage.Topic, p.HandleMessage)
		return src.Start(ctx)
	case ModeBatch:
		return src.StartBatch(ctx, cfg.FlushInterval, cfg.BatchMax, p.HandleBatch)
	default:
		return fmt.Errorf("unknown apply mode %q", cfg.Mode)
	}
}
