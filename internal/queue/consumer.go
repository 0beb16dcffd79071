package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

const defaultBatchSize = 10

var (
	errMissingQueue   = errors.New("queue is required")
	errMissingHandler = errors.New("handler is required")
)

// Handler processes one received batch and returns the identifiers of the
// records that failed. Records not listed are considered processed and are
// acked; listed records are nacked so the queue redelivers them.
type Handler func(ctx context.Context, records []Record) []string

// ConsumerConfig configures a queue consumer loop.
type ConsumerConfig struct {
	Queue     Queue
	Handler   Handler
	BatchSize int
	Logger    *zap.Logger
}

// Consumer pumps batches from a queue into a handler, applying the
// partial-batch contract: one failed record never blocks its siblings.
type Consumer struct {
	queue     Queue
	handler   Handler
	batchSize int
	logger    *zap.Logger
}

// NewConsumer constructs a consumer with validated configuration.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		queue:     cfg.Queue,
		handler:   cfg.Handler,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

// Run receives and dispatches batches until the context is cancelled.
// Records stranded in flight by a previous crash are requeued before the
// first receive, otherwise nothing would ever deliver them again.
func (c *Consumer) Run(ctx context.Context) error {
	if _, err := c.queue.RecoverInflight(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("in-flight recovery failed", zap.Error(err))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		records, err := c.queue.ReceiveBatch(ctx, c.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("queue receive failed", zap.Error(err))
		}
		if len(records) == 0 {
			if err != nil {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(time.Second):
				}
			}
			continue
		}

		c.settle(ctx, records, c.handler(ctx, records))
	}
}

func (c *Consumer) settle(ctx context.Context, records []Record, failedIDs []string) {
	failed := make(map[string]struct{}, len(failedIDs))
	for _, id := range failedIDs {
		failed[id] = struct{}{}
	}

	for _, record := range records {
		if _, isFailed := failed[record.ID]; isFailed {
			if err := c.queue.Nack(ctx, record); err != nil {
				c.logger.Error("nack failed", zap.String("record_id", record.ID), zap.Error(err))
			}
			continue
		}
		if err := c.queue.Ack(ctx, record); err != nil {
			c.logger.Error("ack failed", zap.String("record_id", record.ID), zap.Error(err))
		}
	}
}
