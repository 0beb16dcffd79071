package queue

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

const defaultRedriveBatch = 10

var errMissingRedriveQueue = errors.New("queue is required")

// RedriverConfig configures a dead-letter redriver.
type RedriverConfig struct {
	Queue     Queue
	BatchSize int
	Logger    *zap.Logger
}

// Redriver drains the dead-letter lane back into the primary queue. It is
// triggered when an admin reconnects: messages that dead-lettered because
// no admin was reachable become deliverable again.
type Redriver struct {
	queue     Queue
	batchSize int
	logger    *zap.Logger
}

// NewRedriver constructs a redriver with validated configuration.
func NewRedriver(cfg RedriverConfig) (*Redriver, error) {
	if cfg.Queue == nil {
		return nil, errMissingRedriveQueue
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultRedriveBatch
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redriver{queue: cfg.Queue, batchSize: batchSize, logger: logger}, nil
}

// Drain moves dead-lettered records back to the primary queue in bounded
// batches until the dead-letter lane reports empty. Each record is
// re-published before it is deleted, so a crash mid-batch duplicates
// rather than loses messages. A record whose re-publish fails is left in
// place for a future drain; a pass that makes no progress stops rather
// than spin on such records. Returns the number of records redriven.
func (r *Redriver) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		records, err := r.queue.PeekDeadLetters(ctx, r.batchSize)
		if err != nil {
			return total, err
		}
		if len(records) == 0 {
			r.logger.Debug("dead-letter lane empty, redrive done", zap.Int("redriven", total))
			return total, nil
		}

		moved := 0
		for _, record := range records {
			if err := r.queue.Publish(ctx, record.Body); err != nil {
				r.logger.Error("redrive publish failed, leaving record in place",
					zap.String("record_id", record.ID),
					zap.Error(err))
				continue
			}
			if err := r.queue.DeleteDeadLetter(ctx, record); err != nil {
				// The record was already re-published; deleting on a later
				// pass only risks duplicate delivery, which is accepted.
				r.logger.Error("redrive delete failed",
					zap.String("record_id", record.ID),
					zap.Error(err))
				continue
			}
			moved++
			r.logger.Info("redriven", zap.String("record_id", record.ID))
		}

		total += moved
		if moved == 0 {
			return total, nil
		}
	}
}
