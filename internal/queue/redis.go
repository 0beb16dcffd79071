package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultMaxReceive  = 5
	defaultReceiveWait = time.Second
)

var errMissingClient = errors.New("redis client is required")

// RedisQueueConfig configures a Redis-list-backed queue.
type RedisQueueConfig struct {
	Client *redis.Client
	// Prefix namespaces the primary, in-flight and dead-letter lists.
	Prefix string
	// MaxReceive is the receive count at which a nacked record is
	// dead-lettered instead of redelivered.
	MaxReceive int
	// ReceiveWait bounds the blocking wait for the first record of a batch.
	ReceiveWait time.Duration
	Logger      *zap.Logger
}

// RedisQueue stores records on three Redis lists: primary, in-flight and
// dead-letter. Receives move records primary → in-flight; ack removes from
// in-flight; nack moves in-flight → primary or dead-letter by receive count.
type RedisQueue struct {
	client      *redis.Client
	primaryKey  string
	inflightKey string
	dlqKey      string
	maxReceive  int
	receiveWait time.Duration
	logger      *zap.Logger
}

// NewRedisQueue constructs a queue with validated configuration.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "chat:queue"
	}
	maxReceive := cfg.MaxReceive
	if maxReceive <= 0 {
		maxReceive = defaultMaxReceive
	}
	receiveWait := cfg.ReceiveWait
	if receiveWait <= 0 {
		receiveWait = defaultReceiveWait
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{
		client:      cfg.Client,
		primaryKey:  prefix + ":primary",
		inflightKey: prefix + ":inflight",
		dlqKey:      prefix + ":dlq",
		maxReceive:  maxReceive,
		receiveWait: receiveWait,
		logger:      logger,
	}, nil
}

// DeadLetterLane returns a queue view that consumes the dead-letter list
// directly. A record that fails again in this lane lands back on the
// dead-letter list, where it waits for the next redrive.
func (q *RedisQueue) DeadLetterLane() *RedisQueue {
	return &RedisQueue{
		client:      q.client,
		primaryKey:  q.dlqKey,
		inflightKey: q.dlqKey + ":inflight",
		dlqKey:      q.dlqKey,
		maxReceive:  q.maxReceive,
		receiveWait: q.receiveWait,
		logger:      q.logger,
	}
}

// Publish enqueues a fresh record wrapping the body.
func (q *RedisQueue) Publish(ctx context.Context, body []byte) error {
	record := Record{
		ID:           uuid.NewString(),
		ReceiveCount: 0,
		Body:         json.RawMessage(body),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("queue: encode record: %w", err)
	}
	if err := q.client.LPush(ctx, q.primaryKey, string(encoded)).Err(); err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// ReceiveBatch moves up to max records into the in-flight list. The first
// take blocks up to the configured wait; the rest are non-blocking.
func (q *RedisQueue) ReceiveBatch(ctx context.Context, max int) ([]Record, error) {
	if max <= 0 {
		return nil, nil
	}

	records := make([]Record, 0, max)

	entry, err := q.client.BLMove(ctx, q.primaryKey, q.inflightKey, "RIGHT", "LEFT", q.receiveWait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: receive: %w", err)
	}
	records = q.appendDecoded(records, entry)

	for len(records) < max {
		entry, err := q.client.LMove(ctx, q.primaryKey, q.inflightKey, "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return records, fmt.Errorf("queue: receive: %w", err)
		}
		records = q.appendDecoded(records, entry)
	}

	return records, nil
}

// appendDecoded decodes a list entry, dropping undecodable junk after
// removing it from in-flight so it cannot wedge the consumer.
func (q *RedisQueue) appendDecoded(records []Record, entry string) []Record {
	var record Record
	if err := json.Unmarshal([]byte(entry), &record); err != nil {
		q.logger.Warn("dropping undecodable queue entry", zap.Error(err))
		q.client.LRem(context.Background(), q.inflightKey, 1, entry)
		return records
	}
	record.ReceiveCount++
	record.raw = entry
	return append(records, record)
}

// RecoverInflight moves every in-flight entry back to the tail of the
// primary list, so stranded records are the next ones delivered. Only a
// crash leaves entries in flight across a restart; nothing reclaims them
// while a consumer is live, so this must run before the first receive.
func (q *RedisQueue) RecoverInflight(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.inflightKey, q.primaryKey, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			if moved > 0 {
				q.logger.Info("requeued stranded in-flight records", zap.Int("moved", moved))
			}
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("queue: recover inflight: %w", err)
		}
		moved++
	}
}

// Ack removes a processed record from the in-flight list.
func (q *RedisQueue) Ack(ctx context.Context, record Record) error {
	if err := q.client.LRem(ctx, q.inflightKey, 1, record.raw).Err(); err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Nack re-queues a failed record for redelivery, or dead-letters it once
// the receive count has reached the maximum. The re-queue happens before
// the in-flight removal so a crash between the two duplicates rather than
// loses the record.
func (q *RedisQueue) Nack(ctx context.Context, record Record) error {
	updated := Record{ID: record.ID, ReceiveCount: record.ReceiveCount, Body: record.Body}
	encoded, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("queue: encode record: %w", err)
	}

	destination := q.primaryKey
	if record.ReceiveCount >= q.maxReceive {
		destination = q.dlqKey
		q.logger.Warn("dead-lettering record",
			zap.String("record_id", record.ID),
			zap.Int("receive_count", record.ReceiveCount))
	}

	if err := q.client.LPush(ctx, destination, string(encoded)).Err(); err != nil {
		return fmt.Errorf("queue: nack: %w", err)
	}
	if err := q.client.LRem(ctx, q.inflightKey, 1, record.raw).Err(); err != nil {
		return fmt.Errorf("queue: nack cleanup: %w", err)
	}
	return nil
}

// PeekDeadLetters reads up to max dead-lettered records, oldest first,
// leaving them in place.
func (q *RedisQueue) PeekDeadLetters(ctx context.Context, max int) ([]Record, error) {
	if max <= 0 {
		return nil, nil
	}
	entries, err := q.client.LRange(ctx, q.dlqKey, int64(-max), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: peek dead letters: %w", err)
	}

	// LPush grows the head, so the tail of the range is oldest.
	records := make([]Record, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		var record Record
		if err := json.Unmarshal([]byte(entries[i]), &record); err != nil {
			q.logger.Warn("skipping undecodable dead letter", zap.Error(err))
			continue
		}
		record.raw = entries[i]
		records = append(records, record)
	}
	return records, nil
}

// DeleteDeadLetter removes one record from the dead-letter list.
func (q *RedisQueue) DeleteDeadLetter(ctx context.Context, record Record) error {
	if err := q.client.LRem(ctx, q.dlqKey, 1, record.raw).Err(); err != nil {
		return fmt.Errorf("queue: delete dead letter: %w", err)
	}
	return nil
}
