package queue

import (
	"context"
	"encoding/json"
)

// Record is one queued message as seen by a consumer. ReceiveCount counts
// delivery attempts; the queue dead-letters a record once the count
// reaches the configured maximum.
type Record struct {
	ID           string          `json:"id"`
	ReceiveCount int             `json:"receiveCount"`
	Body         json.RawMessage `json:"body"`

	// raw is the exact list entry this record was decoded from, kept so
	// ack/delete can remove precisely that entry.
	raw string
}

// Publisher is the producer half of the queue.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Queue is the durable work queue with a dead-letter lane. Delivery is
// at-least-once: a record not acked is redelivered, and a redrive may
// duplicate a message.
type Queue interface {
	Publisher

	// ReceiveBatch takes up to max records into flight. It blocks briefly
	// waiting for the first record and returns an empty batch on timeout.
	ReceiveBatch(ctx context.Context, max int) ([]Record, error)
	// Ack marks a record processed and removes it from flight.
	Ack(ctx context.Context, record Record) error
	// Nack returns a failed record for redelivery, or dead-letters it once
	// its receive count reaches the maximum.
	Nack(ctx context.Context, record Record) error

	// RecoverInflight returns records stranded in flight by an earlier
	// crash to the primary queue and reports how many moved. With one
	// consumer per lane, anything in flight before the first receive can
	// only be a leftover.
	RecoverInflight(ctx context.Context) (int, error)

	// PeekDeadLetters reads up to max dead-lettered records, oldest first,
	// without removing them.
	PeekDeadLetters(ctx context.Context, max int) ([]Record, error)
	// DeleteDeadLetter removes one record from the dead-letter lane.
	DeleteDeadLetter(ctx context.Context, record Record) error
}
