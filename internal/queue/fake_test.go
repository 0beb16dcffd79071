package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// fakeQueue is an in-memory Queue for exercising the consumer and
// redriver without Redis.
type fakeQueue struct {
	mu       sync.Mutex
	primary  []Record
	inflight []Record
	dlq      []Record
	acked    []string
	nacked   []string
	deleted  []string
	maxRecv  int
	failPub  map[string]bool // body → publish fails
	pubErr   error
	notEmpty chan struct{}
}

func newFakeQueue(maxReceive int) *fakeQueue {
	return &fakeQueue{
		maxRecv:  maxReceive,
		failPub:  map[string]bool{},
		notEmpty: make(chan struct{}, 1),
	}
}

func (q *fakeQueue) Publish(_ context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failPub[string(body)] {
		return errors.New("publish refused")
	}
	if q.pubErr != nil {
		return q.pubErr
	}
	q.primary = append(q.primary, Record{
		ID:   uuid.NewString(),
		Body: json.RawMessage(body),
	})
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

func (q *fakeQueue) ReceiveBatch(ctx context.Context, max int) ([]Record, error) {
	q.mu.Lock()
	if len(q.primary) == 0 {
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notEmpty:
			q.mu.Lock()
		}
	}
	defer q.mu.Unlock()

	n := min(max, len(q.primary))
	batch := make([]Record, n)
	copy(batch, q.primary[:n])
	q.primary = q.primary[n:]
	for i := range batch {
		batch[i].ReceiveCount++
	}
	q.inflight = append(q.inflight, batch...)
	return batch, nil
}

func (q *fakeQueue) Ack(_ context.Context, record Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropInflight(record.ID)
	q.acked = append(q.acked, record.ID)
	return nil
}

func (q *fakeQueue) Nack(_ context.Context, record Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dropInflight(record.ID)
	q.nacked = append(q.nacked, record.ID)
	if record.ReceiveCount >= q.maxRecv {
		q.dlq = append(q.dlq, record)
		return nil
	}
	q.primary = append(q.primary, record)
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

func (q *fakeQueue) RecoverInflight(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := len(q.inflight)
	q.primary = append(q.primary, q.inflight...)
	q.inflight = nil
	if moved > 0 {
		select {
		case q.notEmpty <- struct{}{}:
		default:
		}
	}
	return moved, nil
}

func (q *fakeQueue) dropInflight(recordID string) {
	for i, candidate := range q.inflight {
		if candidate.ID == recordID {
			q.inflight = append(q.inflight[:i], q.inflight[i+1:]...)
			return
		}
	}
}

func (q *fakeQueue) PeekDeadLetters(_ context.Context, max int) ([]Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(max, len(q.dlq))
	batch := make([]Record, n)
	copy(batch, q.dlq[:n])
	return batch, nil
}

func (q *fakeQueue) DeleteDeadLetter(_ context.Context, record Record) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, candidate := range q.dlq {
		if candidate.ID == record.ID {
			q.dlq = append(q.dlq[:i], q.dlq[i+1:]...)
			q.deleted = append(q.deleted, record.ID)
			return nil
		}
	}
	return nil
}

func (q *fakeQueue) snapshot() (primary, dlq []Record) {
	q.mu.Lock()
	defer q.mu.Unlock()
	primary = append(primary, q.primary...)
	dlq = append(dlq, q.dlq...)
	return primary, dlq
}
