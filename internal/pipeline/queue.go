package pipeline

import (
	"context"
	"sync"

	"github.com/ajitpratap0/nebula-pdk/pkg/errors"
	"github.com/ajitpratap0/nebula-pdk/pkg/models"
)

// Arrival is one batch of events offered to a queue together
type Arrival struct {
	From   string
	Events []models.Event
}

// Queue is a bounded ordered edge between nodes. Many producers may Put; one
// consumer reads. Put blocks only its caller while the queue is full.
//
// The channel itself is never closed: closing is signalled on done, so a Put
// blocked on a full queue cannot race with the last producer's Done.
type Queue struct {
	ch   chan Arrival
	done chan struct{}

	mu        sync.Mutex
	producers int
}

// NewQueue creates a queue holding up to size arrivals, fed by producers
// upstream nodes. It closes once every producer called Done.
func NewQueue(size, producers int) *Queue {
	if size <= 0 {
		size = 1
	}
	q := &Queue{ch: make(chan Arrival, size), done: make(chan struct{}), producers: producers}
	if producers <= 0 {
		close(q.done)
	}
	return q
}

var errQueueClosed = errors.New(errors.ErrorTypeInternal, "queue is closed")

// Put enqueues a batch, waiting for room, for ctx to end or for the queue to
// close
func (q *Queue) Put(ctx context.Context, a Arrival) error {
	select {
	case <-q.done:
		return errQueueClosed
	default:
	}
	select {
	case q.ch <- a:
		return nil
	case <-q.done:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get dequeues the next batch. ok is false once the queue is closed and drained.
func (q *Queue) Get(ctx context.Context) (a Arrival, ok bool, err error) {
	select {
	case a = <-q.ch:
		return a, true, nil
	case <-q.done:
		select {
		case a = <-q.ch:
			return a, true, nil
		default:
			return Arrival{}, false, nil
		}
	case <-ctx.Done():
		return Arrival{}, false, ctx.Err()
	}
}

// Done tells the queue one producer finished
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.producers <= 0 {
		return
	}
	q.producers--
	if q.producers == 0 {
		close(q.done)
	}
}

// Closed reports whether every producer finished
func (q *Queue) Closed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Len returns the number of waiting batches
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity
func (q *Queue) Cap() int { return cap(q.ch) }

// fanout offers events to every queue in order. Queues after the first get
// deep copies so each consumer may convert its events in place.
func fanout(ctx context.Context, outputs []*Queue, from string, events []models.Event) error {
	for i, q := range outputs {
		batch := events
		if i > 0 {
			batch = make([]models.Event, len(events))
			for j, e := range events {
				batch[j] = models.Clone(e)
			}
		}
		if err := q.Put(ctx, Arrival{From: from, Events: batch}); err != nil {
			return err
		}
	}
	return nil
}
