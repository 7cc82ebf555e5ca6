package bus

import (
	"log/slog"
	"sync"
	"time"
)

const publishTimeout = 10 * time.Second

// Queue is a bounded, channel-backed FIFO used to hand items from a producer
// goroutine to a single consumer.
type Queue[T any] struct {
	items   chan T
	mu      sync.RWMutex
	closed  bool
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Queue with the given buffer size.
func New[T any](bufferSize int, logger *slog.Logger) *Queue[T] {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue[T]{
		items:   make(chan T, bufferSize),
		timeout: publishTimeout,
		logger:  logger,
	}
}

// Publish enqueues item. If the queue is full it waits up to the publish
// timeout instead of dropping. Reports whether the item was accepted.
func (q *Queue[T]) Publish(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("attempted to publish to closed queue")
		return false
	}

	select {
	case q.items <- item:
		return true
	default:
	}

	q.logger.Warn("queue full, waiting...", "depth", len(q.items))
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()
	select {
	case q.items <- item:
		q.logger.Info("item delivered after wait")
		return true
	case <-timer.C:
		q.logger.Error("item dropped: queue full", "waited", q.timeout)
		return false
	}
}

// Subscribe returns the receive side. It is closed by Close.
func (q *Queue[T]) Subscribe() <-chan T {
	return q.items
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.items)
	}
}
