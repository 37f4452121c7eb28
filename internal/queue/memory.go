package queue

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryQueue is an in-process queue backed by a buffered channel. Tasks
// are lost on restart.
type MemoryQueue struct {
	ch     chan Task
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewMemory(size int, logger *slog.Logger) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &MemoryQueue{ch: make(chan Task, size), logger: logger, done: make(chan struct{})}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := t.validate(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case t := <-q.ch:
			if err := h(ctx, t); err != nil {
				q.logger.Warn("task handler failed", "kind", t.Kind, "id", t.ID, "err", err)
			}
		}
	}
}

// Len reports the number of queued tasks.
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
