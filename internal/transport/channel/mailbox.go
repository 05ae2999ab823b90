// Package channel provides the bounded in-process mailboxes that feed the
// coordinator's workers.
package channel

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("mailbox closed")

// MetricsSink receives mailbox depth updates. Must be non-blocking.
type MetricsSink interface {
	MailboxDepthUpdate(worker, depth int)
}

// Mailbox is a bounded FIFO queue owned by a single worker.
type Mailbox[T any] struct {
	worker  int
	ch      chan T
	metrics MetricsSink // optional, nil = disabled

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewMailbox[T any](worker, capacity int) *Mailbox[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Mailbox[T]{
		worker: worker,
		ch:     make(chan T, capacity),
		done:   make(chan struct{}),
	}
}

// WithMetrics attaches a metrics sink to the mailbox.
func (m *Mailbox[T]) WithMetrics(sink MetricsSink) *Mailbox[T] {
	m.metrics = sink
	return m
}

// Send enqueues v, blocking while the mailbox is full. It returns ctx.Err()
// if ctx ends first and ErrClosed once Close has been called.
func (m *Mailbox[T]) Send(ctx context.Context, v T) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	select {
	case m.ch <- v:
		m.observe()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// Receive returns the next item, or false when ctx ends or the mailbox has
// been closed and drained.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, bool) {
	select {
	case v, ok := <-m.ch:
		if ok {
			m.observe()
		}
		return v, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// Close stops accepting items and wakes blocked senders with ErrClosed.
// Items already queued can still be received.
func (m *Mailbox[T]) Close() {
	m.closeOnce.Do(func() { close(m.done) })

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	close(m.ch)
}

func (m *Mailbox[T]) Channel() <-chan T {
	return m.ch
}

func (m *Mailbox[T]) Len() int { return len(m.ch) }
func (m *Mailbox[T]) Cap() int { return cap(m.ch) }

func (m *Mailbox[T]) observe() {
	if m.metrics != nil {
		m.metrics.MailboxDepthUpdate(m.worker, len(m.ch))
	}
}
