// Package buffer provides an unbounded queue bridging producers that must
// never block to channel-based consumers.
package buffer

import "sync"

// Unbounded accepts items via Send without ever blocking and delivers them,
// in order, on the channel returned by Receive. A slow or absent consumer
// only grows the internal queue.
type Unbounded[T any] struct {
	mu      sync.Mutex
	pending []T
	closed  bool
	wake    chan struct{}
	out     chan T
}

// NewUnbounded creates a buffer ready for Send.
func NewUnbounded[T any]() *Unbounded[T] {
	b := &Unbounded[T]{
		wake: make(chan struct{}, 1),
		out:  make(chan T),
	}
	go b.forward()
	return b
}

// Send enqueues an item. Never blocks. Items sent after Close are dropped.
func (b *Unbounded[T]) Send(item T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, item)
	b.mu.Unlock()
	b.notify()
}

// Receive returns the delivery channel. The channel is closed after Close,
// once all previously sent items have been delivered.
func (b *Unbounded[T]) Receive() <-chan T {
	return b.out
}

// Close stops accepting items. Already-queued items are still delivered.
// Safe to call multiple times.
func (b *Unbounded[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.notify()
}

func (b *Unbounded[T]) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// forward drains the pending queue to the output channel until the buffer is
// closed and empty.
func (b *Unbounded[T]) forward() {
	for {
		b.mu.Lock()
		batch := b.pending
		b.pending = nil
		closed := b.closed
		b.mu.Unlock()

		for _, item := range batch {
			b.out <- item
		}

		if closed {
			// Drain anything enqueued between the snapshot and Close.
			b.mu.Lock()
			rest := b.pending
			b.pending = nil
			b.mu.Unlock()
			for _, item := range rest {
				b.out <- item
			}
			close(b.out)
			return
		}

		<-b.wake
	}
}
