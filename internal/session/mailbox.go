package session

import "sync"

// mailbox is an unbounded single-consumer FIFO. push never blocks, so
// transport callbacks can post into it safely.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	wake   chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{wake: make(chan struct{}, 1)}
}

// push appends v. It reports false when the mailbox is closed.
func (b *mailbox[T]) push(v T) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.items = append(b.items, v)
	b.mu.Unlock()
	b.signal()
	return true
}

// pop blocks for the next item. It returns false once the mailbox is
// closed and empty.
func (b *mailbox[T]) pop() (T, bool) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			v := b.items[0]
			var zero T
			b.items[0] = zero
			b.items = b.items[1:]
			b.mu.Unlock()
			return v, true
		}
		if b.closed {
			b.mu.Unlock()
			var zero T
			return zero, false
		}
		b.mu.Unlock()
		<-b.wake
	}
}

// close rejects further pushes; queued items are still popped.
func (b *mailbox[T]) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

func (b *mailbox[T]) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
