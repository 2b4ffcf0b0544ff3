// Package bus provides a typed publish/subscribe channel that coalesces rapid
// updates so listeners see at most one value per interval.
package bus

import (
	"sync"
	"time"
)

type listener[T any] struct {
	id int
	fn func(T)
}

// Bus delivers the latest published value to every listener, in subscription
// order, from a single dispatcher goroutine.
type Bus[T any] struct {
	interval time.Duration

	mu        sync.Mutex
	listeners []listener[T]
	nextID    int
	pending   *T
	closed    bool

	wake chan struct{}
	done chan struct{}
}

// New starts a bus. Values published within interval of the last delivery
// collapse to the most recent one. A zero interval delivers as fast as the
// dispatcher runs.
func New[T any](interval time.Duration) *Bus[T] {
	b := &Bus[T]{
		interval: interval,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners = append(b.listeners, listener[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l.id == id {
					b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish queues v for delivery, replacing any value not yet delivered.
// It never blocks.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.pending = &v
	select {
	case b.wake <- struct{}{}:
	default:
	}
	b.mu.Unlock()
}

// Close stops the dispatcher after delivering any pending value.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.wake)
	b.mu.Unlock()

	<-b.done
}

func (b *Bus[T]) dispatch() {
	defer close(b.done)

	for range b.wake {
		b.deliver()
		if b.interval > 0 {
			time.Sleep(b.interval)
		}
	}
	b.deliver()
}

func (b *Bus[T]) deliver() {
	b.mu.Lock()
	v := b.pending
	b.pending = nil
	listeners := make([]listener[T], len(b.listeners))
	copy(listeners, b.listeners)
	b.mu.Unlock()

	if v == nil {
		return
	}
	for _, l := range listeners {
		l.fn(*v)
	}
}
