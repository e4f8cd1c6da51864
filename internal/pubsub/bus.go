package pubsub

import "sync"

// Bus fans a value out to every subscriber, synchronously and in subscription order.
// Handlers run on the publisher's goroutine and must not block.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id int
	fn func(T)
}

// Subscribe registers fn and returns a func that removes it again.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[T]{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[T]) remove(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *Bus[T]) Publish(value T) {
	b.mu.RLock()
	handlers := make([]func(T), 0, len(b.subs))
	for _, sub := range b.subs {
		handlers = append(handlers, sub.fn)
	}
	b.mu.RUnlock()
	for _, fn := range handlers {
		fn(value)
	}
}

// Clear drops every subscriber.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	b.subs = nil
	b.mu.Unlock()
}

func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
