// Package stream provides a channel-backed broadcast of query results.
//
// Each Broker holds the latest value per key and pushes the full current
// result set to every subscriber after each relevant write. Subscribers
// always see the most recent value: a slow consumer observes fewer
// intermediate states, never stale ones.
package stream

import (
	"context"
	"sync"
)

// Broker broadcasts values of type T keyed by an arbitrary string (survey
// id, entity id). Publishing a value equal to the previous one for the same
// key is a no-op, which gives subscribers a deduplicated stream.
type Broker[T any] struct {
	equal func(a, b T) bool

	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan T
	last   map[string]T
	seeded map[string]bool
}

// NewBroker creates a broker. equal reports value equality for
// deduplication; a nil equal disables deduplication.
func NewBroker[T any](equal func(a, b T) bool) *Broker[T] {
	return &Broker[T]{
		equal:  equal,
		subs:   make(map[string]map[int]chan T),
		last:   make(map[string]T),
		seeded: make(map[string]bool),
	}
}

// Subscribe returns a channel that receives the current value for key (if
// one has been published) followed by every subsequent distinct value. The
// subscription ends when ctx is cancelled; the channel is closed then.
//
// The channel has a one-element buffer and is written latest-wins: if the
// consumer lags, intermediate values are dropped in favor of the newest.
func (b *Broker[T]) Subscribe(ctx context.Context, key string) <-chan T {
	ch := make(chan T, 1)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	if b.subs[key] == nil {
		b.subs[key] = make(map[int]chan T)
	}
	b.subs[key][id] = ch
	if b.seeded[key] {
		ch <- b.last[key]
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[key], id)
		if len(b.subs[key]) == 0 {
			delete(b.subs, key)
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish records v as the current value for key and notifies subscribers.
// Publishing never blocks the caller.
func (b *Broker[T]) Publish(key string, v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seeded[key] && b.equal != nil && b.equal(b.last[key], v) {
		return
	}
	b.last[key] = v
	b.seeded[key] = true

	for _, ch := range b.subs[key] {
		// Drop the undelivered previous value, if any, then send the newest.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Current returns the latest published value for key, if any.
func (b *Broker[T]) Current(key string) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.last[key], b.seeded[key]
	return v, ok
}
