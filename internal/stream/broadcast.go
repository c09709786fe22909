package stream

import (
	"context"
	"sync"

	"github.com/srg/blesync/internal/groutine"
)

// DefaultSubscriberBuffer is the per-subscriber buffer used when none is given.
const DefaultSubscriberBuffer = 256

// Broadcaster fans every published value out to all current subscribers.
//
// Each subscriber owns a RingChannel, so a slow subscriber loses its oldest
// values instead of stalling the publisher or the other subscribers.
type Broadcaster[T any] struct {
	mu       sync.Mutex
	subs     map[*RingChannel[T]]struct{}
	capacity int
	closed   bool
	done     chan struct{}
}

// NewBroadcaster creates a Broadcaster whose subscribers buffer up to capacity values.
func NewBroadcaster[T any](capacity int) *Broadcaster[T] {
	if capacity <= 0 {
		capacity = DefaultSubscriberBuffer
	}
	return &Broadcaster[T]{
		subs:     make(map[*RingChannel[T]]struct{}),
		capacity: capacity,
		done:     make(chan struct{}),
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when ctx
// is done or the Broadcaster is closed.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) <-chan T {
	rc := NewRingChannel[T](b.capacity)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		rc.Close()
		return rc.C()
	}
	b.subs[rc] = struct{}{}
	b.mu.Unlock()

	groutine.Go(ctx, "broadcast-unsubscribe", func(ctx context.Context) {
		select {
		case <-ctx.Done():
			b.remove(rc)
		case <-b.done:
		}
	})

	return rc.C()
}

func (b *Broadcaster[T]) remove(rc *RingChannel[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[rc]; ok {
		delete(b.subs, rc)
		rc.Close()
	}
}

// Publish delivers v to every subscriber and returns how many subscribers had
// to discard their oldest value to accept it.
func (b *Broadcaster[T]) Publish(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for rc := range b.subs {
		if rc.Send(v) {
			dropped++
		}
	}
	return dropped
}

// Subscribers returns the number of active subscribers.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for rc := range b.subs {
		rc.Close()
	}
	b.subs = make(map[*RingChannel[T]]struct{})
}
