// Package stream provides the channel plumbing between pipeline stages:
// a bounded drop-oldest channel and a fan-out broadcaster built on it.
package stream

import "sync/atomic"

// RingChannel is a bounded channel with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded to make room. Consumers read C() like any receive-only channel.
//
//	rc := stream.NewRingChannel[string](3)
//	for i := 0; i < 5; i++ {
//	    rc.Send(strconv.Itoa(i))
//	}
//	// rc now holds "2", "3", "4"
//
// A RingChannel supports a single producer. Concurrent producers must
// serialize their sends (the Broadcaster does this with its lock).
type RingChannel[T any] struct {
	ch      chan T
	dropped atomic.Int64
}

// NewRingChannel creates a RingChannel with the given capacity.
func NewRingChannel[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts an item, discarding the oldest buffered item if the buffer is full.
// Reports whether an item was discarded.
func (rc *RingChannel[T]) Send(v T) bool {
	select {
	case rc.ch <- v:
		return false
	default:
	}

	dropped := false
	select {
	case <-rc.ch:
		dropped = true
		rc.dropped.Add(1)
	default:
		// a consumer freed a slot in the meantime
	}
	rc.ch <- v
	return dropped
}

// TrySend attempts to insert without blocking or discarding.
// Returns false if the buffer is full.
func (rc *RingChannel[T]) TrySend(v T) bool {
	select {
	case rc.ch <- v:
		return true
	default:
		return false
	}
}

// TryReceive attempts a non-blocking receive.
func (rc *RingChannel[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-rc.ch:
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Dropped returns how many elements were discarded to make room.
func (rc *RingChannel[T]) Dropped() int64 {
	return rc.dropped.Load()
}

// Close closes the underlying channel. After this, Send panics.
func (rc *RingChannel[T]) Close() {
	close(rc.ch)
}
