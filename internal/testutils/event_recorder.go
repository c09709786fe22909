package testutils

import (
	"sync"
	"time"

	"github.com/srg/blesync/internal/device"
)

// EventRecorder collects Central events for assertions
type EventRecorder struct {
	mu     sync.Mutex
	events []device.Event
}

// Handle records ev. Use it as the device.EventHandler.
func (r *EventRecorder) Handle(ev device.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events
func (r *EventRecorder) Events() []device.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]device.Event(nil), r.events...)
}

// Find returns the first recorded event accepted by match
func (r *EventRecorder) Find(match func(device.Event) bool) (device.Event, bool) {
	for _, ev := range r.Events() {
		if match(ev) {
			return ev, true
		}
	}
	return nil, false
}

// WaitFor polls until an event accepted by match is recorded or timeout elapses
func (r *EventRecorder) WaitFor(match func(device.Event) bool, timeout time.Duration) (device.Event, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if ev, ok := r.Find(match); ok {
			return ev, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// OfType matches events of type T
func OfType[T device.Event]() func(device.Event) bool {
	return func(ev device.Event) bool {
		_, ok := ev.(T)
		return ok
	}
}
