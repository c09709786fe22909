package peripheral

import "sync"

// mailbox is an unbounded FIFO with a single consumer. put never blocks, so
// the radio binding can deliver events while the loop is busy calling into it.
type mailbox struct {
	mu    sync.Mutex
	items []any
	wake  chan struct{}
}

func newMailbox() mailbox {
	return mailbox{wake: make(chan struct{}, 1)}
}

func (b *mailbox) put(item any) {
	b.mu.Lock()
	b.items = append(b.items, item)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *mailbox) ready() <-chan struct{} {
	return b.wake
}

func (b *mailbox) take() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}
