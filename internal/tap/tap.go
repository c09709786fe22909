// Package tap keeps a window of the most recent normalized records for
// diagnostics, without slowing down or altering the record stream.
package tap

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesync/internal/groutine"
)

// MaxCapacity guards against accidental misconfiguration.
const MaxCapacity uint32 = 64 * 1024

// Provider is a source of JSON text records.
type Provider interface {
	Subscribe(ctx context.Context) <-chan string
}

// Record is a record seen by the tap
type Record struct {
	At   time.Time `json:"at"`
	Body string    `json:"body"`
}

// Metrics are lock-free counters of a Tap.
type Metrics struct {
	RecordsSeen int64 `json:"records_seen"`
	Errors      int64 `json:"errors"`
	// Overwritten is best effort; the ring buffer does not always report overwrites.
	Overwritten int64 `json:"overwritten"`
}

// Tap observes the records flowing out of a Provider into an overlapped ring
// buffer. When the buffer is full the oldest record is overwritten.
//
// All methods are safe for concurrent use.
type Tap struct {
	upstream Provider
	buffer   mpmc.RichOverlappedRingBuffer[Record]
	logger   *logrus.Logger
	now      func() time.Time

	seen        atomic.Int64
	errors      atomic.Int64
	overwritten atomic.Int64
}

// New creates a Tap over upstream keeping up to capacity records.
func New(upstream Provider, capacity uint32, logger *logrus.Logger) (*Tap, error) {
	if upstream == nil {
		return nil, fmt.Errorf("upstream provider cannot be nil")
	}
	if capacity == 0 {
		return nil, fmt.Errorf("tap capacity must be > 0")
	}
	if capacity > MaxCapacity {
		return nil, fmt.Errorf("tap capacity %d exceeds maximum %d", capacity, MaxCapacity)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Tap{
		upstream: upstream,
		buffer:   mpmc.NewOverlappedRingBuffer[Record](capacity),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Subscribe forwards the upstream stream unchanged, recording each record on
// the way through.
func (t *Tap) Subscribe(ctx context.Context) <-chan string {
	in := t.upstream.Subscribe(ctx)
	out := make(chan string)

	groutine.Go(ctx, "tap", func(ctx context.Context) {
		defer close(out)
		for {
			var r string
			var ok bool
			select {
			case <-ctx.Done():
				return
			case r, ok = <-in:
				if !ok {
					return
				}
			}

			t.Observe(r)
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
	})
	return out
}

// Observe stores a record in the ring buffer
func (t *Tap) Observe(body string) {
	overwrites, err := t.buffer.EnqueueM(Record{At: t.now(), Body: body})
	if err != nil {
		t.errors.Add(1)
		t.logger.WithError(err).Debug("Tap failed to buffer record")
		return
	}
	t.overwritten.Add(int64(overwrites))
	t.seen.Add(1)
}

// Drain removes and returns the buffered records, oldest first.
func (t *Tap) Drain() ([]Record, error) {
	var records []Record
	for !t.buffer.IsEmpty() {
		rec, err := t.buffer.Dequeue()
		if err != nil {
			return records, fmt.Errorf("tap dequeue error: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Cap returns the buffer capacity, which may be rounded up from the requested one.
func (t *Tap) Cap() uint32 {
	return t.buffer.Cap()
}

// Metrics returns a copy of the current counters
func (t *Tap) Metrics() Metrics {
	return Metrics{
		RecordsSeen: t.seen.Load(),
		Errors:      t.errors.Load(),
		Overwritten: t.overwritten.Load(),
	}
}
