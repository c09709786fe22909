// Package pump batches normalized records and uploads them with a fixed retry
// schedule.
//
// The pump is lossy by contract. Its queue holds at most MaxBatch records and
// drops the oldest one on overflow; a record that fails every attempt of the
// schedule is abandoned. Failures never propagate to the caller.
package pump

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesync/internal/groutine"
	"github.com/srg/blesync/internal/metrics"
	"github.com/srg/blesync/internal/stream"
)

// DefaultSchedule is the delay before each delivery attempt of a record.
var DefaultSchedule = []time.Duration{0, 500 * time.Millisecond, 1500 * time.Millisecond, 3000 * time.Millisecond}

// Provider is a source of JSON text records.
type Provider interface {
	Subscribe(ctx context.Context) <-chan string
}

// Sender delivers one record to the backend.
type Sender interface {
	Send(ctx context.Context, body string) error
}

// Options configures a Pump
type Options struct {
	MaxBatch      int           `default:"10"`
	FlushInterval time.Duration `default:"800ms"`
	// Schedule holds the delay before each attempt; its length is the attempt budget.
	Schedule []time.Duration
}

// Pump moves records from a Provider to a Sender.
type Pump struct {
	sender Sender
	opts   Options
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration)

	mu     sync.Mutex
	cancel context.CancelFunc

	loops   sync.WaitGroup
	batches sync.WaitGroup
}

// New creates a Pump delivering to sender. Zero options take their defaults.
func New(sender Sender, opts Options, logger *logrus.Logger) *Pump {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 10
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 800 * time.Millisecond
	}
	if len(opts.Schedule) == 0 {
		opts.Schedule = append([]time.Duration(nil), DefaultSchedule...)
	}

	return &Pump{
		sender: sender,
		opts:   opts,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Options returns the effective options
func (p *Pump) Options() Options {
	return p.opts
}

// Start subscribes to provider, replacing any existing subscription.
func (p *Pump) Start(provider Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	queue := stream.NewRingChannel[string](p.opts.MaxBatch)
	records := provider.Subscribe(ctx)

	p.logger.WithFields(logrus.Fields{
		"max_batch":      p.opts.MaxBatch,
		"flush_interval": p.opts.FlushInterval,
		"attempts":       len(p.opts.Schedule),
	}).Info("Upload pump started")

	groutine.GoTracked(ctx, &p.loops, "pump-ingest", func(ctx context.Context) {
		p.ingest(ctx, records, queue)
	})
	groutine.GoTracked(ctx, &p.loops, "pump-batcher", func(ctx context.Context) {
		p.batch(ctx, queue)
	})
}

// Stop cancels the subscription. Records not yet handed to a batch are
// dropped; batches already being sent run to completion.
func (p *Pump) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	p.logger.Info("Upload pump stopped")
}

// Wait blocks until the subscription loops have exited and every in-flight
// batch has finished. Call it after Stop, or after the provider stream ends;
// it must not race with Start.
func (p *Pump) Wait() {
	p.loops.Wait()
	p.batches.Wait()
}

// ingest is the single writer of queue.
func (p *Pump) ingest(ctx context.Context, records <-chan string, queue *stream.RingChannel[string]) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-records:
			if !ok {
				queue.Close()
				return
			}
			metrics.RecordsReceived.Inc()
			if queue.Send(r) {
				metrics.RecordsDropped.Inc()
				p.logger.WithField("dropped_total", queue.Dropped()).Debug("Upload queue full, dropped oldest record")
			}
		}
	}
}

// batch is the single reader of queue.
func (p *Pump) batch(ctx context.Context, queue *stream.RingChannel[string]) {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	pending := make([]string, 0, p.opts.MaxBatch)
	flush := func() {
		ticker.Reset(p.opts.FlushInterval)
		if len(pending) == 0 {
			return
		}
		p.dispatch(pending)
		pending = make([]string, 0, p.opts.MaxBatch)
	}

	for {
		select {
		case <-ctx.Done():
			if len(pending) > 0 {
				p.logger.WithField("records", len(pending)).Debug("Discarding unsent records")
			}
			return
		case r, ok := <-queue.C():
			if !ok {
				if ctx.Err() == nil {
					flush()
				}
				p.logger.Debug("Record stream ended")
				return
			}
			pending = append(pending, r)
			if len(pending) >= p.opts.MaxBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// dispatch hands a batch to its own goroutine. Batches are detached from the
// subscription so Stop does not interrupt them.
func (p *Pump) dispatch(batch []string) {
	metrics.BatchesFlushed.Inc()
	id := uuid.NewString()
	groutine.GoTracked(context.Background(), &p.batches, "pump-batch", func(ctx context.Context) {
		p.sendBatch(ctx, id, batch)
	})
}

func (p *Pump) sendBatch(ctx context.Context, id string, batch []string) {
	delivered := 0
	for _, record := range batch {
		if p.deliver(ctx, id, record) {
			delivered++
		}
	}

	p.logger.WithFields(logrus.Fields{
		"batch":     id,
		"records":   len(batch),
		"delivered": delivered,
	}).Debug("Batch finished")
}

// deliver sends one record following the schedule. It reports whether the
// record was delivered.
func (p *Pump) deliver(ctx context.Context, batchID, record string) bool {
	start := time.Now()
	var err error
	for attempt, delay := range p.opts.Schedule {
		if delay > 0 {
			p.sleep(ctx, delay)
		}

		metrics.DeliveryAttempts.Inc()
		if err = p.sender.Send(ctx, record); err == nil {
			metrics.Deliveries.Inc()
			metrics.DeliveryLatency.Observe(time.Since(start).Seconds())
			return true
		}

		p.logger.WithFields(logrus.Fields{
			"batch":   batchID,
			"attempt": attempt + 1,
			"error":   err,
		}).Debug("Delivery attempt failed")
	}

	metrics.Abandoned.Inc()
	p.logger.WithFields(logrus.Fields{
		"batch":    batchID,
		"attempts": len(p.opts.Schedule),
		"bytes":    len(record),
		"error":    err,
	}).Warn("Abandoning record after retry schedule exhausted")
	return false
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
