package normalize

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blesync/internal/device"
	"github.com/srg/blesync/internal/groutine"
	"github.com/srg/blesync/internal/metrics"
)

// Source produces raw payloads, typically a peripheral.Manager.
type Source interface {
	Subscribe(ctx context.Context) <-chan device.RawPayload
}

// Options configures a Normalizer
type Options struct {
	// Strict wraps payloads that start like JSON but fail to parse.
	Strict bool
}

// Normalizer is the pipeline stage between a payload Source and the upload
// pump. Each Subscribe opens its own subscription on the source; the stage
// keeps no buffer of its own.
type Normalizer struct {
	source Source
	opts   Options
	logger *logrus.Logger
	now    func() time.Time
}

// NewNormalizer creates a Normalizer reading from source
func NewNormalizer(source Source, opts Options, logger *logrus.Logger) *Normalizer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Normalizer{
		source: source,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe returns a stream of JSON records, one per source payload. The
// channel is closed when ctx is done or the source stream ends.
func (n *Normalizer) Subscribe(ctx context.Context) <-chan string {
	in := n.source.Subscribe(ctx)
	out := make(chan string)

	groutine.Go(ctx, "normalizer", func(ctx context.Context) {
		defer close(out)
		for {
			var p device.RawPayload
			var ok bool
			select {
			case <-ctx.Done():
				return
			case p, ok = <-in:
				if !ok {
					return
				}
			}

			record, ok := n.Apply(p)
			if !ok {
				continue
			}
			select {
			case out <- record:
			case <-ctx.Done():
				return
			}
		}
	})
	return out
}

// Apply normalizes a single payload. It reports false when the payload must
// be dropped.
func (n *Normalizer) Apply(p device.RawPayload) (string, bool) {
	stamp := p.ReceivedAt
	if stamp.IsZero() {
		stamp = n.now()
	}

	record, err := normalize(p.Data, stamp, n.opts.Strict)
	if err != nil {
		metrics.PayloadsDropped.Inc()
		n.logger.WithFields(logrus.Fields{
			"peripheral": p.Peripheral,
			"char":       p.Characteristic,
			"error":      err,
		}).Warn("Dropping payload that could not be normalized")
		return "", false
	}

	if record != string(p.Data) {
		metrics.RecordsWrapped.Inc()
		n.logger.WithFields(logrus.Fields{
			"char":  p.Characteristic,
			"bytes": len(p.Data),
		}).Debug("Wrapped non-JSON payload")
	}
	return record, true
}
