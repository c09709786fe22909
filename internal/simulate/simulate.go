// Package simulate is a synthetic record provider for running the upload path
// without a radio.
package simulate

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"

	"github.com/srg/blesync/internal/groutine"
	"github.com/srg/blesync/internal/normalize"
)

// Sample is one synthetic workout reading
type Sample struct {
	Seq       uint64 `json:"seq"`
	Timestamp string `json:"timestamp"`
	HeartRate int    `json:"heart_rate"`
	Cadence   int    `json:"cadence"`
	Power     int    `json:"power"`
	Battery   int    `json:"battery"`
}

// Options configures a Source
type Options struct {
	Interval time.Duration `default:"1s"`
	// Seed makes the generated values reproducible; zero seeds from the clock.
	Seed int64
}

// Source emits one JSON Sample per Interval to every subscriber.
type Source struct {
	opts   Options
	logger *logrus.Logger
	now    func() time.Time

	seq atomic.Uint64

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(opts Options, logger *logrus.Logger) *Source {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&opts)
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}
	return &Source{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		rnd:    rand.New(rand.NewSource(opts.Seed)),
	}
}

// Subscribe starts a generator for this subscriber. The channel is closed
// when ctx is done.
func (s *Source) Subscribe(ctx context.Context) <-chan string {
	out := make(chan string)

	groutine.Go(ctx, "simulate", func(ctx context.Context) {
		defer close(out)
		ticker := time.NewTicker(s.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			record, err := s.Next()
			if err != nil {
				s.logger.WithError(err).Warn("Failed to encode simulated sample")
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

// Next generates a single record
func (s *Source) Next() (string, error) {
	s.mu.Lock()
	sample := Sample{
		Seq:       s.seq.Add(1),
		Timestamp: s.now().UTC().Format(normalize.TimestampFormat),
		HeartRate: 60 + s.rnd.Intn(120),
		Cadence:   70 + s.rnd.Intn(30),
		Power:     100 + s.rnd.Intn(250),
		Battery:   20 + s.rnd.Intn(80),
	}
	s.mu.Unlock()

	b, err := json.Marshal(sample)
	if err != nil {
		return "", err
	}
	s.logger.WithField("seq", sample.Seq).Debug("Simulated sample generated")
	return string(b), nil
}
