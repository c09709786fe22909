package main

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter displays a countdown or elapsed-time progress line.
//
// Usage:
//
//	p := NewCountdownProgressPrinter(...)
//	p.Start()
//	defer p.Stop()
//
// Nothing is drawn when the output is not a terminal. A ProgressPrinter is
// single-use; after Stop it cannot be restarted.
type ProgressPrinter struct {
	out       io.Writer
	enabled   bool
	prefix    string
	phase     atomic.Value // string
	stopPhase string
	startTime time.Time
	ticker    atomic.Pointer[time.Ticker]
	stopChan  chan struct{}
	done      chan struct{}
	started   atomic.Bool
	countUp   bool
	duration  time.Duration
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// NewProgressPrinter creates a progress printer that counts up (shows elapsed time).
// Setting stopPhase through Callback stops the printer.
func NewProgressPrinter(prefix, phase, stopPhase string) *ProgressPrinter {
	p := &ProgressPrinter{
		out:       os.Stdout,
		enabled:   isTerminal(os.Stdout),
		prefix:    prefix,
		stopPhase: stopPhase,
		countUp:   true,
	}
	p.phase.Store(phase)
	return p
}

// NewCountdownProgressPrinter creates a progress printer that counts down from
// duration. A zero duration counts up instead.
func NewCountdownProgressPrinter(prefix, phase string, duration time.Duration, stopPhase string) *ProgressPrinter {
	p := NewProgressPrinter(prefix, phase, stopPhase)
	if duration > 0 {
		p.countUp = false
		p.duration = duration
	}
	return p
}

// Start begins displaying progress updates in a background goroutine.
// Panics if called more than once on the same ProgressPrinter instance.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	if !p.enabled {
		return
	}

	p.done = make(chan struct{})
	p.stopChan = make(chan struct{})
	p.startTime = time.Now()
	ticker := time.NewTicker(progressUpdateInterval)
	p.ticker.Store(ticker)

	fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, p.phase.Load().(string))

	go func() {
		defer close(p.done)
		for {
			select {
			case <-p.stopChan:
				return
			case <-ticker.C:
				p.print(p.phase.Load().(string), p.seconds())
			}
		}
	}()
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.startTime)
	if p.countUp {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// round to the nearest second
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print(phase string, seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.out, "\r%s (%s %ds)   ", p.prefix, phase, seconds)
	} else {
		fmt.Fprintf(p.out, "\r%s (%s...)   ", p.prefix, phase)
	}
}

// Callback returns a function that updates the phase. Setting the stop phase
// stops the printer. Safe for concurrent use.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if phase == p.stopPhase {
			p.Stop()
		}
	}
}

// Stop stops the progress display and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	ticker := p.ticker.Swap(nil)
	if ticker == nil {
		return
	}

	ticker.Stop()
	close(p.stopChan)
	<-p.done

	fmt.Fprint(p.out, clearLineSequence)
}
