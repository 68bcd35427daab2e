package main

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/srg/mwstream/internal/groutine"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter redraws a single status line with elapsed or remaining
// time until Stop is called.
//
//	p := NewProgressPrinter(out, "Scanning", 0, func() string { ... })
//	p.Start()
//	defer p.Stop()
//
// A ProgressPrinter is single-use.
type ProgressPrinter struct {
	w        io.Writer
	prefix   string
	detail   func() string // optional suffix, e.g. a live count
	duration time.Duration // countdown when > 0
	start    time.Time
	started  atomic.Bool
	stopped  atomic.Bool
	stop     chan struct{}
	done     chan struct{}
}

// NewProgressPrinter counts up, or down from duration when it is positive.
func NewProgressPrinter(w io.Writer, prefix string, duration time.Duration, detail func() string) *ProgressPrinter {
	return &ProgressPrinter{
		w:        w,
		prefix:   prefix,
		detail:   detail,
		duration: duration,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins redrawing in a background goroutine.
// Panics if called more than once.
func (p *ProgressPrinter) Start() {
	if !p.started.CompareAndSwap(false, true) {
		panic("ProgressPrinter.Start called more than once")
	}
	p.start = time.Now()
	p.print()

	groutine.Go(context.Background(), "progress-printer", func(context.Context) {
		defer close(p.done)
		ticker := time.NewTicker(progressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.print()
			}
		}
	})
}

func (p *ProgressPrinter) seconds() int {
	elapsed := time.Since(p.start)
	if p.duration <= 0 {
		return int(elapsed.Seconds())
	}
	remaining := p.duration - elapsed
	if remaining <= 0 {
		return 0
	}
	// round to the nearest second
	return int(remaining.Seconds() + 0.5)
}

func (p *ProgressPrinter) print() {
	line := fmt.Sprintf("\r%s (%ds", p.prefix, p.seconds())
	if p.detail != nil {
		if d := p.detail(); d != "" {
			line += ", " + d
		}
	}
	fmt.Fprint(p.w, line+")   ")
}

// Stop stops redrawing and clears the line. Safe to call more than once.
func (p *ProgressPrinter) Stop() {
	if !p.started.Load() || !p.stopped.CompareAndSwap(false, true) {
		return
	}
	close(p.stop)
	<-p.done
	fmt.Fprint(p.w, clearLineSequence)
}
