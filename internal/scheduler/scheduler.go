// Package scheduler provides the single logical thread on which download
// outcomes are delivered to callers.
//
// Workers never invoke caller callbacks themselves. They hand a closure to a
// Bridge, and the Bridge runs it on the host's cooperative tick, one closure
// at a time.
package scheduler

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Bridge runs closures on the next tick of a cooperative scheduler.
type Bridge interface {
	RunOnNextTick(fn func())
}

// Loop is a Bridge drained explicitly through Tick, or periodically through Run.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	pending []func()

	// tickMu keeps ticks from overlapping when Tick is called by hand
	// while Run is active.
	tickMu sync.Mutex
}

// NewLoop creates an empty loop. A nil logger falls back to slog.Default.
func NewLoop(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}

	return &Loop{logger: logger}
}

// RunOnNextTick queues fn for the next tick. Safe for concurrent use.
func (l *Loop) RunOnNextTick(fn func()) {
	if fn == nil {
		return
	}

	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()
}

// Pending returns the number of closures waiting for the next tick.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.pending)
}

// Tick runs every closure queued before the tick began, in FIFO order, and
// returns how many ran. Closures queued while the tick is running wait for
// the next one.
func (l *Loop) Tick() int {
	l.tickMu.Lock()
	defer l.tickMu.Unlock()

	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range batch {
		l.run(fn)
	}

	return len(batch)
}

// Run ticks every interval until ctx is done, then drains one final tick so
// already-routed outcomes are not lost.
func (l *Loop) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.Tick()

			return ctx.Err()
		case <-ticker.C:
			l.Tick()
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("scheduled closure panicked",
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	fn()
}

// Immediate is a Bridge that runs closures synchronously on the calling
// goroutine. Closures never overlap: a closure scheduled while another is
// running (from any goroutine, including from inside the running closure) is
// queued and run by the goroutine already draining.
type Immediate struct {
	mu       sync.Mutex
	queue    []func()
	draining bool
}

// RunOnNextTick runs fn now, or queues it behind the closure in progress.
func (b *Immediate) RunOnNextTick(fn func()) {
	if fn == nil {
		return
	}

	b.mu.Lock()
	b.queue = append(b.queue, fn)

	if b.draining {
		b.mu.Unlock()

		return
	}

	b.draining = true
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()

			return
		}

		next := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()

		next()
	}
}
