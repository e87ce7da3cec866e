// Package downloader fetches a single remote asset to a local file.
//
// A Task owns one URL to file transfer. It retries failed attempts up to a
// bounded budget, exposes byte-level progress, and reports exactly one
// terminal outcome through caller callbacks.
//
// # Threading
//
// Attempts run on their own goroutine. Every outcome, including retries and
// the caller's callbacks, is handed to a scheduler.Bridge and runs there, so
// callbacks never execute on a worker goroutine.
//
// # Cancellation
//
// Discard is cooperative. It revokes the task's serial; the worker checks the
// serial before each attempt and after each chunk read and stops quietly once
// it is gone. A read already blocked in the network is not interrupted, it is
// bounded by the read/write timeout and its result is thrown away. Discard
// itself owns the terminal callback: onFailure(CodeCancelled), output removed.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/juju/ratelimit"

	"github.com/italolelis/assetfetch/internal/downloader/progress"
	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/scheduler"
	"github.com/italolelis/assetfetch/internal/serial"
	"github.com/italolelis/assetfetch/internal/telemetry"
)

const (
	DefaultRetries          = 3
	MaxRetries              = 10
	DefaultTimeout          = 8 * time.Second
	DefaultReadWriteTimeout = 8 * time.Second
)

// State is the lifecycle position of a task.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further callbacks can fire.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

// Options configures a Task.
type Options struct {
	// Retries is how many extra attempts follow a failed one.
	// Clamped to [0, MaxRetries].
	Retries int

	// Timeout bounds the wait for response headers.
	// Default: 8s
	Timeout time.Duration

	// ReadWriteTimeout bounds each individual body read.
	// Default: 8s
	ReadWriteTimeout time.Duration

	// Allocator hands out the task serial. Required.
	Allocator *serial.Allocator

	// Bridge delivers outcomes and callbacks. Required.
	Bridge scheduler.Bridge

	// Paths detects two live tasks writing the same file. Optional.
	Paths *PathRegistry

	// RejectDuplicatePaths makes New fail with ErrDuplicateOutputPath
	// instead of only logging a warning.
	RejectDuplicatePaths bool

	// Client sends the requests. Default: NewHTTPClient with default options.
	Client Doer

	// Limiter throttles body reads, shared across tasks. Optional.
	Limiter *ratelimit.Bucket

	// Telemetry records attempt spans and download metrics. Optional.
	Telemetry *telemetry.Telemetry
}

// DefaultOptions returns the documented defaults without collaborators.
func DefaultOptions() Options {
	return Options{
		Retries:          DefaultRetries,
		Timeout:          DefaultTimeout,
		ReadWriteTimeout: DefaultReadWriteTimeout,
	}
}

var _ progress.Reporter = (*Task)(nil)

// Task downloads one URL into one file.
type Task struct {
	id         int64
	serial     atomic.Int64
	url        string
	outputPath string

	timeout          time.Duration
	readWriteTimeout time.Duration

	// Only touched on the bridge.
	retriesLeft int
	onSuccess   func()
	onFailure   func(code int)

	startedAt atomic.Int64
	started   atomic.Bool
	active    atomic.Bool
	finished  atomic.Bool
	state    atomic.Int32
	attempts atomic.Int32
	total    atomic.Int64
	written  atomic.Int64

	// Set before done is closed.
	err  error
	code int
	done chan struct{}

	bridge    scheduler.Bridge
	paths     *PathRegistry
	client    Doer
	limiter   *ratelimit.Bucket
	telemetry *telemetry.Telemetry

	ctx    context.Context
	logger *slog.Logger
}

// New creates a task for url -> outputPath. No I/O happens until Start.
// Exactly one of onSuccess or onFailure will eventually run on the bridge;
// either may be nil.
func New(ctx context.Context, url, outputPath string, onSuccess func(), onFailure func(code int), opts Options) (*Task, error) {
	if opts.Allocator == nil {
		return nil, errors.New("downloader: Options.Allocator is required")
	}

	if opts.Bridge == nil {
		return nil, errors.New("downloader: Options.Bridge is required")
	}

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	if opts.ReadWriteTimeout <= 0 {
		opts.ReadWriteTimeout = DefaultReadWriteTimeout
	}

	if opts.Client == nil {
		opts.Client = NewHTTPClient(ctx, ClientOptions{})
	}

	id := opts.Allocator.Next()
	ctx, logger := logctx.With(context.WithoutCancel(ctx), "serial", id, "url", url, "output_path", outputPath)

	if opts.Paths != nil && opts.Paths.Claim(outputPath) {
		logger.WarnContext(ctx, "output path is already used by another download")

		if opts.RejectDuplicatePaths {
			opts.Paths.Release(outputPath)

			return nil, fmt.Errorf("%w: %s", ErrDuplicateOutputPath, outputPath)
		}
	}

	t := &Task{
		id:               id,
		url:              url,
		outputPath:       outputPath,
		timeout:          opts.Timeout,
		readWriteTimeout: opts.ReadWriteTimeout,
		retriesLeft:      min(max(opts.Retries, 0), MaxRetries),
		onSuccess:        onSuccess,
		onFailure:        onFailure,
		done:             make(chan struct{}),
		bridge:           opts.Bridge,
		paths:            opts.Paths,
		client:           opts.Client,
		limiter:          opts.Limiter,
		telemetry:        opts.Telemetry,
		ctx:              ctx,
		logger:           logger,
	}
	t.serial.Store(id)

	return t, nil
}

// ID is the serial allocated at construction. Unlike Serial it survives Discard.
func (t *Task) ID() int64 { return t.id }

// Serial is the live serial, serial.Invalid once discarded.
func (t *Task) Serial() int64 { return t.serial.Load() }

func (t *Task) URL() string        { return t.url }
func (t *Task) OutputPath() string { return t.outputPath }

// Attempts is the number of attempts launched so far.
func (t *Task) Attempts() int { return int(t.attempts.Load()) }

func (t *Task) State() State { return State(t.state.Load()) }

// FileSize is the Content-Length of the current attempt, 0 while unknown.
func (t *Task) FileSize() int64 { return t.total.Load() }

// DownloadedBytes is the number of bytes the current attempt has written.
func (t *Task) DownloadedBytes() int64 { return t.written.Load() }

// Progress is the completed fraction of the current attempt in [0,1].
func (t *Task) Progress() float64 {
	return progress.Fraction(t.written.Load(), t.total.Load())
}

// Done is closed once the terminal callback has run.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the terminal error: nil after success or while running,
// ErrDiscarded after Discard, the last attempt's error otherwise.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Code returns the code passed to the failure callback, 0 before completion.
func (t *Task) Code() int {
	select {
	case <-t.done:
		return t.code
	default:
		return 0
	}
}

// Start launches the first attempt. Calls after the first are no-ops, and a
// task discarded before Start never transfers anything.
func (t *Task) Start() {
	if !t.started.CompareAndSwap(false, true) {
		return
	}

	if !serial.Valid(t.serial.Load()) {
		return
	}

	t.startedAt.Store(time.Now().UnixNano())
	t.state.CompareAndSwap(int32(StateCreated), int32(StateRunning))

	t.telemetry.IncrementActiveDownloads()
	t.active.Store(true)

	if t.finished.Load() && t.active.CompareAndSwap(true, false) {
		t.telemetry.DecrementActiveDownloads()

		return
	}

	t.logger.InfoContext(t.ctx, "download started", "retries", t.retriesLeft)

	t.launch()
}

// Discard cancels the task. It is safe at any time: before Start the
// transfer never runs, after a terminal outcome it does nothing.
func (t *Task) Discard() {
	if t.finished.Load() {
		return
	}

	t.serial.Store(serial.Invalid)

	t.bridge.RunOnNextTick(func() {
		if t.finished.Load() {
			return
		}

		t.logger.InfoContext(t.ctx, "download discarded", "downloaded_bytes", t.written.Load())

		t.removeOutput()
		t.finish(StateDiscarded, CodeCancelled, ErrDiscarded)
	})
}

func (t *Task) launch() {
	t.attempts.Add(1)

	go t.runAttempt()
}

func (t *Task) runAttempt() {
	if !serial.Valid(t.serial.Load()) {
		return
	}

	err := t.attempt()

	t.bridge.RunOnNextTick(func() { t.route(err) })
}

func (t *Task) attempt() (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(t.ctx, "download worker panicked", "panic", r, "stack", string(debug.Stack()))
			t.telemetry.RecordSystemError("downloader", "worker_panic")

			err = fmt.Errorf("%w: %v", ErrWorker, r)
		}
	}()

	return t.telemetry.InstrumentAttempt(t.ctx, classify, t.transfer)
}

// route decides what follows an attempt. Runs on the bridge.
func (t *Task) route(err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.ErrorContext(t.ctx, "panic while completing download", "panic", r, "stack", string(debug.Stack()))
			t.telemetry.RecordSystemError("downloader", "completion_panic")

			t.finish(StateFailed, CodeInternal, fmt.Errorf("%w: %v", ErrInternal, r))
		}
	}()

	if !serial.Valid(t.serial.Load()) {
		// Discard owns the callback; only the file written after it ran is left.
		t.removeOutput()

		return
	}

	if err == nil {
		t.finish(StateSucceeded, 0, nil)

		return
	}

	if IsRetryable(err) && t.retriesLeft > 0 {
		t.retriesLeft--

		t.logger.WarnContext(t.ctx, "download attempt failed, retrying",
			"err", err,
			"attempt", t.attempts.Load(),
			"retries_left", t.retriesLeft)

		t.launch()

		return
	}

	code := FailureCode(err)

	t.logger.ErrorContext(t.ctx, "download failed", "err", err, "code", code, "attempts", t.attempts.Load())

	t.removeOutput()
	t.finish(StateFailed, code, err)
}

// finish fires the terminal callback once. Runs on the bridge.
func (t *Task) finish(state State, code int, err error) {
	if !t.finished.CompareAndSwap(false, true) {
		return
	}

	t.err, t.code = err, code
	t.state.Store(int32(state))

	onSuccess, onFailure := t.onSuccess, t.onFailure
	t.onSuccess, t.onFailure = nil, nil

	if t.paths != nil {
		t.paths.Release(t.outputPath)
	}

	if t.active.CompareAndSwap(true, false) {
		t.telemetry.DecrementActiveDownloads()
		t.telemetry.RecordDownload(outcomeLabel(state), time.Since(time.Unix(0, t.startedAt.Load())))
	}

	defer close(t.done)

	if state == StateSucceeded {
		t.logger.InfoContext(t.ctx, "download done", "attempts", t.attempts.Load())

		if onSuccess != nil {
			onSuccess()
		}

		return
	}

	if onFailure != nil {
		onFailure(code)
	}
}

// removeOutput deletes the output file. Failures are logged, never returned.
func (t *Task) removeOutput() {
	if t.outputPath == "" {
		return
	}

	if err := os.Remove(t.outputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		t.logger.WarnContext(t.ctx, "failed to remove output file", "err", err)
	}
}

func outcomeLabel(s State) string {
	switch s {
	case StateSucceeded:
		return "success"
	case StateDiscarded:
		return "discarded"
	default:
		return "error"
	}
}
