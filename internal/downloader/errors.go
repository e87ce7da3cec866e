package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Failure codes passed to a task's failure callback. Positive values are
// HTTP status codes from the last attempt.
const (
	// CodeCancelled is reported for discarded tasks and for failures that
	// carry no HTTP status.
	CodeCancelled = 0
	// CodeWorkerFailed is reported when an attempt's worker crashed.
	CodeWorkerFailed = -1
	// CodeInternal is reported when routing an outcome panicked.
	CodeInternal = -3
	// CodeIncomplete is reported when the body ended before Content-Length bytes arrived.
	CodeIncomplete = -4
)

var (
	// ErrDiscarded is the terminal error of a task stopped through Discard.
	ErrDiscarded = errors.New("download discarded")
	// ErrDuplicateOutputPath is returned by New when another live task
	// already writes to the same path and duplicates are rejected.
	ErrDuplicateOutputPath = errors.New("output path already in use by another download")
	// ErrConnectTimeout means no response headers arrived within the task timeout.
	ErrConnectTimeout = errors.New("timed out waiting for response")
	// ErrReadTimeout means a single body read stalled past the read/write timeout.
	ErrReadTimeout = errors.New("timed out reading response body")
	// ErrWorker wraps a panic raised inside an attempt's worker.
	ErrWorker = errors.New("download worker crashed")
	// ErrInternal wraps a panic raised while routing an attempt's outcome.
	ErrInternal = errors.New("internal error while completing download")
)

// PreflightError is a failure detected before any transfer could happen:
// a malformed URL or an output directory that cannot be created.
// It is never retried.
type PreflightError struct {
	Stage  string // "url", "directory", "file"
	Reason string
	Err    error
}

func (e *PreflightError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("preflight %s: %s: %v", e.Stage, e.Reason, e.Err)
	}

	return fmt.Sprintf("preflight %s: %s", e.Stage, e.Reason)
}

func (e *PreflightError) Unwrap() error {
	return e.Err
}

// NetworkError is a transport failure (StatusCode 0) or a non-2xx response
// (StatusCode set). Both are retried.
type NetworkError struct {
	Operation  string // "request", "read", "write"
	StatusCode int
	Message    string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.Message)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.Message)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IntegrityError means the body ended before the advertised Content-Length.
type IntegrityError struct {
	Expected int64
	Received int64
	Err      error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("incomplete transfer: received %d of %d bytes", e.Received, e.Expected)
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// FailureCode maps an attempt error to the code handed to the failure callback.
func FailureCode(err error) int {
	if err == nil || errors.Is(err, ErrDiscarded) {
		return CodeCancelled
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) && netErr.StatusCode > 0 {
		return netErr.StatusCode
	}

	var integrityErr *IntegrityError
	if errors.As(err, &integrityErr) {
		return CodeIncomplete
	}

	if errors.Is(err, ErrWorker) {
		return CodeWorkerFailed
	}

	if errors.Is(err, ErrInternal) {
		return CodeInternal
	}

	return CodeCancelled
}

// IsRetryable reports whether another attempt may fix err.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrDiscarded) || errors.Is(err, ErrWorker) || errors.Is(err, ErrInternal) {
		return false
	}

	var preflight *PreflightError

	return !errors.As(err, &preflight)
}

// classify returns a bounded label for metrics.
func classify(err error) string {
	var (
		preflight *PreflightError
		netErr    *NetworkError
		integrity *IntegrityError
	)

	switch {
	case err == nil:
		return "success"
	case errors.As(err, &preflight):
		return "preflight"
	case errors.As(err, &integrity):
		return "incomplete"
	case errors.As(err, &netErr) && netErr.StatusCode > 0:
		return "http_status"
	case errors.Is(err, ErrConnectTimeout), errors.Is(err, ErrReadTimeout):
		return "timeout"
	case errors.As(err, &netErr):
		return "transport"
	default:
		return "io"
	}
}

// bodyError turns an error from reading the body into the task taxonomy.
func bodyError(err error, timedOut bool, written, total int64) error {
	switch {
	case timedOut:
		return &NetworkError{Operation: "read", Message: ErrReadTimeout.Error(), Err: ErrReadTimeout}
	case errors.Is(err, io.ErrUnexpectedEOF):
		return &IntegrityError{Expected: total, Received: written, Err: err}
	case errors.Is(err, context.Canceled):
		return &NetworkError{Operation: "read", Message: "request aborted", Err: err}
	default:
		return &NetworkError{Operation: "read", Message: err.Error(), Err: err}
	}
}
