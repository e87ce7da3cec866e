package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/assetfetch/internal/downloader/progress"
	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/serial"
)

const (
	// chunkSize is the body read size. Smaller reads measurably hurt throughput.
	chunkSize = 4096

	dirPerm = 0o755

	progressLogInterval = 8 * 1024 * 1024
)

// transfer runs a single attempt. A nil return after the serial was revoked
// means "stopped", the caller drops the outcome.
func (t *Task) transfer(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	t.written.Store(0)
	t.total.Store(0)

	if err := validateURL(t.url); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return &PreflightError{Stage: "url", Reason: "cannot build request", Err: err}
	}

	var headerTimedOut atomic.Bool

	headerTimer := time.AfterFunc(t.timeout, func() {
		headerTimedOut.Store(true)
		cancel()
	})

	resp, err := t.client.Do(req)
	if !headerTimer.Stop() || headerTimedOut.Load() {
		if resp != nil {
			resp.Body.Close()
		}

		return &NetworkError{Operation: "request", Message: ErrConnectTimeout.Error(), Err: ErrConnectTimeout}
	}

	if err != nil {
		return &NetworkError{Operation: "request", Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &NetworkError{Operation: "request", StatusCode: resp.StatusCode, Message: resp.Status}
	}

	total := max(resp.ContentLength, 0)
	t.total.Store(total)

	if !serial.Valid(t.serial.Load()) {
		return nil
	}

	if dir := filepath.Dir(t.outputPath); dir != "" {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return &PreflightError{Stage: "directory", Reason: "cannot create " + dir, Err: err}
		}
	}

	if err := os.Remove(t.outputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.WarnContext(ctx, "failed to remove existing output file", "err", err)
	}

	file, err := os.Create(t.outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	body := progress.NewReader(resp.Body, total, progressLogInterval, func(written, total int64) {
		logger.DebugContext(ctx, "download progress",
			"downloaded", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)),
			"progress", fmt.Sprintf("%.1f%%", progress.Fraction(written, total)*100))
	})

	var readTimedOut atomic.Bool

	readTimer := time.AfterFunc(time.Hour, func() {
		readTimedOut.Store(true)
		cancel()
	})
	readTimer.Stop()

	buf := make([]byte, chunkSize)

	for {
		readTimer.Reset(t.readWriteTimeout)
		n, readErr := body.Read(buf)
		stopped := readTimer.Stop()

		if !serial.Valid(t.serial.Load()) {
			return nil
		}

		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write output file: %w", err)
			}

			t.written.Add(int64(n))
			t.telemetry.RecordBytes(int64(n))

			if t.limiter != nil {
				t.limiter.Wait(int64(n))
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			return bodyError(readErr, !stopped && readTimedOut.Load(), t.written.Load(), total)
		}
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close output file: %w", err)
	}

	written := t.written.Load()
	if total > 0 && written < total {
		return &IntegrityError{Expected: total, Received: written}
	}

	logger.InfoContext(ctx, "download transferred",
		"size", humanize.Bytes(uint64(written)),
		"attempt", t.attempts.Load())

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &PreflightError{Stage: "url", Reason: "malformed url", Err: err}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return &PreflightError{Stage: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}

	if u.Host == "" {
		return &PreflightError{Stage: "url", Reason: "missing host"}
	}

	return nil
}
