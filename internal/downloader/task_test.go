package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/scheduler"
	"github.com/italolelis/assetfetch/internal/serial"
)

// outcome records the callbacks a task fired.
type outcome struct {
	mu        sync.Mutex
	successes int
	failures  []int
}

func (o *outcome) onSuccess() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.successes++
}

func (o *outcome) onFailure(code int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.failures = append(o.failures, code)
}

func (o *outcome) counts() (int, []int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.successes, append([]int(nil), o.failures...)
}

func testOptions(retries int) Options {
	opts := DefaultOptions()
	opts.Retries = retries
	opts.Timeout = 2 * time.Second
	opts.ReadWriteTimeout = 2 * time.Second
	opts.Allocator = serial.NewAllocator()
	opts.Bridge = &scheduler.Immediate{}
	opts.Paths = NewPathRegistry()
	opts.Client = &http.Client{}

	return opts
}

func newTestTask(t *testing.T, url string, opts Options) (*Task, *outcome, string) {
	t.Helper()

	out := &outcome{}
	path := filepath.Join(t.TempDir(), "nested", "asset.bin")

	task, err := New(context.Background(), url, path, out.onSuccess, out.onFailure, opts)
	require.NoError(t, err)

	return task, out, path
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()

	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("task did not finish")
	}
}

func payload(n int) []byte {
	return bytes.Repeat([]byte("a"), n)
}

func TestTask_Success(t *testing.T) {
	body := payload(1000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	task, out, path := newTestTask(t, srv.URL, testOptions(3))
	assert.Equal(t, StateCreated, task.State())
	assert.Equal(t, 0.0, task.Progress())

	task.Start()
	waitDone(t, task)

	successes, failures := out.counts()
	assert.Equal(t, 1, successes)
	assert.Empty(t, failures)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	assert.Equal(t, StateSucceeded, task.State())
	assert.Equal(t, int64(1000), task.FileSize())
	assert.Equal(t, int64(1000), task.DownloadedBytes())
	assert.Equal(t, 1.0, task.Progress())
	assert.Equal(t, 1, task.Attempts())
	assert.NoError(t, task.Err())
}

func TestTask_ReplacesExistingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	task, _, path := newTestTask(t, srv.URL, testOptions(0))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("stale content that is longer"), 0o644))

	task.Start()
	waitDone(t, task)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(got))
}

func TestTask_UnknownLengthReportsZeroProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.(http.Flusher).Flush() // chunked, no Content-Length
		_, _ = w.Write(payload(100))
	}))
	defer srv.Close()

	task, out, _ := newTestTask(t, srv.URL, testOptions(0))
	task.Start()
	waitDone(t, task)

	successes, _ := out.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, int64(0), task.FileSize())
	assert.Equal(t, int64(100), task.DownloadedBytes())
	assert.Equal(t, 0.0, task.Progress())
}

func TestTask_HTTPErrorExhaustsRetries(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	task, out, path := newTestTask(t, srv.URL, testOptions(2))
	task.Start()
	waitDone(t, task)

	successes, failures := out.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, []int{http.StatusInternalServerError}, failures)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 3, task.Attempts())
	assert.Equal(t, StateFailed, task.State())
	assert.Equal(t, http.StatusInternalServerError, task.Code())
	assert.NoFileExists(t, path)
}

func TestTask_RecoversOnRetry(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)

			return
		}

		_, _ = w.Write(payload(10))
	}))
	defer srv.Close()

	task, out, path := newTestTask(t, srv.URL, testOptions(1))
	task.Start()
	waitDone(t, task)

	successes, failures := out.counts()
	assert.Equal(t, 1, successes)
	assert.Empty(t, failures)
	assert.Equal(t, 2, task.Attempts())
	assert.FileExists(t, path)
}

func TestTask_TruncatedBody(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()

		_, _ = buf.WriteString("HTTP/1.1 200 OK\r\nContent-Length: 1000\r\nConnection: close\r\n\r\n")
		_, _ = buf.Write(payload(500))
		_ = buf.Flush()
	}))
	defer srv.Close()

	task, out, path := newTestTask(t, srv.URL, testOptions(0))
	task.Start()
	waitDone(t, task)

	successes, failures := out.counts()
	assert.Equal(t, 0, successes)
	require.Len(t, failures, 1)
	assert.Equal(t, CodeIncomplete, failures[0])
	assert.LessOrEqual(t, failures[0], 0, "integrity failures carry no HTTP status")
	assert.Equal(t, int32(1), hits.Load())
	assert.NoFileExists(t, path)

	var integrity *IntegrityError
	require.ErrorAs(t, task.Err(), &integrity)
	assert.Equal(t, int64(1000), integrity.Expected)
}

func TestTask_MalformedURLIsNotRetried(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"unsupported scheme", "ftp://example.com/file"},
		{"missing host", "http:///file"},
		{"unparsable", "http://[::1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, out, path := newTestTask(t, tt.url, testOptions(5))
			task.Start()
			waitDone(t, task)

			_, failures := out.counts()
			assert.Equal(t, []int{CodeCancelled}, failures)
			assert.Equal(t, 1, task.Attempts())
			assert.NoFileExists(t, path)

			var preflight *PreflightError
			assert.ErrorAs(t, task.Err(), &preflight)
		})
	}
}

func TestTask_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	task, out, _ := newTestTask(t, url, testOptions(1))
	task.Start()
	waitDone(t, task)

	_, failures := out.counts()
	assert.Equal(t, []int{CodeCancelled}, failures)
	assert.Equal(t, 2, task.Attempts())

	var netErr *NetworkError
	assert.ErrorAs(t, task.Err(), &netErr)
}

func TestTask_HeaderTimeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := testOptions(0)
	opts.Timeout = 100 * time.Millisecond

	task, out, _ := newTestTask(t, srv.URL, opts)
	task.Start()
	waitDone(t, task)

	_, failures := out.counts()
	assert.Equal(t, []int{CodeCancelled}, failures)
	assert.ErrorIs(t, task.Err(), ErrConnectTimeout)
}

func TestTask_ReadTimeout(t *testing.T) {
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write(payload(100))
		w.(http.Flusher).Flush()

		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	opts := testOptions(0)
	opts.ReadWriteTimeout = 100 * time.Millisecond

	task, out, path := newTestTask(t, srv.URL, opts)
	task.Start()
	waitDone(t, task)

	_, failures := out.counts()
	assert.Equal(t, []int{CodeCancelled}, failures)
	assert.ErrorIs(t, task.Err(), ErrReadTimeout)
	assert.NoFileExists(t, path)
}

func TestTask_DiscardBeforeStart(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	task, out, path := newTestTask(t, srv.URL, testOptions(3))

	task.Discard()
	waitDone(t, task)

	task.Start()
	task.Discard()

	successes, failures := out.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, []int{CodeCancelled}, failures)
	assert.Equal(t, serial.Invalid, task.Serial())
	assert.Equal(t, StateDiscarded, task.State())
	assert.ErrorIs(t, task.Err(), ErrDiscarded)
	assert.Equal(t, 0, task.Attempts())
	assert.Equal(t, int32(0), hits.Load())
	assert.NoFileExists(t, path)
}

func TestTask_DiscardMidTransfer(t *testing.T) {
	release := make(chan struct{})
	sent := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		_, _ = w.Write(payload(8192))
		w.(http.Flusher).Flush()
		close(sent)

		select {
		case <-release:
			_, _ = w.Write(payload(4096))
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	task, out, path := newTestTask(t, srv.URL, testOptions(3))
	task.Start()

	<-sent
	require.Eventually(t, func() bool { return task.DownloadedBytes() >= 8192 }, 5*time.Second, 10*time.Millisecond)
	assert.FileExists(t, path)

	task.Discard()
	waitDone(t, task)
	close(release)

	successes, failures := out.counts()
	assert.Equal(t, 0, successes)
	assert.Equal(t, []int{CodeCancelled}, failures)

	// The worker notices on its next chunk boundary and removes what it wrote.
	assert.Eventually(t, func() bool {
		_, err := os.Stat(path)

		return errors.Is(err, os.ErrNotExist)
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, task.Attempts(), "a discarded task is never retried")
}

func TestTask_DiscardAfterCompletionIsNoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload(10))
	}))
	defer srv.Close()

	task, out, path := newTestTask(t, srv.URL, testOptions(0))
	task.Start()
	waitDone(t, task)

	task.Discard()

	successes, failures := out.counts()
	assert.Equal(t, 1, successes)
	assert.Empty(t, failures)
	assert.FileExists(t, path)
	assert.Equal(t, StateSucceeded, task.State())
	assert.NotEqual(t, serial.Invalid, task.Serial())
}

func TestTask_StartTwice(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(payload(10))
	}))
	defer srv.Close()

	task, out, _ := newTestTask(t, srv.URL, testOptions(0))

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()
			task.Start()
		}()
	}
	wg.Wait()

	waitDone(t, task)

	successes, _ := out.counts()
	assert.Equal(t, 1, successes)
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 1, task.Attempts())
}

func TestTask_CallbacksRunOnBridge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload(10))
	}))
	defer srv.Close()

	loop := scheduler.NewLoop(nil)

	opts := testOptions(0)
	opts.Bridge = loop

	var fired atomic.Bool

	task, err := New(context.Background(), srv.URL, filepath.Join(t.TempDir(), "a.bin"), func() { fired.Store(true) }, nil, opts)
	require.NoError(t, err)

	task.Start()

	require.Eventually(t, func() bool { return loop.Pending() > 0 }, 5*time.Second, 5*time.Millisecond)
	assert.False(t, fired.Load(), "callback must wait for a tick")

	require.Eventually(t, func() bool {
		loop.Tick()

		return fired.Load()
	}, 5*time.Second, 5*time.Millisecond)

	waitDone(t, task)
}

func TestTask_ProgressIsMonotonic(t *testing.T) {
	const size = 64 * 1024

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(size))

		for i := 0; i < size/1024; i++ {
			_, _ = w.Write(payload(1024))
			w.(http.Flusher).Flush()
		}
	}))
	defer srv.Close()

	task, _, _ := newTestTask(t, srv.URL, testOptions(0))
	task.Start()

	last := 0.0
	for {
		select {
		case <-task.Done():
			assert.Equal(t, 1.0, task.Progress())

			return
		default:
		}

		p := task.Progress()
		assert.GreaterOrEqual(t, p, last)
		assert.LessOrEqual(t, p, 1.0)
		last = p
	}
}

func TestNew_ClampsRetries(t *testing.T) {
	tests := []struct {
		in   int
		want int
	}{
		{-5, 0},
		{0, 0},
		{3, 3},
		{MaxRetries, MaxRetries},
		{MaxRetries + 50, MaxRetries},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.in), func(t *testing.T) {
			opts := testOptions(tt.in)

			task, err := New(context.Background(), "http://example.com", filepath.Join(t.TempDir(), "x"), nil, nil, opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, task.retriesLeft)
		})
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	opts := testOptions(0)
	opts.Bridge = nil

	_, err := New(context.Background(), "http://example.com", "x", nil, nil, opts)
	assert.Error(t, err)

	opts = testOptions(0)
	opts.Allocator = nil

	_, err = New(context.Background(), "http://example.com", "x", nil, nil, opts)
	assert.Error(t, err)
}

func TestNew_AllocatesIncreasingSerials(t *testing.T) {
	opts := testOptions(0)

	a, err := New(context.Background(), "http://example.com/a", filepath.Join(t.TempDir(), "a"), nil, nil, opts)
	require.NoError(t, err)

	b, err := New(context.Background(), "http://example.com/b", filepath.Join(t.TempDir(), "b"), nil, nil, opts)
	require.NoError(t, err)

	assert.Greater(t, b.Serial(), a.Serial())
	assert.Equal(t, a.ID(), a.Serial())
}

func TestNew_DuplicateOutputPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "same.bin")

	t.Run("warns", func(t *testing.T) {
		var logs bytes.Buffer

		ctx := logctx.WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&logs, nil)))
		opts := testOptions(0)

		first, err := New(ctx, "http://example.com/1", path, nil, nil, opts)
		require.NoError(t, err)
		assert.NotContains(t, logs.String(), "already used")

		second, err := New(ctx, "http://example.com/2", path, nil, nil, opts)
		require.NoError(t, err)
		assert.Contains(t, logs.String(), "output path is already used by another download")

		first.Discard()
		second.Discard()
		assert.False(t, opts.Paths.InUse(path))
	})

	t.Run("rejects", func(t *testing.T) {
		opts := testOptions(0)
		opts.RejectDuplicatePaths = true

		first, err := New(context.Background(), "http://example.com/1", path, nil, nil, opts)
		require.NoError(t, err)

		_, err = New(context.Background(), "http://example.com/2", path, nil, nil, opts)
		require.ErrorIs(t, err, ErrDuplicateOutputPath)

		first.Discard()

		_, err = New(context.Background(), "http://example.com/3", path, nil, nil, opts)
		assert.NoError(t, err, "path is free again once the owner finished")
	})
}

type panickingDoer struct{}

func (panickingDoer) Do(*http.Request) (*http.Response, error) {
	panic("boom")
}

func TestTask_WorkerPanic(t *testing.T) {
	opts := testOptions(3)
	opts.Client = panickingDoer{}

	task, out, _ := newTestTask(t, "http://example.com/file", opts)
	task.Start()
	waitDone(t, task)

	_, failures := out.counts()
	assert.Equal(t, []int{CodeWorkerFailed}, failures)
	assert.Equal(t, 1, task.Attempts(), "a crashed worker is not retried")
	assert.ErrorIs(t, task.Err(), ErrWorker)
}

func TestTask_CallbackPanic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload(10))
	}))
	defer srv.Close()

	opts := testOptions(0)

	var failures []int

	task, err := New(context.Background(), srv.URL, filepath.Join(t.TempDir(), "a.bin"),
		func() { panic("callback exploded") },
		func(code int) { failures = append(failures, code) },
		opts)
	require.NoError(t, err)

	task.Start()
	waitDone(t, task)

	// The success callback had already been consumed, so the failure path has nothing left to call.
	assert.Empty(t, failures)
	assert.Equal(t, StateSucceeded, task.State())
}

type stubDoer struct {
	body io.ReadCloser
}

func (d stubDoer) Do(*http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		ContentLength: 3,
		Body:          d.body,
	}, nil
}

type failingBody struct{ err error }

func (b failingBody) Read([]byte) (int, error) { return 0, b.err }
func (failingBody) Close() error                { return nil }

func TestTask_MidStreamTransportError(t *testing.T) {
	opts := testOptions(0)
	opts.Client = stubDoer{body: failingBody{err: fmt.Errorf("connection reset by peer")}}

	task, out, path := newTestTask(t, "http://example.com/file", opts)
	task.Start()
	waitDone(t, task)

	_, failures := out.counts()
	assert.Equal(t, []int{CodeCancelled}, failures)
	assert.NoFileExists(t, path)

	var netErr *NetworkError
	require.ErrorAs(t, task.Err(), &netErr)
	assert.Equal(t, "read", netErr.Operation)
}
