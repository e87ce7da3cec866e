package downloader

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/notifier"
	"github.com/italolelis/assetfetch/internal/serial"
	"github.com/italolelis/assetfetch/internal/storage"
)

// ErrPathOutsideRoot is returned when a requested destination escapes the download root.
var ErrPathOutsideRoot = errors.New("output path is outside the download directory")

// ManagerConfig wires the collaborators shared by every task.
type ManagerConfig struct {
	// Root is the directory all relative output paths resolve against and no
	// output path may escape. Empty disables the check.
	Root string

	// InstanceID identifies this process in the history store.
	InstanceID string

	// Defaults are applied to every task. Defaults.Bridge is required;
	// Allocator and Paths are created when nil.
	Defaults Options

	Repo     storage.DownloadRepository
	Notifier notifier.Notifier
}

// Request describes one download to enqueue.
type Request struct {
	URL  string
	Path string

	// Retries overrides the default retry budget when set.
	Retries          *int
	Timeout          time.Duration
	ReadWriteTimeout time.Duration

	OnSuccess func()
	OnFailure func(code int)
}

// Manager owns the live tasks of a process and records their history.
type Manager struct {
	root       string
	instanceID string
	defaults   Options
	repo       storage.DownloadRepository
	notifier   notifier.Notifier

	mu    sync.Mutex
	tasks map[int64]*Task

	// background history writes and notifications
	wg sync.WaitGroup
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Defaults.Bridge == nil {
		return nil, errors.New("downloader: ManagerConfig.Defaults.Bridge is required")
	}

	if cfg.Defaults.Allocator == nil {
		cfg.Defaults.Allocator = serial.NewAllocator()
	}

	if cfg.Defaults.Paths == nil {
		cfg.Defaults.Paths = NewPathRegistry()
	}

	if cfg.Defaults.Client == nil {
		cfg.Defaults.Client = NewHTTPClient(context.Background(), ClientOptions{})
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = storage.GenerateInstanceID()
	}

	root := cfg.Root
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve download directory: %w", err)
		}

		root = abs
	}

	return &Manager{
		root:       root,
		instanceID: cfg.InstanceID,
		defaults:   cfg.Defaults,
		repo:       cfg.Repo,
		notifier:   cfg.Notifier,
		tasks:      make(map[int64]*Task),
	}, nil
}

func (m *Manager) InstanceID() string { return m.instanceID }

// ResolvePath maps a requested destination to an absolute path under the root.
func (m *Manager) ResolvePath(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("output path is required")
	}

	if m.root == "" {
		return filepath.Clean(path), nil
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(m.root, path)
	}

	path = filepath.Clean(path)

	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathOutsideRoot, path)
	}

	return path, nil
}

// Enqueue creates and starts a task for req. The request's callbacks run on
// the bridge after the history has been updated in memory.
func (m *Manager) Enqueue(ctx context.Context, req Request) (*Task, error) {
	path, err := m.ResolvePath(req.Path)
	if err != nil {
		return nil, err
	}

	opts := m.defaults
	if req.Retries != nil {
		opts.Retries = *req.Retries
	}

	if req.Timeout > 0 {
		opts.Timeout = req.Timeout
	}

	if req.ReadWriteTimeout > 0 {
		opts.ReadWriteTimeout = req.ReadWriteTimeout
	}

	var task *Task

	onSuccess := func() {
		m.forget(task)
		m.record(task, storage.StatusDownloaded, 0)

		if req.OnSuccess != nil {
			req.OnSuccess()
		}
	}

	onFailure := func(code int) {
		m.forget(task)

		status := storage.StatusFailed
		if task.State() == StateDiscarded {
			status = storage.StatusDiscarded
		} else {
			m.notify(task, code)
		}

		m.record(task, status, code)

		if req.OnFailure != nil {
			req.OnFailure(code)
		}
	}

	task, err = New(ctx, req.URL, path, onSuccess, onFailure, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.tasks[task.ID()] = task
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.TrackDownload(m.instanceID, task.ID(), task.URL(), task.OutputPath()); err != nil {
			task.logger.ErrorContext(task.ctx, "failed to track download", "err", err)
		}
	}

	task.Start()

	return task, nil
}

// Get returns the live task with the given serial.
func (m *Manager) Get(id int64) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]

	return task, ok
}

// Discard cancels the live task with the given serial. It reports whether
// such a task existed.
func (m *Manager) Discard(id int64) bool {
	task, ok := m.Get(id)
	if !ok {
		return false
	}

	task.Discard()

	return true
}

// Active returns the live tasks ordered by serial.
func (m *Manager) Active() []*Task {
	m.mu.Lock()
	tasks := make([]*Task, 0, len(m.tasks))

	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	m.mu.Unlock()

	slices.SortFunc(tasks, func(a, b *Task) int {
		switch {
		case a.ID() < b.ID():
			return -1
		case a.ID() > b.ID():
			return 1
		default:
			return 0
		}
	})

	return tasks
}

// DiscardAll cancels every live task and returns how many there were.
func (m *Manager) DiscardAll() int {
	tasks := m.Active()

	for _, task := range tasks {
		task.Discard()
	}

	return len(tasks)
}

// History returns every recorded download, oldest first.
func (m *Manager) History() ([]storage.DownloadRecord, error) {
	if m.repo == nil {
		return nil, nil
	}

	return m.repo.GetDownloads()
}

// Wait blocks until pending history writes and notifications are done.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) forget(task *Task) {
	m.mu.Lock()
	delete(m.tasks, task.ID())
	m.mu.Unlock()
}

// record stores the outcome off the bridge so a slow database never stalls a tick.
func (m *Manager) record(task *Task, status string, code int) {
	if m.repo == nil {
		return
	}

	result := storage.DownloadResult{
		Status:    status,
		Bytes:     task.DownloadedBytes(),
		ErrorCode: code,
		Attempts:  task.Attempts(),
	}

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		if err := m.repo.FinishDownload(m.instanceID, task.ID(), result); err != nil {
			task.logger.ErrorContext(task.ctx, "failed to record download outcome", "status", status, "err", err)
		}
	}()
}

func (m *Manager) notify(task *Task, code int) {
	if m.notifier == nil {
		return
	}

	msg := fmt.Sprintf("Download failed: %s -> %s (code %d, %d attempts, %s received)",
		task.URL(), task.OutputPath(), code, task.Attempts(), humanize.Bytes(uint64(max(task.DownloadedBytes(), 0))))

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(task.ctx, 15*time.Second)
		defer cancel()

		if err := m.notifier.Notify(ctx, msg); err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send notification", "err", err)
		}
	}()
}
