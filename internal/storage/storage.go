package storage

import "errors"

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = errors.New("download record not found")

// Download statuses.
const (
	StatusDownloading = "downloading"
	StatusDownloaded  = "downloaded"
	StatusFailed      = "failed"
	StatusDiscarded   = "discarded"
)

// DownloadRecord represents the history of a single download task.
type DownloadRecord struct {
	InstanceID string
	Serial     int64
	URL        string
	FilePath   string
	Status     string
	Bytes      int64
	ErrorCode  int
	Attempts   int
	StartedAt  string
	FinishedAt string
}

// DownloadResult is what a finished task reports back to the history.
type DownloadResult struct {
	Status    string
	Bytes     int64
	ErrorCode int
	Attempts  int
}

type DownloadReadRepository interface {
	GetDownloads() ([]DownloadRecord, error)
	GetDownload(instanceID string, serial int64) (DownloadRecord, error)
	// GetStaleDownloads returns records still marked downloading that belong to
	// any instance other than instanceID.
	GetStaleDownloads(instanceID string) ([]DownloadRecord, error)
}

type DownloadWriteRepository interface {
	TrackDownload(instanceID string, serial int64, url, filePath string) error
	FinishDownload(instanceID string, serial int64, result DownloadResult) error
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}
