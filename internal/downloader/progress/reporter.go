// Package progress exposes read-only views over an in-flight download.
package progress

// Reporter is a read-only view of a download's byte counters. Implementations
// are safe to poll from any goroutine while the transfer runs; each field is
// read atomically but the three values are not a consistent snapshot.
type Reporter interface {
	// FileSize is the Content-Length of the current attempt, 0 while unknown.
	FileSize() int64
	// DownloadedBytes is the number of bytes written by the current attempt.
	DownloadedBytes() int64
	// Progress is DownloadedBytes/FileSize in [0,1], 0 while the size is unknown.
	Progress() float64
}

// Fraction computes written/total clamped to [0,1]. A non-positive total
// yields 0.
func Fraction(written, total int64) float64 {
	if total <= 0 || written <= 0 {
		return 0
	}

	if written >= total {
		return 1
	}

	return float64(written) / float64(total)
}

// Snapshot is a point-in-time copy of a Reporter, suitable for JSON.
type Snapshot struct {
	FileSize        int64   `json:"file_size"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	Progress        float64 `json:"progress"`
}

// Take copies the current counters of r.
func Take(r Reporter) Snapshot {
	return Snapshot{
		FileSize:        r.FileSize(),
		DownloadedBytes: r.DownloadedBytes(),
		Progress:        r.Progress(),
	}
}
