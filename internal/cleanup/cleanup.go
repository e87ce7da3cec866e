package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/italolelis/assetfetch/internal/logctx"
	"github.com/italolelis/assetfetch/internal/storage"
)

// DeletePartialFiles removes output files of downloads that another instance
// left in 'downloading' and marks those records failed. It returns how many
// records were swept. Files that cannot be removed are logged and skipped.
func DeletePartialFiles(ctx context.Context, repo storage.DownloadRepository, instanceID string) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	stale, err := repo.GetStaleDownloads(instanceID)
	if err != nil {
		return 0, fmt.Errorf("failed to get stale downloads: %w", err)
	}

	swept := 0

	for _, rec := range stale {
		recLogger := logger.With("instance_id", rec.InstanceID, "serial", rec.Serial, "file", rec.FilePath)

		if err := os.Remove(rec.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			recLogger.ErrorContext(ctx, "failed to delete partial file", "err", err)

			continue
		}

		err := repo.FinishDownload(rec.InstanceID, rec.Serial, storage.DownloadResult{
			Status:   storage.StatusFailed,
			Bytes:    rec.Bytes,
			Attempts: rec.Attempts,
		})
		if err != nil {
			return swept, fmt.Errorf("failed to mark download %d of %s as failed: %w", rec.Serial, rec.InstanceID, err)
		}

		recLogger.InfoContext(ctx, "deleted partial file of abandoned download")

		swept++
	}

	return swept, nil
}
