package sqlite

import (
	"database/sql"
	"time"

	"github.com/italolelis/assetfetch/internal/storage"
)

// DownloadWriteRepository implements storage.DownloadWriteRepository
// and stores download records in SQLite.
type DownloadWriteRepository struct {
	db *sql.DB
}

func NewDownloadWriteRepository(db *sql.DB) *DownloadWriteRepository {
	return &DownloadWriteRepository{db: db}
}

// TrackDownload records a task that just started.
func (r *DownloadWriteRepository) TrackDownload(instanceID string, serial int64, url, filePath string) error {
	_, err := r.db.Exec(
		`INSERT INTO downloads (instance_id, serial, url, file_path, status, started_at) VALUES (?, ?, ?, ?, ?, ?)`,
		instanceID, serial, url, filePath, storage.StatusDownloading, time.Now().UTC().Format(time.RFC3339),
	)

	return err
}

// FinishDownload stores the terminal outcome of a task.
func (r *DownloadWriteRepository) FinishDownload(instanceID string, serial int64, result storage.DownloadResult) error {
	res, err := r.db.Exec(
		`UPDATE downloads
		SET status = ?, bytes = ?, error_code = ?, attempts = ?, finished_at = ?
		WHERE instance_id = ? AND serial = ?`,
		result.Status, result.Bytes, result.ErrorCode, result.Attempts, time.Now().UTC().Format(time.RFC3339),
		instanceID, serial,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}
