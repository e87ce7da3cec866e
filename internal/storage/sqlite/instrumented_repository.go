package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/assetfetch/internal/storage"
	"github.com/italolelis/assetfetch/internal/telemetry"
)

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

// GetDownloads retrieves all downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetDownloads() ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownloads()

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GetDownload retrieves one download with telemetry.
func (r *InstrumentedDownloadRepository) GetDownload(instanceID string, serial int64) (storage.DownloadRecord, error) {
	var result storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_download", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetDownload(instanceID, serial)

		return err
	})

	return result, err
}

// GetStaleDownloads retrieves abandoned downloads with telemetry.
func (r *InstrumentedDownloadRepository) GetStaleDownloads(instanceID string) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(context.Background(), "get_stale_downloads", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetStaleDownloads(instanceID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// TrackDownload records a started download with telemetry.
func (r *InstrumentedDownloadRepository) TrackDownload(instanceID string, serial int64, url, filePath string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "track_download", func(ctx context.Context) error {
		return r.repo.TrackDownload(instanceID, serial, url, filePath)
	})
}

// FinishDownload records a terminal outcome with telemetry.
func (r *InstrumentedDownloadRepository) FinishDownload(instanceID string, serial int64, result storage.DownloadResult) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "finish_download", func(ctx context.Context) error {
		return r.repo.FinishDownload(instanceID, serial, result)
	})
}
