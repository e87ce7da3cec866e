package sqlite

import (
	"database/sql"
	"errors"

	"github.com/italolelis/assetfetch/internal/storage"
)

const selectColumns = `SELECT instance_id, serial, url, file_path, status, bytes, error_code, attempts, started_at, finished_at FROM downloads`

type DownloadReadRepository struct {
	db *sql.DB
}

func NewDownloadReadRepository(dbConn *sql.DB) *DownloadReadRepository {
	return &DownloadReadRepository{db: dbConn}
}

func (r *DownloadReadRepository) GetDownloads() ([]storage.DownloadRecord, error) {
	rows, err := r.db.Query(selectColumns + ` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// GetDownload returns the record for one task of one instance.
func (r *DownloadReadRepository) GetDownload(instanceID string, serial int64) (storage.DownloadRecord, error) {
	row := r.db.QueryRow(selectColumns+` WHERE instance_id = ? AND serial = ?`, instanceID, serial)

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DownloadRecord{}, storage.ErrNotFound
	}

	return record, err
}

// GetStaleDownloads returns downloads left in 'downloading' by other instances.
func (r *DownloadReadRepository) GetStaleDownloads(instanceID string) ([]storage.DownloadRecord, error) {
	rows, err := r.db.Query(
		selectColumns+`
		WHERE status = ?
		AND instance_id <> ?
		ORDER BY id`, storage.StatusDownloading, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.DownloadRecord, error) {
	var (
		record     storage.DownloadRecord
		startedAt  sql.NullString
		finishedAt sql.NullString
	)

	err := s.Scan(
		&record.InstanceID,
		&record.Serial,
		&record.URL,
		&record.FilePath,
		&record.Status,
		&record.Bytes,
		&record.ErrorCode,
		&record.Attempts,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	record.StartedAt = startedAt.String
	record.FinishedAt = finishedAt.String

	return record, nil
}

func scanRecords(rows *sql.Rows) ([]storage.DownloadRecord, error) {
	var downloads []storage.DownloadRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}
