package sqlite

import (
	"database/sql"

	"github.com/italolelis/assetfetch/internal/storage"
)

var _ storage.DownloadRepository = (*DownloadRepository)(nil)

// DownloadRepository combines the read and write sides over one database.
type DownloadRepository struct {
	*DownloadReadRepository
	*DownloadWriteRepository
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{
		DownloadReadRepository:  NewDownloadReadRepository(dbConn),
		DownloadWriteRepository: NewDownloadWriteRepository(dbConn),
	}
}
