package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/storage"
	"github.com/italolelis/download_manager/internal/telemetry"
)

// InstrumentedDownloadRepository records a span and db metrics around every
// call to the wrapped repository.
type InstrumentedDownloadRepository struct {
	next      storage.DownloadRepository
	telemetry *telemetry.Telemetry
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)

// NewInstrumentedDownloadRepository instruments the SQLite repository on dbConn.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return Instrument(NewDownloadRepository(dbConn), tel)
}

// Instrument decorates any repository.
func Instrument(next storage.DownloadRepository, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{next: next, telemetry: tel}
}

func (r *InstrumentedDownloadRepository) Save(ctx context.Context, downloads []download.Entity) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_downloads", func(ctx context.Context) error {
		return r.next.Save(ctx, downloads)
	})
}

func (r *InstrumentedDownloadRepository) Load(ctx context.Context) ([]download.Entity, error) {
	var loaded []download.Entity

	err := r.telemetry.InstrumentDBOperation(ctx, "load_downloads", func(ctx context.Context) error {
		var err error

		loaded, err = r.next.Load(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return loaded, nil
}
