package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/italolelis/download_manager/internal/download"
)

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

// Save replaces the stored list with downloads inside a single transaction.
func (r *DownloadRepository) Save(ctx context.Context, downloads []download.Entity) error {
	if err := r.save(ctx, downloads); err != nil {
		return &download.StorageError{Operation: "save", Err: err}
	}

	return nil
}

func (r *DownloadRepository) save(ctx context.Context, downloads []download.Entity) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM downloads`); err != nil {
		return fmt.Errorf("failed to clear downloads: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO downloads (
			id, position, url, filename, status, progress, size, downloaded, speed, eta,
			created_at, started_at, ended_at, file_path, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, d := range downloads {
		var eta sql.NullFloat64
		if d.ETA != nil {
			eta = sql.NullFloat64{Float64: *d.ETA, Valid: true}
		}

		_, err := stmt.ExecContext(ctx,
			d.ID, i, d.URL, d.Filename, string(d.Status), d.Progress, d.Size, d.Downloaded, d.Speed, eta,
			nullTime(d.CreatedAt), nullTime(d.StartTime), nullTime(d.EndTime), d.FilePath, d.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to insert download %s: %w", d.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Load returns the stored downloads in the order they were saved.
func (r *DownloadRepository) Load(ctx context.Context) ([]download.Entity, error) {
	downloads, err := r.load(ctx)
	if err != nil {
		return nil, &download.StorageError{Operation: "load", Err: err}
	}

	return downloads, nil
}

func (r *DownloadRepository) load(ctx context.Context) ([]download.Entity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, url, filename, status, progress, size, downloaded, speed, eta,
			created_at, started_at, ended_at, file_path, error
		FROM downloads
		ORDER BY position
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var downloads []download.Entity

	for rows.Next() {
		var (
			d                           download.Entity
			status                      string
			eta                         sql.NullFloat64
			createdAt, startedAt, ended sql.NullTime
		)

		err := rows.Scan(
			&d.ID, &d.URL, &d.Filename, &status, &d.Progress, &d.Size, &d.Downloaded, &d.Speed, &eta,
			&createdAt, &startedAt, &ended, &d.FilePath, &d.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}

		d.Status = download.Status(status)

		if eta.Valid {
			v := eta.Float64
			d.ETA = &v
		}

		d.CreatedAt = createdAt.Time
		d.StartTime = startedAt.Time
		d.EndTime = ended.Time

		downloads = append(downloads, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate downloads: %w", err)
	}

	return downloads, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}
