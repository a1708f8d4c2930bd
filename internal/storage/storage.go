package storage

import (
	"context"

	"github.com/italolelis/download_manager/internal/download"
)

// DownloadRepository persists the full download list. Save replaces whatever
// was stored before; Load returns entities in the order they were saved.
type DownloadRepository interface {
	Save(ctx context.Context, downloads []download.Entity) error
	Load(ctx context.Context) ([]download.Entity, error)
}
