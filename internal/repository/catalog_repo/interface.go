package catalog_repo

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("catalog entry not found")

// Entry mirrors one stored object in the relational catalog. The object
// store stays the source of truth for existence and bytes; the catalog is
// the queryable index over it.
type Entry struct {
	Key string

	SizeBytes   int64
	Fingerprint string
	ContentType string

	// OwnerReference is the obituary this image belongs to. Empty means the
	// entry is an orphan: no record matched the key at ingestion/sync time.
	OwnerReference string

	ModifiedTimestamp *time.Time
	CreatedTimestamp  time.Time
}

type Catalog interface {
	// Upsert inserts the entry or overwrites all mutable fields of the
	// existing row. Last writer wins.
	Upsert(ctx context.Context, e Entry) error
	// UpdateContent refreshes size/fingerprint/modified of an existing row
	// without touching ownership.
	UpdateContent(ctx context.Context, key string, sizeBytes int64, fingerprint string, modified *time.Time) error
	Delete(ctx context.Context, key string) error
	GetByKey(ctx context.Context, key string) (*Entry, error)
	All(ctx context.Context) ([]Entry, error)
}
