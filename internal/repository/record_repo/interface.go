package record_repo

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("record not found")

// Record is the owning business entity: one obituary, identified by a
// fixed-width reference code, with a denormalized list of its image keys.
type Record struct {
	Reference string
	ImageKeys []string
}

type Records interface {
	FindByReference(ctx context.Context, reference string) (*Record, error)
	Create(ctx context.Context, reference string) error
	// AppendImageKey adds key to the record's image list unless already
	// present. Appending to a missing record is a no-op.
	AppendImageKey(ctx context.Context, reference, key string) error
	RemoveImageKey(ctx context.Context, reference, key string) error
}
