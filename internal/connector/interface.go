package connector

import (
	"context"
	"io"
	"time"
)

type ConnectorType string

const (
	ConnectorTypeWebdav ConnectorType = "webdav"
	ConnectorTypeS3     ConnectorType = "s3"
)

type Object struct {
	Key string

	SizeBytes int64

	// Fingerprint is an opaque content tag (S3 ETag, or a derived tag for
	// stores that have none). Same key and same fingerprint means same content.
	Fingerprint string

	ContentType string

	ModifiedTimestamp *time.Time
}

type PutResult struct {
	SizeBytes   int64
	Fingerprint string
}

type Connector interface {
	// Put writes an object under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (PutResult, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (Object, error)
	// Traverse streams every object in the store into objCh. The channel is
	// owned by the caller and is never closed by the connector.
	Traverse(ctx context.Context, objCh chan Object) error
}
