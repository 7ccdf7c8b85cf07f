package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gensoc/obitstore/internal/connector"
	"github.com/gensoc/obitstore/internal/repository/catalog_repo"
	"github.com/gensoc/obitstore/internal/repository/record_repo"
)

// --- fakes ---

type mockConnector struct {
	putFn func(ctx context.Context, key string, data io.Reader, size int64, contentType string) (connector.PutResult, error)
}

func (m *mockConnector) Put(ctx context.Context, key string, data io.Reader, size int64, contentType string) (connector.PutResult, error) {
	if m.putFn != nil {
		return m.putFn(ctx, key, data, size, contentType)
	}
	return connector.PutResult{SizeBytes: size, Fingerprint: "etag"}, nil
}

func (m *mockConnector) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, connector.ErrNotFound
}

func (m *mockConnector) Stat(ctx context.Context, key string) (connector.Object, error) {
	return connector.Object{}, connector.ErrNotFound
}

func (m *mockConnector) Traverse(ctx context.Context, objCh chan connector.Object) error {
	return nil
}

type memCatalog struct {
	mu      sync.Mutex
	entries map[string]catalog_repo.Entry
	upserts int
}

func newMemCatalog() *memCatalog {
	return &memCatalog{entries: make(map[string]catalog_repo.Entry)}
}

func (c *memCatalog) Upsert(ctx context.Context, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upserts++
	c.entries[e.Key] = e
	return nil
}

func (c *memCatalog) UpdateContent(ctx context.Context, key string, sizeBytes int64, fingerprint string, modified *time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return catalog_repo.ErrNotFound
	}
	e.SizeBytes = sizeBytes
	e.Fingerprint = fingerprint
	e.ModifiedTimestamp = modified
	c.entries[key] = e
	return nil
}

func (c *memCatalog) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *memCatalog) GetByKey(ctx context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, catalog_repo.ErrNotFound
	}
	return &e, nil
}

func (c *memCatalog) All(ctx context.Context) ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out, nil
}

type Entry = catalog_repo.Entry

type memRecords struct {
	mu      sync.Mutex
	records map[string][]string
}

func newMemRecords(refs ...string) *memRecords {
	m := &memRecords{records: make(map[string][]string)}
	for _, ref := range refs {
		m.records[ref] = []string{}
	}
	return m
}

func (r *memRecords) FindByReference(ctx context.Context, reference string) (*record_repo.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, ok := r.records[reference]
	if !ok {
		return nil, record_repo.ErrNotFound
	}
	return &record_repo.Record{Reference: reference, ImageKeys: append([]string(nil), keys...)}, nil
}

func (r *memRecords) Create(ctx context.Context, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[reference]; !ok {
		r.records[reference] = []string{}
	}
	return nil
}

func (r *memRecords) AppendImageKey(ctx context.Context, reference, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys, ok := r.records[reference]
	if !ok {
		return nil
	}
	for _, k := range keys {
		if k == key {
			return nil
		}
	}
	r.records[reference] = append(keys, key)
	return nil
}

func (r *memRecords) RemoveImageKey(ctx context.Context, reference, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := r.records[reference]
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	r.records[reference] = out
	return nil
}

func newTestPipeline(con connector.Connector, catalog *memCatalog, records *memRecords) *Pipeline {
	p := NewPipeline(con, catalog, records, zap.NewNop())
	p.opTimeout = time.Second
	return p
}

// --- tests ---

func TestIngestSucceedsAfterRetries(t *testing.T) {
	calls := 0
	con := &mockConnector{
		putFn: func(ctx context.Context, key string, data io.Reader, size int64, contentType string) (connector.PutResult, error) {
			calls++
			if calls < PutAttempts {
				return connector.PutResult{}, &connector.TransientError{Op: "put", Key: key, Err: errors.New("connection reset")}
			}
			return connector.PutResult{SizeBytes: size, Fingerprint: "etag-1"}, nil
		},
	}
	catalog := newMemCatalog()
	records := newMemRecords("AB123456")
	p := newTestPipeline(con, catalog, records)

	entry, err := p.Ingest(context.Background(), Upload{Name: "AB123456_1.jpg", Data: []byte("jpegdata")})
	require.NoError(t, err)
	assert.Equal(t, PutAttempts, calls)
	assert.Equal(t, "AB123456", entry.OwnerReference)
	assert.Equal(t, "etag-1", entry.Fingerprint)

	stored, err := catalog.GetByKey(context.Background(), "AB123456_1.jpg")
	require.NoError(t, err)
	assert.Equal(t, "AB123456", stored.OwnerReference)
}

func TestIngestFailsWhenRetriesExhausted(t *testing.T) {
	calls := 0
	con := &mockConnector{
		putFn: func(ctx context.Context, key string, data io.Reader, size int64, contentType string) (connector.PutResult, error) {
			calls++
			return connector.PutResult{}, &connector.TransientError{Op: "put", Key: key, Err: errors.New("timeout")}
		},
	}
	catalog := newMemCatalog()
	records := newMemRecords("AB123456")
	p := newTestPipeline(con, catalog, records)

	_, err := p.Ingest(context.Background(), Upload{Name: "AB123456_1.jpg", Data: []byte("jpegdata")})

	var attemptsErr *AttemptsError
	require.ErrorAs(t, err, &attemptsErr)
	assert.Equal(t, PutAttempts, attemptsErr.Attempts)
	assert.Equal(t, PutAttempts, calls)

	// The catalog must never point at a key whose store write failed.
	assert.Empty(t, catalog.entries)
	rec, _ := records.FindByReference(context.Background(), "AB123456")
	assert.Empty(t, rec.ImageKeys)
}

func TestIngestDoesNotRetryPermanentErrors(t *testing.T) {
	calls := 0
	con := &mockConnector{
		putFn: func(ctx context.Context, key string, data io.Reader, size int64, contentType string) (connector.PutResult, error) {
			calls++
			return connector.PutResult{}, &connector.PermanentError{Op: "put", Key: key, Err: errors.New("access denied")}
		},
	}
	p := newTestPipeline(con, newMemCatalog(), newMemRecords())

	_, err := p.Ingest(context.Background(), Upload{Name: "AB123456_1.jpg", Data: []byte("jpegdata")})
	require.Error(t, err)
	assert.True(t, connector.IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestIngestIsIdempotent(t *testing.T) {
	catalog := newMemCatalog()
	records := newMemRecords("AB123456")
	p := newTestPipeline(&mockConnector{}, catalog, records)

	up := Upload{Name: "AB123456_1.jpg", Data: []byte("jpegdata")}
	for i := 0; i < 3; i++ {
		_, err := p.Ingest(context.Background(), up)
		require.NoError(t, err)
	}

	assert.Len(t, catalog.entries, 1)
	rec, err := records.FindByReference(context.Background(), "AB123456")
	require.NoError(t, err)
	assert.Equal(t, []string{"AB123456_1.jpg"}, rec.ImageKeys)
}

func TestIngestOrphanWhenNoRecordMatches(t *testing.T) {
	catalog := newMemCatalog()
	p := newTestPipeline(&mockConnector{}, catalog, newMemRecords("CD999999"))

	entry, err := p.Ingest(context.Background(), Upload{Name: "AB123456_1.jpg", Data: []byte("jpegdata")})
	require.NoError(t, err)
	assert.Empty(t, entry.OwnerReference)

	stored, err := catalog.GetByKey(context.Background(), "AB123456_1.jpg")
	require.NoError(t, err)
	assert.Empty(t, stored.OwnerReference)
}

func TestIngestAppendsToExistingRecord(t *testing.T) {
	catalog := newMemCatalog()
	records := newMemRecords("AB123456")
	records.records["AB123456"] = []string{"AB123456_1.jpg", "AB123456_2.jpg"}
	p := newTestPipeline(&mockConnector{}, catalog, records)

	entry, err := p.Ingest(context.Background(), Upload{Name: "AB123456_3.jpg", Data: []byte("jpegdata")})
	require.NoError(t, err)
	assert.Equal(t, "AB123456", entry.OwnerReference)

	rec, err := records.FindByReference(context.Background(), "AB123456")
	require.NoError(t, err)
	assert.Equal(t, []string{"AB123456_1.jpg", "AB123456_2.jpg", "AB123456_3.jpg"}, rec.ImageKeys)
}

func TestIngestRejectsEmptyUploads(t *testing.T) {
	p := newTestPipeline(&mockConnector{}, newMemCatalog(), newMemRecords())

	_, err := p.Ingest(context.Background(), Upload{Name: "", Data: []byte("x")})
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = p.Ingest(context.Background(), Upload{Name: "AB123456_1.jpg", Data: nil})
	assert.ErrorIs(t, err, ErrEmptyData)
}

func TestIngestSniffsContentType(t *testing.T) {
	var gotContentType string
	con := &mockConnector{
		putFn: func(ctx context.Context, key string, data io.Reader, size int64, contentType string) (connector.PutResult, error) {
			gotContentType = contentType
			return connector.PutResult{SizeBytes: size, Fingerprint: "etag"}, nil
		},
	}
	p := newTestPipeline(con, newMemCatalog(), newMemRecords())

	// PNG magic bytes.
	data := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a}
	_, err := p.Ingest(context.Background(), Upload{Name: "AB123456_1.png", Data: data})
	require.NoError(t, err)
	assert.Equal(t, "image/png", gotContentType)
}
