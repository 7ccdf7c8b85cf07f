// Package ingest writes uploaded assets to the object store under retry
// discipline and registers them in the catalog.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha512"
	"errors"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/gensoc/obitstore/internal/connector"
	"github.com/gensoc/obitstore/internal/owner"
	"github.com/gensoc/obitstore/internal/repository/catalog_repo"
	"github.com/gensoc/obitstore/internal/repository/record_repo"
)

const (
	// PutAttempts bounds how often a store write is tried before the whole
	// ingestion fails.
	PutAttempts = 3

	defaultOpTimeout = 30 * time.Second
)

var (
	ErrEmptyName = errors.New("upload has no name")
	ErrEmptyData = errors.New("upload has no content")
)

var (
	ingestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obitstore_ingests_total",
		Help: "Ingestion outcomes by status.",
	}, []string{"status"})

	ingestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "obitstore_ingest_duration_seconds",
		Help:    "Duration of full ingestions (store write plus catalog update).",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
)

// AttemptsError reports that every store write attempt failed. Last carries
// the final underlying cause.
type AttemptsError struct {
	Attempts int
	Last     error
}

func (e *AttemptsError) Error() string {
	return fmt.Sprintf("upload failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *AttemptsError) Unwrap() error {
	return e.Last
}

type Upload struct {
	Name        string
	Data        []byte
	ContentType string
}

type Pipeline struct {
	con     connector.Connector
	catalog catalog_repo.Catalog
	records record_repo.Records
	lg      *zap.Logger

	attempts  int
	opTimeout time.Duration
}

func NewPipeline(
	con connector.Connector,
	catalog catalog_repo.Catalog,
	records record_repo.Records,
	lg *zap.Logger,
) *Pipeline {
	return &Pipeline{
		con:       con,
		catalog:   catalog,
		records:   records,
		lg:        lg,
		attempts:  PutAttempts,
		opTimeout: defaultOpTimeout,
	}
}

// Ingest writes the upload to the object store and, once the write has
// succeeded, records it in the catalog. The catalog is never touched for a
// key whose store write did not succeed.
func (p *Pipeline) Ingest(ctx context.Context, up Upload) (*catalog_repo.Entry, error) {
	start := time.Now()

	if up.Name == "" {
		ingestsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrEmptyName
	}
	if len(up.Data) == 0 {
		ingestsTotal.WithLabelValues("invalid").Inc()
		return nil, ErrEmptyData
	}

	contentType := up.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(up.Data).String()
	}

	res, err := p.putWithRetry(ctx, up, contentType)
	if err != nil {
		ingestsTotal.WithLabelValues("store_error").Inc()
		return nil, err
	}

	fingerprint := res.Fingerprint
	if fingerprint == "" {
		fingerprint = fmt.Sprintf("%x", sha512.Sum512(up.Data))
	}

	now := time.Now().UTC()
	entry, err := p.Register(ctx, connector.Object{
		Key:               up.Name,
		SizeBytes:         int64(len(up.Data)),
		Fingerprint:       fingerprint,
		ContentType:       contentType,
		ModifiedTimestamp: &now,
	})
	if err != nil {
		ingestsTotal.WithLabelValues("catalog_error").Inc()
		return nil, err
	}

	ingestsTotal.WithLabelValues("success").Inc()
	ingestDuration.Observe(time.Since(start).Seconds())
	p.lg.Info("ingested asset",
		zap.String("key", entry.Key),
		zap.Int64("size_bytes", entry.SizeBytes),
		zap.String("owner", entry.OwnerReference),
	)
	return entry, nil
}

func (p *Pipeline) putWithRetry(ctx context.Context, up Upload, contentType string) (connector.PutResult, error) {
	var last error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.opTimeout)
		res, err := p.con.Put(attemptCtx, up.Name, bytes.NewReader(up.Data), int64(len(up.Data)), contentType)
		cancel()
		if err == nil {
			return res, nil
		}
		if connector.IsPermanent(err) {
			// Retrying cannot fix these; surface without consuming attempts.
			return connector.PutResult{}, err
		}
		last = err
		p.lg.Warn("store write failed",
			zap.String("key", up.Name),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return connector.PutResult{}, &AttemptsError{Attempts: p.attempts, Last: last}
}

// Register records a successfully stored object in the catalog and links it
// to its owning record when one exists. An object whose derived reference
// matches no record becomes an orphan entry, not an error.
func (p *Pipeline) Register(ctx context.Context, obj connector.Object) (*catalog_repo.Entry, error) {
	ownerRef := ""
	if ref := owner.Resolve(obj.Key); ref != "" {
		_, err := p.records.FindByReference(ctx, ref)
		switch {
		case err == nil:
			ownerRef = ref
		case errors.Is(err, record_repo.ErrNotFound):
			// No matching record; keep the entry unowned.
		default:
			return nil, fmt.Errorf("resolve owner of %q: %w", obj.Key, err)
		}
	}

	entry := catalog_repo.Entry{
		Key:               obj.Key,
		SizeBytes:         obj.SizeBytes,
		Fingerprint:       obj.Fingerprint,
		ContentType:       obj.ContentType,
		OwnerReference:    ownerRef,
		ModifiedTimestamp: obj.ModifiedTimestamp,
	}
	if err := p.catalog.Upsert(ctx, entry); err != nil {
		return nil, fmt.Errorf("upsert catalog entry %q: %w", obj.Key, err)
	}

	if ownerRef != "" {
		if err := p.records.AppendImageKey(ctx, ownerRef, obj.Key); err != nil {
			return nil, fmt.Errorf("link %q to record %q: %w", obj.Key, ownerRef, err)
		}
	} else {
		p.lg.Info("no matching record for asset, catalog entry left unowned",
			zap.String("key", obj.Key),
		)
	}

	return &entry, nil
}
