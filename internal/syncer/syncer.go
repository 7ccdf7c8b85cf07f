// Package syncer diffs the object store against the catalog and repairs
// divergence. The object store wins: the catalog is made to mirror it.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/gensoc/obitstore/internal/connector"
	"github.com/gensoc/obitstore/internal/repository/catalog_repo"
	"github.com/gensoc/obitstore/internal/repository/record_repo"
)

const (
	traverseChanSize = 1024

	defaultOpTimeout = 30 * time.Second

	// A full listing walks the whole bucket; generous, but still bounded.
	defaultListTimeout = 10 * time.Minute
)

// ErrSyncBusy reports that a reconciliation run is already in progress.
// Concurrent callers are rejected rather than queued.
var ErrSyncBusy = errors.New("reconciliation already running")

var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obitstore_sync_runs_total",
		Help: "Reconciliation runs by outcome.",
	}, []string{"status"})

	syncInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "obitstore_sync_in_progress",
		Help: "Whether a reconciliation run is currently active.",
	})

	syncKeysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obitstore_sync_keys_total",
		Help: "Catalog mutations applied by reconciliation, by operation.",
	}, []string{"op"})
)

// KeyError is a failure processing a single key; it never aborts the rest of
// the run.
type KeyError struct {
	Key string
	Err error
}

func (e KeyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

type Report struct {
	RunID string

	Inserted int
	Updated  int
	Evicted  int
	Orphaned int

	Errors []KeyError

	Duration time.Duration
}

// Registrar inserts a stored object into the catalog, resolving ownership.
// Implemented by ingest.Pipeline so the insert path is the same one uploads
// take.
type Registrar interface {
	Register(ctx context.Context, obj connector.Object) (*catalog_repo.Entry, error)
}

type Engine struct {
	con       connector.Connector
	catalog   catalog_repo.Catalog
	records   record_repo.Records
	registrar Registrar
	lg        *zap.Logger

	opTimeout   time.Duration
	listTimeout time.Duration

	mu sync.Mutex
}

func NewEngine(
	con connector.Connector,
	catalog catalog_repo.Catalog,
	records record_repo.Records,
	registrar Registrar,
	lg *zap.Logger,
) *Engine {
	return &Engine{
		con:         con,
		catalog:     catalog,
		records:     records,
		registrar:   registrar,
		lg:          lg,
		opTimeout:   defaultOpTimeout,
		listTimeout: defaultListTimeout,
	}
}

// Reconcile runs one full scan. Only one run may be active at a time; a call
// arriving while another run holds the token fails fast with ErrSyncBusy.
// A failure listing the store aborts the whole run; failures applying
// individual keys are collected into the report instead.
func (e *Engine) Reconcile(ctx context.Context) (*Report, error) {
	if !e.mu.TryLock() {
		syncRunsTotal.WithLabelValues("busy").Inc()
		return nil, ErrSyncBusy
	}
	defer e.mu.Unlock()

	syncInProgress.Set(1)
	defer syncInProgress.Set(0)

	start := time.Now()
	report := &Report{RunID: uuid.NewString()}
	lg := e.lg.With(zap.String("run_id", report.RunID))
	lg.Info("reconciliation started")

	stored, err := e.listStore(ctx)
	if err != nil {
		syncRunsTotal.WithLabelValues("list_failed").Inc()
		return nil, fmt.Errorf("list object store: %w", err)
	}

	entries, err := e.catalog.All(ctx)
	if err != nil {
		syncRunsTotal.WithLabelValues("catalog_failed").Inc()
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	catalogued := make(map[string]catalog_repo.Entry, len(entries))
	for _, entry := range entries {
		catalogued[entry.Key] = entry
	}

	for key, obj := range stored {
		if entry, ok := catalogued[key]; ok {
			e.compareOne(ctx, lg, report, entry, obj)
		} else {
			e.insertOne(ctx, lg, report, obj)
		}
	}
	for key, entry := range catalogued {
		if _, ok := stored[key]; !ok {
			e.evictOne(ctx, lg, report, entry)
		}
	}

	report.Duration = time.Since(start)
	syncRunsTotal.WithLabelValues("success").Inc()
	lg.Info("reconciliation finished",
		zap.Int("inserted", report.Inserted),
		zap.Int("updated", report.Updated),
		zap.Int("evicted", report.Evicted),
		zap.Int("orphaned", report.Orphaned),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// listStore drains a full traversal into a key-indexed map. The traversal is
// not restartable: any listing error aborts the run.
func (e *Engine) listStore(ctx context.Context) (map[string]connector.Object, error) {
	listCtx, cancel := context.WithTimeout(ctx, e.listTimeout)
	defer cancel()

	objCh := make(chan connector.Object, traverseChanSize)
	errCh := make(chan error, 1)

	go func() {
		defer close(objCh)
		errCh <- e.con.Traverse(listCtx, objCh)
	}()

	stored := make(map[string]connector.Object)
	for obj := range objCh {
		stored[obj.Key] = obj
	}
	if err := <-errCh; err != nil {
		return nil, err
	}
	return stored, nil
}

func (e *Engine) insertOne(ctx context.Context, lg *zap.Logger, report *Report, obj connector.Object) {
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	if err := e.enrich(opCtx, &obj); err != nil {
		// Enrichment is best-effort; the listing metadata is still usable.
		lg.Warn("failed to enrich object", zap.String("key", obj.Key), zap.Error(err))
	}

	entry, err := e.registrar.Register(opCtx, obj)
	if err != nil {
		report.Errors = append(report.Errors, KeyError{Key: obj.Key, Err: err})
		lg.Error("failed to insert catalog entry", zap.String("key", obj.Key), zap.Error(err))
		return
	}

	report.Inserted++
	syncKeysTotal.WithLabelValues("inserted").Inc()
	if entry.OwnerReference == "" {
		report.Orphaned++
	}
}

func (e *Engine) compareOne(ctx context.Context, lg *zap.Logger, report *Report, entry catalog_repo.Entry, obj connector.Object) {
	if entry.Fingerprint == obj.Fingerprint {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	// Content changed under the same key. Ownership is not re-resolved; it
	// only gets assigned on insert.
	err := e.catalog.UpdateContent(opCtx, obj.Key, obj.SizeBytes, obj.Fingerprint, obj.ModifiedTimestamp)
	if err != nil {
		report.Errors = append(report.Errors, KeyError{Key: obj.Key, Err: err})
		lg.Error("failed to update catalog entry", zap.String("key", obj.Key), zap.Error(err))
		return
	}

	report.Updated++
	syncKeysTotal.WithLabelValues("updated").Inc()
}

func (e *Engine) evictOne(ctx context.Context, lg *zap.Logger, report *Report, entry catalog_repo.Entry) {
	opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
	defer cancel()

	// Unlink before deleting the entry. A failed unlink leaves the entry in
	// the catalog, so the next run sees the key again and retries the whole
	// evict; the reverse order would strand the key in the record's image
	// list with nothing left to reconcile against.
	if entry.OwnerReference != "" {
		if err := e.records.RemoveImageKey(opCtx, entry.OwnerReference, entry.Key); err != nil {
			report.Errors = append(report.Errors, KeyError{Key: entry.Key, Err: err})
			lg.Error("failed to unlink evicted entry from record",
				zap.String("key", entry.Key),
				zap.String("owner", entry.OwnerReference),
				zap.Error(err),
			)
			return
		}
	}
	if err := e.catalog.Delete(opCtx, entry.Key); err != nil {
		report.Errors = append(report.Errors, KeyError{Key: entry.Key, Err: err})
		lg.Error("failed to evict catalog entry", zap.String("key", entry.Key), zap.Error(err))
		return
	}

	report.Evicted++
	syncKeysTotal.WithLabelValues("evicted").Inc()
}
