// Package archive assembles an obituary's downloadable bundle: the generated
// report document plus every stored image, streamed as a single zip.
package archive

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gensoc/obitstore/internal/connector"
	"github.com/gensoc/obitstore/internal/docgen"
	"github.com/gensoc/obitstore/internal/repository/record_repo"
)

const (
	// FetchWidth bounds concurrent image fetches per bundle so one large
	// archive cannot flood the object store.
	FetchWidth = 4

	defaultFetchTimeout = 30 * time.Second
)

// ErrNoContent reports that neither the document nor any image could be
// obtained. It is the assembler's only caller-visible failure mode; dropped
// individual inputs only produce warnings.
var ErrNoContent = errors.New("no files available for this reference")

var (
	archivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obitstore_archives_total",
		Help: "Archive assembly outcomes by status.",
	}, []string{"status"})

	archiveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "obitstore_archive_duration_seconds",
		Help:    "Duration of bundle assembly including streaming.",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

// Summary reports which entries made it into the bundle and which were
// dropped after a failed fetch.
type Summary struct {
	Included []string
	Omitted  []string
}

type Assembler struct {
	records record_repo.Records
	con     connector.Connector
	gen     docgen.Generator
	lg      *zap.Logger

	fetchWidth   int
	fetchTimeout time.Duration
}

func NewAssembler(
	records record_repo.Records,
	con connector.Connector,
	gen docgen.Generator,
	lg *zap.Logger,
) *Assembler {
	return &Assembler{
		records:      records,
		con:          con,
		gen:          gen,
		lg:           lg,
		fetchWidth:   FetchWidth,
		fetchTimeout: defaultFetchTimeout,
	}
}

// BundleFilename is the attachment name for a reference's bundle.
func BundleFilename(reference string) string {
	return fmt.Sprintf("obituary_%s.zip", reference)
}

func documentFilename(reference string) string {
	return fmt.Sprintf("obituary_%s.pdf", reference)
}

type item struct {
	name string
	data []byte
	err  error
}

// Assemble streams the bundle for reference into w. Every input is
// best-effort: a failed document generation or image fetch drops that entry
// with a warning. Only a bundle with zero entries fails, with ErrNoContent,
// before anything is written to w. Entry order follows fetch completion.
func (a *Assembler) Assemble(ctx context.Context, reference string, w io.Writer) (*Summary, error) {
	start := time.Now()
	lg := a.lg.With(zap.String("reference", reference))

	items := make(chan item)
	go func() {
		defer close(items)
		a.produce(ctx, lg, reference, items)
	}()
	// The producer sends every item unconditionally; drain on early return so
	// it never stays blocked on the channel.
	defer func() {
		for range items {
		}
	}()

	summary := &Summary{}
	var zw *zip.Writer
	for it := range items {
		if it.err != nil {
			lg.Warn("bundle input dropped",
				zap.String("entry", it.name),
				zap.Error(it.err),
			)
			summary.Omitted = append(summary.Omitted, it.name)
			continue
		}

		if zw == nil {
			zw = zip.NewWriter(w)
		}
		f, err := zw.Create(it.name)
		if err != nil {
			archivesTotal.WithLabelValues("stream_error").Inc()
			return nil, fmt.Errorf("create bundle entry %q: %w", it.name, err)
		}
		if _, err := f.Write(it.data); err != nil {
			archivesTotal.WithLabelValues("stream_error").Inc()
			return nil, fmt.Errorf("write bundle entry %q: %w", it.name, err)
		}
		summary.Included = append(summary.Included, it.name)
	}

	if zw == nil {
		archivesTotal.WithLabelValues("no_content").Inc()
		return nil, fmt.Errorf("%q: %w", reference, ErrNoContent)
	}
	if err := zw.Close(); err != nil {
		archivesTotal.WithLabelValues("stream_error").Inc()
		return nil, fmt.Errorf("finish bundle: %w", err)
	}

	if len(summary.Omitted) > 0 {
		archivesTotal.WithLabelValues("partial").Inc()
	} else {
		archivesTotal.WithLabelValues("success").Inc()
	}
	archiveDuration.Observe(time.Since(start).Seconds())
	lg.Info("bundle assembled",
		zap.Int("included", len(summary.Included)),
		zap.Int("omitted", len(summary.Omitted)),
	)
	return summary, nil
}

// produce feeds every bundle input into items, one item per input, success
// or not. Cancellation surfaces as per-item errors from the fetches, so even
// an abandoned request accounts for all its entries.
func (a *Assembler) produce(ctx context.Context, lg *zap.Logger, reference string, items chan<- item) {
	doc, err := a.gen.Generate(ctx, reference)
	items <- item{name: documentFilename(reference), data: doc, err: err}

	keys := a.imageKeys(ctx, lg, reference)

	g := errgroup.Group{}
	g.SetLimit(a.fetchWidth)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			data, err := a.fetchImage(ctx, key)
			items <- item{name: key, data: data, err: err}
			return nil
		})
	}
	_ = g.Wait()
}

func (a *Assembler) imageKeys(ctx context.Context, lg *zap.Logger, reference string) []string {
	rec, err := a.records.FindByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, record_repo.ErrNotFound) {
			lg.Warn("no record for reference, bundling without images")
		} else {
			lg.Error("failed to load record, bundling without images", zap.Error(err))
		}
		return nil
	}
	return rec.ImageKeys
}

func (a *Assembler) fetchImage(ctx context.Context, key string) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()

	r, err := a.con.Get(fetchCtx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
