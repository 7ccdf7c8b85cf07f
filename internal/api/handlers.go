// Package api is the thin HTTP adapter over the media pipeline. Callers are
// authenticated upstream; no authorization happens here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gensoc/obitstore/internal/archive"
	"github.com/gensoc/obitstore/internal/ingest"
	"github.com/gensoc/obitstore/internal/repository/catalog_repo"
	"github.com/gensoc/obitstore/internal/syncer"
)

const maxUploadBytes = 64 << 20

type Ingester interface {
	Ingest(ctx context.Context, up ingest.Upload) (*catalog_repo.Entry, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (*syncer.Report, error)
}

type ArchiveAssembler interface {
	Assemble(ctx context.Context, reference string, w io.Writer) (*archive.Summary, error)
}

type Handler struct {
	ingester   Ingester
	reconciler Reconciler
	assembler  ArchiveAssembler
	lg         *zap.Logger
}

func NewHandler(ingester Ingester, reconciler Reconciler, assembler ArchiveAssembler, lg *zap.Logger) *Handler {
	return &Handler{
		ingester:   ingester,
		reconciler: reconciler,
		assembler:  assembler,
		lg:         lg,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/images", h.UploadImage)
		r.Post("/sync", h.TriggerSync)
		r.Get("/obituaries/{reference}/archive", h.DownloadArchive)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type uploadResponse struct {
	Key            string `json:"key"`
	SizeBytes      int64  `json:"size_bytes"`
	ContentType    string `json:"content_type"`
	OwnerReference string `json:"owner_reference,omitempty"`
}

func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}

	entry, err := h.ingester.Ingest(r.Context(), ingest.Upload{
		Name:        header.Filename,
		Data:        data,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrEmptyName), errors.Is(err, ingest.ErrEmptyData):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.lg.Error("upload failed", zap.String("name", header.Filename), zap.Error(err))
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, uploadResponse{
		Key:            entry.Key,
		SizeBytes:      entry.SizeBytes,
		ContentType:    entry.ContentType,
		OwnerReference: entry.OwnerReference,
	})
}

type syncResponse struct {
	RunID      string   `json:"run_id"`
	Inserted   int      `json:"inserted"`
	Updated    int      `json:"updated"`
	Evicted    int      `json:"evicted"`
	Orphaned   int      `json:"orphaned"`
	Errors     []string `json:"errors,omitempty"`
	DurationMS int64    `json:"duration_ms"`
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.Reconcile(r.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrSyncBusy) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.lg.Error("reconciliation failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "reconciliation failed")
		return
	}

	resp := syncResponse{
		RunID:      report.RunID,
		Inserted:   report.Inserted,
		Updated:    report.Updated,
		Evicted:    report.Evicted,
		Orphaned:   report.Orphaned,
		DurationMS: report.Duration.Milliseconds(),
	}
	for _, keyErr := range report.Errors {
		resp.Errors = append(resp.Errors, keyErr.Error())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) DownloadArchive(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")

	// Headers must be in place before the first streamed byte; nothing is
	// written until at least one bundle entry succeeds, so they can still be
	// replaced on total failure.
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+archive.BundleFilename(reference)+`"`)

	summary, err := h.assembler.Assemble(r.Context(), reference, w)
	if err != nil {
		if errors.Is(err, archive.ErrNoContent) {
			w.Header().Del("Content-Disposition")
			writeError(w, http.StatusNotFound, "no files available for this reference")
			return
		}
		// Mid-stream failure: the response is already underway, log only.
		h.lg.Error("bundle streaming failed", zap.String("reference", reference), zap.Error(err))
		return
	}

	h.lg.Debug("bundle served",
		zap.String("reference", reference),
		zap.Int("entries", len(summary.Included)),
	)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
