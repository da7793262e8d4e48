package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/Davud77/botplus-maps/internal/catalog"
	"github.com/Davud77/botplus-maps/internal/config"
	"github.com/Davud77/botplus-maps/internal/entities"
	"github.com/Davud77/botplus-maps/internal/jobtracker"
	"github.com/Davud77/botplus-maps/internal/pipeline"
	"github.com/Davud77/botplus-maps/internal/tileproxy"
)

type Pipeline interface {
	AcceptIngest(ctx context.Context, stagedPath, originalName string) (string, error)
	AcceptConvert(ctx context.Context, assetID int64) (string, error)
	AcceptReproject(ctx context.Context, assetID int64) (string, error)
	AcceptPreview(ctx context.Context, assetID int64) (string, error)
}

type Jobs interface {
	Get(id string) (entities.Job, error)
}

type Catalog interface {
	GetByID(ctx context.Context, id int64) (*entities.RasterAsset, error)
	List(ctx context.Context) ([]entities.RasterAsset, error)
	SetVisible(ctx context.Context, id int64, visible bool) error
}

type Tiles interface {
	Tile(ctx context.Context, storageKey string, z, x, y int) []byte
}

type Handler struct {
	pipeline  Pipeline
	jobs      Jobs
	catalog   Catalog
	tiles     Tiles
	cfg       *config.Config
	validator *validator.Validate
	log       zerolog.Logger
}

func New(p Pipeline, jobs Jobs, cat Catalog, tiles Tiles, cfg *config.Config, log zerolog.Logger) *Handler {
	return &Handler{
		pipeline:  p,
		jobs:      jobs,
		catalog:   cat,
		tiles:     tiles,
		cfg:       cfg,
		validator: validator.New(),
		log:       log,
	}
}

// UploadOrthophoto stages the multipart upload to local disk and hands
// it to the pipeline. The response carries only a job id; clients poll
// the job endpoint for the outcome.
func (h *Handler) UploadOrthophoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxRequestBodyMB<<20)

	maxMultipartMem := h.cfg.Upload.MaxMultipartMemoryMB
	if err := r.ParseMultipartForm(maxMultipartMem << 20); err != nil {
		writeMultipartError(w, err)
		return
	}

	file, fh, err := r.FormFile("file")
	if err != nil {
		if strings.Contains(err.Error(), "no such file") {
			writeJSONError(w, `missing raster file: form field key should be "file"`, http.StatusBadRequest)
		} else {
			writeJSONError(w, "an error occurred while uploading the file: "+err.Error(), http.StatusBadRequest)
		}
		return
	}
	defer file.Close()

	name := filepath.Base(fh.Filename)
	if name == "." || name == "/" || name == "" {
		writeJSONError(w, "invalid file name", http.StatusBadRequest)
		return
	}

	mime, err := mimetype.DetectReader(file)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err = file.Seek(0, 0); err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := validateMimeType(mime.String()); err != nil {
		writeJSONError(w, fmt.Sprintf("unsupported file type: %s", mime.String()), http.StatusBadRequest)
		return
	}

	stagedPath, err := h.stageUpload(file, name)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jobID, err := h.pipeline.AcceptIngest(r.Context(), stagedPath, name)
	if err != nil {
		_ = os.Remove(stagedPath)
		writeAcceptError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, JobAccepted{JobID: jobID})
}

func (h *Handler) stageUpload(src io.Reader, name string) (string, error) {
	dir := h.cfg.Pipeline.TempDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, "upload-*-"+name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// ConvertOrthophoto enqueues a cloud-optimized re-encode of an existing
// asset.
func (h *Handler) ConvertOrthophoto(w http.ResponseWriter, r *http.Request) {
	h.enqueueForAsset(w, r, h.pipeline.AcceptConvert)
}

// ReprojectOrthophoto enqueues a warp into EPSG:3857.
func (h *Handler) ReprojectOrthophoto(w http.ResponseWriter, r *http.Request) {
	h.enqueueForAsset(w, r, h.pipeline.AcceptReproject)
}

// GeneratePreview enqueues preview generation for an existing asset.
func (h *Handler) GeneratePreview(w http.ResponseWriter, r *http.Request) {
	h.enqueueForAsset(w, r, h.pipeline.AcceptPreview)
}

func (h *Handler) enqueueForAsset(w http.ResponseWriter, r *http.Request, accept func(context.Context, int64) (string, error)) {
	assetID, ok := parseAssetID(w, r)
	if !ok {
		return
	}

	jobID, err := accept(r.Context(), assetID)
	if err != nil {
		writeAcceptError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, JobAccepted{JobID: jobID})
}

// GetJob returns the persisted state of a job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	job, err := h.jobs.Get(id)
	if err != nil {
		if errors.Is(err, jobtracker.ErrNotFound) {
			writeJSONError(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// ListOrthophotos returns the catalog, newest first.
func (h *Handler) ListOrthophotos(w http.ResponseWriter, r *http.Request) {
	assets, err := h.catalog.List(r.Context())
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	for i := range assets {
		applyCRSFallback(&assets[i])
	}
	writeJSON(w, http.StatusOK, assets)
}

// GetOrthophoto returns a single catalog entry.
func (h *Handler) GetOrthophoto(w http.ResponseWriter, r *http.Request) {
	assetID, ok := parseAssetID(w, r)
	if !ok {
		return
	}

	asset, err := h.catalog.GetByID(r.Context(), assetID)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeJSONError(w, "orthophoto not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	applyCRSFallback(asset)
	writeJSON(w, http.StatusOK, asset)
}

// SetVisibility toggles whether an orthophoto shows up on the map.
func (h *Handler) SetVisibility(w http.ResponseWriter, r *http.Request) {
	assetID, ok := parseAssetID(w, r)
	if !ok {
		return
	}

	var body VisibilityParams
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.catalog.SetVisible(r.Context(), assetID, body.Visible); err != nil {
		if errors.Is(err, catalog.ErrNotFound) {
			writeJSONError(w, "orthophoto not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetTile serves a rendered map tile. This endpoint never fails: unknown
// assets, renderer errors and out-of-coverage tiles all come back as a
// transparent placeholder with status 200, so map clients keep panning
// without broken tile images.
func (h *Handler) GetTile(w http.ResponseWriter, r *http.Request) {
	params := TileParams{
		Z: parseIntDefault(chi.URLParam(r, "z"), -1),
		X: parseIntDefault(chi.URLParam(r, "x"), -1),
		Y: parseIntDefault(chi.URLParam(r, "y"), -1),
	}

	var data []byte
	if err := h.validator.Struct(params); err != nil {
		data = tileproxy.Placeholder()
	} else if assetID := parseInt64Default(chi.URLParam(r, "assetID"), -1); assetID < 0 {
		data = tileproxy.Placeholder()
	} else if asset, err := h.catalog.GetByID(r.Context(), assetID); err != nil {
		data = tileproxy.Placeholder()
	} else {
		data = h.tiles.Tile(r.Context(), asset.StorageKey, params.Z, params.X, params.Y)
	}

	maxAge := int(h.cfg.Renderer.TileMaxAge.Std().Seconds())
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseAssetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id := parseInt64Default(chi.URLParam(r, "assetID"), -1)
	if id < 0 {
		writeJSONError(w, "invalid orthophoto id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeAcceptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeJSONError(w, "orthophoto not found", http.StatusNotFound)
	case errors.Is(err, pipeline.ErrAlreadyOptimized):
		writeJSONError(w, "orthophoto is already cloud-optimized", http.StatusConflict)
	case errors.Is(err, pipeline.ErrAlreadyWebMercator):
		writeJSONError(w, "orthophoto is already in EPSG:3857", http.StatusConflict)
	case errors.Is(err, pipeline.ErrBusy):
		writeJSONError(w, "processing backlog is full, try again later", http.StatusTooManyRequests)
	case errors.Is(err, pipeline.ErrClosed):
		writeJSONError(w, "service is shutting down", http.StatusServiceUnavailable)
	default:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
