package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Davud77/botplus-maps/internal/catalog"
	"github.com/Davud77/botplus-maps/internal/config"
	"github.com/Davud77/botplus-maps/internal/entities"
	"github.com/Davud77/botplus-maps/internal/gdal"
	"github.com/Davud77/botplus-maps/internal/jobtracker"
	"github.com/Davud77/botplus-maps/internal/pipeline"
	"github.com/Davud77/botplus-maps/internal/tileproxy"
)

// tiffBytes is a minimal little-endian TIFF header, enough for MIME
// detection.
var tiffBytes = []byte{0x49, 0x49, 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00}

type stubPipeline struct {
	ingestErr  error
	acceptErr  error
	jobID      string
	stagedPath string
	stagedName string
	assetID    int64
}

func (p *stubPipeline) AcceptIngest(ctx context.Context, stagedPath, originalName string) (string, error) {
	p.stagedPath = stagedPath
	p.stagedName = originalName
	if p.ingestErr != nil {
		return "", p.ingestErr
	}
	return p.jobID, nil
}

func (p *stubPipeline) AcceptConvert(ctx context.Context, assetID int64) (string, error) {
	p.assetID = assetID
	return p.jobID, p.acceptErr
}

func (p *stubPipeline) AcceptReproject(ctx context.Context, assetID int64) (string, error) {
	p.assetID = assetID
	return p.jobID, p.acceptErr
}

func (p *stubPipeline) AcceptPreview(ctx context.Context, assetID int64) (string, error) {
	p.assetID = assetID
	return p.jobID, p.acceptErr
}

type stubJobs struct {
	jobs map[string]entities.Job
}

func (j *stubJobs) Get(id string) (entities.Job, error) {
	job, ok := j.jobs[id]
	if !ok {
		return entities.Job{}, jobtracker.ErrNotFound
	}
	return job, nil
}

type stubCatalog struct {
	assets  map[int64]entities.RasterAsset
	listErr error
}

func (c *stubCatalog) SetVisible(ctx context.Context, id int64, visible bool) error {
	a, ok := c.assets[id]
	if !ok {
		return catalog.ErrNotFound
	}
	a.Visible = visible
	c.assets[id] = a
	return nil
}

func (c *stubCatalog) GetByID(ctx context.Context, id int64) (*entities.RasterAsset, error) {
	a, ok := c.assets[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	out := a
	return &out, nil
}

func (c *stubCatalog) List(ctx context.Context) ([]entities.RasterAsset, error) {
	if c.listErr != nil {
		return nil, c.listErr
	}
	out := make([]entities.RasterAsset, 0, len(c.assets))
	for _, a := range c.assets {
		out = append(out, a)
	}
	return out, nil
}

type stubTiles struct {
	lastKey string
	data    []byte
}

func (t *stubTiles) Tile(ctx context.Context, storageKey string, z, x, y int) []byte {
	t.lastKey = storageKey
	if t.data != nil {
		return t.data
	}
	return tileproxy.Placeholder()
}

type env struct {
	pipeline *stubPipeline
	jobs     *stubJobs
	catalog  *stubCatalog
	tiles    *stubTiles
	handler  *Handler
	cfg      *config.Config
}

func newEnv(t *testing.T) *env {
	t.Helper()

	cfg := config.NewConfig()
	cfg.Pipeline.TempDir = t.TempDir()
	cfg.Renderer.TileMaxAge = config.Duration(2 * time.Hour)

	e := &env{
		pipeline: &stubPipeline{jobID: "job-1"},
		jobs:     &stubJobs{jobs: map[string]entities.Job{}},
		catalog:  &stubCatalog{assets: map[int64]entities.RasterAsset{}},
		tiles:    &stubTiles{},
		cfg:      cfg,
	}
	e.handler = New(e.pipeline, e.jobs, e.catalog, e.tiles, cfg, zerolog.Nop())
	return e
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadOrthophotoAccepted(t *testing.T) {
	e := newEnv(t)
	body, contentType := multipartBody(t, "file", "survey.tif", tiffBytes)

	req := httptest.NewRequest(http.MethodPost, "/api/orthophotos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.UploadOrthophoto(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp JobAccepted
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "job-1", resp.JobID)

	assert.Equal(t, "survey.tif", e.pipeline.stagedName)
	staged, err := os.ReadFile(e.pipeline.stagedPath)
	require.NoError(t, err)
	assert.Equal(t, tiffBytes, staged)
}

func TestUploadOrthophotoWrongFieldName(t *testing.T) {
	e := newEnv(t)
	body, contentType := multipartBody(t, "image", "survey.tif", tiffBytes)

	req := httptest.NewRequest(http.MethodPost, "/api/orthophotos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.UploadOrthophoto(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"file"`)
}

func TestUploadOrthophotoRejectsNonTIFF(t *testing.T) {
	e := newEnv(t)
	body, contentType := multipartBody(t, "file", "notes.txt", []byte("just text"))

	req := httptest.NewRequest(http.MethodPost, "/api/orthophotos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.UploadOrthophoto(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unsupported file type")
}

func TestUploadOrthophotoBusyCleansUpStagedFile(t *testing.T) {
	e := newEnv(t)
	e.pipeline.ingestErr = pipeline.ErrBusy
	body, contentType := multipartBody(t, "file", "survey.tif", tiffBytes)

	req := httptest.NewRequest(http.MethodPost, "/api/orthophotos", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	e.handler.UploadOrthophoto(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	entries, err := os.ReadDir(e.cfg.Pipeline.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "rejected upload must not leave a staged file")
}

func newChiRequest(method, target string, params map[string]string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestConvertOrthophoto(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.handler.ConvertOrthophoto(rec, newChiRequest(http.MethodPost, "/api/orthophotos/7/convert", map[string]string{"assetID": "7"}))

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.EqualValues(t, 7, e.pipeline.assetID)
}

func TestEnqueueErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not found", catalog.ErrNotFound, http.StatusNotFound},
		{"already optimized", pipeline.ErrAlreadyOptimized, http.StatusConflict},
		{"already web mercator", pipeline.ErrAlreadyWebMercator, http.StatusConflict},
		{"backlog full", pipeline.ErrBusy, http.StatusTooManyRequests},
		{"shutting down", pipeline.ErrClosed, http.StatusServiceUnavailable},
		{"internal", errors.New("pg down"), http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.pipeline.acceptErr = tc.err

			rec := httptest.NewRecorder()
			e.handler.ConvertOrthophoto(rec, newChiRequest(http.MethodPost, "/api/orthophotos/1/convert", map[string]string{"assetID": "1"}))
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestGetJob(t *testing.T) {
	e := newEnv(t)
	e.jobs.jobs["job-9"] = entities.Job{
		ID:       "job-9",
		Kind:     entities.JobConvertCOG,
		Status:   entities.JobProcessing,
		Progress: 42,
		Message:  "Converting...",
	}

	rec := httptest.NewRecorder()
	e.handler.GetJob(rec, newChiRequest(http.MethodGet, "/api/jobs/job-9", map[string]string{"jobID": "job-9"}))

	require.Equal(t, http.StatusOK, rec.Code)
	var job entities.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	assert.Equal(t, entities.JobProcessing, job.Status)
	assert.Equal(t, 42, job.Progress)
}

func TestGetJobNotFound(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.handler.GetJob(rec, newChiRequest(http.MethodGet, "/api/jobs/nope", map[string]string{"jobID": "nope"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListOrthophotosAppliesCRSFallback(t *testing.T) {
	e := newEnv(t)
	e.catalog.assets[1] = entities.RasterAsset{ID: 1, StorageKey: "site_3857_cog.tif", CRSLabel: ""}

	rec := httptest.NewRecorder()
	e.handler.ListOrthophotos(rec, httptest.NewRequest(http.MethodGet, "/api/orthophotos", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var assets []entities.RasterAsset
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&assets))
	require.Len(t, assets, 1)
	assert.Equal(t, gdal.CRSWebMercator, assets[0].CRSLabel)
}

func TestGetOrthophotoNotFound(t *testing.T) {
	e := newEnv(t)
	rec := httptest.NewRecorder()
	e.handler.GetOrthophoto(rec, newChiRequest(http.MethodGet, "/api/orthophotos/5", map[string]string{"assetID": "5"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetVisibility(t *testing.T) {
	e := newEnv(t)
	e.catalog.assets[4] = entities.RasterAsset{ID: 4, StorageKey: "site.tif"}

	req := newChiRequest(http.MethodPatch, "/api/orthophotos/4/visibility", map[string]string{"assetID": "4"})
	req.Body = io.NopCloser(strings.NewReader(`{"visible": true}`))

	rec := httptest.NewRecorder()
	e.handler.SetVisibility(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, e.catalog.assets[4].Visible)
}

func TestSetVisibilityNotFound(t *testing.T) {
	e := newEnv(t)

	req := newChiRequest(http.MethodPatch, "/api/orthophotos/9/visibility", map[string]string{"assetID": "9"})
	req.Body = io.NopCloser(strings.NewReader(`{"visible": true}`))

	rec := httptest.NewRecorder()
	e.handler.SetVisibility(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTile(t *testing.T) {
	e := newEnv(t)
	e.catalog.assets[3] = entities.RasterAsset{ID: 3, StorageKey: "site_3857_cog.tif"}
	e.tiles.data = []byte("rendered tile")

	rec := httptest.NewRecorder()
	e.handler.GetTile(rec, newChiRequest(http.MethodGet, "/api/orthophotos/3/tiles/14/9823/5634.png",
		map[string]string{"assetID": "3", "z": "14", "x": "9823", "y": "5634"}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rendered tile", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, fmt.Sprintf("public, max-age=%d", 2*60*60), rec.Header().Get("Cache-Control"))
	assert.Equal(t, "site_3857_cog.tif", e.tiles.lastKey)
}

func TestGetTileUnknownAssetServesPlaceholder(t *testing.T) {
	e := newEnv(t)

	rec := httptest.NewRecorder()
	e.handler.GetTile(rec, newChiRequest(http.MethodGet, "/api/orthophotos/99/tiles/1/2/3.png",
		map[string]string{"assetID": "99", "z": "1", "x": "2", "y": "3"}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tileproxy.Placeholder(), rec.Body.Bytes())
}

func TestGetTileInvalidCoordsServesPlaceholder(t *testing.T) {
	e := newEnv(t)
	e.catalog.assets[3] = entities.RasterAsset{ID: 3, StorageKey: "site.tif"}
	e.tiles.data = []byte("rendered tile")

	rec := httptest.NewRecorder()
	e.handler.GetTile(rec, newChiRequest(http.MethodGet, "/api/orthophotos/3/tiles/-1/2/3.png",
		map[string]string{"assetID": "3", "z": "-1", "x": "2", "y": "3"}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, tileproxy.Placeholder(), rec.Body.Bytes())
	assert.Empty(t, e.tiles.lastKey, "the renderer must not be asked for invalid coordinates")
}
