package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Davud77/botplus-maps/internal/entities"
	"github.com/Davud77/botplus-maps/internal/gdal"
	"github.com/Davud77/botplus-maps/internal/preview"
)

const rasterContentType = "image/tiff"

// runIngest moves a freshly staged raster into the system: probe
// metadata, try a preview, upload, catalogue.
func (o *Orchestrator) runIngest(ctx context.Context, r *jobRun, stagedPath, originalName string) error {
	defer func() { _ = os.Remove(stagedPath) }()

	r.progress(5, "Probing metadata...")
	meta := o.prober.Probe(ctx, stagedPath)
	r.progress(10, "Metadata probed")

	r.progress(40, "Generating preview...")
	var previewKey *string
	previewPath := filepath.Join(r.workDir, previewName(originalName))
	if err := o.previewer.Generate(ctx, stagedPath, previewPath); err != nil {
		// Not fatal: the asset is still usable without a preview.
		o.log.Warn().Err(err).Str("file", originalName).Msg("preview generation failed, continuing without one")
	} else {
		pk := previewName(originalName)
		previewKey = &pk
	}

	r.progress(70, "Uploading to object store...")
	if err := o.store.Put(ctx, originalName, stagedPath, rasterContentType); err != nil {
		return err
	}
	if previewKey != nil {
		if err := o.store.Put(ctx, *previewKey, previewPath, preview.ContentType); err != nil {
			return err
		}
	}

	r.progress(90, "Registering in catalog...")
	asset := &entities.RasterAsset{
		StorageKey:       originalName,
		Bounds:           meta.Bounds,
		CRSLabel:         meta.CRSLabel,
		FootprintWKT:     meta.FootprintWKT,
		IsCloudOptimized: meta.CloudOptimized,
		PreviewKey:       previewKey,
	}
	id, err := o.catalog.Insert(ctx, asset)
	if err != nil {
		return err
	}

	result := &entities.JobResult{AssetID: id, StorageKey: originalName}
	if previewKey != nil {
		result.PreviewKey = *previewKey
	}
	r.succeed(result)
	return nil
}

// runConvert re-encodes an asset with a cloud-optimized layout and
// catalogues the result as a new asset. The source row is never touched.
func (o *Orchestrator) runConvert(ctx context.Context, r *jobRun, src *entities.RasterAsset) error {
	r.progress(2, "Downloading...")
	localPath := filepath.Join(r.workDir, filepath.Base(src.StorageKey))
	if err := o.store.Get(ctx, src.StorageKey, localPath); err != nil {
		return err
	}

	newName := derivedCOGName(src.StorageKey)
	outPath := filepath.Join(r.workDir, newName)

	r.progress(10, "Converting...")
	if err := o.engine.Run(ctx, gdal.TranslateCOG(localPath, outPath), r.engineProgress(10, 95, "Converting...")); err != nil {
		return err
	}

	return o.finishTransform(ctx, r, src, newName, outPath)
}

// runReproject warps an asset into EPSG:3857 (COG output) and
// catalogues the result as a new asset.
func (o *Orchestrator) runReproject(ctx context.Context, r *jobRun, src *entities.RasterAsset) error {
	r.progress(2, "Downloading...")
	localPath := filepath.Join(r.workDir, filepath.Base(src.StorageKey))
	if err := o.store.Get(ctx, src.StorageKey, localPath); err != nil {
		return err
	}

	newName := derivedMercatorName(src.StorageKey)
	outPath := filepath.Join(r.workDir, newName)

	r.progress(10, "Reprojecting...")
	if err := o.engine.Run(ctx, gdal.WarpWebMercator(localPath, outPath), r.engineProgress(10, 95, "Reprojecting...")); err != nil {
		return err
	}

	return o.finishTransform(ctx, r, src, newName, outPath)
}

// finishTransform is the shared tail of convert and reproject: re-probe
// the produced file, upload it under its derived name and insert a new
// asset row carrying the source's preview forward.
func (o *Orchestrator) finishTransform(ctx context.Context, r *jobRun, src *entities.RasterAsset, newName, outPath string) error {
	meta := o.prober.Probe(ctx, outPath)

	r.progress(95, "Uploading...")
	if err := o.store.Put(ctx, newName, outPath, rasterContentType); err != nil {
		return err
	}

	r.progress(98, "Registering in catalog...")
	asset := &entities.RasterAsset{
		StorageKey:       newName,
		Bounds:           meta.Bounds,
		CRSLabel:         meta.CRSLabel,
		FootprintWKT:     meta.FootprintWKT,
		IsCloudOptimized: meta.CloudOptimized,
		PreviewKey:       src.PreviewKey,
	}
	id, err := o.catalog.Insert(ctx, asset)
	if err != nil {
		return err
	}

	r.succeed(&entities.JobResult{AssetID: id, StorageKey: newName})
	return nil
}

// runPreview generates a preview for an existing asset and patches its
// preview key in place. Raster bytes are always versioned, auxiliary
// metadata is patched: this is the one workflow on the patch side.
func (o *Orchestrator) runPreview(ctx context.Context, r *jobRun, asset *entities.RasterAsset) error {
	r.progress(10, "Downloading...")
	localPath := filepath.Join(r.workDir, filepath.Base(asset.StorageKey))
	if err := o.store.Get(ctx, asset.StorageKey, localPath); err != nil {
		return err
	}

	r.progress(50, "Generating preview...")
	pk := previewName(asset.StorageKey)
	previewPath := filepath.Join(r.workDir, pk)
	if err := o.previewer.Generate(ctx, localPath, previewPath); err != nil {
		return fmt.Errorf("generate preview: %w", err)
	}

	r.progress(80, "Uploading preview...")
	if err := o.store.Put(ctx, pk, previewPath, preview.ContentType); err != nil {
		return err
	}

	if err := o.catalog.SetPreviewKey(ctx, asset.ID, pk); err != nil {
		return err
	}

	r.succeed(&entities.JobResult{AssetID: asset.ID, PreviewKey: pk})
	return nil
}
