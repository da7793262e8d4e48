// Package preview renders small browse images for catalogued rasters.
// GDAL does the heavy lifting (GeoTIFFs are rarely decodable by pure-Go
// codecs); the intermediate PNG is then normalized and re-encoded as
// WebP for storage.
package preview

import (
	"context"
	"fmt"
	"os"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/Davud77/botplus-maps/internal/gdal"
)

const ContentType = "image/webp"

type engine interface {
	Run(ctx context.Context, spec gdal.RunSpec, onProgress func(float64)) error
}

type Generator struct {
	engine engine
	width  int
	log    zerolog.Logger
}

func NewGenerator(e engine, width int, log zerolog.Logger) *Generator {
	if width <= 0 {
		width = 2048
	}
	return &Generator{engine: e, width: width, log: log}
}

// Generate writes a WebP preview of srcPath to dstPath: fixed target
// width, proportional height, nearest-neighbour resample.
func (g *Generator) Generate(ctx context.Context, srcPath, dstPath string) error {
	pngPath := dstPath + ".png"
	defer func() {
		_ = os.Remove(pngPath)
		// gdal_translate leaves a sidecar next to PNG output.
		_ = os.Remove(pngPath + ".aux.xml")
	}()

	spec := gdal.TranslatePreviewPNG(srcPath, pngPath, g.width)
	if err := g.engine.Run(ctx, spec, nil); err != nil {
		return fmt.Errorf("render preview png: %w", err)
	}

	img, err := imaging.Open(pngPath)
	if err != nil {
		return fmt.Errorf("decode preview png: %w", err)
	}
	if img.Bounds().Dx() > g.width {
		img = imaging.Resize(img, g.width, 0, imaging.NearestNeighbor)
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("create preview file: %w", err)
	}
	defer out.Close()

	if err := webp.Encode(out, img, &webp.Options{Quality: 80}); err != nil {
		return fmt.Errorf("encode preview webp: %w", err)
	}
	return nil
}
