package tileproxy

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/Davud77/botplus-maps/internal/config"
)

const (
	// PNGContentType is what every tile response carries, rendered or
	// placeholder alike.
	PNGContentType = "image/png"

	tileSize = 256
)

type publicURLer interface {
	PublicURL(key string) string
}

type tileCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, data []byte) error
}

// Proxy fetches rendered map tiles from the external renderer (titiler)
// and shields clients from its failures: whatever happens upstream, Tile
// always returns displayable PNG bytes.
type Proxy struct {
	rendererURL string
	rescale     string
	client      *http.Client
	urls        publicURLer
	tiles       tileCache // nil disables caching
	log         zerolog.Logger
}

func New(cfg *config.RendererConfig, urls publicURLer, tiles tileCache, log zerolog.Logger) *Proxy {
	return &Proxy{
		rendererURL: strings.TrimRight(cfg.URL, "/"),
		rescale:     cfg.Rescale,
		client:      &http.Client{Timeout: cfg.Timeout.Std()},
		urls:        urls,
		tiles:       tiles,
		log:         log,
	}
}

// Tile returns PNG bytes for the requested tile. Renderer errors,
// timeouts and rasters without coverage all degrade to a transparent
// placeholder; the caller never sees a failure.
func (p *Proxy) Tile(ctx context.Context, storageKey string, z, x, y int) []byte {
	cacheKey := fmt.Sprintf("%s:%d:%d:%d", storageKey, z, x, y)
	if p.tiles != nil {
		if data, err := p.tiles.Get(ctx, cacheKey); err == nil && len(data) > 0 {
			return data
		}
	}

	data, err := p.fetch(ctx, storageKey, z, x, y)
	if err != nil {
		p.log.Debug().Err(err).Str("key", storageKey).
			Int("z", z).Int("x", x).Int("y", y).
			Msg("tile render failed, serving placeholder")
		return Placeholder()
	}

	if p.tiles != nil {
		if err := p.tiles.Store(ctx, cacheKey, data); err != nil {
			p.log.Warn().Err(err).Msg("tile cache store failed")
		}
	}
	return data
}

func (p *Proxy) fetch(ctx context.Context, storageKey string, z, x, y int) ([]byte, error) {
	q := url.Values{}
	q.Set("url", p.urls.PublicURL(storageKey))
	if p.rescale != "" {
		q.Set("rescale", p.rescale)
	}
	endpoint := fmt.Sprintf("%s/cog/tiles/WebMercatorQuad/%d/%d/%d?%s", p.rendererURL, z, x, y, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("renderer returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return data, nil
}

var (
	placeholderOnce sync.Once
	placeholderPNG  []byte
)

// Placeholder is a fully transparent 256x256 PNG, encoded once. Its
// bytes are stable across calls.
func Placeholder() []byte {
	placeholderOnce.Do(func() {
		img := imaging.New(tileSize, tileSize, color.NRGBA{})
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			panic(fmt.Sprintf("encode placeholder tile: %v", err))
		}
		placeholderPNG = buf.Bytes()
	})
	return placeholderPNG
}
