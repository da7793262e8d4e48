// Package gdal wraps the GDAL command line tools: gdalinfo for probing
// raster metadata and gdal_translate/gdalwarp as the transform engine.
// The tools are treated as opaque subprocesses; no cgo bindings.
package gdal

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/Davud77/botplus-maps/internal/entities"
)

// CRS labels reported by the prober. The classification is a best-effort
// signature match, not a registry lookup.
const (
	CRSUnknown     = "Unknown"
	CRSCustom      = "Custom / Unknown Projection"
	CRSMSK05       = "MSK-05 (Dagestan)"
	CRSWebMercator = "EPSG:3857 (Google)"
	CRSWGS84       = "EPSG:4326 (WGS84)"
)

// Metadata is everything the pipeline wants to know about a raster file.
type Metadata struct {
	Bounds         entities.Bounds
	CRSLabel       string
	CloudOptimized bool
	FootprintWKT   *string
}

// commandRunner runs a tool and returns its stdout. Abstracted so tests
// can feed canned gdalinfo output.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

type Prober struct {
	run commandRunner
	log zerolog.Logger
}

func NewProber(log zerolog.Logger) *Prober {
	return &Prober{run: runCommand, log: log}
}

// gdalInfo mirrors the parts of `gdalinfo -json` output we consume.
type gdalInfo struct {
	Size             []int     `json:"size"`
	GeoTransform     []float64 `json:"geoTransform"`
	CoordinateSystem struct {
		WKT   string `json:"wkt"`
		Proj4 string `json:"proj4"`
	} `json:"coordinateSystem"`
	Metadata map[string]map[string]string `json:"metadata"`
	// GDAL reprojects the four corner points to WGS84 and reports them as
	// a closed 2-D GeoJSON ring.
	WGS84Extent struct {
		Type        string         `json:"type"`
		Coordinates [][][2]float64 `json:"coordinates"`
	} `json:"wgs84Extent"`
}

// Probe extracts bounds, CRS classification, the cloud-optimized flag
// and the WGS84 footprint from a local raster file. Probing never fails
// the caller: every field degrades to its safe default on error.
func (p *Prober) Probe(ctx context.Context, path string) Metadata {
	meta := Metadata{
		Bounds:   entities.DegenerateBounds(),
		CRSLabel: CRSUnknown,
	}

	out, err := p.run(ctx, "gdalinfo", "-json", path)
	if err != nil {
		p.log.Warn().Err(err).Str("path", path).Msg("gdalinfo failed, using degenerate metadata")
		return meta
	}

	var info gdalInfo
	if err := json.Unmarshal(out, &info); err != nil {
		p.log.Warn().Err(err).Str("path", path).Msg("gdalinfo output unreadable")
		return meta
	}

	meta.Bounds = boundsFromTransform(info)
	meta.CRSLabel = classifyCRS(info.CoordinateSystem.WKT, info.CoordinateSystem.Proj4)
	meta.CloudOptimized = info.Metadata["IMAGE_STRUCTURE"]["LAYOUT"] == "COG"
	meta.FootprintWKT = footprintWKT(info)
	return meta
}

// boundsFromTransform computes the native-CRS extent from the affine
// geotransform and the pixel dimensions.
func boundsFromTransform(info gdalInfo) entities.Bounds {
	if len(info.GeoTransform) != 6 || len(info.Size) != 2 {
		return entities.DegenerateBounds()
	}
	gt := info.GeoTransform
	w := float64(info.Size[0])
	h := float64(info.Size[1])

	// An identity transform means the file has no georeferencing.
	if gt[0] == 0 && gt[1] == 1 && gt[2] == 0 && gt[3] == 0 && gt[4] == 0 && gt[5] == 1 {
		return entities.DegenerateBounds()
	}

	minX := gt[0]
	maxY := gt[3]
	maxX := gt[0] + w*gt[1] + h*gt[2]
	minY := gt[3] + w*gt[4] + h*gt[5]

	north, south := maxY, minY
	if south > north {
		north, south = south, north
	}
	east, west := maxX, minX
	if west > east {
		east, west = west, east
	}
	return entities.NewBounds(north, south, east, west)
}

// classifyCRS matches the file's WKT/proj string against a small table
// of known systems. Unmatched-but-present metadata yields the custom
// label (with the projection name when it can be extracted); absent
// metadata yields Unknown.
func classifyCRS(wkt, proj4 string) string {
	if wkt == "" {
		return CRSUnknown
	}

	// The MSK-05 central meridian is unique enough to act as a signature.
	if strings.Contains(wkt, "46.8916666667") || strings.Contains(wkt, "46.891667") ||
		strings.Contains(proj4, "46.8916666667") {
		return CRSMSK05
	}
	if strings.Contains(wkt, `ID["EPSG",3857]`) || strings.Contains(wkt, "Pseudo-Mercator") {
		return CRSWebMercator
	}
	if strings.Contains(wkt, `ID["EPSG",4326]`) {
		return CRSWGS84
	}

	if name := wktName(wkt, "PROJCRS", "PROJCS", "GEOGCRS", "GEOGCS"); name != "" {
		return name
	}
	return CRSCustom
}

// wktName pulls the quoted name following the first matching WKT node
// keyword, e.g. PROJCRS["Pulkovo 1942 / Gauss-Kruger", ...].
func wktName(wkt string, keywords ...string) string {
	for _, kw := range keywords {
		idx := strings.Index(wkt, kw+"[\"")
		if idx < 0 {
			continue
		}
		rest := wkt[idx+len(kw)+2:]
		end := strings.Index(rest, "\"")
		if end > 0 {
			return rest[:end]
		}
	}
	return ""
}

// footprintWKT serializes the WGS84 corner ring as a 2-D WKT polygon.
// Absent when the file has no native CRS (GDAL omits wgs84Extent then).
func footprintWKT(info gdalInfo) *string {
	if info.CoordinateSystem.WKT == "" || info.WGS84Extent.Type != "Polygon" {
		return nil
	}
	rings := info.WGS84Extent.Coordinates
	if len(rings) == 0 || len(rings[0]) < 4 {
		return nil
	}

	pts := make([]string, 0, len(rings[0]))
	for _, pt := range rings[0] {
		pts = append(pts, fmt.Sprintf("%g %g", pt[0], pt[1]))
	}
	wkt := "POLYGON ((" + strings.Join(pts, ", ") + "))"
	return &wkt
}
