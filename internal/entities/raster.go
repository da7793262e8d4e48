package entities

import "time"

// Bounds is an axis-aligned extent in the raster's native CRS units.
// Valid is false when the source file carried no georeferencing; the
// coordinate fields are zero in that case so the serialized form stays
// compatible with clients that expect the degenerate all-zero extent.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`

	Valid bool `json:"-"`
}

// NewBounds returns a valid extent.
func NewBounds(north, south, east, west float64) Bounds {
	return Bounds{North: north, South: south, East: east, West: west, Valid: true}
}

// DegenerateBounds is the "could not be determined" extent.
func DegenerateBounds() Bounds {
	return Bounds{}
}

type RasterAsset struct {
	ID               int64     `json:"id"`
	StorageKey       string    `json:"storage_key"`
	Bounds           Bounds    `json:"bounds"`
	CRSLabel         string    `json:"crs"`
	FootprintWKT     *string   `json:"footprint,omitempty"`
	IsCloudOptimized bool      `json:"is_cog"`
	PreviewKey       *string   `json:"preview_key,omitempty"`
	Visible          bool      `json:"is_visible"`
	CreatedAt        time.Time `json:"upload_date"`
}
