package pipeline

import (
	"path/filepath"
	"strings"
)

// derivedCOGName appends the _cog suffix; a name that already carries
// one gets _v2 instead so repeated conversions stay distinguishable.
func derivedCOGName(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	if strings.Contains(base, "_cog") {
		return base + "_v2.tif"
	}
	return base + "_cog.tif"
}

// derivedMercatorName strips prior conversion/reprojection suffixes
// before appending _3857_cog, so repeated runs don't grow the name
// without bound.
func derivedMercatorName(filename string) string {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	base = strings.ReplaceAll(base, "_cog", "")
	base = strings.ReplaceAll(base, "_3857", "")
	return base + "_3857_cog.tif"
}

func previewName(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename)) + "_preview.webp"
}
