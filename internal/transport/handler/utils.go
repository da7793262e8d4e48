package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/Davud77/botplus-maps/internal/entities"
	"github.com/Davud77/botplus-maps/internal/gdal"
)

type APIError struct {
	Error string `json:"error"`
	Code  int    `json:"code,omitempty"`
}

func writeMultipartError(w http.ResponseWriter, err error) {
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "too large"):
		writeJSONError(w, "uploaded file exceeds maximum allowed size", http.StatusRequestEntityTooLarge)

	case strings.Contains(msg, "content-type isn't multipart/form-data"):
		writeJSONError(w, "invalid content type, expected multipart/form-data", http.StatusBadRequest)

	default:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseInt64Default(s string, def int64) int64 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return def
	}
	return v
}

func parseIntDefault(s string, def int) int {
	return int(parseInt64Default(s, int64(def)))
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(APIError{
		Error: message,
	})
}

var allowedMIMEs = map[string]struct{}{
	"image/tiff": {},
}

func validateMimeType(mimeType string) error {
	if _, ok := allowedMIMEs[mimeType]; !ok {
		return fmt.Errorf("requested file upload with invalid type: %s", mimeType)
	}
	return nil
}

// applyCRSFallback patches assets whose probe could not classify the
// projection but whose file name carries the reprojection suffix. Older
// rows imported before probing existed hit this path.
func applyCRSFallback(a *entities.RasterAsset) {
	if a.CRSLabel != "" && a.CRSLabel != gdal.CRSUnknown {
		return
	}
	if strings.Contains(a.StorageKey, "_3857") {
		a.CRSLabel = gdal.CRSWebMercator
	}
}
