// Package catalog is the persistent store of raster asset records.
// Transform workflows insert new rows; only the preview key and the
// visibility flag are ever patched in place.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Davud77/botplus-maps/internal/entities"
)

var ErrNotFound = errors.New("asset not found")

type Repository struct {
	dbpool *pgxpool.Pool
}

func New(ctx context.Context, databaseDSN string) (*Repository, error) {
	pool, err := pgxpool.New(ctx, databaseDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &Repository{dbpool: pool}, nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.dbpool.Ping(ctx)
}

func (r *Repository) Close() {
	r.dbpool.Close()
}

// Insert stores a new asset row and returns its id.
func (r *Repository) Insert(ctx context.Context, a *entities.RasterAsset) (int64, error) {
	query := `
		INSERT INTO orthophotos (
			storage_key, north, south, east, west, bounds_valid,
			crs_label, footprint_wkt, is_cog, preview_key, is_visible
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at
	`

	err := r.dbpool.QueryRow(ctx, query,
		a.StorageKey,
		a.Bounds.North, a.Bounds.South, a.Bounds.East, a.Bounds.West, a.Bounds.Valid,
		a.CRSLabel,
		a.FootprintWKT,
		a.IsCloudOptimized,
		a.PreviewKey,
		a.Visible,
	).Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert asset %q: %w", a.StorageKey, err)
	}
	return a.ID, nil
}

// GetByID returns one asset or ErrNotFound.
func (r *Repository) GetByID(ctx context.Context, id int64) (*entities.RasterAsset, error) {
	query := `
		SELECT id, storage_key, north, south, east, west, bounds_valid,
		       crs_label, footprint_wkt, is_cog, preview_key, is_visible, created_at
		FROM orthophotos
		WHERE id = $1
	`

	a, err := scanAsset(r.dbpool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get asset %d: %w", id, err)
	}
	return a, nil
}

// List returns all assets, newest first.
func (r *Repository) List(ctx context.Context) ([]entities.RasterAsset, error) {
	query := `
		SELECT id, storage_key, north, south, east, west, bounds_valid,
		       crs_label, footprint_wkt, is_cog, preview_key, is_visible, created_at
		FROM orthophotos
		ORDER BY created_at DESC, id DESC
	`

	rows, err := r.dbpool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []entities.RasterAsset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

// SetPreviewKey patches the preview key of an existing row.
func (r *Repository) SetPreviewKey(ctx context.Context, id int64, previewKey string) error {
	return r.patch(ctx, id, "preview_key", previewKey)
}

// SetVisible patches the display flag of an existing row.
func (r *Repository) SetVisible(ctx context.Context, id int64, visible bool) error {
	return r.patch(ctx, id, "is_visible", visible)
}

func (r *Repository) patch(ctx context.Context, id int64, column string, value any) error {
	tag, err := r.dbpool.Exec(ctx,
		fmt.Sprintf("UPDATE orthophotos SET %s = $1 WHERE id = $2", column), value, id)
	if err != nil {
		return fmt.Errorf("update asset %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReferencedKeys returns every object-store key the catalog knows about
// (raster bytes and previews). Used by the reconciliation sweep.
func (r *Repository) ReferencedKeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.dbpool.Query(ctx, `SELECT storage_key, preview_key FROM orthophotos`)
	if err != nil {
		return nil, fmt.Errorf("list referenced keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var storageKey string
		var previewKey *string
		if err := rows.Scan(&storageKey, &previewKey); err != nil {
			return nil, err
		}
		keys[storageKey] = struct{}{}
		if previewKey != nil && strings.TrimSpace(*previewKey) != "" {
			keys[*previewKey] = struct{}{}
		}
	}
	return keys, rows.Err()
}

func scanAsset(row pgx.Row) (*entities.RasterAsset, error) {
	var a entities.RasterAsset
	err := row.Scan(
		&a.ID, &a.StorageKey,
		&a.Bounds.North, &a.Bounds.South, &a.Bounds.East, &a.Bounds.West, &a.Bounds.Valid,
		&a.CRSLabel, &a.FootprintWKT, &a.IsCloudOptimized, &a.PreviewKey, &a.Visible, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}
