package data

import (
	"context"
	"database/sql"
	"time"
)

// AssetKind separates overlay image sources from media clips.
type AssetKind string

const (
	AssetStaticImage AssetKind = "static_image"
	AssetAPIImage    AssetKind = "api_image" // fetched and re-fetched from a URL
	AssetVideo       AssetKind = "video"
)

// Asset is a media file or overlay source. Render attributes position
// the asset when it is used as an overlay; they are ignored for full
// frame video cues. Location fields annotate weather/info card assets
// and are fanned out from Settings.
type Asset struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Kind      AssetKind `json:"kind"`
	Path      string    `json:"path"` // file under uploads_dir, or source URL for api_image
	X         float64   `json:"x"`    // normalized [0,1], fraction of frame width
	Y         float64   `json:"y"`    // normalized [0,1], fraction of frame height
	Width     int       `json:"width"`  // pixels, 0 = intrinsic
	Height    int       `json:"height"` // pixels, 0 = intrinsic
	Opacity   float64   `json:"opacity"`
	Layer     int       `json:"layer"`
	RefreshMS int       `json:"refresh_ms"` // api_image re-fetch interval, 0 = never
	City      string    `json:"city,omitempty"`
	State     string    `json:"state,omitempty"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AssetModel struct {
	DB DBTX
}

const assetColumns = `id, name, kind, path, x, y, width, height, opacity, layer, refresh_ms, city, state, latitude, longitude, created_at, updated_at`

func scanAsset(row interface{ Scan(...any) error }) (*Asset, error) {
	var a Asset
	var city, state sql.NullString
	err := row.Scan(
		&a.ID, &a.Name, &a.Kind, &a.Path,
		&a.X, &a.Y, &a.Width, &a.Height, &a.Opacity, &a.Layer, &a.RefreshMS,
		&city, &state, &a.Latitude, &a.Longitude,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.City = city.String
	a.State = state.String
	return &a, nil
}

func (m AssetModel) Create(ctx context.Context, a *Asset) error {
	query := `
		INSERT INTO assets (name, kind, path, x, y, width, height, opacity, layer, refresh_ms, city, state, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query,
		a.Name, a.Kind, a.Path, a.X, a.Y, a.Width, a.Height, a.Opacity, a.Layer,
		a.RefreshMS, a.City, a.State, a.Latitude, a.Longitude,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
}

func (m AssetModel) GetByID(ctx context.Context, id int64) (*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets WHERE id = $1`
	a, err := scanAsset(m.DB.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return a, err
}

func (m AssetModel) List(ctx context.Context) ([]*Asset, error) {
	query := `SELECT ` + assetColumns + ` FROM assets ORDER BY id`
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []*Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (m AssetModel) Update(ctx context.Context, a *Asset) error {
	query := `
		UPDATE assets
		SET name = $1, kind = $2, path = $3, x = $4, y = $5, width = $6, height = $7,
		    opacity = $8, layer = $9, refresh_ms = $10, updated_at = NOW()
		WHERE id = $11
		RETURNING updated_at`

	err := m.DB.QueryRowContext(ctx, query,
		a.Name, a.Kind, a.Path, a.X, a.Y, a.Width, a.Height,
		a.Opacity, a.Layer, a.RefreshMS, a.ID,
	).Scan(&a.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

// UpdateLocationAll stamps every asset with the given location. Runs
// inside the settings transaction so the fan-out is all-or-none.
func (m AssetModel) UpdateLocationAll(ctx context.Context, city, state string, lat, lon float64) error {
	query := `
		UPDATE assets
		SET city = $1, state = $2, latitude = $3, longitude = $4, updated_at = NOW()`
	_, err := m.DB.ExecContext(ctx, query, city, state, lat, lon)
	return err
}

func (m AssetModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM assets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
