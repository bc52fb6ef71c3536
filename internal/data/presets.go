package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Preset is a stored PTZ position. Pan and tilt are normalized to
// [-1, 1], zoom to [0, 1]. Token is the device-side preset token when
// the camera supports stored presets.
type Preset struct {
	ID        int64     `json:"id"`
	CameraID  int64     `json:"camera_id"`
	Name      string    `json:"name"`
	Pan       float64   `json:"pan"`
	Tilt      float64   `json:"tilt"`
	Zoom      float64   `json:"zoom"`
	Token     string    `json:"token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type PresetModel struct {
	DB DBTX
}

// Upsert inserts or replaces the preset named (camera_id, name).
func (m PresetModel) Upsert(ctx context.Context, p *Preset) error {
	query := `
		INSERT INTO presets (camera_id, name, pan, tilt, zoom, token)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (camera_id, name) DO UPDATE SET
			pan = EXCLUDED.pan,
			tilt = EXCLUDED.tilt,
			zoom = EXCLUDED.zoom,
			token = EXCLUDED.token,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	return m.DB.QueryRowContext(ctx, query,
		p.CameraID, p.Name, p.Pan, p.Tilt, p.Zoom, p.Token,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

func (m PresetModel) GetByID(ctx context.Context, id int64) (*Preset, error) {
	query := `
		SELECT id, camera_id, name, pan, tilt, zoom, token, created_at, updated_at
		FROM presets
		WHERE id = $1`

	var p Preset
	var token sql.NullString
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.CameraID, &p.Name, &p.Pan, &p.Tilt, &p.Zoom, &token, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	p.Token = token.String
	return &p, nil
}

func (m PresetModel) ListForCamera(ctx context.Context, cameraID int64) ([]*Preset, error) {
	query := `
		SELECT id, camera_id, name, pan, tilt, zoom, token, created_at, updated_at
		FROM presets
		WHERE camera_id = $1
		ORDER BY name`

	rows, err := m.DB.QueryContext(ctx, query, cameraID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var presets []*Preset
	for rows.Next() {
		var p Preset
		var token sql.NullString
		if err := rows.Scan(&p.ID, &p.CameraID, &p.Name, &p.Pan, &p.Tilt, &p.Zoom, &token, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Token = token.String
		presets = append(presets, &p)
	}
	return presets, rows.Err()
}

// GetMany resolves a batch of preset ids in one query, used by the
// timeline validator.
func (m PresetModel) GetMany(ctx context.Context, ids []int64) (map[int64]*Preset, error) {
	if len(ids) == 0 {
		return map[int64]*Preset{}, nil
	}
	query := `
		SELECT id, camera_id, name, pan, tilt, zoom, token, created_at, updated_at
		FROM presets
		WHERE id = ANY($1)`

	rows, err := m.DB.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]*Preset, len(ids))
	for rows.Next() {
		var p Preset
		var token sql.NullString
		if err := rows.Scan(&p.ID, &p.CameraID, &p.Name, &p.Pan, &p.Tilt, &p.Zoom, &token, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Token = token.String
		out[p.ID] = &p
	}
	return out, rows.Err()
}

func (m PresetModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM presets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
