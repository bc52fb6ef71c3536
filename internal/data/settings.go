package data

import (
	"context"
	"database/sql"
	"time"
)

// Settings is the appliance-wide singleton row (id always 1). The
// location fields are the source of truth that UpdateSettings fans out
// to every asset.
type Settings struct {
	City      string    `json:"city"`
	State     string    `json:"state"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timezone  string    `json:"timezone"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SettingsModel struct {
	DB DBTX
}

func (m SettingsModel) Get(ctx context.Context) (*Settings, error) {
	query := `
		SELECT city, state, latitude, longitude, timezone, updated_at
		FROM settings
		WHERE id = 1`

	var s Settings
	err := m.DB.QueryRowContext(ctx, query).Scan(
		&s.City, &s.State, &s.Latitude, &s.Longitude, &s.Timezone, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (m SettingsModel) Update(ctx context.Context, s *Settings) error {
	query := `
		UPDATE settings
		SET city = $1, state = $2, latitude = $3, longitude = $4, timezone = $5, updated_at = NOW()
		WHERE id = 1
		RETURNING updated_at`
	err := m.DB.QueryRowContext(ctx, query,
		s.City, s.State, s.Latitude, s.Longitude, s.Timezone,
	).Scan(&s.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}
