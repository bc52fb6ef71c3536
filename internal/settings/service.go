package settings

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/store"
)

// Service owns the appliance settings singleton. Location writes fan
// out to every asset row inside one transaction, so the weather and
// info-card overlays never mix old and new locations.
type Service struct {
	db    *sql.DB
	cache *store.Cache
}

func NewService(db *sql.DB, cache *store.Cache) *Service {
	return &Service{db: db, cache: cache}
}

func (s *Service) Get(ctx context.Context) (*data.Settings, error) {
	if s.cache != nil {
		return s.cache.Settings(ctx)
	}
	return data.SettingsModel{DB: s.db}.Get(ctx)
}

// Update writes the singleton and propagates city/state/lat/lon to all
// assets, all-or-nothing.
func (s *Service) Update(ctx context.Context, in *data.Settings) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settings update: %w", err)
	}
	defer tx.Rollback()

	if err := (data.SettingsModel{DB: tx}).Update(ctx, in); err != nil {
		return err
	}
	if err := (data.AssetModel{DB: tx}).UpdateLocationAll(ctx, in.City, in.State, in.Latitude, in.Longitude); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.InvalidateSettings(ctx)
		s.cache.InvalidateAssets(ctx)
	}
	return nil
}
