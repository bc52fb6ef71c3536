package data

import (
	"context"
	"database/sql"
	"errors"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrEditConflict   = errors.New("edit conflict")
)

// DBTX is a common interface for *sql.DB and *sql.Tx
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Models bundles every model over one handle, the usual wiring unit
// for services.
type Models struct {
	Cameras      CameraModel
	Presets      PresetModel
	Assets       AssetModel
	Timelines    TimelineModel
	Destinations DestinationModel
	Settings     SettingsModel
	Schedules    ScheduleModel
}

func NewModels(db *sql.DB) Models {
	return Models{
		Cameras:      CameraModel{DB: db},
		Presets:      PresetModel{DB: db},
		Assets:       AssetModel{DB: db},
		Timelines:    TimelineModel{DB: db},
		Destinations: DestinationModel{DB: db},
		Settings:     SettingsModel{DB: db},
		Schedules:    ScheduleModel{DB: db},
	}
}
