package data

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// Schedule starts a timeline automatically inside a weekly window.
// Weekdays is a bitmap, bit 0 = Sunday. Start and End are "HH:MM" in
// the appliance timezone; End < Start means the window crosses
// midnight.
type Schedule struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Weekdays       int       `json:"weekdays"`
	Start          string    `json:"start"`
	End            string    `json:"end"`
	TimelineID     int64     `json:"timeline_id"`
	DestinationIDs []int64   `json:"destination_ids"` // empty = preview only
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type ScheduleModel struct {
	DB DBTX
}

func (m ScheduleModel) Create(ctx context.Context, s *Schedule) error {
	query := `
		INSERT INTO schedules (name, weekdays, start_hhmm, end_hhmm, timeline_id, destination_ids, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query,
		s.Name, s.Weekdays, s.Start, s.End, s.TimelineID, pq.Array(s.DestinationIDs), s.Enabled,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
}

func (m ScheduleModel) List(ctx context.Context) ([]*Schedule, error) {
	query := `
		SELECT id, name, weekdays, start_hhmm, end_hhmm, timeline_id, destination_ids, enabled, created_at, updated_at
		FROM schedules
		ORDER BY id`

	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		var s Schedule
		var destIDs []int64
		if err := rows.Scan(
			&s.ID, &s.Name, &s.Weekdays, &s.Start, &s.End, &s.TimelineID,
			pq.Array(&destIDs), &s.Enabled, &s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, err
		}
		s.DestinationIDs = destIDs
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (m ScheduleModel) GetByID(ctx context.Context, id int64) (*Schedule, error) {
	query := `
		SELECT id, name, weekdays, start_hhmm, end_hhmm, timeline_id, destination_ids, enabled, created_at, updated_at
		FROM schedules
		WHERE id = $1`

	var s Schedule
	var destIDs []int64
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&s.ID, &s.Name, &s.Weekdays, &s.Start, &s.End, &s.TimelineID,
		pq.Array(&destIDs), &s.Enabled, &s.CreatedAt, &s.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	s.DestinationIDs = destIDs
	return &s, nil
}

func (m ScheduleModel) Update(ctx context.Context, s *Schedule) error {
	query := `
		UPDATE schedules
		SET name = $1, weekdays = $2, start_hhmm = $3, end_hhmm = $4, timeline_id = $5,
		    destination_ids = $6, enabled = $7, updated_at = NOW()
		WHERE id = $8
		RETURNING updated_at`
	err := m.DB.QueryRowContext(ctx, query,
		s.Name, s.Weekdays, s.Start, s.End, s.TimelineID,
		pq.Array(s.DestinationIDs), s.Enabled, s.ID,
	).Scan(&s.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrRecordNotFound
	}
	return err
}

func (m ScheduleModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
