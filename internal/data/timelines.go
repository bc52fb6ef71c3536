package data

import (
	"context"
	"database/sql"
	"time"
)

// TrackKind separates the single video program track from overlay and
// audio tracks.
type TrackKind string

const (
	TrackVideo   TrackKind = "video"
	TrackOverlay TrackKind = "overlay"
	TrackAudio   TrackKind = "audio"
)

// Timeline is an ordered arrangement of cues on tracks. Duration is
// seconds; a looping timeline restarts from zero when the clock passes
// it.
type Timeline struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Duration  float64   `json:"duration"`
	FPS       int       `json:"fps"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Loop      bool      `json:"loop"`
	Tracks    []*Track  `json:"tracks"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Track struct {
	ID         int64     `json:"id"`
	TimelineID int64     `json:"timeline_id"`
	Kind       TrackKind `json:"kind"`
	Layer      int       `json:"layer"` // stacking order for overlay tracks
	Cues       []*Cue    `json:"cues"`
}

// Transition names how a cue hands over to the next one.
type Transition string

const (
	TransitionCut  Transition = "cut"
	TransitionFade Transition = "fade"
)

// Cue occupies [Start, Start+Duration) on its track, in timeline
// seconds. Action is decoded from the stored envelope at load.
type Cue struct {
	ID            int64      `json:"id"`
	TrackID       int64      `json:"track_id"`
	Start         float64    `json:"start"`
	Duration      float64    `json:"duration"`
	Transition    Transition `json:"transition"`
	TransitionDur float64    `json:"transition_duration"`
	Action        CueAction  `json:"action"`
}

func (c *Cue) End() float64 { return c.Start + c.Duration }

type TimelineModel struct {
	DB DBTX
}

func (m TimelineModel) Create(ctx context.Context, t *Timeline) error {
	if t.FPS == 0 {
		t.FPS = 30
	}
	if t.Width == 0 {
		t.Width, t.Height = 1920, 1080
	}
	query := `
		INSERT INTO timelines (name, duration, fps, width, height, loop)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at`
	return m.DB.QueryRowContext(ctx, query, t.Name, t.Duration, t.FPS, t.Width, t.Height, t.Loop).
		Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// GetByID loads a timeline with its tracks and cues. Any cue whose
// action envelope fails to decode fails the whole load.
func (m TimelineModel) GetByID(ctx context.Context, id int64) (*Timeline, error) {
	query := `
		SELECT id, name, duration, fps, width, height, loop, created_at, updated_at
		FROM timelines
		WHERE id = $1`

	var t Timeline
	err := m.DB.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Name, &t.Duration, &t.FPS, &t.Width, &t.Height, &t.Loop, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}

	if err := m.loadTracks(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (m TimelineModel) loadTracks(ctx context.Context, t *Timeline) error {
	query := `
		SELECT id, timeline_id, kind, layer
		FROM tracks
		WHERE timeline_id = $1
		ORDER BY layer, id`

	rows, err := m.DB.QueryContext(ctx, query, t.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	byID := make(map[int64]*Track)
	for rows.Next() {
		var tr Track
		if err := rows.Scan(&tr.ID, &tr.TimelineID, &tr.Kind, &tr.Layer); err != nil {
			return err
		}
		t.Tracks = append(t.Tracks, &tr)
		byID[tr.ID] = &tr
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(t.Tracks) == 0 {
		return nil
	}

	cueQuery := `
		SELECT c.id, c.track_id, c.start, c.duration, c.transition, c.transition_duration, c.action
		FROM cues c
		JOIN tracks tr ON tr.id = c.track_id
		WHERE tr.timeline_id = $1
		ORDER BY c.start, c.id`

	cueRows, err := m.DB.QueryContext(ctx, cueQuery, t.ID)
	if err != nil {
		return err
	}
	defer cueRows.Close()

	for cueRows.Next() {
		var c Cue
		var raw []byte
		if err := cueRows.Scan(&c.ID, &c.TrackID, &c.Start, &c.Duration, &c.Transition, &c.TransitionDur, &raw); err != nil {
			return err
		}
		action, err := UnmarshalCueAction(raw)
		if err != nil {
			return err
		}
		c.Action = action
		if tr, ok := byID[c.TrackID]; ok {
			tr.Cues = append(tr.Cues, &c)
		}
	}
	return cueRows.Err()
}

func (m TimelineModel) List(ctx context.Context) ([]*Timeline, error) {
	query := `SELECT id, name, duration, fps, width, height, loop, created_at, updated_at FROM timelines ORDER BY id`
	rows, err := m.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timelines []*Timeline
	for rows.Next() {
		var t Timeline
		if err := rows.Scan(&t.ID, &t.Name, &t.Duration, &t.FPS, &t.Width, &t.Height, &t.Loop, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		timelines = append(timelines, &t)
	}
	return timelines, rows.Err()
}

func (m TimelineModel) AddTrack(ctx context.Context, tr *Track) error {
	query := `
		INSERT INTO tracks (timeline_id, kind, layer)
		VALUES ($1, $2, $3)
		RETURNING id`
	return m.DB.QueryRowContext(ctx, query, tr.TimelineID, tr.Kind, tr.Layer).Scan(&tr.ID)
}

func (m TimelineModel) AddCue(ctx context.Context, c *Cue) error {
	raw, err := MarshalCueAction(c.Action)
	if err != nil {
		return err
	}
	if c.Transition == "" {
		c.Transition = TransitionCut
	}
	query := `
		INSERT INTO cues (track_id, start, duration, transition, transition_duration, action)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	return m.DB.QueryRowContext(ctx, query, c.TrackID, c.Start, c.Duration, c.Transition, c.TransitionDur, raw).Scan(&c.ID)
}

func (m TimelineModel) Delete(ctx context.Context, id int64) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM timelines WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}
