package store

import (
	"sync/atomic"
	"time"
)

// Position is a point-in-time snapshot of timeline playback. Offset is
// seconds into the current cue.
type Position struct {
	TimelineID int64     `json:"timeline_id"`
	CueID      int64     `json:"cue_id"`
	CueIndex   int       `json:"cue_index"`
	Offset     float64   `json:"offset"`
	Elapsed    float64   `json:"elapsed"`
	LoopCount  int       `json:"loop_count"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// PositionStore holds the current playback position. One writer (the
// executor's position task), many readers (API, websocket bridge).
// Readers get a consistent snapshot without locking.
type PositionStore struct {
	current atomic.Pointer[Position]
}

func NewPositionStore() *PositionStore {
	return &PositionStore{}
}

// Set replaces the snapshot. The caller must not mutate pos afterwards.
func (s *PositionStore) Set(pos *Position) {
	s.current.Store(pos)
}

// Get returns the latest snapshot, or nil when nothing is playing.
func (s *PositionStore) Get() *Position {
	return s.current.Load()
}

// Clear removes the snapshot. Called on executor stop and failure.
func (s *PositionStore) Clear() {
	s.current.Store(nil)
}
