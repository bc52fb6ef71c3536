package timeline

import (
	"fmt"
	"sort"

	"github.com/castworks/cw-studio/internal/data"
)

// Validate checks the structural invariants a timeline must satisfy
// before it can run: positive duration, exactly one video track with at
// least one cue, no overlapping cues within a track, every cue inside
// the timeline window.
func Validate(tl *data.Timeline) error {
	if tl.Duration <= 0 {
		return fmt.Errorf("timeline %d: duration must be positive", tl.ID)
	}

	videoTracks := 0
	videoCues := 0
	for _, track := range tl.Tracks {
		if track.Kind == data.TrackVideo {
			videoTracks++
			videoCues += len(track.Cues)
		}
		if err := validateTrack(tl, track); err != nil {
			return err
		}
	}
	if videoTracks != 1 {
		return fmt.Errorf("timeline %d: exactly one video track required, found %d", tl.ID, videoTracks)
	}
	if videoCues == 0 {
		return fmt.Errorf("timeline %d: video track has no cues", tl.ID)
	}
	return nil
}

func validateTrack(tl *data.Timeline, track *data.Track) error {
	cues := append([]*data.Cue(nil), track.Cues...)
	sort.Slice(cues, func(i, j int) bool { return cues[i].Start < cues[j].Start })

	var prev *data.Cue
	for _, cue := range cues {
		if cue.Duration <= 0 {
			return fmt.Errorf("cue %d: duration must be positive", cue.ID)
		}
		if cue.Start < 0 || cue.End() > tl.Duration {
			return fmt.Errorf("cue %d: window [%.2f, %.2f) outside timeline duration %.2f",
				cue.ID, cue.Start, cue.End(), tl.Duration)
		}
		if cue.Action == nil {
			return fmt.Errorf("cue %d: missing action", cue.ID)
		}
		if track.Kind == data.TrackVideo {
			if _, ok := cue.Action.(data.ShowOverlay); ok {
				return fmt.Errorf("cue %d: overlay action on video track", cue.ID)
			}
		}
		if prev != nil && cue.Start < prev.End() {
			return fmt.Errorf("track %d: cues %d and %d overlap", track.ID, prev.ID, cue.ID)
		}
		prev = cue
	}
	return nil
}
