package timeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/castworks/cw-studio/internal/data"
)

// Catalog holds every entity a timeline references, resolved up front
// so execution never touches the database mid-run.
type Catalog struct {
	Cameras map[int64]*data.Camera
	Presets map[int64]*data.Preset
	Assets  map[int64]*data.Asset
}

// EntitySource resolves referenced entities. Satisfied by the
// read-through cache with a preset lookup bolted on.
type EntitySource interface {
	Camera(ctx context.Context, id int64) (*data.Camera, error)
	Asset(ctx context.Context, id int64) (*data.Asset, error)
	Preset(ctx context.Context, id int64) (*data.Preset, error)
}

// LoadCatalog resolves every camera, preset and asset the timeline
// mentions. A missing reference surfaces here, before preroll.
func LoadCatalog(ctx context.Context, src EntitySource, tl *data.Timeline) (*Catalog, error) {
	cat := &Catalog{
		Cameras: make(map[int64]*data.Camera),
		Presets: make(map[int64]*data.Preset),
		Assets:  make(map[int64]*data.Asset),
	}

	for _, track := range tl.Tracks {
		for _, cue := range track.Cues {
			switch a := cue.Action.(type) {
			case data.ShowCamera:
				if _, ok := cat.Cameras[a.CameraID]; !ok {
					cam, err := src.Camera(ctx, a.CameraID)
					if err != nil {
						return nil, fmt.Errorf("cue %d: camera %d: %w", cue.ID, a.CameraID, err)
					}
					cat.Cameras[a.CameraID] = cam
				}
				if a.PresetID != nil {
					if _, ok := cat.Presets[*a.PresetID]; !ok {
						p, err := src.Preset(ctx, *a.PresetID)
						if err != nil {
							return nil, fmt.Errorf("cue %d: preset %d: %w", cue.ID, *a.PresetID, err)
						}
						cat.Presets[*a.PresetID] = p
					}
				}
			case data.ShowMedia:
				if err := cat.loadAsset(ctx, src, cue.ID, a.AssetID); err != nil {
					return nil, err
				}
			case data.ShowOverlay:
				if err := cat.loadAsset(ctx, src, cue.ID, a.AssetID); err != nil {
					return nil, err
				}
			}
		}
	}
	return cat, nil
}

func (c *Catalog) loadAsset(ctx context.Context, src EntitySource, cueID, assetID int64) error {
	if _, ok := c.Assets[assetID]; ok {
		return nil
	}
	asset, err := src.Asset(ctx, assetID)
	if err != nil {
		return fmt.Errorf("cue %d: asset %d: %w", cueID, assetID, err)
	}
	c.Assets[assetID] = asset
	return nil
}

// CameraIDs returns the distinct referenced cameras in ascending order.
// The order is the program encoder's input order, so it must be stable.
func (c *Catalog) CameraIDs() []int64 {
	ids := make([]int64, 0, len(c.Cameras))
	for id := range c.Cameras {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// presetMoves lists the distinct (camera, preset) pairs used anywhere
// in the timeline, in cue order, for the preroll warm-up.
func presetMoves(tl *data.Timeline, cat *Catalog) []presetMove {
	seen := make(map[[2]int64]bool)
	var moves []presetMove
	for _, track := range tl.Tracks {
		for _, cue := range track.Cues {
			a, ok := cue.Action.(data.ShowCamera)
			if !ok || a.PresetID == nil {
				continue
			}
			key := [2]int64{a.CameraID, *a.PresetID}
			if seen[key] {
				continue
			}
			seen[key] = true
			moves = append(moves, presetMove{CameraID: a.CameraID, Preset: cat.Presets[*a.PresetID]})
		}
	}
	return moves
}

type presetMove struct {
	CameraID int64
	Preset   *data.Preset
}
