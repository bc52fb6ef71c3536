package data

import (
	"encoding/json"
	"fmt"
)

// CueAction is the tagged union stored in cues.action. Exactly one of
// the concrete types below; unknown tags are rejected at load so a bad
// row surfaces when the timeline is read, not mid-broadcast.
type CueAction interface {
	actionTag() string
}

type ShowCamera struct {
	CameraID int64  `json:"camera_id"`
	PresetID *int64 `json:"preset_id,omitempty"`
}

type ShowMedia struct {
	AssetID int64 `json:"asset_id"`
}

type ShowOverlay struct {
	AssetID int64   `json:"asset_id"`
	FadeIn  float64 `json:"fade_in"`  // seconds
	FadeOut float64 `json:"fade_out"` // seconds
}

func (ShowCamera) actionTag() string  { return "show_camera" }
func (ShowMedia) actionTag() string   { return "show_media" }
func (ShowOverlay) actionTag() string { return "show_overlay" }

type actionEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// MarshalCueAction encodes an action into its stored envelope form.
func MarshalCueAction(a CueAction) ([]byte, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return json.Marshal(actionEnvelope{Type: a.actionTag(), Data: data})
}

// UnmarshalCueAction decodes a stored envelope. Unknown tags fail.
func UnmarshalCueAction(raw []byte) (CueAction, error) {
	var env actionEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("cue action envelope: %w", err)
	}

	switch env.Type {
	case "show_camera":
		var a ShowCamera
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("show_camera payload: %w", err)
		}
		return a, nil
	case "show_media":
		var a ShowMedia
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("show_media payload: %w", err)
		}
		return a, nil
	case "show_overlay":
		var a ShowOverlay
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return nil, fmt.Errorf("show_overlay payload: %w", err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("unknown cue action type %q", env.Type)
	}
}
