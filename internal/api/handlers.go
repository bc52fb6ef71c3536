package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/ptz"
	"github.com/castworks/cw-studio/internal/router"
	"github.com/castworks/cw-studio/internal/timeline"
)

// POST /api/v1/preview/start
func (s *Server) handlePreviewStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TimelineID int64 `json:"timeline_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TimelineID == 0 {
		respondError(w, http.StatusBadRequest, "timeline_id is required")
		return
	}

	hlsURL, err := s.streams.StartPreview(r.Context(), req.TimelineID)
	if err != nil {
		s.respondStreamError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"hls_url": hlsURL})
}

// POST /api/v1/preview/stop
func (s *Server) handlePreviewStop(w http.ResponseWriter, r *http.Request) {
	s.streams.Stop()
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// POST /api/v1/go_live
func (s *Server) handleGoLive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DestinationIDs []int64 `json:"destination_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	outputs, err := s.streams.GoLive(r.Context(), req.DestinationIDs)
	if err != nil {
		s.respondStreamError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"outputs": outputs})
}

// GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.streams.Status(r.Context()))
}

// GET /api/v1/playback_position
func (s *Server) handlePlaybackPosition(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.streams.PlaybackPosition())
}

// GET /api/v1/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.streams.Health(r.Context()))
}

func (s *Server) respondStreamError(w http.ResponseWriter, err error) {
	var preroll *timeline.PrerollError
	switch {
	case errors.Is(err, router.ErrBadMode):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, router.ErrServerDown):
		respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, router.ErrNoDestinations):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &preroll):
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":      "cameras not publishing",
			"camera_ids": preroll.CameraIDs,
		})
	case errors.Is(err, data.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, "not found")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func cameraID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "cameraID"), 10, 64)
}

// POST /api/v1/cameras/{cameraID}/ptz/capture
func (s *Server) handlePTZCapture(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	pos, err := s.ptz.CapturePosition(r.Context(), id)
	if err != nil {
		s.respondPTZError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pos)
}

// POST /api/v1/cameras/{cameraID}/ptz/move_to_preset
func (s *Server) handlePTZMoveToPreset(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	var req struct {
		PresetID int64 `json:"preset_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PresetID == 0 {
		respondError(w, http.StatusBadRequest, "preset_id is required")
		return
	}

	preset, err := s.presets.GetByID(r.Context(), req.PresetID)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "preset not found")
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if preset.CameraID != id {
		respondError(w, http.StatusBadRequest, "preset belongs to another camera")
		return
	}

	if err := s.ptz.MoveToPreset(r.Context(), id, preset); err != nil {
		s.respondPTZError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "moved"})
}

// POST /api/v1/cameras/{cameraID}/ptz/presets
// Moves the camera to the given coordinates, stores the position on
// the device, then persists the row with the device's preset token.
func (s *Server) handlePTZSetPreset(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	var req struct {
		Name string  `json:"name"`
		Pan  float64 `json:"pan"`
		Tilt float64 `json:"tilt"`
		Zoom float64 `json:"zoom"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	pos := ptz.Position{Pan: req.Pan, Tilt: req.Tilt, Zoom: req.Zoom}
	token, err := s.ptz.SetPreset(r.Context(), id, req.Name, pos)
	if err != nil {
		s.respondPTZError(w, err)
		return
	}

	preset := &data.Preset{
		CameraID: id,
		Name:     req.Name,
		Pan:      req.Pan,
		Tilt:     req.Tilt,
		Zoom:     req.Zoom,
		Token:    token,
	}
	if err := s.presets.Upsert(r.Context(), preset); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if preset.Token == "" {
		// The device acked without a token; the row id stands in so
		// GotoPreset still has something to recall by.
		preset.Token = strconv.FormatInt(preset.ID, 10)
		if err := s.presets.Upsert(r.Context(), preset); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	respondJSON(w, http.StatusCreated, preset)
}

// GET /api/v1/cameras/{cameraID}/ptz/presets
func (s *Server) handlePTZListPresets(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	presets, err := s.presets.ListForCamera(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if presets == nil {
		presets = []*data.Preset{}
	}
	respondJSON(w, http.StatusOK, presets)
}

// GET /api/v1/cameras/{cameraID}/ptz/status
func (s *Server) handlePTZStatus(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}
	pos, err := s.ptz.GetStatus(r.Context(), id)
	if err != nil {
		s.respondPTZError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pos)
}

func (s *Server) respondPTZError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, data.ErrRecordNotFound):
		respondError(w, http.StatusNotFound, "camera not found")
	case errors.Is(err, ptz.ErrTimeout):
		respondError(w, http.StatusGatewayTimeout, "camera timed out")
	case errors.Is(err, ptz.ErrUnreachable):
		respondError(w, http.StatusBadGateway, "camera unreachable")
	case errors.Is(err, ptz.ErrAuthFailed):
		respondError(w, http.StatusBadGateway, "camera rejected credentials")
	case errors.Is(err, ptz.ErrUnsupportedProfile):
		respondError(w, http.StatusUnprocessableEntity, "camera has no usable media profile")
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// POST /api/v1/destinations/{destinationID}/validate
func (s *Server) handleDestinationValidate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "destinationID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid destination id")
		return
	}

	check, err := s.dests.Validate(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "destination not found")
			return
		}
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, check)
}
