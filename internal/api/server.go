package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httputil"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/destinations"
	"github.com/castworks/cw-studio/internal/events"
	"github.com/castworks/cw-studio/internal/middleware"
	"github.com/castworks/cw-studio/internal/ptz"
	"github.com/castworks/cw-studio/internal/ratelimit"
	"github.com/castworks/cw-studio/internal/router"
	"github.com/castworks/cw-studio/internal/tokens"
)

// Streams is the slice of the stream router the API exposes.
type Streams interface {
	StartPreview(ctx context.Context, timelineID int64) (string, error)
	GoLive(ctx context.Context, destinationIDs []int64) ([]router.Output, error)
	Stop()
	Status(ctx context.Context) router.Status
	PlaybackPosition() router.Playback
	Health(ctx context.Context) router.Health
}

// PTZ is what the camera handlers need from the ONVIF controller.
type PTZ interface {
	CapturePosition(ctx context.Context, cameraID int64) (ptz.Position, error)
	MoveToPreset(ctx context.Context, cameraID int64, preset *data.Preset) error
	SetPreset(ctx context.Context, cameraID int64, name string, pos ptz.Position) (string, error)
	GetStatus(ctx context.Context, cameraID int64) (ptz.Position, error)
}

// PresetStore persists the named positions the PTZ handlers manage.
type PresetStore interface {
	GetByID(ctx context.Context, id int64) (*data.Preset, error)
	Upsert(ctx context.Context, p *data.Preset) error
	ListForCamera(ctx context.Context, cameraID int64) ([]*data.Preset, error)
}

// DestinationChecker runs an on-demand health check of a bound
// destination, same probe the watchdog uses.
type DestinationChecker interface {
	Validate(ctx context.Context, destinationID int64) (*destinations.WatchdogCheck, error)
}

type Config struct {
	CORSAllowOrigins []string
	HLSTokenSecret   string // empty disables playlist token checks
	HLSUpstream      string // media server HLS base, e.g. http://127.0.0.1:8888
	PTZLimit         ratelimit.Config
}

// Server is the HTTP facade over the production engine. It holds no
// state of its own; every handler delegates to a core component.
type Server struct {
	cfg       Config
	streams   Streams
	ptz       PTZ
	presets   PresetStore
	dests     DestinationChecker
	bus       *events.Bus
	metrics   http.Handler
	limiter   *ratelimit.Limiter
	hlsTokens *tokens.Manager
	hlsProxy  *httputil.ReverseProxy
}

func NewServer(cfg Config, streams Streams, ptzc PTZ, presets PresetStore, dests DestinationChecker, bus *events.Bus, metrics http.Handler, limiter *ratelimit.Limiter) *Server {
	s := &Server{
		cfg:     cfg,
		streams: streams,
		ptz:     ptzc,
		presets: presets,
		dests:   dests,
		bus:     bus,
		metrics: metrics,
		limiter: limiter,
	}
	if cfg.HLSTokenSecret != "" {
		s.hlsTokens = tokens.NewManager(cfg.HLSTokenSecret)
	}
	if cfg.HLSUpstream != "" {
		s.hlsProxy = newHLSProxy(cfg.HLSUpstream)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging)
	r.Use(middleware.CORS(s.cfg.CORSAllowOrigins))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/preview/start", s.handlePreviewStart)
		r.Post("/preview/stop", s.handlePreviewStop)
		r.Get("/preview/token", s.handlePreviewToken)
		r.Post("/go_live", s.handleGoLive)
		r.Get("/status", s.handleStatus)
		r.Get("/playback_position", s.handlePlaybackPosition)
		r.Get("/health", s.handleHealth)

		r.Route("/cameras/{cameraID}/ptz", func(r chi.Router) {
			r.Use(middleware.RateLimit(s.limiter, s.cfg.PTZLimit))
			r.Post("/capture", s.handlePTZCapture)
			r.Post("/move_to_preset", s.handlePTZMoveToPreset)
			r.Post("/presets", s.handlePTZSetPreset)
			r.Get("/presets", s.handlePTZListPresets)
			r.Get("/status", s.handlePTZStatus)
		})

		r.Post("/destinations/{destinationID}/validate", s.handleDestinationValidate)
		r.Get("/events", s.handleEvents)
	})

	r.Get("/preview/*", s.handleHLS)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}
	return r
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
