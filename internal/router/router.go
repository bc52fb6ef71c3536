package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/events"
	"github.com/castworks/cw-studio/internal/store"
	"github.com/castworks/cw-studio/internal/timeline"
)

// Mode is the process-wide output mode.
type Mode string

const (
	ModeIdle    Mode = "idle"
	ModePreview Mode = "preview"
	ModeLive    Mode = "live"
)

var (
	ErrBadMode        = errors.New("operation not valid in current mode")
	ErrServerDown     = errors.New("media server is not healthy")
	ErrNoDestinations = errors.New("go_live requires at least one destination")
)

// Execution is a running timeline as the router sees it.
type Execution interface {
	Stop()
	Done() <-chan struct{}
	TimelineID() int64
}

// Starter launches executions. The concrete runner is adapted through
// RunnerStarter.
type Starter interface {
	Start(ctx context.Context, tl *data.Timeline, cat *timeline.Catalog, outputs []string) (Execution, error)
}

type RunnerStarter struct {
	Runner *timeline.Runner
}

func (s RunnerStarter) Start(ctx context.Context, tl *data.Timeline, cat *timeline.Catalog, outputs []string) (Execution, error) {
	return s.Runner.Start(ctx, tl, cat, outputs)
}

// Loader fetches a timeline and resolves everything it references.
type Loader interface {
	Load(ctx context.Context, timelineID int64) (*data.Timeline, *timeline.Catalog, error)
}

// MediaHealth probes the local RTMP/HLS server.
type MediaHealth interface {
	Healthy(ctx context.Context) bool
	ActivePaths(ctx context.Context) ([]string, error)
}

// Output is one resolved stream target.
type Output struct {
	DestinationID int64
	Name          string
	URL           string // full publish URL including the stream key
	Lifecycle     string // ready, skipped, warning
}

// DestinationResolver prepares destinations for ingestion and returns
// their publish URLs. Lifecycle warnings never block going live.
type DestinationResolver interface {
	Prepare(ctx context.Context, destinationIDs []int64) ([]Output, error)
}

// Router serializes every mode transition behind one mutex and is the
// only component that starts timeline executions.
type Router struct {
	starter      Starter
	loader       Loader
	media        MediaHealth
	destinations DestinationResolver
	bus          *events.Bus
	positions    *store.PositionStore

	previewPublishURL string
	previewHLSURL     string

	mu           sync.Mutex
	mode         Mode
	exec         Execution
	timelineName string
}

func New(starter Starter, loader Loader, media MediaHealth, destinations DestinationResolver, bus *events.Bus, positions *store.PositionStore, previewPublishURL, previewHLSURL string) *Router {
	return &Router{
		starter:           starter,
		loader:            loader,
		media:             media,
		destinations:      destinations,
		bus:               bus,
		positions:         positions,
		previewPublishURL: previewPublishURL,
		previewHLSURL:     previewHLSURL,
		mode:              ModeIdle,
	}
}

// StartPreview brings a timeline up on the local preview mount. Valid
// only from idle.
func (r *Router) StartPreview(ctx context.Context, timelineID int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != ModeIdle {
		return "", fmt.Errorf("%w: mode is %s", ErrBadMode, r.mode)
	}
	if !r.media.Healthy(ctx) {
		return "", ErrServerDown
	}

	tl, cat, err := r.loader.Load(ctx, timelineID)
	if err != nil {
		return "", err
	}

	ex, err := r.starter.Start(ctx, tl, cat, []string{r.previewPublishURL})
	if err != nil {
		return "", err
	}

	r.exec = ex
	r.timelineName = tl.Name
	r.setMode(ModePreview)
	go r.watch(ex)
	return r.previewHLSURL, nil
}

// GoLive tears down the preview execution and restarts the same
// timeline against the destinations. The timeline restarts from zero;
// the brief idle window between executors is observable.
func (r *Router) GoLive(ctx context.Context, destinationIDs []int64) ([]Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode != ModePreview {
		return nil, fmt.Errorf("%w: mode is %s", ErrBadMode, r.mode)
	}
	if len(destinationIDs) == 0 {
		return nil, ErrNoDestinations
	}

	outputs, err := r.destinations.Prepare(ctx, destinationIDs)
	if err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(outputs))
	for _, out := range outputs {
		if out.URL != "" {
			urls = append(urls, out.URL)
		}
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no destination produced a publish url")
	}

	timelineID := r.exec.TimelineID()
	tl, cat, err := r.loader.Load(ctx, timelineID)
	if err != nil {
		return nil, err
	}

	r.exec.Stop()
	r.exec = nil
	r.setMode(ModeIdle)

	ex, err := r.starter.Start(ctx, tl, cat, urls)
	if err != nil {
		return nil, err
	}

	r.exec = ex
	r.timelineName = tl.Name
	r.setMode(ModeLive)
	go r.watch(ex)
	return outputs, nil
}

// Stop halts whatever is running. Idempotent; calling it while idle is
// a no-op.
func (r *Router) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.exec != nil {
		r.exec.Stop()
		r.exec = nil
	}
	r.timelineName = ""
	if r.mode != ModeIdle {
		r.setMode(ModeIdle)
	}
}

// watch resets the router when an execution ends on its own, e.g.
// encoder failure or a non-looping timeline completing.
func (r *Router) watch(ex Execution) {
	<-ex.Done()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exec != ex {
		return
	}
	log.Printf("[router] execution for timeline %d ended, returning to idle", ex.TimelineID())
	r.exec = nil
	r.timelineName = ""
	r.setMode(ModeIdle)
}

type Status struct {
	Mode          Mode    `json:"mode"`
	TimelineID    *int64  `json:"timeline_id,omitempty"`
	TimelineName  *string `json:"timeline_name,omitempty"`
	HLSURL        *string `json:"hls_url,omitempty"`
	ServerHealthy bool    `json:"server_healthy"`
}

func (r *Router) Status(ctx context.Context) Status {
	r.mu.Lock()
	mode := r.mode
	exec := r.exec
	name := r.timelineName
	r.mu.Unlock()

	st := Status{Mode: mode, ServerHealthy: r.media.Healthy(ctx)}
	if exec != nil {
		id := exec.TimelineID()
		st.TimelineID = &id
		st.TimelineName = &name
	}
	if mode == ModePreview {
		st.HLSURL = &r.previewHLSURL
	}
	return st
}

type Playback struct {
	IsPlaying  bool            `json:"is_playing"`
	TimelineID *int64          `json:"timeline_id,omitempty"`
	Position   *store.Position `json:"position,omitempty"`
}

func (r *Router) PlaybackPosition() Playback {
	pos := r.positions.Get()
	if pos == nil {
		return Playback{}
	}
	return Playback{IsPlaying: true, TimelineID: &pos.TimelineID, Position: pos}
}

type Health struct {
	Status        string   `json:"status"`
	ActiveStreams []string `json:"active_streams"`
}

func (r *Router) Health(ctx context.Context) Health {
	if !r.media.Healthy(ctx) {
		return Health{Status: "unhealthy"}
	}
	paths, err := r.media.ActivePaths(ctx)
	if err != nil {
		return Health{Status: "unhealthy"}
	}
	return Health{Status: "ok", ActiveStreams: paths}
}

// Mode returns the current mode.
func (r *Router) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

func (r *Router) setMode(to Mode) {
	from := r.mode
	r.mode = to
	log.Printf("[router] %s -> %s", from, to)
	r.bus.Publish(events.Event{Kind: events.KindRouterModeChanged, Payload: ModeChange{From: from, To: to}})
}

type ModeChange struct {
	From Mode `json:"from"`
	To   Mode `json:"to"`
}
