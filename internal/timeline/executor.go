package timeline

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/encoder"
	"github.com/castworks/cw-studio/internal/events"
	"github.com/castworks/cw-studio/internal/relay"
	"github.com/castworks/cw-studio/internal/store"
)

// PrerollError reports which cameras kept the timeline from starting.
type PrerollError struct {
	CameraIDs []int64
}

func (e *PrerollError) Error() string {
	return fmt.Sprintf("preroll failed: cameras %v not publishing", e.CameraIDs)
}

// Process is the running program encoder as the executor sees it.
type Process interface {
	Events() <-chan encoder.Event
	Stop(grace time.Duration) error
}

// Launcher starts program encoder processes.
type Launcher interface {
	Start(ctx context.Context, spec encoder.Spec) (Process, error)
}

// DriverLauncher adapts the concrete encoder driver to Launcher.
type DriverLauncher struct {
	Driver *encoder.Driver
}

func (l DriverLauncher) Start(ctx context.Context, spec encoder.Spec) (Process, error) {
	return l.Driver.Start(ctx, spec)
}

// PresetMover is the slice of the PTZ controller preroll needs.
type PresetMover interface {
	MoveToPreset(ctx context.Context, cameraID int64, preset *data.Preset) error
}

// RelayStates reads per-camera relay state during preroll.
type RelayStates interface {
	StateOf(cameraID int64) relay.State
}

type Config struct {
	PrerollDeadline time.Duration // wait for relays, default 15s
	StopGrace       time.Duration // default 5s
	Tick            time.Duration // position cadence, default 500ms
	StartupTimeout  time.Duration // first frame deadline, default 15s
}

func (c Config) withDefaults() Config {
	if c.PrerollDeadline == 0 {
		c.PrerollDeadline = 15 * time.Second
	}
	if c.StopGrace == 0 {
		c.StopGrace = 5 * time.Second
	}
	if c.Tick == 0 {
		c.Tick = 500 * time.Millisecond
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 15 * time.Second
	}
	return c
}

// Runner builds and starts timeline executions. The stream router is
// its only caller and guarantees at most one execution at a time.
type Runner struct {
	cfg       Config
	launcher  Launcher
	ptz       PresetMover
	relays    RelayStates
	bus       *events.Bus
	positions *store.PositionStore
	build     BuildOptions
}

func NewRunner(cfg Config, launcher Launcher, ptz PresetMover, relays RelayStates, bus *events.Bus, positions *store.PositionStore, build BuildOptions) *Runner {
	return &Runner{
		cfg:       cfg.withDefaults(),
		launcher:  launcher,
		ptz:       ptz,
		relays:    relays,
		bus:       bus,
		positions: positions,
		build:     build,
	}
}

// Event payloads.
type RunInfo struct {
	TimelineID int64  `json:"timeline_id"`
	Name       string `json:"name"`
	Reason     string `json:"reason,omitempty"`
}

type CueInfo struct {
	TimelineID int64 `json:"timeline_id"`
	CueID      int64 `json:"cue_id"`
	CueIndex   int   `json:"cue_index"`
	LoopCount  int   `json:"loop_count"`
}

type LoopInfo struct {
	TimelineID int64 `json:"timeline_id"`
	LoopCount  int   `json:"loop_count"`
}

type ProgressInfo struct {
	TimelineID int64   `json:"timeline_id"`
	FPS        float64 `json:"fps"`
	Dropped    int64   `json:"dropped"`
	Speed      float64 `json:"speed"`
}

// Start validates the timeline, warms up PTZ positions, waits for the
// relays, launches the program encoder and blocks until the first
// encoded frame. On return the outbound stream is up and position
// tracking is running.
func (r *Runner) Start(ctx context.Context, tl *data.Timeline, cat *Catalog, outputs []string) (*Execution, error) {
	if err := Validate(tl); err != nil {
		return nil, err
	}

	// PTZ warm-up is sequential so cameras do not fight for bandwidth,
	// and best-effort: a camera that will not move still has a feed.
	for _, mv := range presetMoves(tl, cat) {
		if err := r.ptz.MoveToPreset(ctx, mv.CameraID, mv.Preset); err != nil {
			log.Printf("[timeline] preroll: camera %d preset warm-up: %v", mv.CameraID, err)
		}
	}

	if err := r.awaitRelays(ctx, cat.CameraIDs()); err != nil {
		return nil, err
	}

	build := r.build
	build.Outputs = outputs
	args, err := BuildArgs(tl, cat, build)
	if err != nil {
		return nil, err
	}

	proc, err := r.launcher.Start(ctx, encoder.Spec{
		Name:           "program",
		Args:           args,
		StartupTimeout: r.cfg.StartupTimeout,
	})
	if err != nil {
		return nil, err
	}

	if err := awaitFirstFrame(ctx, proc, r.cfg.StopGrace); err != nil {
		return nil, err
	}

	ex := newExecution(r, tl, cat)
	ex.proc = proc
	r.bus.Publish(events.Event{Kind: events.KindTimelineStarted, Payload: RunInfo{TimelineID: tl.ID, Name: tl.Name}})
	ex.begin()
	return ex, nil
}

func (r *Runner) awaitRelays(ctx context.Context, cameraIDs []int64) error {
	if len(cameraIDs) == 0 {
		return nil
	}
	deadline := time.Now().Add(r.cfg.PrerollDeadline)
	for {
		var waiting []int64
		for _, id := range cameraIDs {
			switch r.relays.StateOf(id) {
			case relay.StatePublishing, relay.StateDegraded:
			default:
				waiting = append(waiting, id)
			}
		}
		if len(waiting) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return &PrerollError{CameraIDs: waiting}
		}
		select {
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// awaitFirstFrame consumes events until the encoder produces output.
// A startup error or early exit stops the process and fails the start.
func awaitFirstFrame(ctx context.Context, proc Process, grace time.Duration) error {
	for {
		select {
		case ev, ok := <-proc.Events():
			if !ok {
				return fmt.Errorf("program encoder exited before first frame")
			}
			switch ev.Type {
			case encoder.EvFirstFrame:
				return nil
			case encoder.EvError:
				proc.Stop(grace)
				return fmt.Errorf("program encoder: %s", ev.Message)
			case encoder.EvExited:
				return fmt.Errorf("program encoder exited before first frame (code %d)", ev.Code)
			}
		case <-ctx.Done():
			proc.Stop(grace)
			return ctx.Err()
		}
	}
}

// Execution is one live run of a timeline: the encoder process, the
// position task and the relay watch.
type Execution struct {
	runner   *Runner
	timeline *data.Timeline
	catalog  *Catalog
	proc     Process

	videoCues []*data.Cue
	start     time.Time

	stopOnce sync.Once
	mu       sync.Mutex
	stopping bool

	tickCancel context.CancelFunc
	done       chan struct{}
}

func newExecution(r *Runner, tl *data.Timeline, cat *Catalog) *Execution {
	track := findVideoTrack(tl)
	cues := append([]*data.Cue(nil), track.Cues...)
	sortCues(cues)
	return &Execution{
		runner:    r,
		timeline:  tl,
		catalog:   cat,
		videoCues: cues,
		done:      make(chan struct{}),
	}
}

func (ex *Execution) begin() {
	ex.start = time.Now()
	tickCtx, cancel := context.WithCancel(context.Background())
	ex.tickCancel = cancel

	go ex.trackPosition(tickCtx)
	go ex.watchRelays(tickCtx)
	go ex.pump()
}

// Done closes when the encoder process has fully exited.
func (ex *Execution) Done() <-chan struct{} { return ex.done }

func (ex *Execution) TimelineID() int64 { return ex.timeline.ID }

// Stop shuts the run down gracefully. Safe to call more than once and
// after the process already died.
func (ex *Execution) Stop() {
	ex.stopOnce.Do(func() {
		ex.mu.Lock()
		ex.stopping = true
		ex.mu.Unlock()

		ex.proc.Stop(ex.runner.cfg.StopGrace)
		ex.tickCancel()
		ex.runner.positions.Clear()
		ex.runner.bus.Publish(events.Event{Kind: events.KindTimelineStopped,
			Payload: RunInfo{TimelineID: ex.timeline.ID, Name: ex.timeline.Name}})
		<-ex.done
	})
}

func (ex *Execution) isStopping() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.stopping
}

// pump drains encoder events for the life of the process. Any exit the
// executor did not ask for is a failure; the run is not restarted.
func (ex *Execution) pump() {
	defer close(ex.done)
	for ev := range ex.proc.Events() {
		switch ev.Type {
		case encoder.EvProgress:
			ex.runner.bus.Publish(events.Event{Kind: events.KindEncoderProgress,
				Payload: ProgressInfo{TimelineID: ex.timeline.ID, FPS: ev.FPS, Dropped: ev.Dropped, Speed: ev.Speed}})
		case encoder.EvWarning:
			log.Printf("[timeline] %d: encoder warning: %s", ex.timeline.ID, ev.Message)
		case encoder.EvError:
			log.Printf("[timeline] %d: encoder error: %s", ex.timeline.ID, ev.Message)
		case encoder.EvExited:
			ex.tickCancel()
			if !ex.isStopping() {
				ex.runner.positions.Clear()
				ex.runner.bus.Publish(events.Event{Kind: events.KindTimelineFailed,
					Payload: RunInfo{
						TimelineID: ex.timeline.ID,
						Name:       ex.timeline.Name,
						Reason:     fmt.Sprintf("program encoder exited with code %d", ev.Code),
					}})
			}
		}
	}
}

// watchRelays re-emits relay failures of referenced cameras as
// degradation. The run keeps going; the failed input goes dark.
func (ex *Execution) watchRelays(ctx context.Context) {
	ch, cancel := ex.runner.bus.Subscribe(16, events.KindRelayStateChanged)
	defer cancel()
	for {
		select {
		case ev := <-ch:
			sc, ok := ev.Payload.(relay.StateChange)
			if !ok {
				continue
			}
			if _, referenced := ex.catalog.Cameras[sc.CameraID]; !referenced {
				continue
			}
			if sc.To == relay.StateFailed {
				ex.runner.bus.Publish(events.Event{Kind: events.KindCameraDegraded, Payload: sc})
			}
		case <-ctx.Done():
			return
		}
	}
}

// trackPosition is the single writer of the playback position. Cue
// boundary events go out before the position snapshot is replaced, so
// a consumer that reacts to CueStarted always reads a position at or
// past the boundary.
func (ex *Execution) trackPosition(ctx context.Context) {
	ticker := time.NewTicker(ex.runner.cfg.Tick)
	defer ticker.Stop()

	lastCue := -2 // -1 means "in a gap", so the sentinel sits below it
	lastLoop := 0

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		elapsed := time.Since(ex.start).Seconds()
		dur := ex.timeline.Duration

		loopCount := 0
		pos := elapsed
		if ex.timeline.Loop {
			loopCount = int(elapsed / dur)
			pos = math.Mod(elapsed, dur)
		} else if elapsed >= dur {
			ex.complete()
			return
		}

		cueIdx := ex.cueAt(pos)

		if loopCount != lastLoop {
			ex.runner.bus.Publish(events.Event{Kind: events.KindLoopWrapped,
				Payload: LoopInfo{TimelineID: ex.timeline.ID, LoopCount: loopCount}})
		}
		if cueIdx >= 0 && (cueIdx != lastCue || loopCount != lastLoop) {
			cue := ex.videoCues[cueIdx]
			ex.runner.bus.Publish(events.Event{Kind: events.KindCueStarted,
				Payload: CueInfo{TimelineID: ex.timeline.ID, CueID: cue.ID, CueIndex: cueIdx, LoopCount: loopCount}})
		}
		lastCue, lastLoop = cueIdx, loopCount

		snap := &store.Position{
			TimelineID: ex.timeline.ID,
			CueIndex:   cueIdx,
			Offset:     pos,
			Elapsed:    elapsed,
			LoopCount:  loopCount,
			UpdatedAt:  time.Now(),
		}
		if cueIdx >= 0 {
			snap.CueID = ex.videoCues[cueIdx].ID
			snap.Offset = pos - ex.videoCues[cueIdx].Start
		}
		ex.runner.positions.Set(snap)
	}
}

// complete handles natural end of a non-looping run.
func (ex *Execution) complete() {
	ex.mu.Lock()
	ex.stopping = true
	ex.mu.Unlock()

	ex.proc.Stop(ex.runner.cfg.StopGrace)
	ex.runner.positions.Clear()
	ex.runner.bus.Publish(events.Event{Kind: events.KindTimelineCompleted,
		Payload: RunInfo{TimelineID: ex.timeline.ID, Name: ex.timeline.Name}})
}

// cueAt returns the index of the video cue covering pos, or -1 in a
// gap.
func (ex *Execution) cueAt(pos float64) int {
	i := sort.Search(len(ex.videoCues), func(i int) bool {
		return ex.videoCues[i].End() > pos
	})
	if i < len(ex.videoCues) && ex.videoCues[i].Start <= pos {
		return i
	}
	return -1
}
