package relay

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/encoder"
	"github.com/castworks/cw-studio/internal/events"
)

// State is the per-camera relay lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StatePublishing State = "publishing"
	StateDegraded   State = "degraded"
	StateFailed     State = "failed"
)

// Backoff schedule between restart attempts: doubles from 2s, capped
// at 60s. Reset after 60s of sustained publishing.
var backoffSchedule = []time.Duration{
	2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 32 * time.Second, 60 * time.Second,
}

const (
	stableResetAfter = 60 * time.Second
	stderrSilenceMax = 10 * time.Second
)

func backoffFor(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// StateChange is the payload of KindRelayStateChanged events.
type StateChange struct {
	CameraID int64  `json:"camera_id"`
	From     State  `json:"from"`
	To       State  `json:"to"`
	Reason   string `json:"reason,omitempty"`
}

// CameraSource resolves the RTSP URL for a camera at (re)start time so
// credential rotations are picked up on the next attempt.
type CameraSource interface {
	RTSPSource(ctx context.Context, cameraID int64) (url string, err error)
}

// Process is the running-subprocess surface the pool watches.
// *encoder.Handle satisfies it.
type Process interface {
	Events() <-chan encoder.Event
	LastStderrAt() time.Time
	Stop(grace time.Duration) error
}

// Launcher is the slice of the encoder driver the pool needs.
type Launcher interface {
	Start(ctx context.Context, spec encoder.Spec) (Process, error)
}

// DriverLauncher adapts *encoder.Driver to the Launcher interface.
type DriverLauncher struct {
	Driver *encoder.Driver
}

func (l DriverLauncher) Start(ctx context.Context, spec encoder.Spec) (Process, error) {
	h, err := l.Driver.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Pool keeps one stream-copy relay per camera pushing to the local
// RTMP server. Each camera gets a supervisor goroutine owning its
// state machine.
type Pool struct {
	source   CameraSource
	launcher Launcher
	bus      *events.Bus
	publish  func(cameraID int64) string // local RTMP mount point

	mu     sync.Mutex
	relays map[int64]*relay
}

type relay struct {
	cameraID int64
	camera   *data.Camera

	mu      sync.Mutex
	state   State
	attempt int

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPool(source CameraSource, launcher Launcher, bus *events.Bus, publishURL func(int64) string) *Pool {
	return &Pool{
		source:   source,
		launcher: launcher,
		bus:      bus,
		publish:  publishURL,
		relays:   make(map[int64]*relay),
	}
}

// PublishURL returns the deterministic local mount point for a camera.
func (p *Pool) PublishURL(cameraID int64) string {
	return p.publish(cameraID)
}

// EnsureStarted starts the supervisor for a camera if it is not
// already running. Idempotent.
func (p *Pool) EnsureStarted(ctx context.Context, cam *data.Camera) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, running := p.relays[cam.ID]; running {
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &relay{
		cameraID: cam.ID,
		camera:   cam,
		state:    StateIdle,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	p.relays[cam.ID] = r
	go p.supervise(runCtx, r)
}

// StartAll brings up relays for every enabled camera.
func (p *Pool) StartAll(ctx context.Context, cameras []*data.Camera) {
	for _, cam := range cameras {
		if cam.Enabled {
			p.EnsureStarted(ctx, cam)
		}
	}
}

// Stop tears down one camera's relay and waits for its supervisor.
func (p *Pool) Stop(cameraID int64) {
	p.mu.Lock()
	r, ok := p.relays[cameraID]
	if ok {
		delete(p.relays, cameraID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	r.cancel()
	<-r.done
}

// StopAll tears down every relay.
func (p *Pool) StopAll() {
	p.mu.Lock()
	all := make([]*relay, 0, len(p.relays))
	for _, r := range p.relays {
		all = append(all, r)
	}
	p.relays = make(map[int64]*relay)
	p.mu.Unlock()

	for _, r := range all {
		r.cancel()
	}
	for _, r := range all {
		<-r.done
	}
}

// StateOf reports the current state, StateIdle for unknown cameras.
func (p *Pool) StateOf(cameraID int64) State {
	p.mu.Lock()
	r, ok := p.relays[cameraID]
	p.mu.Unlock()
	if !ok {
		return StateIdle
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// States snapshots every supervised camera's state.
func (p *Pool) States() map[int64]State {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int64]State, len(p.relays))
	for id, r := range p.relays {
		r.mu.Lock()
		out[id] = r.state
		r.mu.Unlock()
	}
	return out
}

func (p *Pool) setState(r *relay, to State, reason string) {
	r.mu.Lock()
	from := r.state
	r.state = to
	r.mu.Unlock()
	if from == to {
		return
	}
	log.Printf("[relay] camera %d %s -> %s (%s)", r.cameraID, from, to, reason)
	p.bus.Publish(events.Event{
		Kind:    events.KindRelayStateChanged,
		Payload: StateChange{CameraID: r.cameraID, From: from, To: to, Reason: reason},
	})
}

// supervise runs the restart loop for one camera until its context is
// cancelled.
func (p *Pool) supervise(ctx context.Context, r *relay) {
	defer close(r.done)
	defer p.setState(r, StateIdle, "stopped")

	for {
		p.runOnce(ctx, r)

		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		attempt := r.attempt
		r.attempt++
		r.mu.Unlock()

		wait := backoffFor(attempt)
		log.Printf("[relay] camera %d restarting in %s", r.cameraID, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runOnce performs a single process lifecycle: start, watch, exit.
func (p *Pool) runOnce(ctx context.Context, r *relay) {
	p.setState(r, StateStarting, "launching")

	src, err := p.source.RTSPSource(ctx, r.cameraID)
	if err != nil {
		p.setState(r, StateFailed, "source unavailable")
		return
	}

	spec := encoder.Spec{
		Name: fmt.Sprintf("relay-camera-%d", r.cameraID),
		Args: relayArgs(src, p.publish(r.cameraID)),
	}

	h, err := p.launcher.Start(ctx, spec)
	if err != nil {
		p.setState(r, StateFailed, "spawn failed")
		return
	}

	silence := time.NewTicker(2 * time.Second)
	defer silence.Stop()

	var zeroFPSTicks int
	var publishedAt time.Time

	for {
		select {
		case <-ctx.Done():
			h.Stop(0)
			for range h.Events() {
			}
			return

		case <-silence.C:
			r.mu.Lock()
			st := r.state
			r.mu.Unlock()
			if st == StatePublishing && time.Since(h.LastStderrAt()) > stderrSilenceMax {
				p.setState(r, StateDegraded, "stderr silent")
			}

		case evt, ok := <-h.Events():
			if !ok {
				p.setState(r, StateFailed, "process exited")
				return
			}
			switch evt.Type {
			case encoder.EvFirstFrame:
				p.setState(r, StatePublishing, "first frame")
				publishedAt = time.Now()

			case encoder.EvProgress:
				if evt.FPS == 0 {
					zeroFPSTicks++
					if zeroFPSTicks >= 2 {
						p.setState(r, StateDegraded, "fps stalled")
					}
				} else {
					zeroFPSTicks = 0
					p.setState(r, StatePublishing, "fps recovered")
				}
				// Sustained publishing resets the backoff ladder.
				if !publishedAt.IsZero() && time.Since(publishedAt) > stableResetAfter {
					r.mu.Lock()
					r.attempt = 0
					r.mu.Unlock()
				}

			case encoder.EvError:
				// An error before the first frame means the process is
				// up but not producing; kill it and take the backoff.
				r.mu.Lock()
				st := r.state
				r.mu.Unlock()
				if st == StateStarting {
					h.Stop(0)
					p.setState(r, StateFailed, "startup failed")
					for range h.Events() {
					}
					return
				}

			case encoder.EvExited:
				p.setState(r, StateFailed, fmt.Sprintf("exit code %d", evt.Code))
				for range h.Events() {
				}
				return
			}
		}
	}
}

// relayArgs builds the stream-copy command. TCP transport avoids UDP
// loss on flaky camera links; no re-encode happens here.
func relayArgs(rtspURL, rtmpOut string) []string {
	return []string{
		"-hide_banner",
		"-rtsp_transport", "tcp",
		"-timeout", "20000000",
		"-fflags", "nobuffer+discardcorrupt",
		"-i", rtspURL,
		"-c", "copy",
		"-f", "flv",
		rtmpOut,
	}
}

var rtspCredRe = regexp.MustCompile(`rtsp://[^@/\s]+@`)

// SanitizeRTSPURL strips user:pass from an RTSP URL for logging.
func SanitizeRTSPURL(s string) string {
	return rtspCredRe.ReplaceAllString(s, "rtsp://***@")
}
