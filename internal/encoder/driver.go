package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

var (
	ErrSpawn          = errors.New("encoder process could not be spawned")
	ErrAlreadyStopped = errors.New("encoder handle already stopped")
)

type EventType string

const (
	EvStarted    EventType = "started"
	EvFirstFrame EventType = "first_frame"
	EvProgress   EventType = "progress"
	EvWarning    EventType = "warning"
	EvError      EventType = "error"
	EvExited     EventType = "exited"
)

// Event is one item on a handle's ordered event stream. Progress
// carries fps/dropped/speed; Exited carries the process exit code.
type Event struct {
	Type    EventType
	At      time.Time
	FPS     float64
	Dropped int64
	Speed   float64
	Code    int
	Message string
}

// Spec describes one process launch. Args excludes the binary itself.
type Spec struct {
	Name           string // label for logs, e.g. "relay-camera-4" or "program"
	Args           []string
	Dir            string
	StartupTimeout time.Duration // 0 = driver default
}

type HandleState int32

const (
	StateStarting HandleState = iota
	StateRunning
	StateExited
)

// Handle owns exactly one process lifecycle. Events are delivered in
// order on a single channel which is closed after Exited.
type Handle struct {
	Name string

	cmd    *exec.Cmd
	cancel context.CancelFunc
	events chan Event

	mu        sync.Mutex
	state     HandleState
	exitCode  int
	stopped   bool
	firstSeen bool

	lastStderr atomicTime
	done       chan struct{}
}

func (h *Handle) Events() <-chan Event { return h.events }

func (h *Handle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastStderrAt reports when the process last wrote a line, used by
// supervisors watching for a silent pipeline.
func (h *Handle) LastStderrAt() time.Time { return h.lastStderr.Load() }

// Driver launches and supervises ffmpeg processes. One driver is
// shared by the relay pool and the program executor.
type Driver struct {
	Binary         string
	StartupTimeout time.Duration
	StopGrace      time.Duration
}

func NewDriver(binary string, startupTimeout, stopGrace time.Duration) *Driver {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Driver{Binary: binary, StartupTimeout: startupTimeout, StopGrace: stopGrace}
}

// Start spawns the process and begins the event stream. A missing or
// unlaunchable binary fails immediately with ErrSpawn; everything after
// a successful spawn is reported through events.
func (d *Driver) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if _, err := exec.LookPath(d.Binary); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, d.Binary, spec.Args...)
	if spec.Dir != "" {
		cmd.Dir = spec.Dir
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	h := &Handle{
		Name:   spec.Name,
		cmd:    cmd,
		cancel: cancel,
		events: make(chan Event, 128),
		done:   make(chan struct{}),
	}
	h.lastStderr.Store(time.Now())
	h.emit(Event{Type: EvStarted})
	log.Printf("[encoder] %s started pid=%d", spec.Name, cmd.Process.Pid)

	startupTimeout := spec.StartupTimeout
	if startupTimeout == 0 {
		startupTimeout = d.StartupTimeout
	}

	go h.scanStderr(stderr)
	go h.waitProcess()
	go h.watchStartup(startupTimeout)

	return h, nil
}

// Stop requests a graceful shutdown with the driver's default grace
// period when none is given.
func (d *Driver) Stop(h *Handle, grace time.Duration) error {
	if grace == 0 {
		grace = d.StopGrace
	}
	return h.Stop(grace)
}

// Stop sends SIGINT, then SIGKILL after the grace period. Idempotent;
// returns after the process has exited.
func (h *Handle) Stop(grace time.Duration) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		<-h.done
		return nil
	}
	h.stopped = true
	h.mu.Unlock()

	if grace <= 0 {
		grace = 5 * time.Second
	}

	if h.cmd.Process != nil {
		if err := h.cmd.Process.Signal(syscall.SIGINT); err != nil {
			h.cancel() // SIGINT undeliverable, kill via context
		}
	}

	select {
	case <-h.done:
	case <-time.After(grace):
		log.Printf("[encoder] %s did not exit within %s, killing", h.Name, grace)
		h.cancel()
		<-h.done
	}
	return nil
}

// emit pushes an event, dropping progress ticks when the consumer lags
// so lifecycle events always get through.
func (h *Handle) emit(evt Event) {
	evt.At = time.Now()
	if evt.Type == EvProgress {
		select {
		case h.events <- evt:
		default:
		}
		return
	}
	h.events <- evt
}

func (h *Handle) scanStderr(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		h.lastStderr.Store(time.Now())
		h.handleLine(line)
	}
}

func (h *Handle) handleLine(line string) {
	prog, ok := parseProgressLine(line)
	if ok {
		h.mu.Lock()
		first := !h.firstSeen && prog.Frame > 0
		if first {
			h.firstSeen = true
			h.state = StateRunning
		}
		h.mu.Unlock()

		if first {
			h.emit(Event{Type: EvFirstFrame})
		}
		h.emit(Event{Type: EvProgress, FPS: prog.FPS, Dropped: prog.Dropped, Speed: prog.Speed})
		return
	}

	switch classifyLine(line) {
	case EvError:
		h.emit(Event{Type: EvError, Message: line})
	case EvWarning:
		h.emit(Event{Type: EvWarning, Message: line})
	}
}

func (h *Handle) waitProcess() {
	err := h.cmd.Wait()

	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	h.mu.Lock()
	h.state = StateExited
	h.exitCode = code
	h.mu.Unlock()

	h.emit(Event{Type: EvExited, Code: code})
	close(h.events)
	close(h.done)
	h.cancel()
	log.Printf("[encoder] %s exited code=%d", h.Name, code)
}

// watchStartup reports a startup failure when no frame appears within
// the window. The process is left running; the consumer decides.
func (h *Handle) watchStartup(timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	select {
	case <-h.done:
	case <-time.After(timeout):
		h.mu.Lock()
		seen := h.firstSeen
		exited := h.state == StateExited
		h.mu.Unlock()
		if !seen && !exited {
			h.emit(Event{Type: EvError, Message: fmt.Sprintf("no frames within %s of start", timeout)})
		}
	}
}

type atomicTime struct {
	mu sync.Mutex
	t  time.Time
}

func (a *atomicTime) Store(t time.Time) {
	a.mu.Lock()
	a.t = t
	a.mu.Unlock()
}

func (a *atomicTime) Load() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.t
}
