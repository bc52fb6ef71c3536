package health

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/castworks/cw-studio/internal/crypto"
	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/events"
	"github.com/castworks/cw-studio/internal/relay"
)

// Report is the per-camera health snapshot published each cycle.
// ONVIFOK is nil on cycles where the PTZ check was skipped and for
// stationary cameras.
type Report struct {
	CameraID   int64       `json:"camera_id"`
	RTSPOK     bool        `json:"rtsp_ok"`
	ONVIFOK    *bool       `json:"onvif_ok,omitempty"`
	RelayState relay.State `json:"relay_state"`
	LastError  string      `json:"last_error,omitempty"`
}

// CameraSource lists the cameras to watch and resolves their stream
// credentials.
type CameraSource interface {
	List(ctx context.Context) ([]*data.Camera, error)
	GetPassword(ctx context.Context, keyring *crypto.Keyring, id int64) (string, error)
}

// RelayStates is the slice of the relay pool the monitor reads.
type RelayStates interface {
	States() map[int64]relay.State
}

// PTZProber checks that a camera's ONVIF endpoint still answers.
type PTZProber interface {
	Reachable(ctx context.Context, cameraID int64) error
}

type Config struct {
	Interval   time.Duration
	ONVIFEvery int
}

// Monitor probes every enabled camera on a fixed cycle and publishes a
// Report per camera. It never retries within a cycle; a flapping camera
// shows up as alternating reports.
type Monitor struct {
	cfg     Config
	cameras CameraSource
	keyring *crypto.Keyring
	relays  RelayStates
	ptz     PTZProber
	bus     *events.Bus

	cycle int
	quit  chan struct{}
	wg    sync.WaitGroup
}

func NewMonitor(cfg Config, cameras CameraSource, keyring *crypto.Keyring, relays RelayStates, ptz PTZProber, bus *events.Bus) *Monitor {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.ONVIFEvery == 0 {
		cfg.ONVIFEvery = 4
	}
	return &Monitor{
		cfg:     cfg,
		cameras: cameras,
		keyring: keyring,
		relays:  relays,
		ptz:     ptz,
		bus:     bus,
		quit:    make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

func (m *Monitor) Stop() {
	close(m.quit)
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.checkAll()
	for {
		select {
		case <-ticker.C:
			m.checkAll()
		case <-m.quit:
			return
		}
	}
}

func (m *Monitor) checkAll() {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
	defer cancel()

	cameras, err := m.cameras.List(ctx)
	if err != nil {
		log.Printf("[health] list cameras: %v", err)
		return
	}

	withONVIF := m.cycle%m.cfg.ONVIFEvery == 0
	m.cycle++

	states := m.relays.States()
	for _, cam := range cameras {
		if !cam.Enabled {
			continue
		}
		state, ok := states[cam.ID]
		if !ok {
			state = relay.StateIdle
		}
		report := m.checkOne(ctx, cam, state, withONVIF)
		m.bus.Publish(events.Event{Kind: events.KindCameraHealth, Payload: report})
	}
}

func (m *Monitor) checkOne(ctx context.Context, cam *data.Camera, relayState relay.State, withONVIF bool) Report {
	report := Report{CameraID: cam.ID, RelayState: relayState}

	password, err := m.cameras.GetPassword(ctx, m.keyring, cam.ID)
	if err != nil {
		report.LastError = "credential fetch failed"
		return report
	}

	if err := probeRTSP(ctx, cam.RTSPURL(password)); err != nil {
		report.LastError = err.Error()
	} else {
		report.RTSPOK = true
	}

	if withONVIF && cam.Kind == data.CameraPTZ && m.ptz != nil {
		ok := m.ptz.Reachable(ctx, cam.ID) == nil
		report.ONVIFOK = &ok
	}
	return report
}
