package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/castworks/cw-studio/internal/destinations"
	"github.com/castworks/cw-studio/internal/events"
	"github.com/castworks/cw-studio/internal/health"
	"github.com/castworks/cw-studio/internal/relay"
	"github.com/castworks/cw-studio/internal/router"
	"github.com/castworks/cw-studio/internal/store"
	"github.com/castworks/cw-studio/internal/timeline"
)

const sampleInterval = 2 * time.Second

var relayStates = []relay.State{
	relay.StateIdle, relay.StateStarting, relay.StatePublishing, relay.StateDegraded, relay.StateFailed,
}

var routerModes = []router.Mode{router.ModeIdle, router.ModePreview, router.ModeLive}

// Collector turns bus events into Prometheus series on its own
// registry, so the default registry's Go runtime noise stays out of
// the scrape.
type Collector struct {
	bus       *events.Bus
	positions *store.PositionStore
	registry  *prometheus.Registry

	relayState    *prometheus.GaugeVec
	relayRestarts *prometheus.CounterVec

	encoderFPS     prometheus.Gauge
	encoderDropped prometheus.Gauge
	encoderSpeed   prometheus.Gauge

	timelinePosition prometheus.Gauge
	timelineLoops    prometheus.Gauge
	timelineRunning  prometheus.Gauge

	routerMode *prometheus.GaugeVec

	cameraReachable  *prometheus.GaugeVec
	destinationReady *prometheus.GaugeVec
}

func NewCollector(bus *events.Bus, positions *store.PositionStore) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		bus:       bus,
		positions: positions,
		registry:  reg,
	}

	c.relayState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "studio_relay_state",
		Help: "Relay state machine, 1 on the label matching the current state",
	}, []string{"camera_id", "state"})
	reg.MustRegister(c.relayState)

	c.relayRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studio_relay_restarts_total",
		Help: "Relay restarts after a publishing or degraded period",
	}, []string{"camera_id"})
	reg.MustRegister(c.relayRestarts)

	c.encoderFPS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "studio_encoder_fps",
		Help: "Program encoder output frame rate",
	})
	reg.MustRegister(c.encoderFPS)

	c.encoderDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "studio_encoder_dropped_frames",
		Help: "Frames the program encoder has dropped",
	})
	reg.MustRegister(c.encoderDropped)

	c.encoderSpeed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "studio_encoder_speed",
		Help: "Encode speed relative to realtime, 1.0 = keeping up",
	})
	reg.MustRegister(c.encoderSpeed)

	c.timelinePosition = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "studio_timeline_position_seconds",
		Help: "Playback position inside the running timeline",
	})
	reg.MustRegister(c.timelinePosition)

	c.timelineLoops = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "studio_timeline_loop_count",
		Help: "Completed loops of the running timeline",
	})
	reg.MustRegister(c.timelineLoops)

	c.timelineRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "studio_timeline_running",
		Help: "1 while a timeline execution is active",
	})
	reg.MustRegister(c.timelineRunning)

	c.routerMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "studio_router_mode",
		Help: "Router mode, 1 on the label matching the current mode",
	}, []string{"mode"})
	reg.MustRegister(c.routerMode)
	c.routerMode.WithLabelValues(string(router.ModeIdle)).Set(1)

	c.cameraReachable = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "studio_camera_reachable",
		Help: "1 when the last RTSP probe of the camera succeeded",
	}, []string{"camera_id"})
	reg.MustRegister(c.cameraReachable)

	c.destinationReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "studio_destination_ready",
		Help: "1 when the destination reconciled to ready",
	}, []string{"destination_id"})
	reg.MustRegister(c.destinationReady)

	return c
}

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Start consumes bus events and samples the playback position until
// ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ch, cancel := c.bus.Subscribe(64,
		events.KindRelayStateChanged,
		events.KindEncoderProgress,
		events.KindRouterModeChanged,
		events.KindCameraHealth,
		events.KindDestinationStatus,
	)
	defer cancel()

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			c.apply(ev)
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) apply(ev events.Event) {
	switch p := ev.Payload.(type) {
	case relay.StateChange:
		cam := fmt.Sprint(p.CameraID)
		for _, s := range relayStates {
			c.relayState.WithLabelValues(cam, string(s)).Set(0)
		}
		c.relayState.WithLabelValues(cam, string(p.To)).Set(1)
		if p.To == relay.StateStarting && p.From != relay.StateIdle {
			c.relayRestarts.WithLabelValues(cam).Inc()
		}

	case timeline.ProgressInfo:
		c.encoderFPS.Set(p.FPS)
		c.encoderDropped.Set(float64(p.Dropped))
		c.encoderSpeed.Set(p.Speed)

	case router.ModeChange:
		for _, m := range routerModes {
			c.routerMode.WithLabelValues(string(m)).Set(0)
		}
		c.routerMode.WithLabelValues(string(p.To)).Set(1)

	case health.Report:
		v := 0.0
		if p.RTSPOK {
			v = 1
		}
		c.cameraReachable.WithLabelValues(fmt.Sprint(p.CameraID)).Set(v)

	case destinations.StatusInfo:
		v := 0.0
		if p.Result == destinations.ResultReady {
			v = 1
		}
		c.destinationReady.WithLabelValues(fmt.Sprint(p.DestinationID)).Set(v)
	}
}

func (c *Collector) sample() {
	pos := c.positions.Get()
	if pos == nil {
		c.timelineRunning.Set(0)
		c.timelinePosition.Set(0)
		c.timelineLoops.Set(0)
		return
	}
	c.timelineRunning.Set(1)
	c.timelinePosition.Set(pos.Elapsed)
	c.timelineLoops.Set(float64(pos.LoopCount))
}
