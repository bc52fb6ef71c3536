package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies an event family on the bus.
type Kind string

const (
	KindEncoderStarted    Kind = "encoder.started"
	KindEncoderFirstFrame Kind = "encoder.first_frame"
	KindEncoderProgress   Kind = "encoder.progress"
	KindEncoderWarning    Kind = "encoder.warning"
	KindEncoderError      Kind = "encoder.error"
	KindEncoderExited     Kind = "encoder.exited"

	KindRelayStateChanged Kind = "relay.state_changed"
	KindCameraHealth      Kind = "camera.health"
	KindCameraDegraded    Kind = "camera.degraded"

	KindTimelineStarted   Kind = "timeline.started"
	KindCueStarted        Kind = "timeline.cue_started"
	KindTimelineStopped   Kind = "timeline.stopped"
	KindTimelineFailed    Kind = "timeline.failed"
	KindTimelineCompleted Kind = "timeline.completed"
	KindLoopWrapped       Kind = "timeline.loop_wrapped"

	KindRouterModeChanged Kind = "router.mode_changed"
	KindDestinationStatus Kind = "destination.status"

	KindAssetStatus Kind = "asset.status"
)

// Event is the envelope every component publishes. Payload is a
// JSON-serializable struct owned by the publishing package.
type Event struct {
	ID        string      `json:"id"`
	Kind      Kind        `json:"kind"`
	At        time.Time   `json:"at"`
	Payload   interface{} `json:"payload,omitempty"`
}

// subscriber is a single registered channel plus its kind filter.
// An empty filter means all kinds.
type subscriber struct {
	ch    chan Event
	kinds map[Kind]bool
}

// Bus is an in-process fan-out bus. Publish never blocks: a subscriber
// whose buffer is full loses the event and the drop is counted.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Uint64
	mirror  Mirror
}

// Mirror receives a copy of every published event. Used to forward the
// stream to an external broker.
type Mirror interface {
	Forward(evt Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*subscriber]struct{})}
}

// SetMirror installs an external forwarder. Call before the first
// Publish; not safe to swap while publishing.
func (b *Bus) SetMirror(m Mirror) {
	b.mirror = m
}

// Publish stamps the event and fans it out. Zero-value ID and At are
// filled in.
func (b *Bus) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	b.mu.RLock()
	for s := range b.subs {
		if len(s.kinds) > 0 && !s.kinds[evt.Kind] {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			b.dropped.Add(1)
			log.Printf("[events] dropped %s for slow subscriber", evt.Kind)
		}
	}
	b.mu.RUnlock()

	if b.mirror != nil {
		b.mirror.Forward(evt)
	}
}

// Subscribe registers a buffered channel for the given kinds (all kinds
// when none are given). The caller must drain the channel and call the
// returned cancel func when done.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[s]; ok {
			delete(b.subs, s)
			close(s.ch)
		}
		b.mu.Unlock()
	}
	return s.ch, cancel
}

// Dropped reports how many events were discarded for slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
