package destinations

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/castworks/cw-studio/internal/events"
)

// Checker is the slice of the lifecycle service the watchdog drives.
type Checker interface {
	Validate(ctx context.Context, destinationID int64) (*WatchdogCheck, error)
	ReconcileByID(ctx context.Context, destinationID int64) (Result, string, error)
}

// Watchdog polls a destination's platform stream health and triggers a
// broadcast reconciliation after a run of bad readings. It never
// touches the program encoder; a recovered broadcast picks the stream
// back up on its own.
type Watchdog struct {
	service  Checker
	bus      *events.Bus
	interval time.Duration
	strikes  int

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

func NewWatchdog(service Checker, bus *events.Bus, interval time.Duration, strikes int) *Watchdog {
	if interval == 0 {
		interval = 30 * time.Second
	}
	if strikes == 0 {
		strikes = 3
	}
	return &Watchdog{
		service:  service,
		bus:      bus,
		interval: interval,
		strikes:  strikes,
		cancels:  make(map[int64]context.CancelFunc),
	}
}

// Watch starts a loop for one destination. Idempotent per id.
func (w *Watchdog) Watch(destinationID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.cancels[destinationID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancels[destinationID] = cancel
	w.wg.Add(1)
	go w.run(ctx, destinationID)
}

// Unwatch stops the loop for one destination.
func (w *Watchdog) Unwatch(destinationID int64) {
	w.mu.Lock()
	cancel, ok := w.cancels[destinationID]
	delete(w.cancels, destinationID)
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll cancels every loop and waits for them to wind down.
func (w *Watchdog) StopAll() {
	w.mu.Lock()
	for id, cancel := range w.cancels {
		cancel()
		delete(w.cancels, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watchdog) run(ctx context.Context, destinationID int64) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	unhealthy := 0
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}

		check, err := w.service.Validate(ctx, destinationID)
		healthy := err == nil && check.StreamOK && check.BroadcastOK
		if healthy {
			unhealthy = 0
			continue
		}

		unhealthy++
		log.Printf("[watchdog] destination %d unhealthy (%d/%d)", destinationID, unhealthy, w.strikes)
		if unhealthy < w.strikes {
			continue
		}

		unhealthy = 0
		result, name, rerr := w.service.ReconcileByID(ctx, destinationID)
		if rerr != nil {
			log.Printf("[watchdog] destination %d: recovery failed: %v", destinationID, rerr)
			continue
		}
		log.Printf("[watchdog] destination %d: recovery reconciliation: %s", destinationID, result)
		w.bus.Publish(events.Event{Kind: events.KindDestinationStatus, Payload: StatusInfo{
			DestinationID: destinationID, Name: name, Result: result, Detail: "watchdog recovery",
		}})
	}
}
