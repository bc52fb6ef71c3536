package assets

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/castworks/cw-studio/internal/events"
)

const (
	debounce     = 200 * time.Millisecond
	pollInterval = 60 * time.Second
)

// Status is the payload published on asset.status events.
type Status struct {
	Problems []Problem `json:"problems"`
}

// Watcher revalidates the asset catalog whenever the uploads dir
// changes, falling back to slow polling when inotify is unavailable.
type Watcher struct {
	lib *Library
	bus *events.Bus
}

func NewWatcher(lib *Library, bus *events.Bus) *Watcher {
	return &Watcher{lib: lib, bus: bus}
}

// Start watches until ctx is cancelled. The initial validation runs
// immediately so operators see missing files at boot, not on the first
// change.
func (w *Watcher) Start(ctx context.Context) {
	w.revalidate(ctx)

	fw, err := fsnotify.NewWatcher()
	if err == nil {
		err = fw.Add(w.lib.uploadsDir)
	}
	if err != nil {
		log.Printf("[assets] watch %s: %v, polling instead", w.lib.uploadsDir, err)
		if fw != nil {
			fw.Close()
		}
		go w.poll(ctx)
		return
	}

	go w.watch(ctx, fw)
}

func (w *Watcher) watch(ctx context.Context, fw *fsnotify.Watcher) {
	defer fw.Close()

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			// Collapse bursts (uploads arrive as create + many writes).
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() { w.revalidate(ctx) })
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			log.Printf("[assets] watcher: %v", err)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.revalidate(ctx)
		}
	}
}

func (w *Watcher) revalidate(ctx context.Context) {
	problems, err := w.lib.Validate(ctx)
	if err != nil {
		log.Printf("[assets] validate: %v", err)
		return
	}
	for _, p := range problems {
		log.Printf("[assets] asset %d (%s): %s", p.AssetID, p.Name, p.Detail)
	}
	w.bus.Publish(events.Event{Kind: events.KindAssetStatus, Payload: Status{Problems: problems}})
}
