package assets

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/castworks/cw-studio/internal/data"
)

const fetchTimeout = 10 * time.Second

// Refresher keeps api_image assets fresh by downloading their source
// URL on each asset's refresh interval. Downloads land in a temp file
// and rename into place so the encoder never reads a half-written
// image.
type Refresher struct {
	lib    *Library
	client *http.Client

	mu      sync.Mutex
	cancels map[int64]context.CancelFunc
	wg      sync.WaitGroup
}

func NewRefresher(lib *Library) *Refresher {
	return &Refresher{
		lib:     lib,
		client:  &http.Client{Timeout: fetchTimeout},
		cancels: make(map[int64]context.CancelFunc),
	}
}

// Sync reconciles the running fetch loops with the current catalog:
// new api_image assets get a loop, deleted ones lose theirs. Assets
// with a zero interval are fetched once and not looped.
func (r *Refresher) Sync(ctx context.Context) error {
	all, err := r.lib.source.List(ctx)
	if err != nil {
		return fmt.Errorf("list assets: %w", err)
	}

	want := make(map[int64]*data.Asset)
	for _, a := range all {
		if a.Kind == data.AssetAPIImage {
			want[a.ID] = a
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, cancel := range r.cancels {
		if _, ok := want[id]; !ok {
			cancel()
			delete(r.cancels, id)
		}
	}
	for id, a := range want {
		if _, ok := r.cancels[id]; ok {
			continue
		}
		loopCtx, cancel := context.WithCancel(context.Background())
		r.cancels[id] = cancel
		r.wg.Add(1)
		go r.run(loopCtx, a)
	}
	return nil
}

func (r *Refresher) StopAll() {
	r.mu.Lock()
	for id, cancel := range r.cancels {
		cancel()
		delete(r.cancels, id)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Refresher) run(ctx context.Context, a *data.Asset) {
	defer r.wg.Done()

	if err := r.fetch(ctx, a); err != nil {
		log.Printf("[assets] asset %d: fetch: %v", a.ID, err)
	}
	if a.RefreshMS <= 0 {
		return
	}

	ticker := time.NewTicker(time.Duration(a.RefreshMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.fetch(ctx, a); err != nil {
				log.Printf("[assets] asset %d: fetch: %v", a.ID, err)
			}
		}
	}
}

func (r *Refresher) fetch(ctx context.Context, a *data.Asset) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.Path, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("source status %s", resp.Status)
	}

	dst := r.lib.fetchedPath(a)
	tmp, err := os.CreateTemp(r.lib.uploadsDir, "fetch-*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}
