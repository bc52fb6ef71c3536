package assets

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/events"
)

type fakeSource struct {
	mu    sync.Mutex
	items []*data.Asset
}

func (f *fakeSource) List(context.Context) ([]*data.Asset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*data.Asset(nil), f.items...), nil
}

func (f *fakeSource) set(items ...*data.Asset) {
	f.mu.Lock()
	f.items = items
	f.mu.Unlock()
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestResolvePath(t *testing.T) {
	lib := NewLibrary("/uploads", &fakeSource{})

	static := &data.Asset{ID: 1, Kind: data.AssetStaticImage, Path: "logo.png"}
	assert.Equal(t, filepath.Join("/uploads", "logo.png"), lib.ResolvePath(static))

	// Path traversal stays inside the uploads dir.
	sneaky := &data.Asset{ID: 2, Kind: data.AssetVideo, Path: "../../etc/passwd"}
	assert.Equal(t, filepath.Join("/uploads", "etc", "passwd"), lib.ResolvePath(sneaky))

	api := &data.Asset{ID: 3, Kind: data.AssetAPIImage, Path: "https://example.com/weather.jpg"}
	assert.Equal(t, filepath.Join("/uploads", "api_image_3.jpg"), lib.ResolvePath(api))

	noExt := &data.Asset{ID: 4, Kind: data.AssetAPIImage, Path: "https://example.com/render"}
	assert.Equal(t, filepath.Join("/uploads", "api_image_4.png"), lib.ResolvePath(noExt))
}

func TestValidateReportsMissingAndEmpty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.png", "data")
	writeFile(t, dir, "empty.png", "")

	src := &fakeSource{}
	src.set(
		&data.Asset{ID: 1, Name: "ok", Kind: data.AssetStaticImage, Path: "ok.png"},
		&data.Asset{ID: 2, Name: "gone", Kind: data.AssetStaticImage, Path: "gone.png"},
		&data.Asset{ID: 3, Name: "empty", Kind: data.AssetStaticImage, Path: "empty.png"},
	)

	lib := NewLibrary(dir, src)
	problems, err := lib.Validate(context.Background())
	require.NoError(t, err)
	require.Len(t, problems, 2)
	assert.Equal(t, int64(2), problems[0].AssetID)
	assert.Equal(t, "file missing", problems[0].Detail)
	assert.Equal(t, int64(3), problems[1].AssetID)
	assert.Equal(t, "file empty", problems[1].Detail)
}

func TestWatcherPublishesOnChange(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{}
	src.set(&data.Asset{ID: 1, Name: "logo", Kind: data.AssetStaticImage, Path: "logo.png"})

	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16, events.KindAssetStatus)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	NewWatcher(NewLibrary(dir, src), bus).Start(ctx)

	// Boot validation sees the missing file.
	select {
	case ev := <-ch:
		st := ev.Payload.(Status)
		require.Len(t, st.Problems, 1)
		assert.Equal(t, "file missing", st.Problems[0].Detail)
	case <-time.After(2 * time.Second):
		t.Fatal("no boot validation")
	}

	writeFile(t, dir, "logo.png", "png bytes")

	// The upload clears the problem after the debounce.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-ch:
			if len(ev.Payload.(Status).Problems) == 0 {
				return
			}
		case <-deadline:
			t.Fatal("problem never cleared")
		}
	}
}

func TestRefresherFetchesAndRenames(t *testing.T) {
	var hits int32
	var mu sync.Mutex
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		fmt.Fprintf(w, "frame-%d", n)
	}))
	defer ts.Close()

	dir := t.TempDir()
	src := &fakeSource{}
	src.set(&data.Asset{ID: 5, Kind: data.AssetAPIImage, Path: ts.URL + "/weather.png", RefreshMS: 20})

	lib := NewLibrary(dir, src)
	ref := NewRefresher(lib)
	require.NoError(t, ref.Sync(context.Background()))

	target := filepath.Join(dir, "api_image_5.png")
	assert.Eventually(t, func() bool {
		b, err := os.ReadFile(target)
		return err == nil && string(b) != "frame-1" && len(b) > 0
	}, 2*time.Second, 10*time.Millisecond, "second fetch should land")

	ref.StopAll()

	// No temp files left behind.
	matches, err := filepath.Glob(filepath.Join(dir, "fetch-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestRefresherSyncRemovesDeletedAssets(t *testing.T) {
	dir := t.TempDir()
	src := &fakeSource{}
	src.set(&data.Asset{ID: 5, Kind: data.AssetAPIImage, Path: "http://127.0.0.1:1/x.png", RefreshMS: 0})

	ref := NewRefresher(NewLibrary(dir, src))
	require.NoError(t, ref.Sync(context.Background()))

	src.set() // asset deleted
	require.NoError(t, ref.Sync(context.Background()))

	ref.mu.Lock()
	n := len(ref.cancels)
	ref.mu.Unlock()
	assert.Zero(t, n)
	ref.StopAll()
}
