package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/events"
	"github.com/castworks/cw-studio/internal/store"
	"github.com/castworks/cw-studio/internal/timeline"
)

type fakeExec struct {
	id   int64
	done chan struct{}

	mu      sync.Mutex
	stopped bool
}

func newFakeExec(id int64) *fakeExec {
	return &fakeExec{id: id, done: make(chan struct{})}
}

func (e *fakeExec) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	close(e.done)
}

func (e *fakeExec) Done() <-chan struct{} { return e.done }
func (e *fakeExec) TimelineID() int64     { return e.id }

func (e *fakeExec) wasStopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

type fakeStarter struct {
	mu      sync.Mutex
	execs   []*fakeExec
	outputs [][]string
	fail    error
}

func (s *fakeStarter) Start(_ context.Context, tl *data.Timeline, _ *timeline.Catalog, outputs []string) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	ex := newFakeExec(tl.ID)
	s.execs = append(s.execs, ex)
	s.outputs = append(s.outputs, outputs)
	return ex, nil
}

type fakeLoader struct{}

func (fakeLoader) Load(_ context.Context, id int64) (*data.Timeline, *timeline.Catalog, error) {
	return &data.Timeline{ID: id, Name: "show", Duration: 60}, &timeline.Catalog{}, nil
}

type fakeMedia struct {
	healthy bool
	paths   []string
}

func (m *fakeMedia) Healthy(context.Context) bool { return m.healthy }

func (m *fakeMedia) ActivePaths(context.Context) ([]string, error) { return m.paths, nil }

type fakeResolver struct {
	outputs []Output
}

func (r *fakeResolver) Prepare(_ context.Context, ids []int64) ([]Output, error) {
	return r.outputs, nil
}

func newTestRouter() (*Router, *fakeStarter, *fakeMedia, *fakeResolver) {
	starter := &fakeStarter{}
	media := &fakeMedia{healthy: true, paths: []string{"preview"}}
	resolver := &fakeResolver{outputs: []Output{
		{DestinationID: 1, Name: "yt", URL: "rtmp://a.rtmp.youtube.com/live2/key", Lifecycle: "ready"},
	}}
	r := New(starter, fakeLoader{}, media, resolver, events.NewBus(), store.NewPositionStore(),
		"rtmp://127.0.0.1:1935/preview", "http://127.0.0.1:8888/preview/index.m3u8")
	return r, starter, media, resolver
}

func TestStartPreview(t *testing.T) {
	r, starter, _, _ := newTestRouter()

	hls, err := r.StartPreview(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:8888/preview/index.m3u8", hls)
	assert.Equal(t, ModePreview, r.Mode())
	assert.Equal(t, [][]string{{"rtmp://127.0.0.1:1935/preview"}}, starter.outputs)

	_, err = r.StartPreview(context.Background(), 7)
	assert.ErrorIs(t, err, ErrBadMode)
}

func TestStartPreviewRequiresHealthyServer(t *testing.T) {
	r, starter, media, _ := newTestRouter()
	media.healthy = false

	_, err := r.StartPreview(context.Background(), 7)
	assert.ErrorIs(t, err, ErrServerDown)
	assert.Empty(t, starter.execs)
	assert.Equal(t, ModeIdle, r.Mode())
}

func TestGoLive(t *testing.T) {
	r, starter, _, _ := newTestRouter()

	_, err := r.GoLive(context.Background(), []int64{1})
	assert.ErrorIs(t, err, ErrBadMode)

	_, err = r.StartPreview(context.Background(), 7)
	require.NoError(t, err)

	_, err = r.GoLive(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoDestinations)

	outs, err := r.GoLive(context.Background(), []int64{1})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, ModeLive, r.Mode())

	require.Len(t, starter.execs, 2)
	assert.True(t, starter.execs[0].wasStopped(), "preview executor stopped before live starts")
	assert.False(t, starter.execs[1].wasStopped())
	assert.Equal(t, []string{"rtmp://a.rtmp.youtube.com/live2/key"}, starter.outputs[1])
	assert.Equal(t, int64(7), starter.execs[1].TimelineID(), "live run reuses the previewed timeline")
}

func TestStopIsIdempotent(t *testing.T) {
	r, starter, _, _ := newTestRouter()

	_, err := r.StartPreview(context.Background(), 7)
	require.NoError(t, err)

	r.Stop()
	r.Stop()
	assert.Equal(t, ModeIdle, r.Mode())
	assert.True(t, starter.execs[0].wasStopped())
}

func TestExecutionEndReturnsToIdle(t *testing.T) {
	r, starter, _, _ := newTestRouter()

	_, err := r.StartPreview(context.Background(), 7)
	require.NoError(t, err)

	close(starter.execs[0].done)
	starter.execs[0].stopped = true

	require.Eventually(t, func() bool { return r.Mode() == ModeIdle }, time.Second, 10*time.Millisecond)
}

func TestStatusAndHealth(t *testing.T) {
	r, _, media, _ := newTestRouter()

	st := r.Status(context.Background())
	assert.Equal(t, ModeIdle, st.Mode)
	assert.True(t, st.ServerHealthy)
	assert.Nil(t, st.TimelineID)

	_, err := r.StartPreview(context.Background(), 7)
	require.NoError(t, err)

	st = r.Status(context.Background())
	assert.Equal(t, ModePreview, st.Mode)
	require.NotNil(t, st.TimelineID)
	assert.Equal(t, int64(7), *st.TimelineID)
	require.NotNil(t, st.HLSURL)

	h := r.Health(context.Background())
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, []string{"preview"}, h.ActiveStreams)

	media.healthy = false
	assert.Equal(t, "unhealthy", r.Health(context.Background()).Status)
}
