package destinations

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/events"
)

type fakeYT struct {
	mu          sync.Mutex
	status      BroadcastStatus
	statusAfter map[BroadcastStatus]BroadcastStatus // applied on transition
	health      StreamHealth

	transitions []BroadcastStatus
	failUnauth  int // fail this many calls with ErrUnauthorized first
	failOps     bool
}

func (f *fakeYT) takeUnauth() bool {
	if f.failUnauth > 0 {
		f.failUnauth--
		return true
	}
	return false
}

func (f *fakeYT) GetBroadcastStatus(_ context.Context, _, _ string) (BroadcastStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.takeUnauth() {
		return "", ErrUnauthorized
	}
	return f.status, nil
}

func (f *fakeYT) TransitionBroadcast(_ context.Context, _, _ string, to BroadcastStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.takeUnauth() {
		return ErrUnauthorized
	}
	if f.failOps {
		return fmt.Errorf("platform api status 403 Forbidden")
	}
	f.transitions = append(f.transitions, to)
	f.status = to
	return nil
}

func (f *fakeYT) GetStreamHealth(_ context.Context, _, _ string) (StreamHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.takeUnauth() {
		return StreamHealth{}, ErrUnauthorized
	}
	return f.health, nil
}

type fakeTokens struct {
	mu       sync.Mutex
	refreshes int
}

func (f *fakeTokens) AccessToken(context.Context, int64) (string, error) { return "tok-1", nil }

func (f *fakeTokens) Refresh(context.Context, int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return "tok-2", nil
}

func newTestService(yt *fakeYT) (*Service, *fakeTokens) {
	tokens := &fakeTokens{}
	return NewService(data.Models{}, nil, yt, tokens, events.NewBus()), tokens
}

func boundDest() *data.Destination {
	return &data.Destination{
		ID: 1, Name: "main channel", Platform: data.PlatformYouTube,
		RTMPURL: "rtmp://a.rtmp.youtube.com/live2", BroadcastID: "bc1", StreamID: "st1",
	}
}

func TestReconcileSkipsUnbound(t *testing.T) {
	svc, _ := newTestService(&fakeYT{})
	dest := &data.Destination{ID: 2, Platform: data.PlatformCustomRTMP}
	assert.Equal(t, ResultSkipped, svc.Reconcile(context.Background(), dest))
}

func TestReconcileAlreadyLive(t *testing.T) {
	yt := &fakeYT{status: StatusLive}
	svc, _ := newTestService(yt)
	assert.Equal(t, ResultReady, svc.Reconcile(context.Background(), boundDest()))
	assert.Empty(t, yt.transitions)
}

func TestReconcileTestingGoesLive(t *testing.T) {
	yt := &fakeYT{status: StatusTesting}
	svc, _ := newTestService(yt)
	assert.Equal(t, ResultReady, svc.Reconcile(context.Background(), boundDest()))
	assert.Equal(t, []BroadcastStatus{StatusLive}, yt.transitions)
}

func TestReconcileCompleteTwoStep(t *testing.T) {
	yt := &fakeYT{status: StatusComplete}
	svc, _ := newTestService(yt)
	assert.Equal(t, ResultReady, svc.Reconcile(context.Background(), boundDest()))
	assert.Equal(t, []BroadcastStatus{StatusTesting, StatusLive}, yt.transitions)
}

func TestReconcileTransitionFailureWarns(t *testing.T) {
	yt := &fakeYT{status: StatusTesting, failOps: true}
	svc, _ := newTestService(yt)
	assert.Equal(t, ResultWarning, svc.Reconcile(context.Background(), boundDest()))
}

func TestReconcileRevokedWarns(t *testing.T) {
	yt := &fakeYT{status: StatusRevoked}
	svc, _ := newTestService(yt)
	assert.Equal(t, ResultWarning, svc.Reconcile(context.Background(), boundDest()))
}

func TestWithTokenRefreshesOnceOn401(t *testing.T) {
	yt := &fakeYT{status: StatusLive, failUnauth: 1}
	svc, tokens := newTestService(yt)

	assert.Equal(t, ResultReady, svc.Reconcile(context.Background(), boundDest()))
	assert.Equal(t, 1, tokens.refreshes)
}

func TestWithTokenGivesUpAfterSecond401(t *testing.T) {
	yt := &fakeYT{status: StatusLive, failUnauth: 2}
	svc, tokens := newTestService(yt)

	assert.Equal(t, ResultWarning, svc.Reconcile(context.Background(), boundDest()))
	assert.Equal(t, 1, tokens.refreshes, "retry happens exactly once")
}

func TestPublishURL(t *testing.T) {
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/key", publishURL("rtmp://a.rtmp.youtube.com/live2/", "key"))
	assert.Equal(t, "rtmp://a.rtmp.youtube.com/live2/key", publishURL("rtmp://a.rtmp.youtube.com/live2", "key"))
}

func TestClientParsesBroadcastStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/liveBroadcasts":
			fmt.Fprint(w, `{"items":[{"status":{"lifeCycleStatus":"testing"}}]}`)
		case "/liveStreams":
			fmt.Fprint(w, `{"items":[{"status":{"streamStatus":"active","healthStatus":{"status":"good"}}}]}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	c := NewClientWithBase(ts.URL)
	status, err := c.GetBroadcastStatus(context.Background(), "tok", "bc1")
	require.NoError(t, err)
	assert.Equal(t, StatusTesting, status)

	health, err := c.GetStreamHealth(context.Background(), "tok", "st1")
	require.NoError(t, err)
	assert.True(t, health.Healthy())
}

func TestClientMaps401(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	c := NewClientWithBase(ts.URL)
	_, err := c.GetBroadcastStatus(context.Background(), "stale", "bc1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

type fakeChecker struct {
	mu         sync.Mutex
	healthy    bool
	validates  int
	recoveries int
}

func (f *fakeChecker) Validate(_ context.Context, id int64) (*WatchdogCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validates++
	return &WatchdogCheck{DestinationID: id, StreamOK: f.healthy, BroadcastOK: f.healthy}, nil
}

func (f *fakeChecker) ReconcileByID(_ context.Context, id int64) (Result, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries++
	f.healthy = true
	return ResultReady, "main channel", nil
}

func (f *fakeChecker) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.validates, f.recoveries
}

func TestWatchdogThreeStrikesThenRecovery(t *testing.T) {
	checker := &fakeChecker{healthy: false}
	bus := events.NewBus()
	ch, cancel := bus.Subscribe(16, events.KindDestinationStatus)
	defer cancel()

	wd := NewWatchdog(checker, bus, 10*time.Millisecond, 3)
	wd.Watch(1)
	defer wd.StopAll()

	select {
	case ev := <-ch:
		info := ev.Payload.(StatusInfo)
		assert.Equal(t, ResultReady, info.Result)
		assert.Equal(t, "watchdog recovery", info.Detail)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog never recovered")
	}

	validates, recoveries := checker.counts()
	assert.GreaterOrEqual(t, validates, 3, "three bad readings before recovery")
	assert.Equal(t, 1, recoveries)
}

func TestWatchdogHealthyNeverRecovers(t *testing.T) {
	checker := &fakeChecker{healthy: true}
	wd := NewWatchdog(checker, events.NewBus(), 5*time.Millisecond, 3)
	wd.Watch(1)

	time.Sleep(60 * time.Millisecond)
	wd.StopAll()

	_, recoveries := checker.counts()
	assert.Zero(t, recoveries)
}

func TestWatchdogWatchIsIdempotent(t *testing.T) {
	checker := &fakeChecker{healthy: true}
	wd := NewWatchdog(checker, events.NewBus(), time.Hour, 3)
	wd.Watch(1)
	wd.Watch(1)
	wd.Unwatch(1)
	wd.StopAll()
}
