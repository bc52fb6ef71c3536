package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/router"
)

// Monday 2026-08-24.
func monday(hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", "2026-08-24 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t
}

const allWeek = 0b1111111

func TestCovers(t *testing.T) {
	s := &data.Schedule{Weekdays: 1 << 1, Start: "09:00", End: "17:00"} // Mondays

	ok, err := Covers(s, monday("12:00"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = Covers(s, monday("08:59"))
	assert.False(t, ok)

	ok, _ = Covers(s, monday("17:00"))
	assert.False(t, ok, "window end is exclusive")

	tuesday := monday("12:00").AddDate(0, 0, 1)
	ok, _ = Covers(s, tuesday)
	assert.False(t, ok)
}

func TestCoversOvernight(t *testing.T) {
	// Monday 22:00 through Tuesday 02:00.
	s := &data.Schedule{Weekdays: 1 << 1, Start: "22:00", End: "02:00"}

	ok, _ := Covers(s, monday("23:30"))
	assert.True(t, ok)

	tuesdayEarly := monday("01:00").AddDate(0, 0, 1)
	ok, _ = Covers(s, tuesdayEarly)
	assert.True(t, ok, "early side belongs to the day the window opened")

	tuesdayLate := monday("23:30").AddDate(0, 0, 1)
	ok, _ = Covers(s, tuesdayLate)
	assert.False(t, ok)

	ok, _ = Covers(s, monday("12:00"))
	assert.False(t, ok)
}

func TestCoversRejectsBadWindow(t *testing.T) {
	s := &data.Schedule{Weekdays: allWeek, Start: "9am", End: "17:00"}
	_, err := Covers(s, monday("12:00"))
	assert.Error(t, err)
}

type fakeCtl struct {
	mode     router.Mode
	previews []int64
	lives    [][]int64
	stops    int
}

func (f *fakeCtl) Mode() router.Mode { return f.mode }

func (f *fakeCtl) StartPreview(_ context.Context, id int64) (string, error) {
	f.previews = append(f.previews, id)
	f.mode = router.ModePreview
	return "http://127.0.0.1:8888/preview/index.m3u8", nil
}

func (f *fakeCtl) GoLive(_ context.Context, ids []int64) ([]router.Output, error) {
	f.lives = append(f.lives, ids)
	f.mode = router.ModeLive
	return nil, nil
}

func (f *fakeCtl) Stop() {
	f.stops++
	f.mode = router.ModeIdle
}

type fakeSchedules struct {
	items []*data.Schedule
}

func (f *fakeSchedules) List(context.Context) ([]*data.Schedule, error) { return f.items, nil }

type fakeSettings struct{}

func (fakeSettings) Get(context.Context) (*data.Settings, error) {
	return &data.Settings{Timezone: "UTC"}, nil
}

func newEvaluator(items ...*data.Schedule) (*Evaluator, *fakeCtl) {
	ctl := &fakeCtl{mode: router.ModeIdle}
	ev := NewEvaluator(&fakeSchedules{items: items}, fakeSettings{}, ctl, time.Minute)
	return ev, ctl
}

func TestEvaluateStartsAndStopsWindow(t *testing.T) {
	ev, ctl := newEvaluator(&data.Schedule{
		ID: 1, Weekdays: allWeek, Start: "09:00", End: "17:00",
		TimelineID: 7, DestinationIDs: []int64{3}, Enabled: true,
	})

	ev.Evaluate(monday("10:00"))
	assert.Equal(t, []int64{7}, ctl.previews)
	assert.Equal(t, [][]int64{{3}}, ctl.lives)

	// Still inside the window: nothing new happens.
	ev.Evaluate(monday("11:00"))
	assert.Len(t, ctl.previews, 1)

	ev.Evaluate(monday("17:30"))
	assert.Equal(t, 1, ctl.stops)
	assert.Equal(t, router.ModeIdle, ctl.mode)
}

func TestEvaluatePreviewOnlyWithoutDestinations(t *testing.T) {
	ev, ctl := newEvaluator(&data.Schedule{
		ID: 1, Weekdays: allWeek, Start: "09:00", End: "17:00", TimelineID: 7, Enabled: true,
	})

	ev.Evaluate(monday("10:00"))
	assert.Equal(t, []int64{7}, ctl.previews)
	assert.Empty(t, ctl.lives)
}

func TestEvaluateSkipsDisabled(t *testing.T) {
	ev, ctl := newEvaluator(&data.Schedule{
		ID: 1, Weekdays: allWeek, Start: "00:00", End: "23:59", TimelineID: 7, Enabled: false,
	})

	ev.Evaluate(monday("10:00"))
	assert.Empty(t, ctl.previews)
}

func TestEvaluateDoesNotPreemptManualSession(t *testing.T) {
	ev, ctl := newEvaluator(&data.Schedule{
		ID: 1, Weekdays: allWeek, Start: "09:00", End: "17:00", TimelineID: 7, Enabled: true,
	})
	ctl.mode = router.ModeLive // operator already streaming

	ev.Evaluate(monday("10:00"))
	assert.Empty(t, ctl.previews, "manual session keeps priority")
	assert.Zero(t, ctl.stops)
}

func TestEvaluateSwitchesBetweenSchedules(t *testing.T) {
	ev, ctl := newEvaluator(
		&data.Schedule{ID: 1, Weekdays: allWeek, Start: "09:00", End: "12:00", TimelineID: 7, Enabled: true},
		&data.Schedule{ID: 2, Weekdays: allWeek, Start: "12:00", End: "17:00", TimelineID: 8, Enabled: true},
	)

	ev.Evaluate(monday("10:00"))
	ev.Evaluate(monday("13:00"))

	assert.Equal(t, []int64{7, 8}, ctl.previews)
	assert.Equal(t, 1, ctl.stops, "first window stopped before the second starts")
}
