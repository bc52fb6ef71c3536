package schedule

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/castworks/cw-studio/internal/data"
	"github.com/castworks/cw-studio/internal/router"
)

// Controller is the slice of the stream router the evaluator drives.
type Controller interface {
	Mode() router.Mode
	StartPreview(ctx context.Context, timelineID int64) (string, error)
	GoLive(ctx context.Context, destinationIDs []int64) ([]router.Output, error)
	Stop()
}

// ScheduleSource lists schedules and resolves the appliance timezone.
type ScheduleSource interface {
	List(ctx context.Context) ([]*data.Schedule, error)
}

type SettingsSource interface {
	Get(ctx context.Context) (*data.Settings, error)
}

// Evaluator wakes every minute, finds the schedule covering the
// current instant and steers the router in or out of it. It works at
// window granularity only; cue timing belongs to the executor.
type Evaluator struct {
	schedules ScheduleSource
	settings  SettingsSource
	ctl       Controller
	interval  time.Duration

	quit chan struct{}
	wg   sync.WaitGroup

	mu       sync.Mutex
	activeID int64 // schedule currently driving the router, 0 = none
}

func NewEvaluator(schedules ScheduleSource, settings SettingsSource, ctl Controller, interval time.Duration) *Evaluator {
	if interval == 0 {
		interval = time.Minute
	}
	return &Evaluator{
		schedules: schedules,
		settings:  settings,
		ctl:       ctl,
		interval:  interval,
		quit:      make(chan struct{}),
	}
}

func (e *Evaluator) Start() {
	e.wg.Add(1)
	go e.run()
}

func (e *Evaluator) Stop() {
	close(e.quit)
	e.wg.Wait()
}

func (e *Evaluator) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Evaluate(time.Now())
		case <-e.quit:
			return
		}
	}
}

// Evaluate runs one pass against the given instant.
func (e *Evaluator) Evaluate(now time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), e.interval)
	defer cancel()

	loc := e.location(ctx)
	local := now.In(loc)

	schedules, err := e.schedules.List(ctx)
	if err != nil {
		log.Printf("[schedule] list: %v", err)
		return
	}

	var active *data.Schedule
	for _, s := range schedules {
		if !s.Enabled {
			continue
		}
		ok, err := Covers(s, local)
		if err != nil {
			log.Printf("[schedule] %d: %v", s.ID, err)
			continue
		}
		if ok {
			active = s
			break
		}
	}

	e.mu.Lock()
	current := e.activeID
	e.mu.Unlock()

	switch {
	case active == nil && current != 0:
		log.Printf("[schedule] window for schedule %d closed, stopping", current)
		e.ctl.Stop()
		e.setActive(0)

	case active != nil && current != active.ID:
		// A manual session keeps priority; the scheduler never tears
		// down something an operator started.
		if current == 0 && e.ctl.Mode() != router.ModeIdle {
			return
		}
		if current != 0 {
			e.ctl.Stop()
			e.setActive(0)
		}
		if err := e.launch(ctx, active); err != nil {
			log.Printf("[schedule] %d: start: %v", active.ID, err)
			return
		}
		e.setActive(active.ID)
	}
}

func (e *Evaluator) launch(ctx context.Context, s *data.Schedule) error {
	if _, err := e.ctl.StartPreview(ctx, s.TimelineID); err != nil {
		return err
	}
	if len(s.DestinationIDs) == 0 {
		log.Printf("[schedule] %d: previewing timeline %d", s.ID, s.TimelineID)
		return nil
	}
	if _, err := e.ctl.GoLive(ctx, s.DestinationIDs); err != nil {
		// Preview is up even though go-live failed; keep it rather than
		// going dark.
		return fmt.Errorf("go live: %w", err)
	}
	log.Printf("[schedule] %d: live with timeline %d", s.ID, s.TimelineID)
	return nil
}

func (e *Evaluator) setActive(id int64) {
	e.mu.Lock()
	e.activeID = id
	e.mu.Unlock()
}

func (e *Evaluator) location(ctx context.Context) *time.Location {
	st, err := e.settings.Get(ctx)
	if err != nil || st.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(st.Timezone)
	if err != nil {
		log.Printf("[schedule] bad timezone %q, using local", st.Timezone)
		return time.Local
	}
	return loc
}

// Covers reports whether the schedule's weekly window contains the
// local instant. An end before the start means the window wraps past
// midnight, in which case the weekday check applies to the day the
// window opened.
func Covers(s *data.Schedule, local time.Time) (bool, error) {
	startMin, err := parseHHMM(s.Start)
	if err != nil {
		return false, fmt.Errorf("start %q: %w", s.Start, err)
	}
	endMin, err := parseHHMM(s.End)
	if err != nil {
		return false, fmt.Errorf("end %q: %w", s.End, err)
	}

	nowMin := local.Hour()*60 + local.Minute()
	today := int(local.Weekday())

	if startMin <= endMin {
		return weekdaySet(s.Weekdays, today) && nowMin >= startMin && nowMin < endMin, nil
	}

	// Overnight: covered either late on the opening day or early on the
	// following day.
	if nowMin >= startMin {
		return weekdaySet(s.Weekdays, today), nil
	}
	if nowMin < endMin {
		yesterday := (today + 6) % 7
		return weekdaySet(s.Weekdays, yesterday), nil
	}
	return false, nil
}

func weekdaySet(bitmap, weekday int) bool {
	return bitmap&(1<<weekday) != 0
}

func parseHHMM(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("not HH:MM")
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("bad hour")
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("bad minute")
	}
	return hour*60 + minute, nil
}
