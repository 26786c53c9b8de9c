package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relayhub/relayhub/internal/metrics"
	"github.com/relayhub/relayhub/internal/protocol"
	"github.com/relayhub/relayhub/internal/storage"
)

// ClockLayout is the "HH:MM" format of schedule start and end times
const ClockLayout = "15:04"

// ErrNoNextRun is returned for a schedule that can never run
var ErrNoNextRun = errors.New("schedule has no upcoming run")

// ValidClock reports whether s is a zero-padded "HH:MM" time
func ValidClock(s string) bool {
	if len(s) != len(ClockLayout) {
		return false
	}
	_, err := time.Parse(ClockLayout, s)
	return err == nil
}

// NextRun describes the next start of a schedule
type NextRun struct {
	DaysFromNow int       `json:"daysFromNow"`
	Weekday     int       `json:"weekday"`
	StartTime   string    `json:"startTime"`
	At          time.Time `json:"at"`
}

// CalculateNextRun finds the next day on which s starts, looking at most one week
// ahead. Today only counts while its start time is still ahead of now; a schedule
// whose only day is today and has already started yields seven days.
// now must already be in the schedule's timezone.
func CalculateNextRun(s *storage.Schedule, now time.Time) (*NextRun, error) {
	if len(s.Days) == 0 {
		return nil, ErrNoNextRun
	}
	start, err := time.Parse(ClockLayout, s.Start)
	if err != nil || !ValidClock(s.Start) {
		return nil, fmt.Errorf("invalid start time %q", s.Start)
	}

	weekday := int(now.Weekday())
	current := now.Format(ClockLayout)

	for offset := 0; offset <= 7; offset++ {
		day := (weekday + offset) % 7
		if !s.HasDay(day) {
			continue
		}
		if offset == 0 && current >= s.Start {
			continue
		}
		at := time.Date(now.Year(), now.Month(), now.Day()+offset,
			start.Hour(), start.Minute(), 0, 0, now.Location())
		return &NextRun{DaysFromNow: offset, Weekday: day, StartTime: s.Start, At: at}, nil
	}
	return nil, ErrNoNextRun
}

// NextRun calculates the next start of s from the current time in the
// scheduler's timezone
func (e *Engine) NextRun(s *storage.Schedule) (*NextRun, error) {
	return CalculateNextRun(s, e.now().In(e.config.Location))
}

// schedulerLoop evaluates schedules once per interval until stopped
func (e *Engine) schedulerLoop(ctx context.Context) {
	defer e.wg.Done()

	if e.config.AlignToMinute {
		now := e.now()
		wait := now.Truncate(time.Minute).Add(time.Minute).Sub(now)
		timer := time.NewTimer(wait)
		select {
		case <-e.stopChan:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			e.runTick()
		}
	}

	ticker := time.NewTicker(e.config.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runTick()
		}
	}
}

func (e *Engine) runTick() {
	started := time.Now()
	sent, err := e.RunScheduleTick(e.now())
	metrics.SchedulerTickDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		metrics.SchedulerTicks.WithLabelValues(metrics.ResultError).Inc()
		e.log.Errorf("Scheduler tick aborted: %v", err)
		return
	}
	metrics.SchedulerTicks.WithLabelValues(metrics.ResultOK).Inc()
	if sent > 0 {
		e.log.Debugf("Scheduler tick sent %d commands", sent)
	}
}

type dueRelay struct {
	deviceID string
	channel  int
}

// RunScheduleTick asserts "on" for every enabled relay with an enabled schedule
// whose window contains now. Windows are inclusive at both ends and repeat the
// command on every tick. Malformed schedule data aborts the tick before any
// command is sent. Returns the number of commands published.
func (e *Engine) RunScheduleTick(now time.Time) (int, error) {
	local := now.In(e.config.Location)
	weekday := int(local.Weekday())
	current := local.Format(ClockLayout)

	accounts, err := e.store.ListAccounts()
	if err != nil {
		return 0, fmt.Errorf("failed to load accounts: %w", err)
	}

	var due []dueRelay
	for _, a := range accounts {
		for _, r := range a.Dashboard.Relays {
			if !r.Enabled {
				continue
			}
			for _, s := range r.Schedules {
				if !s.Enabled {
					continue
				}
				if err := checkSchedule(s); err != nil {
					return 0, fmt.Errorf("account %d relay %d schedule %s: %w", a.ID, r.Channel, s.ID, err)
				}
				if s.HasDay(weekday) && s.Start <= current && current <= s.End {
					due = append(due, dueRelay{deviceID: a.DeviceID, channel: r.Channel})
				}
			}
		}
	}

	sent := 0
	for _, d := range due {
		if err := e.sendRelayCommand(metrics.SourceScheduler, d.deviceID, d.channel, protocol.ActionOn, nil); err != nil {
			e.log.Warnf("Failed to send scheduled command to %s relay %d: %v", d.deviceID, d.channel, err)
			continue
		}
		sent++
	}
	return sent, nil
}

func checkSchedule(s *storage.Schedule) error {
	if !ValidClock(s.Start) {
		return fmt.Errorf("invalid start time %q", s.Start)
	}
	if !ValidClock(s.End) {
		return fmt.Errorf("invalid end time %q", s.End)
	}
	for _, d := range s.Days {
		if d < 0 || d > 6 {
			return fmt.Errorf("invalid weekday %d", d)
		}
	}
	return nil
}
