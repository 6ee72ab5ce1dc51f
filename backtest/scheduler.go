package backtest

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.starlark.net/starlark"

	"github.com/DAIJINGFU/daijingfu-backtrader/trading"
)

// Recurrence of a scheduled callback.
type Recurrence string

const (
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
)

// Anchor is the intraday firing point of a scheduled callback.
type Anchor struct {
	AtOpen  bool
	AtClose bool
	Hour    int
	Minute  int
}

// ParseAnchor accepts "open", "close" or "HH:MM".
func ParseAnchor(s string) (Anchor, error) {
	switch s {
	case "open", "":
		return Anchor{AtOpen: true, Hour: trading.OpenHour, Minute: trading.OpenMinute}, nil
	case "close":
		return Anchor{AtClose: true, Hour: trading.CloseHour, Minute: trading.CloseMinute}, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Anchor{}, fmt.Errorf("bad time anchor %q", s)
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil || h < 0 || h > 23 || m < 0 || m > 59 {
		return Anchor{}, fmt.Errorf("bad time anchor %q", s)
	}
	a := Anchor{Hour: h, Minute: m}
	if h == trading.OpenHour && m == trading.OpenMinute {
		a.AtOpen = true
	}
	if h == trading.CloseHour && m == trading.CloseMinute {
		a.AtClose = true
	}
	return a, nil
}

// ScheduleEntry is one registered run_daily/run_weekly/run_monthly
// callback. Entries fire in registration order when due on the same
// instant.
type ScheduleEntry struct {
	Callback   *starlark.Function
	Recurrence Recurrence
	Weekday    int // 1=Monday..5=Friday, weekly only
	MonthDay   int // monthly only
	Anchor     Anchor

	nextDay time.Time
	dueSet  bool
}

// Scheduler owns the registered entries of one run. Registration is only
// legal during initialize; the engine seals the scheduler before the
// first simulated day.
type Scheduler struct {
	entries []*ScheduleEntry
	sealed  bool
}

func NewScheduler() *Scheduler { return &Scheduler{} }

// Register appends an entry. Returns an error after sealing: scheduling
// from inside a trading-day callback is not allowed.
func (s *Scheduler) Register(e *ScheduleEntry) error {
	if s.sealed {
		return fmt.Errorf("schedule registration is only allowed in initialize")
	}
	s.entries = append(s.entries, e)
	return nil
}

// Seal freezes registration and computes each entry's first due day on
// or after the given day.
func (s *Scheduler) Seal(cal *trading.Calendar, firstDay time.Time) {
	s.sealed = true
	for _, e := range s.entries {
		e.advanceTo(cal, firstDay)
	}
}

// Entries returns the registered entries in registration order.
func (s *Scheduler) Entries() []*ScheduleEntry { return s.entries }

// DueAt returns the callbacks due at the given instant, in registration
// order, and rolls each fired entry to its next due day. Bar grids
// rarely carry the exact anchor minute (A-share minute bars start at
// 09:31), so an entry fires on the first bar at or after its anchor on
// the due day. An entry whose due day had no bar at all fires on the
// next bar seen.
func (s *Scheduler) DueAt(cal *trading.Calendar, now time.Time) []*ScheduleEntry {
	day := trading.Day(now)
	clock := now.Hour()*60 + now.Minute()
	var due []*ScheduleEntry
	for _, e := range s.entries {
		if !e.dueSet || day.Before(e.nextDay) {
			continue
		}
		if e.nextDay.Equal(day) && clock < e.Anchor.Hour*60+e.Anchor.Minute {
			continue
		}
		due = append(due, e)
		e.advanceFrom(cal, day)
	}
	return due
}

// DueOnDay reports the entries due on a day regardless of intraday
// anchor, split by anchor phase. Daily-frequency runs use this: the day
// has a single bar, open-anchored callbacks fire before handle_data and
// close-anchored (and clock-anchored) ones after.
func (s *Scheduler) DueOnDay(cal *trading.Calendar, day time.Time) (open, close_ []*ScheduleEntry) {
	day = trading.Day(day)
	for _, e := range s.entries {
		if !e.dueSet || !e.nextDay.Equal(day) {
			continue
		}
		if e.Anchor.AtOpen {
			open = append(open, e)
		} else {
			close_ = append(close_, e)
		}
		e.advanceFrom(cal, day)
	}
	return open, close_
}

// advanceTo sets the entry's next due day to the first valid trading day
// on or after the given day.
func (e *ScheduleEntry) advanceTo(cal *trading.Calendar, day time.Time) {
	var d time.Time
	var ok bool
	switch e.Recurrence {
	case RecurWeekly:
		d, ok = cal.WeekdayOnOrAfter(day, e.Weekday)
	case RecurMonthly:
		d, ok = cal.MonthDayOnOrAfter(day, e.MonthDay)
	default:
		d, ok = cal.OnOrAfter(day)
	}
	e.nextDay, e.dueSet = d, ok
}

// advanceFrom rolls past a just-fired day to the next occurrence.
func (e *ScheduleEntry) advanceFrom(cal *trading.Calendar, firedDay time.Time) {
	var d time.Time
	var ok bool
	switch e.Recurrence {
	case RecurWeekly:
		d, ok = cal.NextWeekday(firedDay, e.Weekday)
	case RecurMonthly:
		d, ok = cal.NextMonthDay(firedDay, e.MonthDay)
	default:
		d, ok = cal.Next(firedDay)
	}
	e.nextDay, e.dueSet = d, ok
}
