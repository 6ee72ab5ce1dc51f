package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DAIJINGFU/daijingfu-backtrader/trading"
)

func weekdayCalendar(from, to string) *trading.Calendar {
	var days []time.Time
	for d := day(from); !d.After(day(to)); d = d.Add(24 * time.Hour) {
		if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
			days = append(days, d)
		}
	}
	return trading.NewCalendar(days)
}

func TestParseAnchor(t *testing.T) {
	a, err := ParseAnchor("open")
	require.NoError(t, err)
	require.True(t, a.AtOpen)

	a, err = ParseAnchor("close")
	require.NoError(t, err)
	require.True(t, a.AtClose)

	a, err = ParseAnchor("10:30")
	require.NoError(t, err)
	require.False(t, a.AtOpen)
	require.Equal(t, 10, a.Hour)
	require.Equal(t, 30, a.Minute)

	a, err = ParseAnchor("9:30")
	require.NoError(t, err)
	require.True(t, a.AtOpen)

	_, err = ParseAnchor("25:00")
	require.Error(t, err)
}

func TestSchedulerRejectsRegistrationAfterSeal(t *testing.T) {
	s := NewScheduler()
	cal := weekdayCalendar("2023-01-02", "2023-01-13")
	require.NoError(t, s.Register(&ScheduleEntry{Recurrence: RecurDaily}))
	s.Seal(cal, cal.Days()[0])
	require.Error(t, s.Register(&ScheduleEntry{Recurrence: RecurDaily}))
}

func TestSchedulerDailyFiresEveryDayInRegistrationOrder(t *testing.T) {
	s := NewScheduler()
	cal := weekdayCalendar("2023-01-02", "2023-01-06")
	first := &ScheduleEntry{Recurrence: RecurDaily, Anchor: Anchor{AtOpen: true}}
	second := &ScheduleEntry{Recurrence: RecurDaily, Anchor: Anchor{AtOpen: true}}
	require.NoError(t, s.Register(first))
	require.NoError(t, s.Register(second))
	s.Seal(cal, cal.Days()[0])

	for _, d := range cal.Days() {
		open, close_ := s.DueOnDay(cal, d)
		require.Len(t, open, 2)
		require.Empty(t, close_)
		require.Same(t, first, open[0])
		require.Same(t, second, open[1])
	}
}

func TestSchedulerWeeklyFiresOnWeekday(t *testing.T) {
	s := NewScheduler()
	cal := weekdayCalendar("2023-01-02", "2023-01-20")
	e := &ScheduleEntry{Recurrence: RecurWeekly, Weekday: 3, Anchor: Anchor{AtOpen: true}} // Wednesday
	require.NoError(t, s.Register(e))
	s.Seal(cal, cal.Days()[0])

	var fired []string
	for _, d := range cal.Days() {
		open, _ := s.DueOnDay(cal, d)
		if len(open) > 0 {
			fired = append(fired, d.Format("2006-01-02"))
		}
	}
	require.Equal(t, []string{"2023-01-04", "2023-01-11", "2023-01-18"}, fired)
}

func TestSchedulerMonthlyClampsShortMonth(t *testing.T) {
	s := NewScheduler()
	// Feb 2023: last weekday is Tue the 28th
	cal := weekdayCalendar("2023-02-01", "2023-03-31")
	e := &ScheduleEntry{Recurrence: RecurMonthly, MonthDay: 31, Anchor: Anchor{AtClose: true}}
	require.NoError(t, s.Register(e))
	s.Seal(cal, cal.Days()[0])

	var fired []string
	for _, d := range cal.Days() {
		open, close_ := s.DueOnDay(cal, d)
		require.Empty(t, open)
		if len(close_) > 0 {
			fired = append(fired, d.Format("2006-01-02"))
		}
	}
	require.Equal(t, []string{"2023-02-28", "2023-03-31"}, fired)
}

func TestSchedulerDueAtMatchesClockAnchor(t *testing.T) {
	s := NewScheduler()
	cal := weekdayCalendar("2023-01-02", "2023-01-06")
	e := &ScheduleEntry{Recurrence: RecurDaily, Anchor: Anchor{Hour: 10, Minute: 30}}
	require.NoError(t, s.Register(e))
	s.Seal(cal, cal.Days()[0])

	d := cal.Days()[0]
	at := time.Date(d.Year(), d.Month(), d.Day(), 10, 0, 0, 0, trading.CST)
	require.Empty(t, s.DueAt(cal, at))

	at = time.Date(d.Year(), d.Month(), d.Day(), 10, 30, 0, 0, trading.CST)
	due := s.DueAt(cal, at)
	require.Len(t, due, 1)

	// already rolled to the next day
	require.Empty(t, s.DueAt(cal, at))
}

func TestSchedulerDueAtFiresOnFirstBarAfterAnchor(t *testing.T) {
	s := NewScheduler()
	cal := weekdayCalendar("2023-01-02", "2023-01-06")
	// open anchor, but the bar grid starts at 09:31
	e := &ScheduleEntry{Recurrence: RecurDaily, Anchor: Anchor{AtOpen: true, Hour: 9, Minute: 30}}
	require.NoError(t, s.Register(e))
	s.Seal(cal, cal.Days()[0])

	bar := func(dayIdx, h, m int) time.Time {
		d := cal.Days()[dayIdx]
		return time.Date(d.Year(), d.Month(), d.Day(), h, m, 0, 0, trading.CST)
	}

	require.Len(t, s.DueAt(cal, bar(0, 9, 31)), 1)
	require.Empty(t, s.DueAt(cal, bar(0, 9, 32)))
	require.Len(t, s.DueAt(cal, bar(1, 9, 31)), 1)
	require.Len(t, s.DueAt(cal, bar(2, 9, 30)), 1) // exact anchor still fires
}

func TestSchedulerDueAtCatchesUpAfterSkippedDay(t *testing.T) {
	s := NewScheduler()
	cal := weekdayCalendar("2023-01-02", "2023-01-06")
	e := &ScheduleEntry{Recurrence: RecurDaily, Anchor: Anchor{Hour: 14, Minute: 0}}
	require.NoError(t, s.Register(e))
	s.Seal(cal, cal.Days()[0])

	d0, d1, d2 := cal.Days()[0], cal.Days()[1], cal.Days()[2]
	// day 1's grid ends before the anchor
	require.Empty(t, s.DueAt(cal, time.Date(d0.Year(), d0.Month(), d0.Day(), 11, 30, 0, 0, trading.CST)))
	// the overdue entry fires on day 2's first bar and rolls past day 2,
	// so it never fires twice on the same day
	due := s.DueAt(cal, time.Date(d1.Year(), d1.Month(), d1.Day(), 9, 31, 0, 0, trading.CST))
	require.Len(t, due, 1)
	require.Empty(t, s.DueAt(cal, time.Date(d1.Year(), d1.Month(), d1.Day(), 14, 0, 0, 0, trading.CST)))
	require.Len(t, s.DueAt(cal, time.Date(d2.Year(), d2.Month(), d2.Day(), 14, 0, 0, 0, trading.CST)), 1)
}
