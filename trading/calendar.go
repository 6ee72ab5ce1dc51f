package trading

import (
	"sort"
	"time"
)

// 中国时区
var CST = time.FixedZone("CST", 8*3600)

// A股交易时段锚点
const (
	OpenHour    = 9
	OpenMinute  = 30
	CloseHour   = 15
	CloseMinute = 0
)

// OpenTime 返回某交易日的开盘时刻
func OpenTime(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), OpenHour, OpenMinute, 0, 0, CST)
}

// CloseTime 返回某交易日的收盘时刻
func CloseTime(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), CloseHour, CloseMinute, 0, 0, CST)
}

// Day 将任意时刻归一化为当日零点（CST）
func Day(t time.Time) time.Time {
	t = t.In(CST)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, CST)
}

// Calendar 交易日历：由已加载行情数据的实际交易日构成，升序去重。
// 回测期间只读，可在并发运行之间共享。
type Calendar struct {
	days []time.Time
}

// NewCalendar 由时间戳序列构建交易日历
func NewCalendar(instants []time.Time) *Calendar {
	seen := make(map[time.Time]bool, len(instants))
	days := make([]time.Time, 0, len(instants))
	for _, t := range instants {
		d := Day(t)
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return &Calendar{days: days}
}

// Days 返回全部交易日（升序）
func (c *Calendar) Days() []time.Time { return c.days }

// Len 交易日数量
func (c *Calendar) Len() int { return len(c.days) }

// Contains 判断是否为交易日
func (c *Calendar) Contains(day time.Time) bool {
	day = Day(day)
	i := c.search(day)
	return i < len(c.days) && c.days[i].Equal(day)
}

// Next 返回严格晚于 day 的下一个交易日；没有则返回零值
func (c *Calendar) Next(day time.Time) (time.Time, bool) {
	day = Day(day)
	i := c.search(day.Add(24 * time.Hour))
	if i >= len(c.days) {
		return time.Time{}, false
	}
	return c.days[i], true
}

// OnOrAfter 返回不早于 day 的第一个交易日；没有则返回零值
func (c *Calendar) OnOrAfter(day time.Time) (time.Time, bool) {
	i := c.search(Day(day))
	if i >= len(c.days) {
		return time.Time{}, false
	}
	return c.days[i], true
}

// NextWeekday 返回严格晚于 day、星期几等于 weekday（1=周一..5=周五）的
// 第一个交易日
func (c *Calendar) NextWeekday(day time.Time, weekday int) (time.Time, bool) {
	day = Day(day)
	for i := c.search(day.Add(24 * time.Hour)); i < len(c.days); i++ {
		if isoWeekday(c.days[i]) == weekday {
			return c.days[i], true
		}
	}
	return time.Time{}, false
}

// WeekdayOnOrAfter 返回不早于 day 的第一个指定星期的交易日
func (c *Calendar) WeekdayOnOrAfter(day time.Time, weekday int) (time.Time, bool) {
	day = Day(day)
	for i := c.search(day); i < len(c.days); i++ {
		if isoWeekday(c.days[i]) == weekday {
			return c.days[i], true
		}
	}
	return time.Time{}, false
}

// MonthDayOnOrAfter 返回不早于 day 的第一个“每月第 monthday 日”交易日。
// 若当月该日不是交易日（或该月更短），钳制到当月不晚于该日的最后一个
// 交易日；若钳制后早于 day 则顺延到下月。
func (c *Calendar) MonthDayOnOrAfter(day time.Time, monthday int) (time.Time, bool) {
	day = Day(day)
	year, month := day.Year(), day.Month()
	for k := 0; k < 25; k++ {
		if d, ok := c.monthOccurrence(year, month, monthday); ok && !d.Before(day) {
			return d, true
		}
		month++
		if month > 12 {
			month = 1
			year++
		}
	}
	return time.Time{}, false
}

// NextMonthDay 返回严格晚于 day 的下一次按月调度日
func (c *Calendar) NextMonthDay(day time.Time, monthday int) (time.Time, bool) {
	return c.MonthDayOnOrAfter(Day(day).Add(24*time.Hour), monthday)
}

// monthOccurrence 计算某年某月的调度日：当月第一个“日号 >= monthday”的
// 交易日；若该月剩余部分无交易日则钳制到当月最后一个交易日
func (c *Calendar) monthOccurrence(year int, month time.Month, monthday int) (time.Time, bool) {
	if monthday < 1 {
		monthday = 1
	}
	lastDay := time.Date(year, month+1, 0, 0, 0, 0, 0, CST).Day()
	d := monthday
	if d > lastDay {
		d = lastDay
	}
	target := time.Date(year, month, d, 0, 0, 0, 0, CST)
	i := c.search(target)
	if i < len(c.days) && c.days[i].Year() == year && c.days[i].Month() == month {
		return c.days[i], true
	}
	// 月内 target 之后无交易日：钳制到当月最后一个交易日
	if i > 0 {
		prev := c.days[i-1]
		if prev.Year() == year && prev.Month() == month {
			return prev, true
		}
	}
	return time.Time{}, false
}

func (c *Calendar) search(day time.Time) int {
	return sort.Search(len(c.days), func(i int) bool { return !c.days[i].Before(day) })
}

// isoWeekday 1=周一 .. 7=周日
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}
