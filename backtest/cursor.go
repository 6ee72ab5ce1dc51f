package backtest

import (
	"sort"
	"time"

	"github.com/DAIJINGFU/daijingfu-backtrader/trading"
)

// Cursor walks the loaded bar series for the whole universe one instant
// at a time, in exchange-calendar order. It only ever exposes bars at or
// before the current instant, so strategy-visible data access cannot
// look ahead. The underlying series are read-only during a run.
type Cursor struct {
	securities []string
	series     map[string][]Bar
	timeline   []time.Time

	pos int            // index into timeline, -1 before Advance
	idx map[string]int // per security: index of last bar with Time <= current instant
}

// NewCursor builds a cursor over per-security series. The timeline is
// the sorted union of all bar timestamps. PrevClose is derived from the
// prior bar where the provider left it unset (first bar falls back to
// its own open).
func NewCursor(series map[string][]Bar) *Cursor {
	securities := make([]string, 0, len(series))
	for sec := range series {
		securities = append(securities, sec)
	}
	sort.Strings(securities)

	seen := make(map[time.Time]bool)
	var timeline []time.Time
	for _, sec := range securities {
		bars := series[sec]
		for i := range bars {
			if bars[i].PrevClose <= 0 {
				if i > 0 {
					bars[i].PrevClose = bars[i-1].Close
				} else {
					bars[i].PrevClose = bars[i].Open
				}
			}
			if !seen[bars[i].Time] {
				seen[bars[i].Time] = true
				timeline = append(timeline, bars[i].Time)
			}
		}
	}
	sort.Slice(timeline, func(i, j int) bool { return timeline[i].Before(timeline[j]) })

	idx := make(map[string]int, len(securities))
	for _, sec := range securities {
		idx[sec] = -1
	}
	return &Cursor{
		securities: securities,
		series:     series,
		timeline:   timeline,
		pos:        -1,
		idx:        idx,
	}
}

// Timeline returns every instant the cursor will visit.
func (c *Cursor) Timeline() []time.Time { return c.timeline }

// Securities returns the instrument universe in deterministic order.
func (c *Cursor) Securities() []string { return c.securities }

// BarsLoaded is the total number of real bars across all series.
func (c *Cursor) BarsLoaded() int {
	n := 0
	for _, bars := range c.series {
		n += len(bars)
	}
	return n
}

// Next advances to the following instant. Returns false at the end.
func (c *Cursor) Next() bool {
	if c.pos+1 >= len(c.timeline) {
		return false
	}
	c.pos++
	now := c.timeline[c.pos]
	for _, sec := range c.securities {
		bars := c.series[sec]
		i := c.idx[sec]
		for i+1 < len(bars) && !bars[i+1].Time.After(now) {
			i++
		}
		c.idx[sec] = i
	}
	return true
}

// Now returns the current instant.
func (c *Cursor) Now() time.Time {
	if c.pos < 0 {
		return time.Time{}
	}
	return c.timeline[c.pos]
}

// Current returns the bar for a security at the current instant. When
// the security has no bar here (a data gap the provider did not flag) a
// synthetic suspended bar carrying the last close is returned, so the
// suspension check still rejects trades against it.
func (c *Cursor) Current(security string) (Bar, bool) {
	bars, ok := c.series[security]
	if !ok || c.pos < 0 {
		return Bar{}, false
	}
	i := c.idx[security]
	if i < 0 {
		return Bar{}, false
	}
	b := bars[i]
	if !b.Time.Equal(c.timeline[c.pos]) {
		last := b.Close
		return Bar{
			Time:      c.timeline[c.pos],
			Open:      last,
			High:      last,
			Low:       last,
			Close:     last,
			Paused:    true,
			PrevClose: last,
		}, true
	}
	return b, true
}

// History returns up to count bars strictly before the current instant,
// oldest first. The current bar is excluded: in-bar decisions may only
// see completed bars plus the current snapshot exposed separately.
func (c *Cursor) History(security string, count int) []Bar {
	bars, ok := c.series[security]
	if !ok || c.pos < 0 || count <= 0 {
		return nil
	}
	end := c.idx[security]
	if end >= 0 && bars[end].Time.Equal(c.timeline[c.pos]) {
		end-- // drop the in-progress bar
	}
	if end < 0 {
		return nil
	}
	start := end - count + 1
	if start < 0 {
		start = 0
	}
	out := make([]Bar, end-start+1)
	copy(out, bars[start:end+1])
	return out
}

// Range returns the completed bars within [start, end], inclusive,
// capped at the current instant.
func (c *Cursor) Range(security string, start, end time.Time) []Bar {
	bars, ok := c.series[security]
	if !ok || c.pos < 0 {
		return nil
	}
	last := c.idx[security]
	var out []Bar
	for i := 0; i <= last && i < len(bars); i++ {
		t := bars[i].Time
		if t.Before(start) || t.After(end) {
			continue
		}
		out = append(out, bars[i])
	}
	return out
}

// Calendar derives the trading calendar from the timeline.
func (c *Cursor) Calendar() *trading.Calendar {
	return trading.NewCalendar(c.timeline)
}

// ClosePrices returns the current close per security, for mark-to-market.
func (c *Cursor) ClosePrices() map[string]float64 {
	out := make(map[string]float64, len(c.securities))
	for _, sec := range c.securities {
		if b, ok := c.Current(sec); ok && b.Close > 0 {
			out[sec] = b.Close
		}
	}
	return out
}
