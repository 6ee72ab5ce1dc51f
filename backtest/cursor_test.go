package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DAIJINGFU/daijingfu-backtrader/trading"
)

func day(s string) time.Time {
	t, err := time.ParseInLocation("2006-01-02", s, trading.CST)
	if err != nil {
		panic(err)
	}
	return t
}

func barsAt(dates []string, closes []float64) []Bar {
	out := make([]Bar, len(dates))
	for i := range dates {
		c := closes[i]
		out[i] = Bar{Time: day(dates[i]), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return out
}

func TestCursorTimelineIsUnionOfSeries(t *testing.T) {
	c := NewCursor(map[string][]Bar{
		"600000.XSHG": barsAt([]string{"2023-01-03", "2023-01-04"}, []float64{10, 11}),
		"000001.XSHE": barsAt([]string{"2023-01-04", "2023-01-05"}, []float64{20, 21}),
	})
	require.Len(t, c.Timeline(), 3)
	require.Equal(t, 4, c.BarsLoaded())
	require.Equal(t, []string{"000001.XSHE", "600000.XSHG"}, c.Securities())
}

func TestCursorSyntheticPausedBarForGap(t *testing.T) {
	c := NewCursor(map[string][]Bar{
		"600000.XSHG": barsAt([]string{"2023-01-03", "2023-01-04", "2023-01-05"}, []float64{10, 11, 12}),
		"000001.XSHE": barsAt([]string{"2023-01-03", "2023-01-05"}, []float64{20, 22}),
	})

	require.True(t, c.Next()) // 01-03
	require.True(t, c.Next()) // 01-04: gap for 000001

	bar, ok := c.Current("000001.XSHE")
	require.True(t, ok)
	require.True(t, bar.Paused)
	require.Equal(t, 20.0, bar.Close) // carries last close
	require.Equal(t, day("2023-01-04"), bar.Time)

	// the real series resumes untouched
	require.True(t, c.Next())
	bar, ok = c.Current("000001.XSHE")
	require.True(t, ok)
	require.False(t, bar.Paused)
	require.Equal(t, 22.0, bar.Close)
}

func TestCursorHistoryExcludesCurrentBar(t *testing.T) {
	c := NewCursor(map[string][]Bar{
		"600000.XSHG": barsAt([]string{"2023-01-03", "2023-01-04", "2023-01-05"}, []float64{10, 11, 12}),
	})
	c.Next()
	require.Empty(t, c.History("600000.XSHG", 5))

	c.Next()
	h := c.History("600000.XSHG", 5)
	require.Len(t, h, 1)
	require.Equal(t, 10.0, h[0].Close)

	c.Next()
	h = c.History("600000.XSHG", 1)
	require.Len(t, h, 1)
	require.Equal(t, 11.0, h[0].Close)
}

func TestCursorDerivesPrevClose(t *testing.T) {
	c := NewCursor(map[string][]Bar{
		"600000.XSHG": barsAt([]string{"2023-01-03", "2023-01-04"}, []float64{10, 11}),
	})
	c.Next()
	bar, _ := c.Current("600000.XSHG")
	require.Equal(t, 10.0, bar.PrevClose) // first bar falls back to its open

	c.Next()
	bar, _ = c.Current("600000.XSHG")
	require.Equal(t, 10.0, bar.PrevClose)
}

func TestCursorRangeCappedAtCurrentInstant(t *testing.T) {
	c := NewCursor(map[string][]Bar{
		"600000.XSHG": barsAt([]string{"2023-01-03", "2023-01-04", "2023-01-05"}, []float64{10, 11, 12}),
	})
	c.Next()
	c.Next()

	bars := c.Range("600000.XSHG", day("2023-01-01"), day("2023-01-31"))
	require.Len(t, bars, 2) // the 01-05 bar is still in the future
}
