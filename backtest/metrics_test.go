package backtest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func equityOf(values ...float64) []Point {
	out := make([]Point, len(values))
	d := day("2023-01-03")
	for i, v := range values {
		out[i] = Point{Datetime: d.Format("2006-01-02 15:04:05"), Value: v}
		d = d.Add(24 * time.Hour)
	}
	return out
}

func TestMaxDrawdown(t *testing.T) {
	eq := equityOf(100, 120, 90, 110, 80)
	// deepest trough: 80 from the 120 peak
	require.InDelta(t, 1-80.0/120.0, MaxDrawdown(eq), 1e-9)
	require.Equal(t, 0.0, MaxDrawdown(equityOf(100, 101, 102)))
}

func TestDrawdownCurveNonPositive(t *testing.T) {
	dd := DrawdownCurve(equityOf(100, 120, 90))
	require.Len(t, dd, 3)
	require.Equal(t, 0.0, dd[0].Value)
	require.Equal(t, 0.0, dd[1].Value)
	require.InDelta(t, 90.0/120.0-1, dd[2].Value, 1e-9)
}

func TestDailyReturns(t *testing.T) {
	r := DailyReturns(equityOf(100, 110, 99))
	require.Len(t, r, 2)
	require.InDelta(t, 0.10, r[0].Value, 1e-9)
	require.InDelta(t, -0.10, r[1].Value, 1e-9)
}

func TestMetricsZeroTradeRun(t *testing.T) {
	eq := equityOf(100000, 100000, 100000)
	m := ComputeMetrics(eq, nil, 100000, day("2023-01-03"), day("2023-01-05"))

	require.Equal(t, 0.0, m.TotalReturn)
	require.Equal(t, 0.0, m.MaxDrawdown)
	require.Nil(t, m.Sharpe) // no variance, no ratio
	require.Nil(t, m.Sortino)
	require.Nil(t, m.Calmar)
	require.Nil(t, m.WinRate)
	require.Nil(t, m.ProfitFactor)
	require.Equal(t, 0, m.TotalTrades)
}

func TestMetricsWinRateAndProfitFactor(t *testing.T) {
	trades := []TradeRecord{
		{Status: StatusFilled, Side: SideSell, RealizedPnL: fptr(100)},
		{Status: StatusFilled, Side: SideSell, RealizedPnL: fptr(-50)},
		{Status: StatusFilled, Side: SideSell, RealizedPnL: fptr(30)},
		{Status: StatusFilled, Side: SideBuy}, // buys carry no realized pnl
		{Status: StatusRejected, Side: SideSell},
	}
	m := ComputeMetrics(equityOf(100000, 100080), trades, 100000, day("2023-01-03"), day("2023-01-04"))

	require.Equal(t, 3, m.TotalTrades)
	require.Equal(t, 2, m.WinningTrades)
	require.Equal(t, 1, m.LosingTrades)
	require.NotNil(t, m.WinRate)
	require.InDelta(t, 2.0/3.0, *m.WinRate, 1e-9)
	require.NotNil(t, m.ProfitFactor)
	require.InDelta(t, 130.0/50.0, *m.ProfitFactor, 1e-9)
}

func TestMetricsCountBreakEvenTrades(t *testing.T) {
	trades := []TradeRecord{
		{Status: StatusFilled, Side: SideSell, RealizedPnL: fptr(100)},
		{Status: StatusFilled, Side: SideSell, RealizedPnL: fptr(0)},
		{Status: StatusFilled, Side: SideSell, RealizedPnL: fptr(-50)},
	}
	m := ComputeMetrics(equityOf(100000, 100050), trades, 100000, day("2023-01-03"), day("2023-01-04"))

	require.Equal(t, 3, m.TotalTrades)
	require.Equal(t, 1, m.WinningTrades)
	require.Equal(t, 1, m.LosingTrades)
	require.NotNil(t, m.WinRate)
	require.InDelta(t, 1.0/3.0, *m.WinRate, 1e-9)
}

func TestMetricsJSONFieldNames(t *testing.T) {
	data, err := json.Marshal(Metrics{})
	require.NoError(t, err)
	for _, field := range []string{
		`"sharpe_ratio":null`, `"sortino_ratio":null`, `"calmar_ratio":null`,
		`"max_drawdown":0`, `"win_rate":null`, `"profit_factor":null`,
	} {
		require.Contains(t, string(data), field)
	}
}

func TestMetricsAnnualization(t *testing.T) {
	// one year, +10%
	eq := []Point{
		{Datetime: "2023-01-01 15:00:00", Value: 100000},
		{Datetime: "2024-01-01 15:00:00", Value: 110000},
	}
	m := ComputeMetrics(eq, nil, 100000, day("2023-01-01"), day("2024-01-01"))
	require.InDelta(t, 0.10, m.TotalReturn, 1e-9)
	// 365 days against a 365.25-day year lands a hair above 10%
	require.InDelta(t, 0.10, m.AnnualizedReturn, 1e-3)
}
