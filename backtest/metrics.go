package backtest

import (
	"math"
	"time"

	"github.com/montanaflynn/stats"
)

// tradingDaysPerYear annualizes daily volatility.
const tradingDaysPerYear = 252

// Metrics is the performance block of a run result. Ratios that are
// undefined for the run (no variance, no closed trades, no drawdown) are
// nil and serialize as JSON null rather than a fake zero.
type Metrics struct {
	TotalReturn          float64  `json:"total_return"`
	AnnualizedReturn     float64  `json:"annualized_return"`
	AnnualizedVolatility float64  `json:"annualized_volatility"`
	Sharpe               *float64 `json:"sharpe_ratio"`
	Sortino              *float64 `json:"sortino_ratio"`
	MaxDrawdown          float64  `json:"max_drawdown"`
	Calmar               *float64 `json:"calmar_ratio"`
	WinRate              *float64 `json:"win_rate"`
	ProfitFactor         *float64 `json:"profit_factor"`
	TotalTrades          int      `json:"total_trades"`
	WinningTrades        int      `json:"winning_trades"`
	LosingTrades         int      `json:"losing_trades"`
}

func fptr(v float64) *float64 { return &v }

// ComputeMetrics derives the performance block from the daily equity
// curve and the trade log. start and end bound the simulated calendar
// span used for annualization.
func ComputeMetrics(equity []Point, trades []TradeRecord, initialCash float64, start, end time.Time) Metrics {
	var m Metrics

	finalValue := initialCash
	if len(equity) > 0 {
		finalValue = equity[len(equity)-1].Value
	}
	if initialCash > 0 {
		m.TotalReturn = finalValue/initialCash - 1
	}

	years := end.Sub(start).Hours() / 24 / 365.25
	if years > 0 && 1+m.TotalReturn > 0 {
		m.AnnualizedReturn = math.Pow(1+m.TotalReturn, 1/years) - 1
	} else {
		m.AnnualizedReturn = m.TotalReturn
	}

	returns := DailyReturns(equity)
	if len(returns) >= 2 {
		vals := make([]float64, len(returns))
		for i, p := range returns {
			vals[i] = p.Value
		}
		if sd, err := stats.StandardDeviationSample(vals); err == nil {
			m.AnnualizedVolatility = sd * math.Sqrt(tradingDaysPerYear)
		}
		if m.AnnualizedVolatility > 0 {
			m.Sharpe = fptr(m.AnnualizedReturn / m.AnnualizedVolatility)
		}

		var downside []float64
		for _, v := range vals {
			if v < 0 {
				downside = append(downside, v)
			}
		}
		if len(downside) >= 2 {
			if sd, err := stats.StandardDeviationSample(downside); err == nil && sd > 0 {
				m.Sortino = fptr(m.AnnualizedReturn / (sd * math.Sqrt(tradingDaysPerYear)))
			}
		}
	}

	m.MaxDrawdown = MaxDrawdown(equity)
	if m.MaxDrawdown > 0 {
		m.Calmar = fptr(m.AnnualizedReturn / m.MaxDrawdown)
	}

	// every settled sell with a realized result counts; break-even
	// closes stay out of the win/loss buckets but not out of the total
	var grossProfit, grossLoss float64
	for _, t := range trades {
		if t.Status != StatusFilled || t.RealizedPnL == nil {
			continue
		}
		m.TotalTrades++
		switch {
		case *t.RealizedPnL > 0:
			m.WinningTrades++
			grossProfit += *t.RealizedPnL
		case *t.RealizedPnL < 0:
			m.LosingTrades++
			grossLoss += -*t.RealizedPnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = fptr(float64(m.WinningTrades) / float64(m.TotalTrades))
	}
	if grossLoss > 0 {
		m.ProfitFactor = fptr(grossProfit / grossLoss)
	}
	return m
}

// DailyReturns derives the simple return series from the equity curve.
func DailyReturns(equity []Point) []Point {
	if len(equity) < 2 {
		return nil
	}
	out := make([]Point, 0, len(equity)-1)
	for i := 1; i < len(equity); i++ {
		prev := equity[i-1].Value
		r := 0.0
		if prev > 0 {
			r = equity[i].Value/prev - 1
		}
		out = append(out, Point{Datetime: equity[i].Datetime, Value: r})
	}
	return out
}

// DrawdownCurve maps equity to its distance below the running peak,
// as non-positive fractions.
func DrawdownCurve(equity []Point) []Point {
	out := make([]Point, len(equity))
	peak := 0.0
	for i, p := range equity {
		if p.Value > peak {
			peak = p.Value
		}
		dd := 0.0
		if peak > 0 {
			dd = p.Value/peak - 1
		}
		out[i] = Point{Datetime: p.Datetime, Value: dd}
	}
	return out
}

// MaxDrawdown is the deepest peak-to-trough loss as a positive fraction.
func MaxDrawdown(equity []Point) float64 {
	peak, maxDD := 0.0, 0.0
	for _, p := range equity {
		if p.Value > peak {
			peak = p.Value
		}
		if peak > 0 {
			if dd := 1 - p.Value/peak; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
