package backtest

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DAIJINGFU/daijingfu-backtrader/trading"
)

// stubProvider serves fixed in-memory series.
type stubProvider struct {
	series map[string][]Bar
}

func (p *stubProvider) GetBars(security string, start, end time.Time, freq Frequency, adj Adjustment) ([]Bar, error) {
	bars, ok := p.series[security]
	if !ok {
		return nil, fmt.Errorf("no data for %s", security)
	}
	endDay := trading.Day(end).Add(24 * time.Hour)
	var out []Bar
	for _, b := range bars {
		if b.Time.Before(start) || !b.Time.Before(endDay) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func weekdaySeries(from string, closes ...float64) []Bar {
	var out []Bar
	d := day(from)
	for _, c := range closes {
		for {
			if wd := d.Weekday(); wd != time.Saturday && wd != time.Sunday {
				break
			}
			d = d.Add(24 * time.Hour)
		}
		out = append(out, Bar{Time: d, Open: c, High: c, Low: c, Close: c, Volume: 100000})
		d = d.Add(24 * time.Hour)
	}
	return out
}

func testConfig(src string, from, to string) *RunConfig {
	return &RunConfig{
		StrategySource: src,
		Start:          day(from),
		End:            day(to),
		InitialCash:    100000,
		Frequency:      FrequencyDaily,
		Adjustment:     AdjustmentNone,
	}
}

const buyAndHoldSrc = `
def initialize(context):
    g.security = "600000.XSHG"
    set_universe([g.security])

def handle_data(context, data):
    if context.portfolio.positions[g.security].total_amount == 0:
        order(g.security, 100)
`

func TestRunBuyAndHold(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", 10, 10.2, 10.4, 10.6, 10.8),
	}}
	res, err := NewRunner(provider).Run(testConfig(buyAndHoldSrc, "2023-01-02", "2023-01-06"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Len(t, res.EquityCurve, 5)
	require.Equal(t, 5, res.BarsLoaded)

	// one buy at 10.00 with the 5 CNY commission floor, marked at 10.80
	require.Len(t, res.Trades, 1)
	require.Equal(t, StatusFilled, res.Trades[0].Status)
	require.Equal(t, int64(100), res.Trades[0].Amount)
	require.InDelta(t, 100000-1005+1080, res.FinalValue, 1e-6)
	require.InDelta(t, res.FinalValue/100000-1, res.TotalReturn, 1e-9)

	// daily position snapshots for every day holding
	require.NotEmpty(t, res.Positions)
	last := res.Positions[len(res.Positions)-1]
	require.Equal(t, int64(100), last.Amount)
	require.InDelta(t, 10.8, last.Price, 1e-9)
}

const t1Src = `
def initialize(context):
    set_universe(["000001.XSHE"])
    g.day = 0

def handle_data(context, data):
    g.day += 1
    if g.day == 1:
        order("000001.XSHE", 100)
        order("000001.XSHE", -100)
    elif g.day == 2:
        order("000001.XSHE", -100)
`

func TestRunT1BlocksSameDaySell(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{
		"000001.XSHE": weekdaySeries("2023-01-02", 10, 10.1, 10.2),
	}}
	res, err := NewRunner(provider).Run(testConfig(t1Src, "2023-01-02", "2023-01-04"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	require.Len(t, res.Trades, 3)
	require.Equal(t, StatusFilled, res.Trades[0].Status) // day 1 buy
	require.Equal(t, StatusRejected, res.Trades[1].Status)
	require.Equal(t, RejectUnavailable, res.Trades[1].Reason) // same-day sell blocked
	require.Equal(t, StatusFilled, res.Trades[2].Status)      // next-day sell fills
	require.Equal(t, SideSell, res.Trades[2].Side)
}

const limitUpSrc = `
def initialize(context):
    set_universe(["600000.XSHG"])
    g.day = 0

def handle_data(context, data):
    g.day += 1
    if g.day == 2:
        order("600000.XSHG", 100)
`

func TestRunRejectsBuyAtLimitUp(t *testing.T) {
	// day 2 closes exactly at the +10% band (10.00 -> 11.00)
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", 10, 11),
	}}
	res, err := NewRunner(provider).Run(testConfig(limitUpSrc, "2023-01-02", "2023-01-03"))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	require.Equal(t, StatusRejected, res.Trades[0].Status)
	require.Equal(t, RejectPriceLimit, res.Trades[0].Reason)
	require.InDelta(t, 100000, res.FinalValue, 1e-9)
}

const idleSrc = `
def initialize(context):
    set_universe(["600000.XSHG"])

def handle_data(context, data):
    pass
`

func TestRunZeroTradeMetrics(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", 10, 9, 11, 10),
	}}
	res, err := NewRunner(provider).Run(testConfig(idleSrc, "2023-01-02", "2023-01-05"))
	require.NoError(t, err)

	require.Equal(t, StatusCompleted, res.Status)
	require.Empty(t, res.Trades)
	require.Equal(t, 0.0, res.TotalReturn)
	require.Equal(t, 0.0, res.MaxDrawdown)
	require.Nil(t, res.Sharpe)
	require.Nil(t, res.WinRate)
	require.Equal(t, 100000.0, res.FinalValue)
}

func TestRunIsByteIdenticalOnReplay(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", 10, 10.2, 10.4, 10.6, 10.8),
	}}
	runner := NewRunner(provider)

	run := func() []byte {
		res, err := runner.Run(testConfig(buyAndHoldSrc, "2023-01-02", "2023-01-06"))
		require.NoError(t, err)
		data, err := json.Marshal(res)
		require.NoError(t, err)
		return data
	}
	require.Equal(t, string(run()), string(run()))
}

func TestRunClampsToAvailableRange(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", 10, 10.2, 10.4),
	}}
	// requested window extends far past the data
	res, err := NewRunner(provider).Run(testConfig(idleSrc, "2022-12-01", "2023-06-30"))
	require.NoError(t, err)
	require.Equal(t, "2023-01-02", res.ActualStartDate)
	require.Equal(t, "2023-01-04", res.ActualEndDate)
	require.Equal(t, 3, res.BarsLoaded)
}

func TestRunNoOverlapIsDataGap(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", 10, 10.2),
	}}
	_, err := NewRunner(provider).Run(testConfig(idleSrc, "2024-01-01", "2024-02-01"))
	require.Error(t, err)
	var ge *DataGapError
	require.ErrorAs(t, err, &ge)
}

func TestRunCompileErrorIsFatal(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{}}
	_, err := NewRunner(provider).Run(testConfig("def initialize(context)\n", "2023-01-02", "2023-01-06"))
	var ce *CompileError
	require.ErrorAs(t, err, &ce)
}

const crashSrc = `
def initialize(context):
    set_universe(["600000.XSHG"])
    g.day = 0

def handle_data(context, data):
    g.day += 1
    if g.day == 3:
        fail("boom")
    order("600000.XSHG", 100)
`

func TestRunStrategyCrashKeepsPartialResult(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", 10, 10.1, 10.2, 10.3),
	}}
	res, err := NewRunner(provider).Run(testConfig(crashSrc, "2023-01-02", "2023-01-05"))
	require.NoError(t, err) // a crash is a failed result, not a Go error

	require.Equal(t, StatusFailed, res.Status)
	require.Contains(t, res.Error, "boom")
	require.Len(t, res.EquityCurve, 2) // the two completed days survive
	require.NotEmpty(t, res.Trades)
}

const scheduledSrc = `
def rebalance(context):
    order("600000.XSHG", 100)

def initialize(context):
    set_universe(["600000.XSHG"])
    run_weekly(rebalance, weekday=1, time="open")
`

func TestRunWeeklyScheduleFiresOnMondays(t *testing.T) {
	// two full weeks, Mondays 01-02 and 01-09
	closes := []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 10}
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", closes...),
	}}
	res, err := NewRunner(provider).Run(testConfig(scheduledSrc, "2023-01-02", "2023-01-13"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	require.Len(t, res.Trades, 2)
	require.Equal(t, "2023-01-02 09:30:00", res.Trades[0].Datetime)
	require.Equal(t, "2023-01-09 09:30:00", res.Trades[1].Datetime)
}

const afterCloseSrc = `
def initialize(context):
    set_universe(["600000.XSHG"])

def handle_data(context, data):
    pass

def after_trading_end(context):
    order("600000.XSHG", 100)
`

func TestOrdersAfterCloseAreCancelled(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", 10, 10.1),
	}}
	res, err := NewRunner(provider).Run(testConfig(afterCloseSrc, "2023-01-02", "2023-01-03"))
	require.NoError(t, err)

	require.Len(t, res.Trades, 2)
	for _, tr := range res.Trades {
		require.Equal(t, StatusCancelled, tr.Status)
		require.Equal(t, RejectMarketClosed, tr.Reason)
	}
	require.Equal(t, 100000.0, res.FinalValue)
}

const universeScanSrc = `
stocks = ["600000.XSHG", "000001.XSHE"]

def initialize(context):
    g.ready = True

def handle_data(context, data):
    pass
`

func TestUniverseInferredFromGlobals(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", 10, 10.1),
		"000001.XSHE": weekdaySeries("2023-01-02", 20, 20.1),
	}}
	res, err := NewRunner(provider).Run(testConfig(universeScanSrc, "2023-01-02", "2023-01-03"))
	require.NoError(t, err)
	require.Equal(t, 4, res.BarsLoaded)
}

const suspensionSrc = `
def initialize(context):
    set_universe(["600000.XSHG"])
    g.day = 0

def handle_data(context, data):
    g.day += 1
    if g.day == 2:
        order("600000.XSHG", 100)
`

func TestSuspendedBarRejectsOrders(t *testing.T) {
	bars := weekdaySeries("2023-01-02", 10, 10, 10.2)
	bars[1].Paused = true
	provider := &stubProvider{series: map[string][]Bar{"600000.XSHG": bars}}

	res, err := NewRunner(provider).Run(testConfig(suspensionSrc, "2023-01-02", "2023-01-04"))
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	require.Equal(t, StatusRejected, res.Trades[0].Status)
	require.Equal(t, RejectSuspended, res.Trades[0].Reason)
	// valuation stays continuous through the suspension
	require.Len(t, res.EquityCurve, 3)
	require.Equal(t, 100000.0, res.EquityCurve[1].Value)
}

func minuteBar(ts string, c float64) Bar {
	tm, err := time.ParseInLocation("2006-01-02 15:04", ts, trading.CST)
	if err != nil {
		panic(err)
	}
	return Bar{Time: tm, Open: c, High: c, Low: c, Close: c, Volume: 6000}
}

func minuteConfig(src string, from, to string) *RunConfig {
	cfg := testConfig(src, from, to)
	cfg.Frequency = FrequencyMinute
	return cfg
}

const minuteScheduledSrc = `
def tick(context):
    order("600000.XSHG", 100)

def initialize(context):
    set_universe(["600000.XSHG"])
    run_daily(tick, time="open")

def handle_data(context, data):
    pass
`

func TestRunMinuteScheduleFiresWithoutAnchorBar(t *testing.T) {
	// day 1's grid starts at 09:31, day 2 carries the 09:30 bar itself
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": {
			minuteBar("2023-01-02 09:31", 10.0),
			minuteBar("2023-01-02 09:32", 10.2),
			minuteBar("2023-01-03 09:30", 10.4),
			minuteBar("2023-01-03 09:31", 10.6),
		},
	}}
	res, err := NewRunner(provider).Run(minuteConfig(minuteScheduledSrc, "2023-01-02", "2023-01-03"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)
	require.Equal(t, 4, res.BarsLoaded)

	// the open-anchored callback fires on each day's first eligible bar
	require.Len(t, res.Trades, 2)
	require.Equal(t, StatusFilled, res.Trades[0].Status)
	require.Equal(t, "2023-01-02 09:31:00", res.Trades[0].Datetime)
	require.InDelta(t, 10.0, res.Trades[0].Price, 1e-9)
	require.Equal(t, "2023-01-03 09:30:00", res.Trades[1].Datetime)
	require.InDelta(t, 10.4, res.Trades[1].Price, 1e-9)

	// one equity point per day, marked at the last bar of the run
	require.Len(t, res.EquityCurve, 2)
	require.InDelta(t, 100000-1005-1045+200*10.6, res.FinalValue, 1e-6)
}

const minuteBarsSrc = `
def initialize(context):
    set_universe(["600000.XSHG"])
    g.bars = 0

def before_trading_start(context):
    log.info("day start")

def handle_data(context, data):
    g.bars += 1
    if g.bars == 2:
        order("600000.XSHG", 100)

def after_trading_end(context):
    log.info("day end")
`

func TestRunMinuteBarsSettlePerBar(t *testing.T) {
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": {
			minuteBar("2023-01-02 09:31", 10.0),
			minuteBar("2023-01-02 09:32", 10.2),
			minuteBar("2023-01-03 09:31", 10.4),
		},
	}}
	res, err := NewRunner(provider).Run(minuteConfig(minuteBarsSrc, "2023-01-02", "2023-01-03"))
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, res.Status)

	// the order placed on the second bar settles against that bar
	require.Len(t, res.Trades, 1)
	require.Equal(t, "2023-01-02 09:32:00", res.Trades[0].Datetime)
	require.InDelta(t, 10.2, res.Trades[0].Price, 1e-9)

	// lifecycle hooks run once per simulated day, not once per bar
	var starts, ends int
	for _, line := range res.Logs {
		switch {
		case strings.Contains(line, "day start"):
			starts++
		case strings.Contains(line, "day end"):
			ends++
		}
	}
	require.Equal(t, 2, starts)
	require.Equal(t, 2, ends)
}

func TestRunOrdersInInitializeFailRun(t *testing.T) {
	src := `
def initialize(context):
    order("600000.XSHG", 100)
`
	provider := &stubProvider{series: map[string][]Bar{
		"600000.XSHG": weekdaySeries("2023-01-02", 10),
	}}
	res, err := NewRunner(provider).Run(testConfig(src, "2023-01-02", "2023-01-03"))
	require.NoError(t, err)
	require.Equal(t, StatusFailed, res.Status)
	require.Contains(t, res.Error, "initialize")
}
