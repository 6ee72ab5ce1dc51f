package backtest

import (
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/DAIJINGFU/daijingfu-backtrader/trading"
)

// Runner executes backtests against one data provider. It is stateless
// across runs and safe for concurrent use; every Run builds its own
// world (portfolio, order book, sandbox, cursor) from scratch, which is
// what makes replays byte-identical.
type Runner struct {
	provider DataProvider
}

func NewRunner(provider DataProvider) *Runner {
	return &Runner{provider: provider}
}

var securityCodeRe = regexp.MustCompile(`^\d{6}\.(XSHG|XSHE|BJSE)$`)

// run is the per-execution state of one backtest.
type run struct {
	cfg    *RunConfig
	pf     *Portfolio
	ctx    *StrategyContext
	book   *OrderBook
	rules  *RuleEngine
	sched  *Scheduler
	sb     *Sandbox
	cursor *Cursor
	cal    *trading.Calendar

	equity    []Point
	trades    []TradeRecord
	positions []PositionRecord
	failure   *StrategyRuntimeError
	barIndex  int
}

// Run executes one backtest. Compile errors, empty universes and zero
// data overlap come back as (nil, error). A strategy crash mid-run is
// not a Go error: the partial result comes back with status "failed".
func (r *Runner) Run(cfg *RunConfig) (*BacktestResult, error) {
	cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rn := &run{
		cfg:   cfg,
		pf:    NewPortfolio(cfg.InitialCash),
		book:  NewOrderBook(),
		rules: NewRuleEngine(),
		sched: NewScheduler(),
	}
	rn.ctx = NewStrategyContext(rn.pf)
	if cfg.Costs != nil {
		rn.rules.Costs = *cfg.Costs
	}
	rn.rules.EnableLimitCheck = !cfg.DisableLimits

	sb, err := NewSandbox(cfg.StrategySource, rn.ctx, rn.book, rn.rules, nil, rn.sched)
	if err != nil {
		return nil, err
	}
	rn.sb = sb

	rn.ctx.CurrentDT = trading.OpenTime(cfg.Start)
	if err := sb.CallHook(HookInitialize); err != nil {
		return &BacktestResult{
			Status:      StatusFailed,
			Error:       err.Error(),
			InitialCash: cfg.InitialCash,
			FinalValue:  cfg.InitialCash,
			Logs:        append([]string{}, sb.Logs()...),
		}, nil
	}

	universe := rn.resolveUniverse()
	if len(universe) == 0 {
		return nil, fmt.Errorf("no securities: declare a universe in initialize or the run config")
	}
	rn.ctx.SetUniverse(universe)

	series, err := r.loadSeries(cfg, universe)
	if err != nil {
		return nil, err
	}
	rn.cursor = NewCursor(series)
	sb.cursor = rn.cursor
	rn.cal = rn.cursor.Calendar()
	if rn.cal.Len() == 0 {
		return nil, &DataGapError{Security: universe[0], Start: cfg.Start, End: cfg.End}
	}
	rn.sched.Seal(rn.cal, rn.cal.Days()[0])

	log.Printf("[BACKTEST] run %s..%s universe=%d bars=%d",
		rn.cal.Days()[0].Format("2006-01-02"),
		rn.cal.Days()[rn.cal.Len()-1].Format("2006-01-02"),
		len(universe), rn.cursor.BarsLoaded())

	rn.simulate()

	res := rn.result()
	if bench := r.benchmarkCurve(rn); bench != nil {
		res.BenchmarkCurve = bench
	}
	return res, nil
}

// resolveUniverse picks the traded securities: the strategy's explicit
// declaration wins, then the run config, then a scan of the strategy's
// global strings for things shaped like security codes.
func (rn *run) resolveUniverse() []string {
	if u := rn.ctx.Universe(); len(u) > 0 {
		return u
	}
	if len(rn.cfg.Universe) > 0 {
		return rn.cfg.Universe
	}
	var out []string
	seen := make(map[string]bool)
	for _, s := range rn.sb.GlobalStrings() {
		if securityCodeRe.MatchString(s) && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (r *Runner) loadSeries(cfg *RunConfig, universe []string) (map[string][]Bar, error) {
	series := make(map[string][]Bar, len(universe))
	for _, sec := range universe {
		bars, err := r.provider.GetBars(sec, cfg.Start, cfg.End, cfg.Frequency, cfg.Adjustment)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", sec, err)
		}
		if len(bars) == 0 {
			return nil, &DataGapError{Security: sec, Start: cfg.Start, End: cfg.End}
		}
		series[sec] = bars
	}
	return series, nil
}

// simulate drives the bar loop. Daily runs fire open-anchored scheduled
// callbacks before handle_data and close-anchored ones after it; minute
// runs fire callbacks at their exact clock instant. A strategy crash
// stops the loop with the partial state kept.
func (rn *run) simulate() {
	var day time.Time
	timeline := rn.cursor.Timeline()

	for i := 0; rn.cursor.Next(); i++ {
		now := rn.cursor.Now()
		rn.barIndex = i

		if d := trading.Day(now); !d.Equal(day) {
			if !day.IsZero() {
				rn.endDay(day)
				if rn.failure != nil {
					return
				}
			}
			day = d
			rn.pf.UnlockT1()
			rn.ctx.CurrentDT = trading.OpenTime(day)
			if rn.call(HookBeforeTradingStart, func() error {
				return rn.sb.CallHook(HookBeforeTradingStart)
			}) {
				return
			}
		}

		if rn.cfg.Frequency == FrequencyDaily {
			// one bar per day: open-anchored callbacks and handle_data run
			// against the morning clock, close-anchored ones after the bar
			rn.ctx.CurrentDT = trading.OpenTime(day)
			open, close_ := rn.sched.DueOnDay(rn.cal, day)
			if rn.fireScheduled(open) {
				return
			}
			if rn.runBar(rn.ctx.CurrentDT) {
				return
			}
			rn.ctx.CurrentDT = trading.CloseTime(day)
			if rn.fireScheduled(close_) {
				return
			}
			rn.settle(rn.ctx.CurrentDT)
		} else {
			rn.ctx.CurrentDT = now
			if rn.fireScheduled(rn.sched.DueAt(rn.cal, now)) {
				return
			}
			if rn.runBar(now) {
				return
			}
		}

		rn.pf.MarkToMarket(rn.cursor.ClosePrices())

		last := i == len(timeline)-1
		if last {
			rn.endDay(day)
		}
	}
}

// runBar calls handle_data for the current instant and settles whatever
// it submitted against this bar's prices.
func (rn *run) runBar(now time.Time) (stop bool) {
	if rn.call(HookHandleData, rn.sb.CallHandleData) {
		return true
	}
	rn.settle(now)
	return false
}

func (rn *run) fireScheduled(entries []*ScheduleEntry) (stop bool) {
	for _, e := range entries {
		if rn.call(e.Callback.Name(), func() error {
			return rn.sb.CallScheduled(e.Callback)
		}) {
			return true
		}
		rn.settle(rn.ctx.CurrentDT)
	}
	return false
}

// settle flushes pending orders at the current instant and folds their
// trade records into the log.
func (rn *run) settle(now time.Time) {
	records := rn.book.Settle(rn.rules, rn.cursor, rn.pf, now)
	for _, rec := range records {
		if rec.Status == StatusRejected {
			log.Printf("[BACKTEST] reject %s %s %s: %s", rec.OrderID, rec.Side, rec.Security, rec.Reason)
		}
	}
	rn.trades = append(rn.trades, records...)
	rn.pf.MarkToMarket(rn.cursor.ClosePrices())
}

// endDay closes out one simulated trading day: after_trading_end runs,
// anything it submitted is cancelled (the market is closed), then the
// daily equity point and position snapshot are taken.
func (rn *run) endDay(day time.Time) {
	closeDT := trading.CloseTime(day)
	rn.ctx.CurrentDT = closeDT

	if rn.failure == nil {
		if rn.call(HookAfterTradingEnd, func() error {
			return rn.sb.CallHook(HookAfterTradingEnd)
		}) {
			// fall through: the day still gets its equity point
		}
	}
	rn.trades = append(rn.trades, rn.book.CancelPending(RejectMarketClosed, closeDT)...)

	dt := closeDT.Format("2006-01-02 15:04:05")
	rn.equity = append(rn.equity, Point{Datetime: dt, Value: rn.pf.TotalValue()})
	rn.positions = append(rn.positions, rn.pf.Snapshot(dt)...)
}

// call runs a strategy hook and records the failure if it crashes.
func (rn *run) call(hook string, fn func() error) (stop bool) {
	if err := fn(); err != nil {
		rn.failure = &StrategyRuntimeError{
			Hook:     hook,
			Datetime: rn.ctx.CurrentDT,
			BarIndex: rn.barIndex,
			Err:      err,
		}
		log.Printf("[BACKTEST] %v", rn.failure)
		return true
	}
	return false
}

func (rn *run) result() *BacktestResult {
	days := rn.cal.Days()
	start, end := days[0], days[len(days)-1]

	finalValue := rn.cfg.InitialCash
	if len(rn.equity) > 0 {
		finalValue = rn.equity[len(rn.equity)-1].Value
	}

	res := &BacktestResult{
		Status:          StatusCompleted,
		InitialCash:     rn.cfg.InitialCash,
		FinalValue:      finalValue,
		Metrics:         ComputeMetrics(rn.equity, rn.trades, rn.cfg.InitialCash, start, end),
		EquityCurve:     rn.equity,
		DailyReturns:    DailyReturns(rn.equity),
		DrawdownCurve:   DrawdownCurve(rn.equity),
		Positions:       rn.positions,
		Trades:          rn.trades,
		ActualStartDate: start.Format("2006-01-02"),
		ActualEndDate:   end.Format("2006-01-02"),
		BarsLoaded:      rn.cursor.BarsLoaded(),
		Logs:            rn.sb.Logs(),
	}
	if res.Positions == nil {
		res.Positions = []PositionRecord{}
	}
	if res.Trades == nil {
		res.Trades = []TradeRecord{}
	}
	if res.EquityCurve == nil {
		res.EquityCurve = []Point{}
	}
	if res.Logs == nil {
		res.Logs = []string{}
	}
	if rn.failure != nil {
		res.Status = StatusFailed
		res.Error = rn.failure.Error()
	}
	return res
}

// benchmarkCurve loads the benchmark series and scales it to the initial
// cash so it overlays the equity curve directly. A missing benchmark is
// not an error, the curve is just absent.
func (r *Runner) benchmarkCurve(rn *run) []Point {
	bench := rn.ctx.Benchmark
	if bench == "" {
		bench = rn.cfg.Benchmark
	}
	if bench == "" {
		return nil
	}
	bars, err := r.provider.GetBars(bench, rn.cfg.Start, rn.cfg.End, rn.cfg.Frequency, rn.cfg.Adjustment)
	if err != nil || len(bars) == 0 {
		log.Printf("[BACKTEST] benchmark %s unavailable: %v", bench, err)
		return nil
	}
	base := bars[0].Close
	if base <= 0 {
		return nil
	}
	out := make([]Point, 0, len(bars))
	for _, b := range bars {
		out = append(out, Point{
			Datetime: trading.CloseTime(b.Time).Format("2006-01-02 15:04:05"),
			Value:    rn.cfg.InitialCash * b.Close / base,
		})
	}
	return out
}
