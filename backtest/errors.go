package backtest

import (
	"errors"
	"fmt"
	"time"
)

// Reject reasons used by the trading rule engine.
const (
	RejectSuspended        = "suspended"
	RejectPriceLimit       = "price_limit"
	RejectBelowMinLot      = "below_min_lot"
	RejectInsufficientCash = "insufficient_cash"
	RejectUnavailable      = "insufficient_position"
	RejectMarketClosed     = "market_closed"
	RejectUnknownSecurity  = "unknown_security"
)

// CompileError means the strategy source failed to compile (syntax error
// or reference to a name outside the sandboxed API surface). Fatal: the
// run produces no partial result.
type CompileError struct {
	Detail string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("strategy compile error: %s", e.Detail)
}

// RejectError is the expected business-rule outcome for an inadmissible
// order. It never aborts the run; the order lands in the trade log as
// rejected and the strategy continues.
type RejectError struct {
	Reason string
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return "order rejected: " + e.Reason
	}
	return fmt.Sprintf("order rejected: %s (%s)", e.Reason, e.Detail)
}

// DataGapError reports that the requested range has no overlap with the
// available data. Partial overlap is not an error; the run clamps to the
// covered range and reports actual_start_date/actual_end_date instead.
type DataGapError struct {
	Security string
	Start    time.Time
	End      time.Time
}

func (e *DataGapError) Error() string {
	return fmt.Sprintf("no data for %s in [%s, %s]",
		e.Security, e.Start.Format("2006-01-02"), e.End.Format("2006-01-02"))
}

// StrategyRuntimeError means user code failed inside handle_data or a
// scheduled callback. Fatal for the run: it stops at the failing bar,
// keeps the partial equity curve and reports status=failed.
type StrategyRuntimeError struct {
	Hook     string
	Datetime time.Time
	BarIndex int
	Err      error
}

func (e *StrategyRuntimeError) Error() string {
	return fmt.Sprintf("strategy error in %s at %s (bar %d): %v",
		e.Hook, e.Datetime.Format("2006-01-02 15:04:05"), e.BarIndex, e.Err)
}

func (e *StrategyRuntimeError) Unwrap() error { return e.Err }

// AsReject unwraps a RejectError if err is one.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
