package backtest

import "time"

// Frequency is the bar sampling interval of a run.
type Frequency string

const (
	FrequencyDaily  Frequency = "daily"
	FrequencyMinute Frequency = "minute"
)

// Adjustment is the price-series adjustment method (fq).
type Adjustment string

const (
	AdjustmentPre  Adjustment = "pre"
	AdjustmentPost Adjustment = "post"
	AdjustmentNone Adjustment = "none"
)

// Bar is one OHLCV record for one security at one instant.
// Suspended bars carry the last known close in all price fields so
// valuations stay continuous while trading is blocked.
type Bar struct {
	Time      time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
	Money     float64
	Paused    bool
	PrevClose float64
}

// DataProvider supplies historical bars for one security.
// Bars must come back sorted ascending by timestamp, with suspended
// dates marked explicitly via Bar.Paused rather than omitted.
type DataProvider interface {
	GetBars(security string, start, end time.Time, freq Frequency, adj Adjustment) ([]Bar, error)
}

type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

type OrderKind string

const (
	KindShares      OrderKind = "shares"
	KindValue       OrderKind = "value"
	KindTargetShare OrderKind = "target_shares"
	KindTargetValue OrderKind = "target_value"
)

type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusFilled    OrderStatus = "filled"
	StatusRejected  OrderStatus = "rejected"
	StatusCancelled OrderStatus = "cancelled"
)

// Order is a single order through its whole lifecycle. Terminal states
// are filled, rejected and cancelled; there are no partial fills across
// bars: an order fully fills against the current bar's close or not at
// all. Close-price fills are a deliberate simplification kept for parity
// with the reference platform, not a lookahead: an order submitted in
// handle_data for bar t fills at bar t's own close.
type Order struct {
	ID              string      `json:"id"`
	Security        string      `json:"security"`
	Side            OrderSide   `json:"side"`
	Kind            OrderKind   `json:"kind"`
	RequestedAmount int64       `json:"requested_amount"`
	RequestedValue  float64     `json:"requested_value,omitempty"`
	Status          OrderStatus `json:"status"`
	FilledAmount    int64       `json:"filled_amount"`
	FillPrice       float64     `json:"fill_price"`
	Commission      float64     `json:"commission"`
	StampDuty       float64     `json:"stamp_duty"`
	Reason          string      `json:"reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
}

// CostSchedule holds the per-run trading cost rates, configured once in
// initialize (set_order_cost) and applied to every fill.
type CostSchedule struct {
	OpenCommission  float64 `json:"open_commission" yaml:"open_commission"`
	CloseCommission float64 `json:"close_commission" yaml:"close_commission"`
	CloseTax        float64 `json:"close_tax" yaml:"close_tax"`
	MinCommission   float64 `json:"min_commission" yaml:"min_commission"`
}

// DefaultCostSchedule mirrors the common A-share retail schedule:
// 0.03% commission both ways with a 5 CNY floor, 0.1% stamp duty on sells.
func DefaultCostSchedule() CostSchedule {
	return CostSchedule{
		OpenCommission:  0.0003,
		CloseCommission: 0.0003,
		CloseTax:        0.001,
		MinCommission:   5,
	}
}

// Point is one sample of a result time series (equity, returns, drawdown).
type Point struct {
	Datetime string  `json:"datetime"`
	Value    float64 `json:"value"`
}

// TradeRecord is one entry of the trade log. Rejected orders are recorded
// here too (status=rejected with the reason), they never abort the run.
type TradeRecord struct {
	Datetime    string      `json:"datetime"`
	OrderID     string      `json:"order_id"`
	Security    string      `json:"security"`
	Side        OrderSide   `json:"side"`
	Amount      int64       `json:"amount"`
	Price       float64     `json:"price"`
	Commission  float64     `json:"commission"`
	StampDuty   float64     `json:"stamp_duty"`
	Status      OrderStatus `json:"status"`
	Reason      string      `json:"reason,omitempty"`
	RealizedPnL *float64    `json:"realized_pnl,omitempty"`
}

// PositionRecord is one security's holding at one instant, flattened the
// way the dashboard consumes it.
type PositionRecord struct {
	Datetime string  `json:"datetime"`
	Security string  `json:"security"`
	Amount   int64   `json:"amount"`
	Price    float64 `json:"price"`
	Value    float64 `json:"value"`
	Weight   float64 `json:"weight"`
}
