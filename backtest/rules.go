package backtest

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultLotSize is the exchange round lot (A-share boards trade in
// multiples of 100 shares).
const DefaultLotSize int64 = 100

// limitTolerance is one price tick: a trade price within a cent of the
// band edge counts as at-limit.
const limitTolerance = 0.01

// Board price-limit percentages, keyed by security code prefix.
// Main board ±10%, ChiNext (300xxx) and STAR (688xxx) ±20%, BSE ±30%.
func boardLimitPct(security string) float64 {
	code := security
	if i := strings.IndexByte(code, '.'); i >= 0 {
		code = code[:i]
	}
	switch {
	case strings.HasPrefix(code, "688"):
		return 0.20
	case strings.HasPrefix(code, "300"):
		return 0.20
	case strings.HasPrefix(code, "43"), strings.HasPrefix(code, "83"):
		return 0.30
	default:
		return 0.10
	}
}

// RuleEngine decides whether an order is admissible at the current bar
// and computes its execution price and costs. It is configured once per
// run and is read-only afterwards.
type RuleEngine struct {
	Costs            CostSchedule
	LotSize          int64
	EnableLimitCheck bool
	LimitPctOverride float64 // 0 means use the board default
}

// NewRuleEngine builds a rule engine with the default A-share settings.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{
		Costs:            DefaultCostSchedule(),
		LotSize:          DefaultLotSize,
		EnableLimitCheck: true,
	}
}

// LimitPct returns the effective limit percentage for a security.
func (r *RuleEngine) LimitPct(security string) float64 {
	if r.LimitPctOverride > 0 {
		return r.LimitPctOverride
	}
	return boardLimitPct(security)
}

// LimitPrices returns the (up, down) band edges from the previous close,
// rounded to the price tick.
func (r *RuleEngine) LimitPrices(security string, prevClose float64) (float64, float64) {
	pct := decimal.NewFromFloat(r.LimitPct(security))
	prev := decimal.NewFromFloat(prevClose)
	up, _ := prev.Mul(decimal.NewFromInt(1).Add(pct)).Round(2).Float64()
	down, _ := prev.Mul(decimal.NewFromInt(1).Sub(pct)).Round(2).Float64()
	return up, down
}

// Commission computes max(round(amount*price*rate, 2), min_commission).
func (r *RuleEngine) Commission(amount int64, price float64, side OrderSide) float64 {
	rate := r.Costs.OpenCommission
	if side == SideSell {
		rate = r.Costs.CloseCommission
	}
	c := decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromFloat(rate)).
		Round(2)
	if minC := decimal.NewFromFloat(r.Costs.MinCommission); c.LessThan(minC) {
		c = minC
	}
	f, _ := c.Float64()
	return f
}

// StampDuty computes the sell-side transaction tax; zero for buys.
func (r *RuleEngine) StampDuty(amount int64, price float64, side OrderSide) float64 {
	if side != SideSell {
		return 0
	}
	d := decimal.NewFromInt(amount).
		Mul(decimal.NewFromFloat(price)).
		Mul(decimal.NewFromFloat(r.Costs.CloseTax)).
		Round(2)
	f, _ := d.Float64()
	return f
}

// FloorToLot rounds a buy amount down to the nearest round lot.
func (r *RuleEngine) FloorToLot(amount int64) int64 {
	lot := r.LotSize
	if lot <= 0 {
		lot = DefaultLotSize
	}
	return (amount / lot) * lot
}

// SharesForValue converts a currency value into a lot-floored share count
// at the given price.
func (r *RuleEngine) SharesForValue(value, price float64) int64 {
	if price <= 0 || value <= 0 {
		return 0
	}
	return r.FloorToLot(int64(math.Floor(value / price)))
}

// Review runs the admission checks for an order whose amount has already
// been normalized to shares, in the fixed sequence: suspension, price
// limit, lot, availability, costs. On success the order comes back
// filled at the bar close with commission and stamp duty set; on
// rejection the returned error is a *RejectError.
func (r *RuleEngine) Review(o *Order, bar Bar, pos *Position, cash float64) error {
	if bar.Paused {
		return &RejectError{Reason: RejectSuspended, Detail: o.Security}
	}

	price := bar.Close
	if price <= 0 {
		return &RejectError{Reason: RejectUnknownSecurity, Detail: fmt.Sprintf("%s has no price", o.Security)}
	}

	if r.EnableLimitCheck && bar.PrevClose > 0 {
		up, down := r.LimitPrices(o.Security, bar.PrevClose)
		if o.Side == SideBuy && price >= up-limitTolerance {
			return &RejectError{
				Reason: RejectPriceLimit,
				Detail: fmt.Sprintf("buy at limit up %.2f", up),
			}
		}
		if o.Side == SideSell && price <= down+limitTolerance {
			return &RejectError{
				Reason: RejectPriceLimit,
				Detail: fmt.Sprintf("sell at limit down %.2f", down),
			}
		}
	}

	amount := o.RequestedAmount
	if amount <= 0 {
		return &RejectError{Reason: RejectBelowMinLot, Detail: "amount floors to zero"}
	}

	commission := r.Commission(amount, price, o.Side)
	stampDuty := r.StampDuty(amount, price, o.Side)

	switch o.Side {
	case SideSell:
		// T+1: shares bought today sit in locked_amount and are not
		// sellable until the next trading day.
		available := int64(0)
		if pos != nil {
			available = pos.AvailableAmount()
		}
		if amount > available {
			return &RejectError{
				Reason: RejectUnavailable,
				Detail: fmt.Sprintf("want %d, available %d", amount, available),
			}
		}
	case SideBuy:
		if float64(amount)*price+commission > cash {
			return &RejectError{
				Reason: RejectInsufficientCash,
				Detail: fmt.Sprintf("need %.2f, cash %.2f", float64(amount)*price+commission, cash),
			}
		}
	}

	o.Status = StatusFilled
	o.FilledAmount = amount
	o.FillPrice = price
	o.Commission = commission
	o.StampDuty = stampDuty
	return nil
}
