package backtest

import (
	"fmt"
	"sort"
)

// Position is one security holding. LockedAmount holds today's buys
// until the next trading day's unlock (T+1).
type Position struct {
	Security     string
	TotalAmount  int64
	LockedAmount int64
	AvgCost      float64
	LastPrice    float64
}

// AvailableAmount is the sellable part of the position.
func (p *Position) AvailableAmount() int64 {
	return p.TotalAmount - p.LockedAmount
}

// Value marks the position at its last seen price.
func (p *Position) Value() float64 {
	return float64(p.TotalAmount) * p.LastPrice
}

// UnrealizedPnL is the open profit against average cost.
func (p *Position) UnrealizedPnL() float64 {
	return (p.LastPrice - p.AvgCost) * float64(p.TotalAmount)
}

// Portfolio is the cash and position ledger of one run. ApplyFill is the
// only mutator of share counts and cash; it must be called exactly once
// per accepted order.
type Portfolio struct {
	StartingCash float64
	Cash         float64

	positions map[string]*Position
	realized  float64
}

func NewPortfolio(startingCash float64) *Portfolio {
	return &Portfolio{
		StartingCash: startingCash,
		Cash:         startingCash,
		positions:    make(map[string]*Position),
	}
}

// Position returns the holding for a security, or nil.
func (pf *Portfolio) Position(security string) *Position {
	return pf.positions[security]
}

// Securities returns held securities in deterministic order.
func (pf *Portfolio) Securities() []string {
	out := make([]string, 0, len(pf.positions))
	for sec := range pf.positions {
		out = append(out, sec)
	}
	sort.Strings(out)
	return out
}

// RealizedPnL is the cumulative realized profit net of all trading costs.
func (pf *Portfolio) RealizedPnL() float64 { return pf.realized }

// TotalValue is cash plus marked position value.
func (pf *Portfolio) TotalValue() float64 {
	v := pf.Cash
	for _, p := range pf.positions {
		v += p.Value()
	}
	return v
}

// PositionsValue is the marked value of all holdings.
func (pf *Portfolio) PositionsValue() float64 {
	v := 0.0
	for _, p := range pf.positions {
		v += p.Value()
	}
	return v
}

// ApplyFill settles a filled order into the ledger atomically: cash and
// the position move together. Buy commission is folded into average cost
// so that final_value == starting_cash + realized + unrealized holds to
// float tolerance. Returns the realized P&L for sells.
func (pf *Portfolio) ApplyFill(o *Order) (float64, error) {
	if o.Status != StatusFilled {
		return 0, fmt.Errorf("apply fill on %s order %s", o.Status, o.ID)
	}

	switch o.Side {
	case SideBuy:
		cost := float64(o.FilledAmount)*o.FillPrice + o.Commission
		if cost > pf.Cash+1e-9 {
			return 0, fmt.Errorf("fill overdraws cash: need %.2f, have %.2f", cost, pf.Cash)
		}
		pf.Cash -= cost

		p := pf.positions[o.Security]
		if p == nil {
			p = &Position{Security: o.Security}
			pf.positions[o.Security] = p
		}
		totalCost := p.AvgCost*float64(p.TotalAmount) + cost
		p.TotalAmount += o.FilledAmount
		p.LockedAmount += o.FilledAmount
		p.AvgCost = totalCost / float64(p.TotalAmount)
		p.LastPrice = o.FillPrice
		return 0, nil

	case SideSell:
		p := pf.positions[o.Security]
		if p == nil || o.FilledAmount > p.AvailableAmount() {
			return 0, fmt.Errorf("fill exceeds available amount for %s", o.Security)
		}
		proceeds := float64(o.FilledAmount)*o.FillPrice - o.Commission - o.StampDuty
		pf.Cash += proceeds

		realized := proceeds - p.AvgCost*float64(o.FilledAmount)
		pf.realized += realized

		p.TotalAmount -= o.FilledAmount
		p.LastPrice = o.FillPrice
		if p.TotalAmount == 0 {
			delete(pf.positions, o.Security)
		}
		return realized, nil
	}
	return 0, fmt.Errorf("unknown order side %q", o.Side)
}

// MarkToMarket refreshes last prices without touching share counts.
// Called once per bar after all of that bar's orders have settled.
func (pf *Portfolio) MarkToMarket(prices map[string]float64) {
	for sec, p := range pf.positions {
		if px, ok := prices[sec]; ok && px > 0 {
			p.LastPrice = px
		}
	}
}

// UnlockT1 releases the prior day's buys into the sellable pool. Runs at
// the start of each new simulated trading day, before any order of that
// day is evaluated.
func (pf *Portfolio) UnlockT1() {
	for _, p := range pf.positions {
		p.LockedAmount = 0
	}
}

// Snapshot returns the positions at the current mark, flattened and
// sorted by security, with portfolio weights.
func (pf *Portfolio) Snapshot(datetime string) []PositionRecord {
	total := pf.TotalValue()
	out := make([]PositionRecord, 0, len(pf.positions))
	for _, sec := range pf.Securities() {
		p := pf.positions[sec]
		w := 0.0
		if total > 0 {
			w = p.Value() / total
		}
		out = append(out, PositionRecord{
			Datetime: datetime,
			Security: sec,
			Amount:   p.TotalAmount,
			Price:    p.LastPrice,
			Value:    p.Value(),
			Weight:   w,
		})
	}
	return out
}
