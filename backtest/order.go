package backtest

import (
	"fmt"
	"time"
)

// OrderBook collects orders submitted during the current bar's callbacks
// and settles them at end of bar in submission order. IDs are sequential
// per run so repeated runs on identical inputs produce byte-identical
// output.
type OrderBook struct {
	nextID  int
	pending []*Order
	all     map[string]*Order
}

func NewOrderBook() *OrderBook {
	return &OrderBook{nextID: 1, all: make(map[string]*Order)}
}

// Submit registers a new pending order and returns it.
func (b *OrderBook) Submit(security string, side OrderSide, kind OrderKind, amount int64, value float64, at time.Time) *Order {
	o := &Order{
		ID:              fmt.Sprintf("order-%d", b.nextID),
		Security:        security,
		Side:            side,
		Kind:            kind,
		RequestedAmount: amount,
		RequestedValue:  value,
		Status:          StatusPending,
		CreatedAt:       at,
	}
	b.nextID++
	b.pending = append(b.pending, o)
	b.all[o.ID] = o
	return o
}

// Cancel marks a pending order cancelled. Settled orders are immutable.
func (b *OrderBook) Cancel(orderID string) bool {
	o, ok := b.all[orderID]
	if !ok || o.Status != StatusPending {
		return false
	}
	o.Status = StatusCancelled
	o.Reason = "cancelled"
	return true
}

// Open returns the still-pending orders in submission order.
func (b *OrderBook) Open() []*Order {
	out := make([]*Order, 0, len(b.pending))
	for _, o := range b.pending {
		if o.Status == StatusPending {
			out = append(out, o)
		}
	}
	return out
}

// Get looks an order up by ID.
func (b *OrderBook) Get(orderID string) (*Order, bool) {
	o, ok := b.all[orderID]
	return o, ok
}

// Settle runs every pending order through the rule engine against the
// current bar and applies accepted fills to the portfolio, in submission
// order. Each order yields exactly one trade record (filled or
// rejected); cancelled orders yield one too. The pending queue is empty
// afterwards.
func (b *OrderBook) Settle(rules *RuleEngine, cursor *Cursor, pf *Portfolio, now time.Time) []TradeRecord {
	dt := now.Format("2006-01-02 15:04:05")
	var records []TradeRecord

	for _, o := range b.pending {
		if o.Status == StatusCancelled {
			records = append(records, tradeRecord(dt, o, nil))
			continue
		}

		bar, ok := cursor.Current(o.Security)
		if !ok {
			o.Status = StatusRejected
			o.Reason = RejectUnknownSecurity
			records = append(records, tradeRecord(dt, o, nil))
			continue
		}

		// Target orders resolve against the position as of settlement,
		// so two targets for the same security in one bar net correctly.
		resolveTarget(o, bar, pf.Position(o.Security), rules)
		if o.Status == StatusRejected {
			records = append(records, tradeRecord(dt, o, nil))
			continue
		}

		err := rules.Review(o, bar, pf.Position(o.Security), pf.Cash)
		if err != nil {
			o.Status = StatusRejected
			if re, ok := AsReject(err); ok {
				o.Reason = re.Reason
			} else {
				o.Reason = err.Error()
			}
			records = append(records, tradeRecord(dt, o, nil))
			continue
		}

		realized, err := pf.ApplyFill(o)
		if err != nil {
			// Review guarantees affordability; reaching here means a
			// ledger bug, surface it as a rejection rather than panic.
			o.Status = StatusRejected
			o.Reason = err.Error()
			records = append(records, tradeRecord(dt, o, nil))
			continue
		}
		if o.Side == SideSell {
			records = append(records, tradeRecord(dt, o, &realized))
		} else {
			records = append(records, tradeRecord(dt, o, nil))
		}
	}

	b.pending = b.pending[:0]
	return records
}

// CancelPending cancels everything still pending with the given reason
// and returns the trade records. Used for orders placed after the close.
func (b *OrderBook) CancelPending(reason string, now time.Time) []TradeRecord {
	dt := now.Format("2006-01-02 15:04:05")
	var records []TradeRecord
	for _, o := range b.pending {
		if o.Status != StatusPending {
			continue
		}
		o.Status = StatusCancelled
		o.Reason = reason
		records = append(records, tradeRecord(dt, o, nil))
	}
	b.pending = b.pending[:0]
	return records
}

// resolveTarget turns target-style orders into concrete share deltas
// using the settlement price. Orders that resolve to no change are
// rejected as below the minimum lot.
func resolveTarget(o *Order, bar Bar, pos *Position, rules *RuleEngine) {
	price := bar.Close
	switch o.Kind {
	case KindValue:
		shares := rules.SharesForValue(o.RequestedValue, price)
		if o.Side == SideSell {
			// Sells are not lot-floored: closing an odd remainder is allowed.
			if price > 0 {
				shares = int64(o.RequestedValue / price)
			}
			held := int64(0)
			if pos != nil {
				held = pos.AvailableAmount()
			}
			if shares > held {
				shares = held
			}
		}
		o.RequestedAmount = shares

	case KindTargetShare, KindTargetValue:
		target := o.RequestedAmount
		if o.Kind == KindTargetValue {
			if price <= 0 {
				o.Status = StatusRejected
				o.Reason = RejectUnknownSecurity
				return
			}
			target = int64(o.RequestedValue / price)
		}
		held := int64(0)
		if pos != nil {
			held = pos.TotalAmount
		}
		delta := target - held
		switch {
		case delta > 0:
			o.Side = SideBuy
			o.RequestedAmount = rules.FloorToLot(delta)
		case delta < 0:
			o.Side = SideSell
			o.RequestedAmount = -delta
			if pos != nil && o.RequestedAmount > pos.AvailableAmount() {
				o.RequestedAmount = pos.AvailableAmount()
			}
		default:
			o.RequestedAmount = 0
		}
	}

	if o.Side == SideBuy && o.Kind == KindShares {
		o.RequestedAmount = rules.FloorToLot(o.RequestedAmount)
	}
}

func tradeRecord(dt string, o *Order, realized *float64) TradeRecord {
	return TradeRecord{
		Datetime:    dt,
		OrderID:     o.ID,
		Security:    o.Security,
		Side:        o.Side,
		Amount:      o.FilledAmount,
		Price:       o.FillPrice,
		Commission:  o.Commission,
		StampDuty:   o.StampDuty,
		Status:      o.Status,
		Reason:      o.Reason,
		RealizedPnL: realized,
	}
}
