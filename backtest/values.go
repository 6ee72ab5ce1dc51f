package backtest

import (
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// gBag is the strategy's cross-bar scratch space, exposed as `g`.
// Module globals are frozen once the top level finishes executing, so
// per-run mutable state lives here instead; Freeze is a no-op on purpose.
type gBag struct {
	fields map[string]starlark.Value
}

func newGBag() *gBag { return &gBag{fields: make(map[string]starlark.Value)} }

func (g *gBag) String() string        { return "<g>" }
func (g *gBag) Type() string          { return "g" }
func (g *gBag) Freeze()               {}
func (g *gBag) Truth() starlark.Bool  { return starlark.True }
func (g *gBag) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: g") }

func (g *gBag) Attr(name string) (starlark.Value, error) {
	if v, ok := g.fields[name]; ok {
		return v, nil
	}
	return nil, nil
}

func (g *gBag) AttrNames() []string { return g.names() }

func (g *gBag) SetField(name string, val starlark.Value) error {
	g.fields[name] = val
	return nil
}

func (g *gBag) names() []string {
	out := make([]string, 0, len(g.fields))
	for k := range g.fields {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// contextValue exposes the run state to user code as `context`.
type contextValue struct {
	sb *Sandbox
}

func (sb *Sandbox) contextValue() *contextValue { return &contextValue{sb: sb} }

func (c *contextValue) String() string        { return "<context>" }
func (c *contextValue) Type() string          { return "context" }
func (c *contextValue) Freeze()               {}
func (c *contextValue) Truth() starlark.Bool  { return starlark.True }
func (c *contextValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: context") }

func (c *contextValue) Attr(name string) (starlark.Value, error) {
	ctx := c.sb.ctx
	switch name {
	case "portfolio":
		return &portfolioValue{pf: ctx.Portfolio}, nil
	case "current_dt":
		return &dtValue{t: ctx.CurrentDT}, nil
	case "universe":
		secs := ctx.Universe()
		elems := make([]starlark.Value, len(secs))
		for i, s := range secs {
			elems[i] = starlark.String(s)
		}
		return starlark.NewList(elems), nil
	case "benchmark":
		if ctx.Benchmark == "" {
			return starlark.None, nil
		}
		return starlark.String(ctx.Benchmark), nil
	}
	return nil, nil
}

func (c *contextValue) AttrNames() []string {
	return []string{"benchmark", "current_dt", "portfolio", "universe"}
}

func (c *contextValue) SetField(name string, val starlark.Value) error {
	switch name {
	case "universe":
		list, ok := val.(*starlark.List)
		if !ok {
			return fmt.Errorf("context.universe must be a list of strings")
		}
		var secs []string
		it := list.Iterate()
		defer it.Done()
		var e starlark.Value
		for it.Next(&e) {
			s, ok := e.(starlark.String)
			if !ok {
				return fmt.Errorf("context.universe must be a list of strings")
			}
			secs = append(secs, string(s))
		}
		c.sb.ctx.SetUniverse(secs)
		return nil
	case "benchmark":
		s, ok := val.(starlark.String)
		if !ok {
			return fmt.Errorf("context.benchmark must be a string")
		}
		c.sb.ctx.Benchmark = string(s)
		return nil
	}
	return fmt.Errorf("context has no settable field %q", name)
}

// portfolioValue exposes the ledger read-only.
type portfolioValue struct {
	pf *Portfolio
}

func (p *portfolioValue) String() string        { return "<portfolio>" }
func (p *portfolioValue) Type() string          { return "portfolio" }
func (p *portfolioValue) Freeze()               {}
func (p *portfolioValue) Truth() starlark.Bool  { return starlark.True }
func (p *portfolioValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: portfolio") }

func (p *portfolioValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "available_cash", "cash":
		return starlark.Float(p.pf.Cash), nil
	case "starting_cash":
		return starlark.Float(p.pf.StartingCash), nil
	case "total_value":
		return starlark.Float(p.pf.TotalValue()), nil
	case "positions_value":
		return starlark.Float(p.pf.PositionsValue()), nil
	case "returns":
		if p.pf.StartingCash <= 0 {
			return starlark.Float(0), nil
		}
		return starlark.Float(p.pf.TotalValue()/p.pf.StartingCash - 1), nil
	case "positions":
		return &positionsMap{pf: p.pf}, nil
	}
	return nil, nil
}

func (p *portfolioValue) AttrNames() []string {
	return []string{"available_cash", "cash", "positions", "positions_value", "returns", "starting_cash", "total_value"}
}

// positionsMap makes portfolio.positions behave like a dict keyed by
// security code. Missing keys yield an empty position, the way user
// strategies expect (`context.portfolio.positions[sec].total_amount`).
type positionsMap struct {
	pf *Portfolio
}

func (m *positionsMap) String() string        { return "<positions>" }
func (m *positionsMap) Type() string          { return "positions" }
func (m *positionsMap) Freeze()               {}
func (m *positionsMap) Truth() starlark.Bool  { return starlark.Bool(len(m.pf.Securities()) > 0) }
func (m *positionsMap) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: positions") }
func (m *positionsMap) Len() int              { return len(m.pf.Securities()) }

func (m *positionsMap) Get(k starlark.Value) (starlark.Value, bool, error) {
	s, ok := k.(starlark.String)
	if !ok {
		return nil, false, fmt.Errorf("positions are keyed by security code")
	}
	pos := m.pf.Position(string(s))
	if pos == nil {
		pos = &Position{Security: string(s)}
	}
	return &positionValue{pos: pos}, true, nil
}

func (m *positionsMap) Iterate() starlark.Iterator {
	secs := m.pf.Securities()
	elems := make([]starlark.Value, len(secs))
	for i, s := range secs {
		elems[i] = starlark.String(s)
	}
	return starlark.NewList(elems).Iterate()
}

func (m *positionsMap) Attr(name string) (starlark.Value, error) {
	switch name {
	case "keys":
		return starlark.NewBuiltin("keys", func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			secs := m.pf.Securities()
			elems := make([]starlark.Value, len(secs))
			for i, s := range secs {
				elems[i] = starlark.String(s)
			}
			return starlark.NewList(elems), nil
		}), nil
	}
	return nil, nil
}

func (m *positionsMap) AttrNames() []string { return []string{"keys"} }

// positionValue exposes one holding.
type positionValue struct {
	pos *Position
}

func (p *positionValue) String() string {
	return fmt.Sprintf("<position %s amount=%d>", p.pos.Security, p.pos.TotalAmount)
}
func (p *positionValue) Type() string          { return "position" }
func (p *positionValue) Freeze()               {}
func (p *positionValue) Truth() starlark.Bool  { return starlark.Bool(p.pos.TotalAmount > 0) }
func (p *positionValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: position") }

func (p *positionValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "security":
		return starlark.String(p.pos.Security), nil
	case "total_amount":
		return starlark.MakeInt64(p.pos.TotalAmount), nil
	case "closeable_amount":
		return starlark.MakeInt64(p.pos.AvailableAmount()), nil
	case "locked_amount":
		return starlark.MakeInt64(p.pos.LockedAmount), nil
	case "avg_cost":
		return starlark.Float(p.pos.AvgCost), nil
	case "price":
		return starlark.Float(p.pos.LastPrice), nil
	case "value":
		return starlark.Float(p.pos.Value()), nil
	}
	return nil, nil
}

func (p *positionValue) AttrNames() []string {
	return []string{"avg_cost", "closeable_amount", "locked_amount", "price", "security", "total_amount", "value"}
}

// orderValue is the handle order builtins return; cancel_order accepts it.
type orderValue struct {
	o *Order
}

func (o *orderValue) String() string        { return fmt.Sprintf("<order %s %s>", o.o.ID, o.o.Status) }
func (o *orderValue) Type() string          { return "order" }
func (o *orderValue) Freeze()               {}
func (o *orderValue) Truth() starlark.Bool  { return starlark.True }
func (o *orderValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: order") }

func (o *orderValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.String(o.o.ID), nil
	case "security":
		return starlark.String(o.o.Security), nil
	case "side":
		return starlark.String(string(o.o.Side)), nil
	case "status":
		return starlark.String(string(o.o.Status)), nil
	case "amount":
		return starlark.MakeInt64(o.o.RequestedAmount), nil
	case "filled":
		return starlark.MakeInt64(o.o.FilledAmount), nil
	case "price":
		return starlark.Float(o.o.FillPrice), nil
	}
	return nil, nil
}

func (o *orderValue) AttrNames() []string {
	return []string{"amount", "filled", "id", "price", "security", "side", "status"}
}

// orderCostValue carries a cost schedule from OrderCost(...) to
// set_order_cost.
type orderCostValue struct {
	schedule CostSchedule
}

func (c *orderCostValue) String() string        { return "<order_cost>" }
func (c *orderCostValue) Type() string          { return "order_cost" }
func (c *orderCostValue) Freeze()               {}
func (c *orderCostValue) Truth() starlark.Bool  { return starlark.True }
func (c *orderCostValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: order_cost") }

// dtValue is the simulated clock as seen by user code.
type dtValue struct {
	t time.Time
}

func (d *dtValue) String() string        { return d.t.Format("2006-01-02 15:04:05") }
func (d *dtValue) Type() string          { return "datetime" }
func (d *dtValue) Freeze()               {}
func (d *dtValue) Truth() starlark.Bool  { return starlark.True }
func (d *dtValue) Hash() (uint32, error) { return uint32(d.t.Unix()), nil }

func (d *dtValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "year":
		return starlark.MakeInt(d.t.Year()), nil
	case "month":
		return starlark.MakeInt(int(d.t.Month())), nil
	case "day":
		return starlark.MakeInt(d.t.Day()), nil
	case "hour":
		return starlark.MakeInt(d.t.Hour()), nil
	case "minute":
		return starlark.MakeInt(d.t.Minute()), nil
	case "second":
		return starlark.MakeInt(d.t.Second()), nil
	case "weekday":
		wd := int(d.t.Weekday())
		if wd == 0 {
			wd = 7
		}
		return starlark.MakeInt(wd), nil
	case "date":
		return starlark.String(d.t.Format("2006-01-02")), nil
	}
	return nil, nil
}

func (d *dtValue) AttrNames() []string {
	return []string{"date", "day", "hour", "minute", "month", "second", "weekday", "year"}
}

// CompareSameType lets user code compare datetimes with <, ==, etc.
func (d *dtValue) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	other := y.(*dtValue)
	switch op {
	case syntax.EQL:
		return d.t.Equal(other.t), nil
	case syntax.NEQ:
		return !d.t.Equal(other.t), nil
	case syntax.LT:
		return d.t.Before(other.t), nil
	case syntax.LE:
		return !d.t.After(other.t), nil
	case syntax.GT:
		return d.t.After(other.t), nil
	case syntax.GE:
		return !d.t.Before(other.t), nil
	}
	return false, fmt.Errorf("unsupported comparison")
}
