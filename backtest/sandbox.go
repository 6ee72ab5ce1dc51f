package backtest

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.starlark.net/syntax"
)

// Strategy lifecycle hook names.
const (
	HookInitialize         = "initialize"
	HookHandleData         = "handle_data"
	HookBeforeTradingStart = "before_trading_start"
	HookAfterTradingEnd    = "after_trading_end"
)

// Sandbox compiles and runs one strategy script in an isolated Starlark
// universe. Only the declared API surface is reachable from user code;
// there is no file, network or clock access, so a script is a pure
// function of its market data inputs.
type Sandbox struct {
	ctx    *StrategyContext
	book   *OrderBook
	rules  *RuleEngine
	cursor *Cursor
	sched  *Scheduler

	thread  *starlark.Thread
	globals starlark.StringDict
	hooks   map[string]*starlark.Function
	g       *gBag
	phase   string
	logs    []string
}

// fileOpts enables the Python-like dialect strategies are written in:
// while loops, recursion, top-level control flow and global reassignment.
var fileOpts = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// NewSandbox compiles the strategy source. A syntax error or a reference
// to a name outside the API surface comes back as *CompileError.
func NewSandbox(src string, ctx *StrategyContext, book *OrderBook, rules *RuleEngine, cursor *Cursor, sched *Scheduler) (*Sandbox, error) {
	sb := &Sandbox{
		ctx:    ctx,
		book:   book,
		rules:  rules,
		cursor: cursor,
		sched:  sched,
		hooks:  make(map[string]*starlark.Function),
		g:      newGBag(),
	}
	sb.thread = &starlark.Thread{
		Name: "strategy",
		Print: func(_ *starlark.Thread, msg string) {
			sb.record("print", msg)
		},
	}

	globals, err := starlark.ExecFileOptions(fileOpts, sb.thread, "strategy.py", src, sb.predeclared())
	if err != nil {
		return nil, &CompileError{Detail: evalDetail(err)}
	}
	sb.globals = globals

	for _, name := range []string{HookInitialize, HookHandleData, HookBeforeTradingStart, HookAfterTradingEnd} {
		if v, ok := globals[name]; ok {
			fn, ok := v.(*starlark.Function)
			if !ok {
				return nil, &CompileError{Detail: fmt.Sprintf("%s is not a function", name)}
			}
			sb.hooks[name] = fn
		}
	}
	if sb.hooks[HookInitialize] == nil {
		return nil, &CompileError{Detail: "strategy must define initialize(context)"}
	}
	return sb, nil
}

// HasHook reports whether the strategy defined the named hook.
func (sb *Sandbox) HasHook(name string) bool { return sb.hooks[name] != nil }

// CallHook invokes a lifecycle hook with the context argument.
func (sb *Sandbox) CallHook(name string) error {
	fn := sb.hooks[name]
	if fn == nil {
		return nil
	}
	sb.phase = name
	defer func() { sb.phase = "" }()
	_, err := starlark.Call(sb.thread, fn, starlark.Tuple{sb.contextValue()}, nil)
	if err != nil {
		return fmt.Errorf("%s: %s", name, evalDetail(err))
	}
	return nil
}

// CallHandleData invokes handle_data(context, data).
func (sb *Sandbox) CallHandleData() error {
	fn := sb.hooks[HookHandleData]
	if fn == nil {
		return nil
	}
	sb.phase = HookHandleData
	defer func() { sb.phase = "" }()
	args := starlark.Tuple{sb.contextValue(), &dataValue{sb: sb}}
	_, err := starlark.Call(sb.thread, fn, args, nil)
	if err != nil {
		return fmt.Errorf("%s: %s", HookHandleData, evalDetail(err))
	}
	return nil
}

// CallScheduled invokes a scheduled callback with the context argument.
func (sb *Sandbox) CallScheduled(fn *starlark.Function) error {
	sb.phase = "scheduled"
	defer func() { sb.phase = "" }()
	_, err := starlark.Call(sb.thread, fn, starlark.Tuple{sb.contextValue()}, nil)
	if err != nil {
		return fmt.Errorf("%s: %s", fn.Name(), evalDetail(err))
	}
	return nil
}

// GlobalStrings returns every string value reachable from the module
// globals and the g bag. The engine scans these for security codes when
// the strategy never declares a universe explicitly.
func (sb *Sandbox) GlobalStrings() []string {
	var out []string
	collect := func(v starlark.Value) {
		switch x := v.(type) {
		case starlark.String:
			out = append(out, string(x))
		case *starlark.List:
			it := x.Iterate()
			defer it.Done()
			var e starlark.Value
			for it.Next(&e) {
				if s, ok := e.(starlark.String); ok {
					out = append(out, string(s))
				}
			}
		}
	}
	names := make([]string, 0, len(sb.globals))
	for name := range sb.globals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		collect(sb.globals[name])
	}
	for _, name := range sb.g.names() {
		collect(sb.g.fields[name])
	}
	return out
}

func evalDetail(err error) string {
	if ee, ok := err.(*starlark.EvalError); ok {
		return ee.Backtrace()
	}
	return err.Error()
}

// predeclared builds the API surface visible to strategy code.
func (sb *Sandbox) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"g":   sb.g,
		"log": sb.logModule(),

		"order":              starlark.NewBuiltin("order", sb.builtinOrder),
		"order_value":        starlark.NewBuiltin("order_value", sb.builtinOrderValue),
		"order_target":       starlark.NewBuiltin("order_target", sb.builtinOrderTarget),
		"order_target_value": starlark.NewBuiltin("order_target_value", sb.builtinOrderTargetValue),
		"cancel_order":       starlark.NewBuiltin("cancel_order", sb.builtinCancelOrder),
		"get_open_orders":    starlark.NewBuiltin("get_open_orders", sb.builtinGetOpenOrders),

		"set_universe":   starlark.NewBuiltin("set_universe", sb.builtinSetUniverse),
		"set_benchmark":  starlark.NewBuiltin("set_benchmark", sb.builtinSetBenchmark),
		"set_order_cost": starlark.NewBuiltin("set_order_cost", sb.builtinSetOrderCost),
		"set_option":     starlark.NewBuiltin("set_option", sb.builtinSetOption),
		"OrderCost":      starlark.NewBuiltin("OrderCost", builtinOrderCost),

		"run_daily":   starlark.NewBuiltin("run_daily", sb.builtinRunDaily),
		"run_weekly":  starlark.NewBuiltin("run_weekly", sb.builtinRunWeekly),
		"run_monthly": starlark.NewBuiltin("run_monthly", sb.builtinRunMonthly),

		"history":           starlark.NewBuiltin("history", sb.builtinHistory),
		"attribute_history": starlark.NewBuiltin("attribute_history", sb.builtinAttributeHistory),
		"get_price":         starlark.NewBuiltin("get_price", sb.builtinGetPrice),
	}
}

// --- order builtins ---

func (sb *Sandbox) submitOK() error {
	if sb.phase == HookInitialize {
		return fmt.Errorf("orders cannot be placed in initialize")
	}
	return nil
}

func (sb *Sandbox) builtinOrder(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var security string
	var amount starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "security", &security, "amount", &amount); err != nil {
		return nil, err
	}
	if err := sb.submitOK(); err != nil {
		return nil, err
	}
	n, err := toInt(amount)
	if err != nil {
		return nil, fmt.Errorf("%s: amount: %v", b.Name(), err)
	}
	side, shares := SideBuy, n
	if n < 0 {
		side, shares = SideSell, -n
	}
	sb.ctx.AddSecurity(security)
	o := sb.book.Submit(security, side, KindShares, shares, 0, sb.ctx.CurrentDT)
	return &orderValue{o: o}, nil
}

func (sb *Sandbox) builtinOrderValue(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var security string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "security", &security, "value", &value); err != nil {
		return nil, err
	}
	if err := sb.submitOK(); err != nil {
		return nil, err
	}
	v, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("%s: value: %v", b.Name(), err)
	}
	side := SideBuy
	if v < 0 {
		side, v = SideSell, -v
	}
	sb.ctx.AddSecurity(security)
	o := sb.book.Submit(security, side, KindValue, 0, v, sb.ctx.CurrentDT)
	return &orderValue{o: o}, nil
}

func (sb *Sandbox) builtinOrderTarget(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var security string
	var amount starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "security", &security, "amount", &amount); err != nil {
		return nil, err
	}
	if err := sb.submitOK(); err != nil {
		return nil, err
	}
	n, err := toInt(amount)
	if err != nil {
		return nil, fmt.Errorf("%s: amount: %v", b.Name(), err)
	}
	if n < 0 {
		n = 0
	}
	sb.ctx.AddSecurity(security)
	o := sb.book.Submit(security, SideBuy, KindTargetShare, n, 0, sb.ctx.CurrentDT)
	return &orderValue{o: o}, nil
}

func (sb *Sandbox) builtinOrderTargetValue(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var security string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "security", &security, "value", &value); err != nil {
		return nil, err
	}
	if err := sb.submitOK(); err != nil {
		return nil, err
	}
	v, err := toFloat(value)
	if err != nil {
		return nil, fmt.Errorf("%s: value: %v", b.Name(), err)
	}
	if v < 0 {
		v = 0
	}
	sb.ctx.AddSecurity(security)
	o := sb.book.Submit(security, SideBuy, KindTargetValue, 0, v, sb.ctx.CurrentDT)
	return &orderValue{o: o}, nil
}

func (sb *Sandbox) builtinCancelOrder(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var arg starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "order", &arg); err != nil {
		return nil, err
	}
	var id string
	switch x := arg.(type) {
	case starlark.String:
		id = string(x)
	case *orderValue:
		id = x.o.ID
	default:
		return nil, fmt.Errorf("%s: want order or order id, got %s", b.Name(), arg.Type())
	}
	return starlark.Bool(sb.book.Cancel(id)), nil
}

func (sb *Sandbox) builtinGetOpenOrders(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if err := starlark.UnpackArgs(b.Name(), args, kwargs); err != nil {
		return nil, err
	}
	open := sb.book.Open()
	elems := make([]starlark.Value, len(open))
	for i, o := range open {
		elems[i] = &orderValue{o: o}
	}
	return starlark.NewList(elems), nil
}

// --- configuration builtins ---

func (sb *Sandbox) builtinSetUniverse(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var list *starlark.List
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "securities", &list); err != nil {
		return nil, err
	}
	var secs []string
	it := list.Iterate()
	defer it.Done()
	var e starlark.Value
	for it.Next(&e) {
		s, ok := e.(starlark.String)
		if !ok {
			return nil, fmt.Errorf("%s: want list of strings", b.Name())
		}
		secs = append(secs, string(s))
	}
	sb.ctx.SetUniverse(secs)
	return starlark.None, nil
}

func (sb *Sandbox) builtinSetBenchmark(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var security string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "security", &security); err != nil {
		return nil, err
	}
	sb.ctx.Benchmark = security
	return starlark.None, nil
}

func (sb *Sandbox) builtinSetOrderCost(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var cost *orderCostValue
	var typ string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "cost", &cost, "type?", &typ); err != nil {
		return nil, err
	}
	sb.rules.Costs = cost.schedule
	return starlark.None, nil
}

func (sb *Sandbox) builtinSetOption(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var value starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "name", &name, "value", &value); err != nil {
		return nil, err
	}
	switch v := value.(type) {
	case starlark.Bool:
		sb.ctx.SetOption(name, bool(v))
	case starlark.String:
		sb.ctx.SetOption(name, string(v))
	default:
		if f, err := toFloat(value); err == nil {
			sb.ctx.SetOption(name, f)
			if name == "limit_pct" && sb.rules != nil {
				sb.rules.LimitPctOverride = f
			}
		} else {
			sb.ctx.SetOption(name, value.String())
		}
	}
	return starlark.None, nil
}

func builtinOrderCost(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var openTax, closeTax, openComm, closeComm, minComm starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"open_tax?", &openTax,
		"close_tax?", &closeTax,
		"open_commission?", &openComm,
		"close_commission?", &closeComm,
		"min_commission?", &minComm,
	); err != nil {
		return nil, err
	}
	s := DefaultCostSchedule()
	set := func(dst *float64, v starlark.Value) error {
		if v == nil {
			return nil
		}
		f, err := toFloat(v)
		if err != nil {
			return err
		}
		*dst = f
		return nil
	}
	for _, p := range []struct {
		dst *float64
		v   starlark.Value
	}{
		{&s.CloseTax, closeTax},
		{&s.OpenCommission, openComm},
		{&s.CloseCommission, closeComm},
		{&s.MinCommission, minComm},
	} {
		if err := set(p.dst, p.v); err != nil {
			return nil, fmt.Errorf("%s: %v", b.Name(), err)
		}
	}
	return &orderCostValue{schedule: s}, nil
}

// --- scheduling builtins ---

func (sb *Sandbox) registerSchedule(e *ScheduleEntry) error {
	if sb.phase != HookInitialize {
		return fmt.Errorf("scheduling is only allowed in initialize")
	}
	return sb.sched.Register(e)
}

func (sb *Sandbox) builtinRunDaily(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn *starlark.Function
	var at string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "func", &fn, "time?", &at); err != nil {
		return nil, err
	}
	anchor, err := ParseAnchor(at)
	if err != nil {
		return nil, err
	}
	return starlark.None, sb.registerSchedule(&ScheduleEntry{
		Callback: fn, Recurrence: RecurDaily, Anchor: anchor,
	})
}

func (sb *Sandbox) builtinRunWeekly(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn *starlark.Function
	var weekday int
	var at string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "func", &fn, "weekday", &weekday, "time?", &at); err != nil {
		return nil, err
	}
	if weekday < 1 || weekday > 5 {
		return nil, fmt.Errorf("%s: weekday must be 1..5, got %d", b.Name(), weekday)
	}
	anchor, err := ParseAnchor(at)
	if err != nil {
		return nil, err
	}
	return starlark.None, sb.registerSchedule(&ScheduleEntry{
		Callback: fn, Recurrence: RecurWeekly, Weekday: weekday, Anchor: anchor,
	})
}

func (sb *Sandbox) builtinRunMonthly(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var fn *starlark.Function
	var monthday int
	var at string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "func", &fn, "monthday", &monthday, "time?", &at); err != nil {
		return nil, err
	}
	if monthday < 1 || monthday > 31 {
		return nil, fmt.Errorf("%s: monthday must be 1..31, got %d", b.Name(), monthday)
	}
	anchor, err := ParseAnchor(at)
	if err != nil {
		return nil, err
	}
	return starlark.None, sb.registerSchedule(&ScheduleEntry{
		Callback: fn, Recurrence: RecurMonthly, MonthDay: monthday, Anchor: anchor,
	})
}

// --- log module ---

// record keeps one strategy log line in the run-local buffer and echoes
// it to the process log. The buffer ends up in the result so concurrent
// runs never interleave their strategy output.
func (sb *Sandbox) record(level, msg string) {
	line := fmt.Sprintf("%s - %s - %s", sb.clock(), level, msg)
	sb.logs = append(sb.logs, line)
	log.Printf("[STRATEGY] %s", line)
}

func (sb *Sandbox) clock() string {
	if sb.ctx == nil || sb.ctx.CurrentDT.IsZero() {
		return "----"
	}
	return sb.ctx.CurrentDT.Format("2006-01-02 15:04:05")
}

// Logs returns the strategy log lines collected so far.
func (sb *Sandbox) Logs() []string { return sb.logs }

func (sb *Sandbox) logModule() *starlarkstruct.Module {
	mk := func(level string) *starlark.Builtin {
		return starlark.NewBuiltin(level, func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				if s, ok := a.(starlark.String); ok {
					parts[i] = string(s)
				} else {
					parts[i] = a.String()
				}
			}
			sb.record(level, strings.Join(parts, " "))
			return starlark.None, nil
		})
	}
	return &starlarkstruct.Module{
		Name: "log",
		Members: starlark.StringDict{
			"debug": mk("debug"),
			"info":  mk("info"),
			"warn":  mk("warn"),
			"error": mk("error"),
		},
	}
}

// --- number coercion helpers ---

func toFloat(v starlark.Value) (float64, error) {
	if f, ok := starlark.AsFloat(v); ok {
		return f, nil
	}
	return 0, fmt.Errorf("want a number, got %s", v.Type())
}

func toInt(v starlark.Value) (int64, error) {
	switch x := v.(type) {
	case starlark.Int:
		n, ok := x.Int64()
		if !ok {
			return 0, fmt.Errorf("integer out of range")
		}
		return n, nil
	case starlark.Float:
		return int64(x), nil
	}
	return 0, fmt.Errorf("want an integer, got %s", v.Type())
}
