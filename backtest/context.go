package backtest

import (
	"sort"
	"time"
)

// StrategyContext is the mutable per-run state shared between the engine
// and the sandboxed strategy. The sandbox exposes it to user code as the
// `context` object; the engine owns all mutation except the fields user
// code is allowed to set (universe, benchmark, options).
type StrategyContext struct {
	CurrentDT time.Time
	Portfolio *Portfolio

	universe  []string
	uniSet    map[string]bool
	Benchmark string
	options   map[string]interface{}
}

func NewStrategyContext(pf *Portfolio) *StrategyContext {
	return &StrategyContext{
		Portfolio: pf,
		uniSet:    make(map[string]bool),
		options:   make(map[string]interface{}),
	}
}

// SetUniverse replaces the tradable universe, deduplicated, order kept.
func (c *StrategyContext) SetUniverse(securities []string) {
	c.universe = c.universe[:0]
	c.uniSet = make(map[string]bool, len(securities))
	for _, s := range securities {
		if s == "" || c.uniSet[s] {
			continue
		}
		c.uniSet[s] = true
		c.universe = append(c.universe, s)
	}
}

// AddSecurity grows the universe by one security.
func (c *StrategyContext) AddSecurity(security string) {
	if security == "" || c.uniSet[security] {
		return
	}
	c.uniSet[security] = true
	c.universe = append(c.universe, security)
}

// Universe returns the declared universe in declaration order.
func (c *StrategyContext) Universe() []string {
	out := make([]string, len(c.universe))
	copy(out, c.universe)
	return out
}

// SetOption stores a run option (e.g. use_real_price) by name.
func (c *StrategyContext) SetOption(name string, value interface{}) {
	c.options[name] = value
}

// Option returns a previously set option.
func (c *StrategyContext) Option(name string) (interface{}, bool) {
	v, ok := c.options[name]
	return v, ok
}

// OptionNames returns the set option names, sorted.
func (c *StrategyContext) OptionNames() []string {
	out := make([]string, 0, len(c.options))
	for k := range c.options {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
