package backtest

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DAIJINGFU/daijingfu-backtrader/trading"
)

// RunConfig is one backtest request after validation and defaulting.
type RunConfig struct {
	StrategySource string
	Start          time.Time
	End            time.Time
	InitialCash    float64
	Frequency      Frequency
	Adjustment     Adjustment
	Universe       []string
	Benchmark      string
	Costs          *CostSchedule
	DisableLimits  bool
}

// YAMLRunConfig is the on-disk shape of a run request.
type YAMLRunConfig struct {
	Backtest struct {
		Start         string        `yaml:"start"`
		End           string        `yaml:"end"`
		InitialCash   float64       `yaml:"initial_cash"`
		Frequency     string        `yaml:"frequency"`
		Adjustment    string        `yaml:"adjustment"`
		Universe      []string      `yaml:"universe"`
		Benchmark     string        `yaml:"benchmark"`
		Costs         *CostSchedule `yaml:"costs"`
		DisableLimits bool          `yaml:"disable_limits"`
	} `yaml:"backtest"`
	Strategy struct {
		File string `yaml:"file"`
	} `yaml:"strategy"`
}

// LoadRunConfig reads a YAML run request and the strategy file it points
// to. Relative strategy paths resolve against the config file directory.
func LoadRunConfig(path string) (*RunConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var yc YAMLRunConfig
	if err := yaml.Unmarshal(raw, &yc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &RunConfig{
		InitialCash:   yc.Backtest.InitialCash,
		Frequency:     Frequency(yc.Backtest.Frequency),
		Adjustment:    Adjustment(yc.Backtest.Adjustment),
		Universe:      yc.Backtest.Universe,
		Benchmark:     yc.Backtest.Benchmark,
		Costs:         yc.Backtest.Costs,
		DisableLimits: yc.Backtest.DisableLimits,
	}
	if cfg.Start, err = parseDate(yc.Backtest.Start); err != nil {
		return nil, fmt.Errorf("backtest.start: %w", err)
	}
	if cfg.End, err = parseDate(yc.Backtest.End); err != nil {
		return nil, fmt.Errorf("backtest.end: %w", err)
	}

	if yc.Strategy.File != "" {
		sp := yc.Strategy.File
		if !strings.HasPrefix(sp, "/") {
			if i := strings.LastIndexByte(path, '/'); i >= 0 {
				sp = path[:i+1] + sp
			}
		}
		src, err := os.ReadFile(sp)
		if err != nil {
			return nil, fmt.Errorf("read strategy: %w", err)
		}
		cfg.StrategySource = string(src)
	}

	cfg.WithDefaults()
	return cfg, cfg.Validate()
}

// WithDefaults fills unset fields with the standard run settings.
func (c *RunConfig) WithDefaults() {
	if c.InitialCash <= 0 {
		c.InitialCash = 1_000_000
	}
	if c.Frequency == "" {
		c.Frequency = FrequencyDaily
	}
	if c.Adjustment == "" {
		c.Adjustment = AdjustmentPre
	}
}

// Validate rejects requests the engine cannot run.
func (c *RunConfig) Validate() error {
	if strings.TrimSpace(c.StrategySource) == "" {
		return fmt.Errorf("strategy source is empty")
	}
	if c.Start.IsZero() || c.End.IsZero() {
		return fmt.Errorf("start and end dates are required")
	}
	if c.End.Before(c.Start) {
		return fmt.Errorf("end date %s is before start date %s",
			c.End.Format("2006-01-02"), c.Start.Format("2006-01-02"))
	}
	if c.Frequency != FrequencyDaily && c.Frequency != FrequencyMinute {
		return fmt.Errorf("unknown frequency %q", c.Frequency)
	}
	switch c.Adjustment {
	case AdjustmentPre, AdjustmentPost, AdjustmentNone:
	default:
		return fmt.Errorf("unknown adjustment %q", c.Adjustment)
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("date is required")
	}
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", "20060102"} {
		if t, err := time.ParseInLocation(layout, s, trading.CST); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad date %q", s)
}
