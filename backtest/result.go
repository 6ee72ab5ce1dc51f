package backtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// BacktestResult is the full output of one run, shaped for the JSON
// consumers (dashboard and API). Field order is fixed and map-free so
// repeated runs on identical inputs serialize byte-identically.
type BacktestResult struct {
	Status      string  `json:"status"`
	Error       string  `json:"error,omitempty"`
	InitialCash float64 `json:"initial_cash"`
	FinalValue  float64 `json:"final_value"`

	Metrics

	EquityCurve    []Point `json:"equity_curve"`
	DailyReturns   []Point `json:"daily_returns"`
	DrawdownCurve  []Point `json:"drawdown_curve"`
	BenchmarkCurve []Point `json:"benchmark_curve,omitempty"`

	Positions []PositionRecord `json:"positions"`
	Trades    []TradeRecord    `json:"trades"`
	Logs      []string         `json:"logs"`

	ActualStartDate string `json:"actual_start_date"`
	ActualEndDate   string `json:"actual_end_date"`
	BarsLoaded      int    `json:"bars_loaded"`
}

// WriteResultJSON writes the result to path as indented JSON, creating
// parent directories as needed.
func WriteResultJSON(path string, res *BacktestResult) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}
