package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/DAIJINGFU/daijingfu-backtrader/backtest"
	"github.com/DAIJINGFU/daijingfu-backtrader/config"
	"github.com/DAIJINGFU/daijingfu-backtrader/trading"
)

// runBacktestCmd 以命令行方式运行一次回测：
// 配置来自 -bt-config 的 YAML，或 -strategy/-start/-end 等命令行参数。
func runBacktestCmd(runner *backtest.Runner, svcCfg *config.Config) error {
	cfg, err := buildRunConfig(svcCfg)
	if err != nil {
		return err
	}

	res, err := runner.Run(cfg)
	if err != nil {
		return err
	}

	if chartPath != "" {
		svg, err := backtest.RenderEquitySVG(res, backtest.SVGChartOptions{Title: "EQUITY"})
		if err != nil {
			log.Printf("[WARN] 图表渲染失败: %v\n", err)
		} else if err := os.WriteFile(chartPath, svg, 0o644); err != nil {
			return fmt.Errorf("写入图表: %w", err)
		} else {
			log.Printf("[BACKTEST] 图表已写入 %s\n", chartPath)
		}
	}

	if outPath != "" {
		if err := backtest.WriteResultJSON(outPath, res); err != nil {
			return err
		}
		log.Printf("[BACKTEST] 报告已写入 %s\n", outPath)
		printSummary(res)
		return nil
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func buildRunConfig(svcCfg *config.Config) (*backtest.RunConfig, error) {
	if btConfigPath != "" {
		return backtest.LoadRunConfig(btConfigPath)
	}

	if strategyPath == "" {
		return nil, fmt.Errorf("需要 -bt-config 或 -strategy 参数")
	}
	src, err := os.ReadFile(strategyPath)
	if err != nil {
		return nil, fmt.Errorf("读取策略: %w", err)
	}

	cfg := &backtest.RunConfig{
		StrategySource: string(src),
		InitialCash:    initialCash,
		Frequency:      backtest.Frequency(frequency),
		Adjustment:     backtest.Adjustment(adjustment),
		Benchmark:      benchmark,
	}
	if cfg.InitialCash <= 0 {
		cfg.InitialCash = svcCfg.Defaults.InitialCash
	}
	if cfg.Frequency == "" {
		cfg.Frequency = backtest.Frequency(svcCfg.Defaults.Frequency)
	}
	if cfg.Adjustment == "" {
		cfg.Adjustment = backtest.Adjustment(svcCfg.Defaults.Adjustment)
	}
	if cfg.Start, err = parseFlagDate(startDate, "-start"); err != nil {
		return nil, err
	}
	if cfg.End, err = parseFlagDate(endDate, "-end"); err != nil {
		return nil, err
	}
	cfg.WithDefaults()
	return cfg, cfg.Validate()
}

func parseFlagDate(s, name string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("缺少 %s 参数(YYYY-MM-DD)", name)
	}
	t, err := time.ParseInLocation("2006-01-02", s, trading.CST)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s 日期格式错误: %q", name, s)
	}
	return t, nil
}

// printSummary 在日志里输出关键指标
func printSummary(res *backtest.BacktestResult) {
	log.Printf("[BACKTEST] 状态: %s  区间: %s ~ %s  K线: %d\n",
		res.Status, res.ActualStartDate, res.ActualEndDate, res.BarsLoaded)
	log.Printf("[BACKTEST] 期末净值: %.2f  总收益: %.2f%%  年化: %.2f%%  最大回撤: %.2f%%\n",
		res.FinalValue, res.TotalReturn*100, res.AnnualizedReturn*100, res.MaxDrawdown*100)
	if res.Sharpe != nil {
		log.Printf("[BACKTEST] 夏普: %.2f\n", *res.Sharpe)
	}
	log.Printf("[BACKTEST] 成交笔数: %d  胜率: %s\n", res.TotalTrades, fmtRatio(res.WinRate))
}

func fmtRatio(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", *v*100)
}
