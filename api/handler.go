package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/DAIJINGFU/daijingfu-backtrader/backtest"
	"github.com/DAIJINGFU/daijingfu-backtrader/trading"
)

// Handler API处理器
type Handler struct {
	runner *backtest.Runner
}

// NewHandler 创建处理器
func NewHandler(runner *backtest.Runner) *Handler {
	return &Handler{runner: runner}
}

// BacktestRequest 回测请求体
type BacktestRequest struct {
	Strategy      string                 `json:"strategy" binding:"required"`
	Start         string                 `json:"start" binding:"required"`
	End           string                 `json:"end" binding:"required"`
	InitialCash   float64                `json:"initial_cash"`
	Frequency     string                 `json:"frequency"`
	Adjustment    string                 `json:"adjustment"`
	Universe      []string               `json:"universe"`
	Benchmark     string                 `json:"benchmark"`
	Costs         *backtest.CostSchedule `json:"costs"`
	DisableLimits bool                   `json:"disable_limits"`
}

func (r *BacktestRequest) toConfig() (*backtest.RunConfig, error) {
	start, err := time.ParseInLocation("2006-01-02", r.Start, trading.CST)
	if err != nil {
		return nil, errors.New("bad start date, want YYYY-MM-DD")
	}
	end, err := time.ParseInLocation("2006-01-02", r.End, trading.CST)
	if err != nil {
		return nil, errors.New("bad end date, want YYYY-MM-DD")
	}
	cfg := &backtest.RunConfig{
		StrategySource: r.Strategy,
		Start:          start,
		End:            end,
		InitialCash:    r.InitialCash,
		Frequency:      backtest.Frequency(r.Frequency),
		Adjustment:     backtest.Adjustment(r.Adjustment),
		Universe:       r.Universe,
		Benchmark:      r.Benchmark,
		Costs:          r.Costs,
		DisableLimits:  r.DisableLimits,
	}
	cfg.WithDefaults()
	return cfg, cfg.Validate()
}

// RunBacktest POST /api/backtest
func (h *Handler) RunBacktest(c *gin.Context) {
	res, ok := h.run(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, res)
}

// RunBacktestChart POST /api/backtest/chart
func (h *Handler) RunBacktestChart(c *gin.Context) {
	res, ok := h.run(c)
	if !ok {
		return
	}
	svg, err := backtest.RenderEquitySVG(res, backtest.SVGChartOptions{})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/svg+xml", svg)
}

func (h *Handler) run(c *gin.Context) (*backtest.BacktestResult, bool) {
	var req BacktestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}
	cfg, err := req.toConfig()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return nil, false
	}

	res, err := h.runner.Run(cfg)
	if err != nil {
		var ce *backtest.CompileError
		var ge *backtest.DataGapError
		switch {
		case errors.As(err, &ce):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.As(err, &ge):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return res, true
}
