package backtest

import (
	"bytes"
	"fmt"
	"html"
	"math"
	"strconv"
	"strings"
)

type SVGChartOptions struct {
	Width  int
	Height int
	Title  string
}

func (o SVGChartOptions) withDefaults() SVGChartOptions {
	if o.Width <= 0 {
		o.Width = 980
	}
	if o.Height <= 0 {
		o.Height = 520
	}
	return o
}

// RenderEquitySVG draws the equity curve with the benchmark overlay (if
// present) and the drawdown band below it.
func RenderEquitySVG(res *BacktestResult, opt SVGChartOptions) ([]byte, error) {
	opt = opt.withDefaults()
	equity := res.EquityCurve
	if len(equity) < 2 {
		return nil, fmt.Errorf("not enough points: %d", len(equity))
	}

	minV := math.Inf(1)
	maxV := math.Inf(-1)
	for _, p := range equity {
		minV = math.Min(minV, p.Value)
		maxV = math.Max(maxV, p.Value)
	}
	for _, p := range res.BenchmarkCurve {
		minV = math.Min(minV, p.Value)
		maxV = math.Max(maxV, p.Value)
	}
	if math.IsInf(minV, 0) || math.IsInf(maxV, 0) {
		return nil, fmt.Errorf("invalid value range")
	}
	if maxV <= minV {
		maxV = minV + 1
	}
	pad := (maxV - minV) * 0.05
	minV -= pad
	maxV += pad

	// Layout: equity plot on top, drawdown band below
	w := float64(opt.Width)
	h := float64(opt.Height)
	mLeft := 80.0
	mRight := 20.0
	mTop := 24.0
	mBottom := 40.0
	ddH := h * 0.2
	plotW := w - mLeft - mRight
	plotH := h - mTop - mBottom - ddH
	if plotW <= 10 || plotH <= 10 {
		return nil, fmt.Errorf("invalid chart size")
	}

	valueToY := func(v float64) float64 {
		r := (v - minV) / (maxV - minV)
		r = math.Max(0, math.Min(1, r))
		return mTop + (1.0-r)*plotH
	}
	xAt := func(i, n int) float64 {
		if n <= 1 {
			return mLeft
		}
		return mLeft + float64(i)/float64(n-1)*plotW
	}

	bg := "#0b1220"
	grid := "rgba(255,255,255,0.08)"
	line := "#38bdf8"
	bench := "rgba(255,255,255,0.45)"
	dd := "#ef4444"
	txt := "rgba(255,255,255,0.85)"

	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	buf.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" width="` + strconv.Itoa(opt.Width) + `" height="` + strconv.Itoa(opt.Height) + `" viewBox="0 0 ` + strconv.Itoa(opt.Width) + ` ` + strconv.Itoa(opt.Height) + `">` + "\n")
	buf.WriteString(`<rect x="0" y="0" width="100%" height="100%" fill="` + bg + `"/>` + "\n")

	// Header
	title := strings.TrimSpace(opt.Title)
	if title == "" {
		title = "BACKTEST"
	}
	buf.WriteString(`<text x="` + fmtFloat(mLeft) + `" y="16" fill="` + txt + `" font-size="14" font-family="ui-monospace, Menlo, Monaco, Consolas, monospace">` +
		html.EscapeString(title) + `  ` + html.EscapeString(res.ActualStartDate) + ` ~ ` + html.EscapeString(res.ActualEndDate) + `</text>` + "\n")

	// Grid: value lines (5)
	for k := 0; k <= 5; k++ {
		y := mTop + (float64(k)/5.0)*plotH
		buf.WriteString(`<line x1="` + fmtFloat(mLeft) + `" y1="` + fmtFloat(y) + `" x2="` + fmtFloat(mLeft+plotW) + `" y2="` + fmtFloat(y) + `" stroke="` + grid + `" stroke-width="1"/>` + "\n")
		v := maxV - (float64(k)/5.0)*(maxV-minV)
		buf.WriteString(`<text x="` + fmtFloat(6) + `" y="` + fmtFloat(y+4) + `" fill="` + txt + `" font-size="12" font-family="ui-monospace, Menlo, Monaco, Consolas, monospace">` +
			html.EscapeString(fmtValue(v)) + `</text>` + "\n")
	}

	// Benchmark underlay
	if len(res.BenchmarkCurve) >= 2 {
		buf.WriteString(`<polyline fill="none" stroke="` + bench + `" stroke-width="1.2" stroke-dasharray="6 6" points="`)
		for i, p := range res.BenchmarkCurve {
			if i > 0 {
				buf.WriteByte(' ')
			}
			buf.WriteString(fmtFloat(xAt(i, len(res.BenchmarkCurve))) + "," + fmtFloat(valueToY(p.Value)))
		}
		buf.WriteString(`"/>` + "\n")
	}

	// Equity line
	buf.WriteString(`<polyline fill="none" stroke="` + line + `" stroke-width="1.8" points="`)
	for i, p := range equity {
		if i > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(fmtFloat(xAt(i, len(equity))) + "," + fmtFloat(valueToY(p.Value)))
	}
	buf.WriteString(`"/>` + "\n")

	// Drawdown band
	ddTop := mTop + plotH + 8
	ddPlotH := ddH - 8
	maxDD := 0.0
	for _, p := range res.DrawdownCurve {
		if -p.Value > maxDD {
			maxDD = -p.Value
		}
	}
	if maxDD <= 0 {
		maxDD = 0.01
	}
	buf.WriteString(`<polyline fill="none" stroke="` + dd + `" stroke-width="1.2" points="`)
	for i, p := range res.DrawdownCurve {
		if i > 0 {
			buf.WriteByte(' ')
		}
		y := ddTop + (-p.Value/maxDD)*ddPlotH
		buf.WriteString(fmtFloat(xAt(i, len(res.DrawdownCurve))) + "," + fmtFloat(y))
	}
	buf.WriteString(`"/>` + "\n")
	buf.WriteString(`<text x="` + fmtFloat(6) + `" y="` + fmtFloat(ddTop+12) + `" fill="` + dd + `" font-size="12" font-family="ui-monospace, Menlo, Monaco, Consolas, monospace">` +
		html.EscapeString("DD "+fmtValue(-maxDD*100)+"%") + `</text>` + "\n")

	// Footer dates
	buf.WriteString(`<text x="` + fmtFloat(mLeft) + `" y="` + fmtFloat(h-12) + `" fill="` + txt + `" font-size="12" font-family="ui-monospace, Menlo, Monaco, Consolas, monospace">` +
		html.EscapeString(res.ActualStartDate) + `</text>` + "\n")
	buf.WriteString(`<text x="` + fmtFloat(mLeft+plotW-70) + `" y="` + fmtFloat(h-12) + `" fill="` + txt + `" font-size="12" font-family="ui-monospace, Menlo, Monaco, Consolas, monospace">` +
		html.EscapeString(res.ActualEndDate) + `</text>` + "\n")

	buf.WriteString(`</svg>` + "\n")
	return buf.Bytes(), nil
}

func fmtFloat(x float64) string {
	// stable compact formatting for SVG attributes
	return strconv.FormatFloat(x, 'f', 2, 64)
}

func fmtValue(v float64) string {
	// keep axis labels readable
	if math.Abs(v) >= 10000 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	if math.Abs(v) >= 100 {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
