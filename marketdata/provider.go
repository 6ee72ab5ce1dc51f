package marketdata

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/DAIJINGFU/daijingfu-backtrader/backtest"
	"github.com/DAIJINGFU/daijingfu-backtrader/trading"
)

// CSVProvider 从本地 CSV 目录加载行情。每只证券一个文件：
// <dir>/<code>.csv（日线）或 <dir>/minute/<code>.csv（分钟线）；
// 若存在 <dir>/<code>.<adj>.csv 则优先使用对应复权序列。
// 文件编码自动识别 UTF-8 / GBK，表头支持中英文列名。
type CSVProvider struct {
	dir   string
	cache *datasetCache
}

func NewCSVProvider(dir string) *CSVProvider {
	return &CSVProvider{dir: dir, cache: newDatasetCache()}
}

// GetBars 实现 backtest.DataProvider
func (p *CSVProvider) GetBars(security string, start, end time.Time, freq backtest.Frequency, adj backtest.Adjustment) ([]backtest.Bar, error) {
	path, err := p.resolve(security, freq, adj)
	if err != nil {
		return nil, err
	}
	all, err := p.cache.load(path, loadCSV)
	if err != nil {
		return nil, err
	}

	endDay := trading.Day(end).Add(24 * time.Hour)
	var out []backtest.Bar
	for _, b := range all {
		if b.Time.Before(start) || !b.Time.Before(endDay) {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (p *CSVProvider) resolve(security string, freq backtest.Frequency, adj backtest.Adjustment) (string, error) {
	base := p.dir
	if freq == backtest.FrequencyMinute {
		base = filepath.Join(base, "minute")
	}
	candidates := []string{
		filepath.Join(base, fmt.Sprintf("%s.%s.csv", security, adj)),
		filepath.Join(base, security+".csv"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no data file for %s under %s", security, base)
}

// 列名别名表（中英文）
var columnAliases = map[string]string{
	"date": "date", "datetime": "date", "day": "date", "time": "date", "日期": "date", "时间": "date",
	"open": "open", "开盘": "open", "开盘价": "open",
	"high": "high", "最高": "high", "最高价": "high",
	"low": "low", "最低": "low", "最低价": "low",
	"close": "close", "收盘": "close", "收盘价": "close",
	"volume": "volume", "vol": "volume", "成交量": "volume",
	"money": "money", "amount": "money", "turnover": "money", "成交额": "money",
	"paused": "paused", "suspended": "paused", "停牌": "paused",
	"prev_close": "prev_close", "pre_close": "prev_close", "昨收": "prev_close", "前收盘": "prev_close",
}

func loadCSV(path string) ([]backtest.Bar, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var reader io.Reader = strings.NewReader(string(raw))
	if !utf8.Valid(raw) {
		// 非 UTF-8 时按 GBK 解码（通达信等工具导出的默认编码）
		reader = transform.NewReader(strings.NewReader(string(raw)), simplifiedchinese.GBK.NewDecoder())
	}

	r := csv.NewReader(reader)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	cols := make(map[string]int)
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if canon, ok := columnAliases[name]; ok {
			cols[canon] = i
		}
	}
	for _, required := range []string{"date", "close"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("%s: missing %q column", path, required)
		}
	}

	var bars []backtest.Bar
	line := 1
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		b, err := parseRow(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, line, err)
		}
		bars = append(bars, b)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	return bars, nil
}

func parseRow(rec []string, cols map[string]int) (backtest.Bar, error) {
	field := func(name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var b backtest.Bar
	t, err := parseTime(field("date"))
	if err != nil {
		return b, err
	}
	b.Time = t

	num := func(name string) (float64, error) {
		s := field(name)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseFloat(s, 64)
	}
	if b.Open, err = num("open"); err != nil {
		return b, fmt.Errorf("open: %w", err)
	}
	if b.High, err = num("high"); err != nil {
		return b, fmt.Errorf("high: %w", err)
	}
	if b.Low, err = num("low"); err != nil {
		return b, fmt.Errorf("low: %w", err)
	}
	if b.Close, err = num("close"); err != nil {
		return b, fmt.Errorf("close: %w", err)
	}
	if b.Money, err = num("money"); err != nil {
		return b, fmt.Errorf("money: %w", err)
	}
	if b.PrevClose, err = num("prev_close"); err != nil {
		return b, fmt.Errorf("prev_close: %w", err)
	}
	v, err := num("volume")
	if err != nil {
		return b, fmt.Errorf("volume: %w", err)
	}
	b.Volume = int64(v)

	switch strings.ToLower(field("paused")) {
	case "1", "true", "yes", "是":
		b.Paused = true
	}
	return b, nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02", "2006/01/02", "20060102"} {
		if t, err := time.ParseInLocation(layout, s, trading.CST); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("bad date %q", s)
}
