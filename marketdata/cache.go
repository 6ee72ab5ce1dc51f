package marketdata

import (
	"sync"

	"github.com/DAIJINGFU/daijingfu-backtrader/backtest"
)

// datasetCache 按文件路径缓存已解析的行情序列。
// 并发回测之间共享，条目只读。
type datasetCache struct {
	mu      sync.RWMutex
	entries map[string][]backtest.Bar
}

func newDatasetCache() *datasetCache {
	return &datasetCache{entries: make(map[string][]backtest.Bar)}
}

// load 返回缓存条目，未命中时调用 loader 解析并写入缓存
func (c *datasetCache) load(path string, loader func(string) ([]backtest.Bar, error)) ([]backtest.Bar, error) {
	c.mu.RLock()
	bars, ok := c.entries[path]
	c.mu.RUnlock()
	if ok {
		return bars, nil
	}

	bars, err := loader(path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[path] = bars
	c.mu.Unlock()
	return bars, nil
}

// Invalidate 清空缓存（数据目录被外部刷新后调用）
func (c *datasetCache) invalidate() {
	c.mu.Lock()
	c.entries = make(map[string][]backtest.Bar)
	c.mu.Unlock()
}

// Invalidate 清空底层缓存
func (p *CSVProvider) Invalidate() { p.cache.invalidate() }
