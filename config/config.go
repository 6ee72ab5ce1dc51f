package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 服务配置
type Config struct {
	Port    int    `yaml:"port"`     // API 端口
	DataDir string `yaml:"data_dir"` // 行情 CSV 目录

	Defaults struct {
		InitialCash float64 `yaml:"initial_cash"`
		Frequency   string  `yaml:"frequency"`
		Adjustment  string  `yaml:"adjustment"`
	} `yaml:"defaults"`
}

// Default 默认配置
func Default() *Config {
	c := &Config{
		Port:    8080,
		DataDir: "./data",
	}
	c.Defaults.InitialCash = 1_000_000
	c.Defaults.Frequency = "daily"
	c.Defaults.Adjustment = "pre"
	return c
}

// Load 加载配置文件；文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Port <= 0 {
		cfg.Port = 8080
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	return cfg, nil
}
