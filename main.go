package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/DAIJINGFU/daijingfu-backtrader/api"
	"github.com/DAIJINGFU/daijingfu-backtrader/backtest"
	"github.com/DAIJINGFU/daijingfu-backtrader/config"
	"github.com/DAIJINGFU/daijingfu-backtrader/marketdata"
)

var (
	serveMode    bool
	port         int
	dataDir      string
	configPath   string
	btConfigPath string
	strategyPath string
	startDate    string
	endDate      string
	initialCash  float64
	frequency    string
	adjustment   string
	benchmark    string
	outPath      string
	chartPath    string
)

func main() {
	flag.BoolVar(&serveMode, "serve", false, "启动HTTP回测服务")
	flag.IntVar(&port, "port", 0, "HTTP端口（覆盖配置文件）")
	flag.StringVar(&dataDir, "data", "", "行情CSV目录（覆盖配置文件）")
	flag.StringVar(&configPath, "config", "", "服务配置文件路径(YAML格式)")
	flag.StringVar(&btConfigPath, "bt-config", "", "回测配置文件路径(YAML格式)")
	flag.StringVar(&strategyPath, "strategy", "", "策略文件路径（与 -start/-end 配合使用）")
	flag.StringVar(&startDate, "start", "", "回测开始日期(YYYY-MM-DD)")
	flag.StringVar(&endDate, "end", "", "回测结束日期(YYYY-MM-DD)")
	flag.Float64Var(&initialCash, "cash", 0, "初始资金（默认100万）")
	flag.StringVar(&frequency, "freq", "", "回测频率 daily/minute（默认daily）")
	flag.StringVar(&adjustment, "adjust", "", "复权方式 pre/post/none（默认pre）")
	flag.StringVar(&benchmark, "benchmark", "", "基准指数代码")
	flag.StringVar(&outPath, "out", "", "回测输出JSON文件路径（默认stdout）")
	flag.StringVar(&chartPath, "chart", "", "回测图表SVG输出路径")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("[ERROR] 加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port > 0 {
		cfg.Port = port
	}

	provider := marketdata.NewCSVProvider(cfg.DataDir)
	runner := backtest.NewRunner(provider)

	if serveMode {
		server := api.NewServer(runner, cfg.Port)
		go func() {
			if err := server.Start(); err != nil {
				log.Printf("[ERROR] HTTP服务启动失败: %v\n", err)
				os.Exit(1)
			}
		}()

		// 等待退出信号
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("正在关闭服务...")
		if err := server.Shutdown(); err != nil {
			log.Printf("[WARN] 关闭服务出错: %v\n", err)
		}
		log.Println("服务已关闭")
		return
	}

	if err := runBacktestCmd(runner, cfg); err != nil {
		log.Printf("[ERROR] 回测失败: %v\n", err)
		os.Exit(1)
	}
}
