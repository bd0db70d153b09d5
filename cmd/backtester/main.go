// Package main 是形态匹配回测器的入口点。
// 本回测器在目标股票的评估窗口与历史窗口库之间计算皮尔逊相关性，
// 对命中的历史形态统计其后若干交易日的上涨比例，结果追加写入 CSV。
//
// 重要：本系统为离线批处理工具，所有输入来自本地 CSV 数据。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"pattern-match-backtester/internal/config"
	"pattern-match-backtester/internal/device"
	"pattern-match-backtester/internal/output/csvsink"
	"pattern-match-backtester/internal/sched"
	"pattern-match-backtester/internal/series"
	"pattern-match-backtester/internal/telemetry"
)

func main() {
	var configPath string
	var targets string
	var endDate string
	var debug bool
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.StringVar(&targets, "targets", "", "目标股票（覆盖配置文件）：单个代码、逗号分隔列表或预设名")
	flag.StringVar(&endDate, "date", "", "回测结束日期（覆盖配置文件，格式 YYYY-MM-DD）")
	flag.BoolVar(&debug, "debug", false, "启用调试日志")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if targets != "" {
		cfg.Targets = targets
	}
	if endDate != "" {
		cfg.Backtest.EndDate = endDate
	}
	if debug {
		cfg.App.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置验证失败: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.App.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 捕获 SIGINT/SIGTERM，触发优雅退出
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("收到退出信号，中断回测")
		cancel()
	}()

	store := series.NewCSVStore(cfg.Data.BaseDir, logger)
	dev := device.New(cfg.DeviceBudgetBytes())

	sink, err := csvsink.NewWriter(cfg.Output.CSVPath, logger)
	if err != nil {
		logger.Error("打开结果文件失败", zap.Error(err))
		os.Exit(1)
	}

	tracker := telemetry.NewTracker(logger)
	runner := sched.NewRunner(cfg, logger, store, dev, sink, tracker)

	runErr := runner.Run(ctx)
	if err := sink.Close(); err != nil {
		logger.Error("关闭结果文件失败", zap.Error(err))
	}
	if runErr != nil {
		logger.Error("回测失败", zap.Error(runErr))
		os.Exit(1)
	}
	logger.Info("回测完成", zap.String("output", cfg.Output.CSVPath))
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
