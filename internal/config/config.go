// Package config 负责加载和验证 YAML 配置文件。
// 提供回测引擎所需的所有配置项，包括目标股票、对比范围、设备内存预算等。
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pattern-match-backtester/internal/core/model"
)

// Config 应用配置根结构
// 包含所有子模块的配置项
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Data 数据源配置
	Data DataConfig `yaml:"data"`
	// Targets 目标股票：单个代码、逗号分隔列表或预设名（top10/all）
	Targets string `yaml:"targets"`
	// Backtest 回测参数配置
	Backtest BacktestConfig `yaml:"backtest"`
	// Comparison 对比范围配置
	Comparison ComparisonConfig `yaml:"comparison"`
	// Device 计算设备内存预算配置
	Device DeviceConfig `yaml:"device"`
	// Library 历史窗口提取配置
	Library LibraryConfig `yaml:"library"`
	// Stats 未来表现统计配置
	Stats StatsConfig `yaml:"stats"`
	// Output 输出配置
	Output OutputConfig `yaml:"output"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// DataConfig 数据源配置
type DataConfig struct {
	// BaseDir K 线 CSV 数据根目录
	BaseDir string `yaml:"base_dir"`
}

// BacktestConfig 回测参数配置
type BacktestConfig struct {
	// EndDate 回测结束日期 (格式: YYYY-MM-DD)，为空时使用目标股票最新交易日
	EndDate string `yaml:"end_date"`
	// EvaluationDays 评测日期数量（从结束日期往前数的交易日数）
	EvaluationDays int `yaml:"evaluation_days"`
	// WindowSize 分析窗口大小（交易日数量）
	WindowSize int `yaml:"window_size"`
	// Threshold 相关系数阈值，平均相关系数超过此值才算匹配
	Threshold float64 `yaml:"threshold"`
	// Fields 参与相关性计算的字段子集，默认 open/close/volume
	Fields []string `yaml:"fields"`
}

// ComparisonConfig 对比范围配置
type ComparisonConfig struct {
	// Mode 对比模式: self_only, top10, industry, custom, all
	Mode string `yaml:"mode"`
	// Custom 自定义对比股票列表（mode=custom 时生效）
	Custom []string `yaml:"custom"`
	// EarliestDate 对比股票数据的最早日期截断 (格式: YYYY-MM-DD)
	// 目标股票自身不受此限制，始终保留完整历史
	EarliestDate string `yaml:"earliest_date"`
	// Presets 预设对比清单
	Presets PresetsConfig `yaml:"presets"`
}

// PresetsConfig 预设对比清单配置
type PresetsConfig struct {
	// Top10 市值前 10 股票代码
	Top10 []string `yaml:"top10"`
	// Industry 同行业股票代码
	Industry []string `yaml:"industry"`
	// All 全市场股票代码
	All []string `yaml:"all"`
}

// DeviceConfig 计算设备内存预算配置
type DeviceConfig struct {
	// TotalGB 设备总内存（GB）
	TotalGB float64 `yaml:"total_gb"`
	// BudgetFraction 内存使用上限比例（0-1）
	BudgetFraction float64 `yaml:"budget_fraction"`
	// MaxBatchUnits 单次设备计算的最大计算单元数（股票 × 评测日期）
	MaxBatchUnits int `yaml:"max_batch_units"`
	// ComputeTimeoutMs 单次设备计算的超时时间（毫秒）
	ComputeTimeoutMs int `yaml:"compute_timeout_ms"`
}

// LibraryConfig 历史窗口提取配置
type LibraryConfig struct {
	// Workers 窗口提取工作协程数，0 表示自动（CPU 核心数 - 1）
	Workers int `yaml:"workers"`
}

// StatsConfig 未来表现统计配置
type StatsConfig struct {
	// MaxMatches 参与统计的最大匹配数量（按相关性降序截断）
	MaxMatches int `yaml:"max_matches"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// CSVPath 结果 CSV 文件路径
	CSVPath string `yaml:"csv_path"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// SetDefaults 设置配置默认值
func (c *Config) SetDefaults() {
	if c.App.Name == "" {
		c.App.Name = "pattern-match-backtester"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	if c.Backtest.EvaluationDays == 0 {
		c.Backtest.EvaluationDays = 1
	}
	if c.Backtest.WindowSize == 0 {
		c.Backtest.WindowSize = 15
	}
	if c.Backtest.Threshold == 0 {
		c.Backtest.Threshold = 0.85
	}
	if len(c.Backtest.Fields) == 0 {
		c.Backtest.Fields = []string{"open", "close", "volume"}
	}

	if c.Comparison.Mode == "" {
		c.Comparison.Mode = "top10"
	}
	if c.Comparison.EarliestDate == "" {
		c.Comparison.EarliestDate = "2020-01-01"
	}

	if c.Device.TotalGB == 0 {
		c.Device.TotalGB = 8
	}
	if c.Device.BudgetFraction == 0 {
		c.Device.BudgetFraction = 0.8
	}
	if c.Device.MaxBatchUnits == 0 {
		c.Device.MaxBatchUnits = 30
	}
	if c.Device.ComputeTimeoutMs == 0 {
		c.Device.ComputeTimeoutMs = 600000 // 10 分钟
	}

	if c.Library.Workers == 0 {
		c.Library.Workers = max(1, runtime.NumCPU()-1)
	}

	if c.Stats.MaxMatches == 0 {
		c.Stats.MaxMatches = 100
	}

	if c.Output.CSVPath == "" {
		c.Output.CSVPath = "./output/evaluation_results.csv"
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围
// 返回: 若配置无效则返回描述性错误
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Targets) == "" {
		errs = append(errs, "targets: 至少需要配置一个目标股票")
	}
	if c.Data.BaseDir == "" {
		errs = append(errs, "data.base_dir: 数据根目录不能为空")
	}

	if c.Backtest.WindowSize < 1 {
		errs = append(errs, "backtest.window_size: 窗口大小必须为正数")
	}
	if c.Backtest.EvaluationDays < 1 {
		errs = append(errs, "backtest.evaluation_days: 评测日期数量必须为正数")
	}
	if c.Backtest.Threshold <= 0 || c.Backtest.Threshold >= 1 {
		errs = append(errs, "backtest.threshold: 相关系数阈值必须在 0-1 之间（不含端点）")
	}
	if c.Backtest.EndDate != "" {
		if _, err := time.Parse("2006-01-02", c.Backtest.EndDate); err != nil {
			errs = append(errs, fmt.Sprintf("backtest.end_date: 无效的日期格式 '%s'，要求 YYYY-MM-DD", c.Backtest.EndDate))
		}
	}
	if _, err := model.ParseFields(c.Backtest.Fields); err != nil {
		errs = append(errs, fmt.Sprintf("backtest.fields: %v", err))
	}

	validModes := map[string]bool{
		"self_only": true, "top10": true, "industry": true, "custom": true, "all": true,
	}
	if !validModes[c.Comparison.Mode] {
		errs = append(errs, fmt.Sprintf("comparison.mode: 无效的对比模式 '%s'，有效值: self_only, top10, industry, custom, all", c.Comparison.Mode))
	}
	if c.Comparison.Mode == "custom" && len(c.Comparison.Custom) == 0 {
		errs = append(errs, "comparison.custom: custom 模式下对比列表不能为空")
	}
	if _, err := time.Parse("2006-01-02", c.Comparison.EarliestDate); err != nil {
		errs = append(errs, fmt.Sprintf("comparison.earliest_date: 无效的日期格式 '%s'，要求 YYYY-MM-DD", c.Comparison.EarliestDate))
	}

	if c.Device.TotalGB <= 0 {
		errs = append(errs, "device.total_gb: 设备总内存必须为正数")
	}
	if c.Device.BudgetFraction <= 0 || c.Device.BudgetFraction > 1 {
		errs = append(errs, "device.budget_fraction: 内存上限比例必须在 0-1 之间")
	}
	if c.Device.MaxBatchUnits < 1 {
		errs = append(errs, "device.max_batch_units: 最大计算单元数必须为正数")
	}
	if c.Device.ComputeTimeoutMs < 0 {
		errs = append(errs, "device.compute_timeout_ms: 超时时间不能为负数")
	}

	if c.Library.Workers < 1 {
		errs = append(errs, "library.workers: 工作协程数必须为正数")
	}
	if c.Stats.MaxMatches < 1 {
		errs = append(errs, "stats.max_matches: 最大匹配数量必须为正数")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// TargetCodes 解析目标股票配置
// 支持单个代码、逗号分隔列表或预设名（top10/all）
// 返回: 目标股票代码列表
func (c *Config) TargetCodes() []string {
	t := strings.TrimSpace(c.Targets)
	switch t {
	case "top10":
		return append([]string(nil), c.Comparison.Presets.Top10...)
	case "all":
		return append([]string(nil), c.Comparison.Presets.All...)
	}

	var codes []string
	for _, part := range strings.Split(t, ",") {
		if code := strings.TrimSpace(part); code != "" {
			codes = append(codes, code)
		}
	}
	return codes
}

// EarliestDate 解析对比股票的最早日期截断
func (c *Config) EarliestDate() time.Time {
	d, _ := time.Parse("2006-01-02", c.Comparison.EarliestDate)
	return d
}

// EndDate 解析回测结束日期
// 返回: 结束日期与是否配置了结束日期
func (c *Config) EndDate() (time.Time, bool) {
	if c.Backtest.EndDate == "" {
		return time.Time{}, false
	}
	d, _ := time.Parse("2006-01-02", c.Backtest.EndDate)
	return d, true
}

// ParsedFields 解析字段子集配置
func (c *Config) ParsedFields() []model.Field {
	fields, _ := model.ParseFields(c.Backtest.Fields)
	return fields
}

// DeviceBudgetBytes 计算设备内存预算（字节）
// 公式: total_gb × budget_fraction × 2^30
func (c *Config) DeviceBudgetBytes() int64 {
	return int64(c.Device.TotalGB * c.Device.BudgetFraction * float64(1<<30))
}

// ComputeTimeout 返回单次设备计算的超时时间
func (c *Config) ComputeTimeout() time.Duration {
	return time.Duration(c.Device.ComputeTimeoutMs) * time.Millisecond
}
