// Package universe 负责解析对比股票范围。
// 对比范围提供方是引擎的外部协作方，这里实现由配置驱动的预设清单解析。
package universe

import (
	"fmt"

	"pattern-match-backtester/internal/config"
)

// 对比模式常量
const (
	// ModeSelfOnly 仅使用目标股票自身历史
	ModeSelfOnly = "self_only"
	// ModeTop10 市值前 10 预设清单
	ModeTop10 = "top10"
	// ModeIndustry 同行业预设清单
	ModeIndustry = "industry"
	// ModeCustom 自定义清单
	ModeCustom = "custom"
	// ModeAll 全市场清单
	ModeAll = "all"
)

// Resolver 对比范围解析器
// 根据模式名返回对比股票代码列表；预设清单来自显式配置，不依赖进程级可变状态
type Resolver struct {
	cfg config.ComparisonConfig
}

// NewResolver 创建对比范围解析器
func NewResolver(cfg config.ComparisonConfig) *Resolver {
	return &Resolver{cfg: cfg}
}

// Resolve 解析对比股票列表
// 参数 target: 目标股票代码，self_only 模式下对比范围只含它自身
// 返回: 对比股票代码列表（已去重，保持清单顺序）
func (r *Resolver) Resolve(mode, target string) ([]string, error) {
	var codes []string
	switch mode {
	case ModeSelfOnly:
		codes = []string{target}
	case ModeTop10:
		codes = r.cfg.Presets.Top10
	case ModeIndustry:
		codes = r.cfg.Presets.Industry
	case ModeCustom:
		codes = r.cfg.Custom
	case ModeAll:
		codes = r.cfg.Presets.All
	default:
		return nil, fmt.Errorf("未知的对比模式: %q", mode)
	}

	if len(codes) == 0 {
		return nil, fmt.Errorf("对比模式 %q 对应的清单为空", mode)
	}

	seen := make(map[string]bool, len(codes))
	out := make([]string, 0, len(codes))
	for _, code := range codes {
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		out = append(out, code)
	}
	return out, nil
}
