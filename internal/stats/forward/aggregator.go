// Package forward 负责匹配窗口的前向收益统计。
// 对每个命中的历史窗口，以窗口末日收盘价为基准，统计其后
// 第 1/3/5/10 个交易日的上涨比例与次日跳空高开比例。
package forward

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"pattern-match-backtester/internal/core/model"
	"pattern-match-backtester/internal/series"
)

// horizons 前向统计的交易日偏移
var horizons = []int{1, 3, 5, 10}

// Aggregator 前向收益聚合器
// 历史行情按标的惰性加载并缓存，同一次运行内复用
type Aggregator struct {
	store      series.Store
	logger     *zap.Logger
	maxMatches int

	bars  map[string][]model.Bar
	index map[string]map[int64]int
}

// NewAggregator 创建前向收益聚合器
// 参数 maxMatches: 去重后参与统计的匹配窗口数量上限
func NewAggregator(store series.Store, logger *zap.Logger, maxMatches int) *Aggregator {
	return &Aggregator{
		store:      store,
		logger:     logger,
		maxMatches: maxMatches,
		bars:       make(map[string][]model.Bar),
		index:      make(map[string]map[int64]int),
	}
}

// Aggregate 聚合一个评估单元的全部匹配
// matches 须按相关系数降序传入；重复的 (起始日, 结束日) 窗口
// 只保留首个，去重后超出上限的部分被截断。
func (a *Aggregator) Aggregate(ctx context.Context, matches []model.CorrelationMatch) (model.ForwardStats, error) {
	kept := Dedup(matches)
	if a.maxMatches > 0 && len(kept) > a.maxMatches {
		kept = kept[:a.maxMatches]
	}

	var stats model.ForwardStats
	for _, m := range kept {
		if err := ctx.Err(); err != nil {
			return model.ForwardStats{}, err
		}

		bars, idx, err := a.load(ctx, m.Window.Code)
		if err != nil {
			if errors.Is(err, series.ErrNoData) {
				a.logger.Warn("匹配窗口来源标的无数据，跳过",
					zap.String("code", m.Window.Code))
				continue
			}
			return model.ForwardStats{}, err
		}
		endIdx, ok := idx[m.Window.End.Unix()]
		if !ok {
			a.logger.Warn("匹配窗口末日不在历史序列中，跳过",
				zap.String("code", m.Window.Code),
				zap.Time("end", m.Window.End))
			continue
		}

		stats.Used++
		base := bars[endIdx].Close
		for _, h := range horizons {
			if endIdx+h >= len(bars) {
				continue
			}
			future := bars[endIdx+h]
			switch h {
			case 1:
				stats.NextGapUp.Valid++
				if future.Open > base {
					stats.NextGapUp.Hits++
				}
				stats.NextUp.Valid++
				if future.Close > base {
					stats.NextUp.Hits++
				}
			case 3:
				stats.Day3Up.Valid++
				if future.Close > base {
					stats.Day3Up.Hits++
				}
			case 5:
				stats.Day5Up.Valid++
				if future.Close > base {
					stats.Day5Up.Hits++
				}
			case 10:
				stats.Day10Up.Valid++
				if future.Close > base {
					stats.Day10Up.Hits++
				}
			}
		}
	}
	return stats, nil
}

// Dedup 按 (起始日, 结束日) 去重，保留首次出现的窗口
// 输入按相关系数降序时即保留相关性最高的那个
func Dedup(matches []model.CorrelationMatch) []model.CorrelationMatch {
	seen := make(map[model.Span]struct{}, len(matches))
	kept := make([]model.CorrelationMatch, 0, len(matches))
	for _, m := range matches {
		span := m.Window.Span()
		if _, ok := seen[span]; ok {
			continue
		}
		seen[span] = struct{}{}
		kept = append(kept, m)
	}
	return kept
}

// load 加载并缓存标的历史序列及其日期下标映射
// 质量过滤不在此处进行：前向统计回看的是真实行情
func (a *Aggregator) load(ctx context.Context, code string) ([]model.Bar, map[int64]int, error) {
	if bars, ok := a.bars[code]; ok {
		return bars, a.index[code], nil
	}
	bars, err := a.store.Load(ctx, code)
	if err != nil {
		return nil, nil, err
	}
	idx := make(map[int64]int, len(bars))
	for i, bar := range bars {
		idx[bar.Date.Unix()] = i
	}
	a.bars[code] = bars
	a.index[code] = idx
	return bars, idx, nil
}
