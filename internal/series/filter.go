package series

import (
	"time"

	"pattern-match-backtester/internal/core/model"
)

// FilterQuality 数据质量过滤
// 去除任一字段（开/高/低/收/量）不大于 1 的 K 线，对目标股票与对比股票都适用。
// 返回: 过滤后的序列与被移除的条数
func FilterQuality(bars []model.Bar) ([]model.Bar, int) {
	out := make([]model.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Open > 1 && b.High > 1 && b.Low > 1 && b.Close > 1 && b.Volume > 1 {
			out = append(out, b)
		}
	}
	return out, len(bars) - len(out)
}

// FilterEarliest 最早日期截断
// 去除早于 cutoff 的 K 线。仅对对比股票使用，目标股票保留完整历史。
// 返回: 过滤后的序列与被移除的条数
func FilterEarliest(bars []model.Bar, cutoff time.Time) ([]model.Bar, int) {
	// 序列按日期升序，找到第一个不早于 cutoff 的位置即可
	idx := len(bars)
	for i, b := range bars {
		if !b.Date.Before(cutoff) {
			idx = i
			break
		}
	}
	return bars[idx:], idx
}
