// Package series 提供 K 线序列的加载与过滤。
// 序列存储是引擎的外部协作方，这里定义其接口并提供基于本地 CSV 目录的默认实现。
package series

import (
	"context"
	"errors"

	"pattern-match-backtester/internal/core/model"
)

// ErrNoData 表示股票数据缺失或为空
// 属于可恢复的数据级错误：调用方记录日志并跳过该股票，不中断整个回测
var ErrNoData = errors.New("series: 股票数据缺失或为空")

// Store K 线序列存储接口
// 给定股票代码返回按日期升序排列的 K 线序列
type Store interface {
	// Load 加载指定股票的日线序列
	// 返回的序列保证日期严格递增；数据缺失或为空时返回 ErrNoData
	Load(ctx context.Context, code string) ([]model.Bar, error)
}
