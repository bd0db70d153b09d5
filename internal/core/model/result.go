package model

import "time"

// Ratio 比例统计
// Valid 为 0 表示该口径下没有可用样本（结果输出为 N/A），避免用哨兵字符串表示缺失
type Ratio struct {
	// Hits 命中数
	Hits int
	// Valid 有效样本数（分母）
	Valid int
}

// Value 返回比例值
// 返回: 比例与是否有有效样本
func (r Ratio) Value() (float64, bool) {
	if r.Valid <= 0 {
		return 0, false
	}
	return float64(r.Hits) / float64(r.Valid), true
}

// ForwardStats 单个评测单元的未来表现统计
// 基于去重并截断后的匹配子集，在匹配来源股票自身序列上统计未来 +1/+3/+5/+10 日表现。
// 各比例的分母只包含对应未来交易日确实存在的匹配。
type ForwardStats struct {
	// Used 实际参与统计的匹配数量（去重、截断后）
	Used int
	// NextGapUp 下 1 日高开（开盘价 > 窗口末日收盘价）
	NextGapUp Ratio
	// NextUp 下 1 日上涨（收盘价 > 窗口末日收盘价）
	NextUp Ratio
	// Day3Up 下 3 日上涨
	Day3Up Ratio
	// Day5Up 下 5 日上涨
	Day5Up Ratio
	// Day10Up 下 10 日上涨
	Day10Up Ratio
}

// ResultRow 结果表中的一行，对应一个评测单元
// 只追加，不回写
type ResultRow struct {
	// Code 目标股票代码
	Code string
	// WindowSize 窗口大小
	WindowSize int
	// Threshold 相关系数阈值
	Threshold float64
	// Date 评测日期
	Date time.Time
	// ComparisonCount 参与对比的股票数量（窗口库中的股票数）
	ComparisonCount int
	// MatchCount 过滤后的高相关匹配总数
	MatchCount int
	// MatchesUsed 实际参与未来表现统计的匹配数量
	MatchesUsed int
	// Stats 未来表现统计
	Stats ForwardStats
}
