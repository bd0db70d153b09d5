// Package library 负责从比较标的的历史行情构建滑动窗口库。
// 窗口库是相关性计算的历史样本全集：每个长度为 w 的窗口
// 连同其来源（标的代码与起止日期）一起保存，供后续统计回溯。
package library

import (
	"pattern-match-backtester/internal/core/model"
)

// Library 滑动窗口库
// Values 为行优先的 float32 平铺数据，形状 [Periods][WindowSize][len(Fields)]，
// 与 Provenance 按下标一一对应。
type Library struct {
	// Values 窗口数据平铺切片
	Values []float32
	// Provenance 每个窗口的来源
	Provenance []model.WindowRef
	// WindowSize 窗口长度（交易日数）
	WindowSize int
	// Fields 每个交易日取用的字段
	Fields []model.Field
	// InstrumentCount 贡献了至少一个窗口的标的数量
	InstrumentCount int
}

// Periods 返回窗口总数
func (l *Library) Periods() int {
	return len(l.Provenance)
}

// Window 返回第 i 个窗口的数据视图（只读）
func (l *Library) Window(i int) []float32 {
	stride := l.WindowSize * len(l.Fields)
	return l.Values[i*stride : (i+1)*stride]
}

// BuildStats 构建过程统计
type BuildStats struct {
	// Requested 请求加载的标的数量
	Requested int
	// Loaded 成功加载的标的数量
	Loaded int
	// Skipped 因无数据或样本不足被跳过的标的数量
	Skipped int
	// QualityDropped 质量过滤丢弃的交易日总数
	QualityDropped int
	// CutoffDropped 最早日期截断丢弃的交易日总数
	CutoffDropped int
}
