package model

import "time"

// WindowRef 历史窗口的来源信息
// 指向某只股票历史上一段长度固定的连续交易日区间
type WindowRef struct {
	// Code 来源股票代码
	Code string
	// Start 窗口起始交易日
	Start time.Time
	// End 窗口结束交易日
	End time.Time
}

// Span 窗口时间段标识，用于按 (Start, End) 去重
type Span struct {
	// StartUnix 起始日 Unix 秒
	StartUnix int64
	// EndUnix 结束日 Unix 秒
	EndUnix int64
}

// Span 返回窗口的时间段标识
func (w WindowRef) Span() Span {
	return Span{StartUnix: w.Start.Unix(), EndUnix: w.End.Unix()}
}

// EvaluationUnit 评测单元
// 一个 (目标股票, 评测日期) 组合，其截止评测日的尾部窗口用于检索历史相似窗口
type EvaluationUnit struct {
	// Code 目标股票代码
	Code string
	// Date 评测日期
	Date time.Time
}

// CorrelationMatch 高相关性匹配记录
// 评测单元的尾部窗口与某个历史窗口之间的平均 Pearson 相关系数超过阈值
type CorrelationMatch struct {
	// Unit 所属评测单元
	Unit EvaluationUnit
	// Window 匹配到的历史窗口来源
	Window WindowRef
	// AvgCorr 各字段 Pearson 相关系数的平均值，范围 [-1, 1]
	// 过滤后满足 threshold < AvgCorr < 0.9999
	AvgCorr float64
}
