// Package evalprep 负责为目标标的准备评估单元。
// 每个评估单元是 (标的, 评估日) 对，携带截至评估日（含当日）
// 的尾部窗口数据，作为相关性计算的查询端。
package evalprep

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"pattern-match-backtester/internal/core/model"
	"pattern-match-backtester/internal/series"
)

// EvalSet 单个目标标的的评估单元集合
// Values 为行优先平铺数据，形状 [len(Units)][WindowSize][len(Fields)]
type EvalSet struct {
	// Units 评估单元，按评估日升序排列
	Units []model.EvaluationUnit
	// Values 每个评估单元的尾部窗口数据
	Values []float32
	// WindowSize 窗口长度
	WindowSize int
	// Fields 字段列表
	Fields []model.Field
	// RequestedDays 请求的评估天数
	RequestedDays int
	// EffectiveDays 自动收缩后的实际评估天数
	EffectiveDays int
}

// UnitWindow 返回第 i 个评估单元的窗口数据视图（只读）
func (s *EvalSet) UnitWindow(i int) []float32 {
	stride := s.WindowSize * len(s.Fields)
	return s.Values[i*stride : (i+1)*stride]
}

// Preparer 评估单元准备器
type Preparer struct {
	store      series.Store
	logger     *zap.Logger
	windowSize int
	fields     []model.Field
	evalDays   int
	endDate    time.Time
	hasEndDate bool
}

// NewPreparer 创建评估单元准备器
// 参数 endDate: 评估区间右端点（含），hasEndDate 为 false 时取全部历史
func NewPreparer(store series.Store, logger *zap.Logger, windowSize int, fields []model.Field, evalDays int, endDate time.Time, hasEndDate bool) *Preparer {
	return &Preparer{
		store:      store,
		logger:     logger,
		windowSize: windowSize,
		fields:     fields,
		evalDays:   evalDays,
		endDate:    endDate,
		hasEndDate: hasEndDate,
	}
}

// Prepare 为目标标的构建评估单元集合
// 评估天数自动收缩为 max(1, 可用样本数 - 窗口长度)，
// 不足一个完整尾部窗口的评估日被跳过。
func (p *Preparer) Prepare(ctx context.Context, code string) (*EvalSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bars, err := p.store.Load(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("加载目标标的 %s 失败: %w", code, err)
	}
	bars, dropped := series.FilterQuality(bars)
	if p.hasEndDate {
		bars = truncateAfter(bars, p.endDate)
	}

	if len(bars) < p.windowSize {
		return nil, fmt.Errorf("目标标的 %s 有效样本 %d 不足以支撑窗口长度 %d",
			code, len(bars), p.windowSize)
	}

	// 恰好一个窗口的序列仍允许评估最后一个交易日
	limit := len(bars) - p.windowSize
	if limit < 1 {
		limit = 1
	}
	effective := p.evalDays
	if effective > limit {
		effective = limit
	}
	if effective != p.evalDays {
		p.logger.Warn("评估天数超出可用样本，自动收缩",
			zap.String("code", code),
			zap.Int("requested", p.evalDays),
			zap.Int("effective", effective))
	}

	set := &EvalSet{
		WindowSize:    p.windowSize,
		Fields:        p.fields,
		RequestedDays: p.evalDays,
		EffectiveDays: effective,
	}
	stride := p.windowSize * len(p.fields)
	set.Units = make([]model.EvaluationUnit, 0, effective)
	set.Values = make([]float32, 0, effective*stride)

	// 评估日取序列尾部 effective 天，按升序装配；
	// 每个评估日的窗口为含当日在内的最近 w 个交易日
	for i := len(bars) - effective; i < len(bars); i++ {
		window := bars[i-p.windowSize+1 : i+1]
		set.Units = append(set.Units, model.EvaluationUnit{
			Code: code,
			Date: bars[i].Date,
		})
		for _, bar := range window {
			for _, f := range p.fields {
				set.Values = append(set.Values, float32(bar.Value(f)))
			}
		}
	}

	p.logger.Info("评估单元准备完成",
		zap.String("code", code),
		zap.Int("units", len(set.Units)),
		zap.Int("quality_dropped", dropped))
	return set, nil
}

// truncateAfter 截掉晚于 end 的交易日，bars 须按日期升序
func truncateAfter(bars []model.Bar, end time.Time) []model.Bar {
	i := len(bars)
	for i > 0 && bars[i-1].Date.After(end) {
		i--
	}
	return bars[:i]
}
