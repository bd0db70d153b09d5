package sched

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"go.uber.org/zap"

	"pattern-match-backtester/internal/config"
	"pattern-match-backtester/internal/core/model"
	"pattern-match-backtester/internal/device"
	"pattern-match-backtester/internal/engine"
	"pattern-match-backtester/internal/evalprep"
	"pattern-match-backtester/internal/library"
	"pattern-match-backtester/internal/series"
	"pattern-match-backtester/internal/stats/forward"
	"pattern-match-backtester/internal/telemetry"
)

type mapStore struct {
	data map[string][]model.Bar
}

func (s *mapStore) Load(_ context.Context, code string) ([]model.Bar, error) {
	bars, ok := s.data[code]
	if !ok {
		return nil, fmt.Errorf("标的 %s: %w", code, series.ErrNoData)
	}
	return bars, nil
}

type memSink struct {
	rows    []model.ResultRow
	flushes int
}

func (s *memSink) Append(row model.ResultRow) error { s.rows = append(s.rows, row); return nil }
func (s *memSink) Flush() error                     { s.flushes++; return nil }

// makeBars 生成 n 根波动 K 线，seed 决定波形相位
func makeBars(n int, seed float64) []model.Bar {
	bars := make([]model.Bar, n)
	for i := 0; i < n; i++ {
		p := 50 + 10*math.Sin(float64(i)*0.7+seed) + float64(i%7)
		bars[i] = model.Bar{
			Date:   model.Date(2023, 1, 1).AddDate(0, 0, i),
			Open:   p,
			High:   p + 2,
			Low:    p - 2,
			Close:  p + math.Cos(float64(i)+seed),
			Volume: 10000 + 500*math.Sin(float64(i)*1.3+seed),
		}
	}
	return bars
}

func testConfig(targets string) *config.Config {
	cfg := &config.Config{
		Targets: targets,
	}
	cfg.Data.BaseDir = "unused"
	cfg.Backtest.WindowSize = 10
	cfg.Backtest.EvaluationDays = 3
	cfg.Backtest.Threshold = 0.8
	cfg.Comparison.Mode = "custom"
	cfg.Comparison.Custom = []string{"600001", "600002"}
	cfg.SetDefaults()
	return cfg
}

func testStore() *mapStore {
	return &mapStore{data: map[string][]model.Bar{
		"600000": makeBars(40, 0),
		"600001": makeBars(45, 1.1),
		"600002": makeBars(50, 2.3),
	}}
}

func runOnce(t *testing.T, cfg *config.Config) *memSink {
	t.Helper()
	sink := &memSink{}
	r := NewRunner(cfg, zap.NewNop(), testStore(), device.New(0), sink, telemetry.NewTracker(zap.NewNop()))
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	return sink
}

func TestRunProducesRowPerEvaluationDate(t *testing.T) {
	sink := runOnce(t, testConfig("600000"))

	if len(sink.rows) != 3 {
		t.Fatalf("行数 = %d, 期望 3（每个评估日一行）", len(sink.rows))
	}
	for i, row := range sink.rows {
		if row.Code != "600000" || row.WindowSize != 10 || row.Threshold != 0.8 {
			t.Fatalf("第 %d 行元数据错误: %+v", i, row)
		}
		if row.ComparisonCount != 2 {
			t.Fatalf("ComparisonCount = %d, 期望 2", row.ComparisonCount)
		}
		if row.MatchesUsed > row.MatchCount {
			t.Fatalf("MatchesUsed %d 不应超过 MatchCount %d", row.MatchesUsed, row.MatchCount)
		}
		if i > 0 && !sink.rows[i-1].Date.Before(row.Date) {
			t.Fatalf("评估日未按升序输出")
		}
	}
	if sink.flushes != 1 {
		t.Fatalf("flushes = %d, 期望每个目标股票一次", sink.flushes)
	}
}

func TestRunInstrumentMajorOrdering(t *testing.T) {
	cfg := testConfig("600000,600001")
	sink := runOnce(t, cfg)

	if len(sink.rows) != 6 {
		t.Fatalf("行数 = %d, 期望 6", len(sink.rows))
	}
	for i, row := range sink.rows {
		want := "600000"
		if i >= 3 {
			want = "600001"
		}
		if row.Code != want {
			t.Fatalf("第 %d 行代码 = %s, 期望 %s（目标优先排序）", i, row.Code, want)
		}
	}
}

func TestRunPartitionEquivalence(t *testing.T) {
	// 子批次大小不影响输出内容与顺序
	small := testConfig("600000")
	small.Device.MaxBatchUnits = 1
	large := testConfig("600000")
	large.Device.MaxBatchUnits = 30

	a := runOnce(t, small).rows
	b := runOnce(t, large).rows

	if len(a) != len(b) {
		t.Fatalf("行数不一致: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("第 %d 行不一致:\n%+v\n%+v", i, a[i], b[i])
		}
	}
}

func TestRunCancellation(t *testing.T) {
	cfg := testConfig("600000")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(cfg, zap.NewNop(), testStore(), device.New(0), &memSink{}, telemetry.NewTracker(zap.NewNop()))
	if err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("期望 context.Canceled, 实际 %v", err)
	}
}

// fakeCorrelator 模拟设备内存不足的相关性计算
type fakeCorrelator struct {
	failAbove int // 单元数超过该值时返回内存不足
	periods   int
	calls     []int
	deadlines []bool // 每次调用的 ctx 是否带截止时间
}

func (f *fakeCorrelator) Correlate(ctx context.Context, _ []float32, units int) (*engine.Result, error) {
	f.calls = append(f.calls, units)
	_, hasDeadline := ctx.Deadline()
	f.deadlines = append(f.deadlines, hasDeadline)
	if units > f.failAbove {
		return nil, device.ErrOutOfMemory
	}
	return &engine.Result{
		Units:   units,
		Periods: f.periods,
		AvgCorr: make([]float32, units*f.periods),
		Ranked:  make([][]int, units),
	}, nil
}

// fakeEvalSet 手工装配的评估单元集合
func fakeEvalSet(units, window int) *evalprep.EvalSet {
	set := &evalprep.EvalSet{
		WindowSize:    window,
		Fields:        model.DefaultFields,
		RequestedDays: units,
		EffectiveDays: units,
	}
	for i := 0; i < units; i++ {
		set.Units = append(set.Units, model.EvaluationUnit{
			Code: "600000",
			Date: model.Date(2023, 3, 1).AddDate(0, 0, i),
		})
		for j := 0; j < window*len(model.DefaultFields); j++ {
			set.Values = append(set.Values, float32(i*100+j))
		}
	}
	return set
}

func TestComputeHalvesBatchOnOOM(t *testing.T) {
	cfg := testConfig("600000")
	cfg.Device.MaxBatchUnits = 8
	sink := &memSink{}
	r := NewRunner(cfg, zap.NewNop(), testStore(), device.New(0), sink, telemetry.NewTracker(zap.NewNop()))

	lib := &library.Library{WindowSize: 4, Fields: model.DefaultFields, InstrumentCount: 1,
		Provenance: []model.WindowRef{{Code: "600001"}}}
	fc := &fakeCorrelator{failAbove: 2, periods: 1}
	set := fakeEvalSet(7, 4)
	agg := forward.NewAggregator(testStore(), zap.NewNop(), 100)

	if err := r.compute(context.Background(), "600000", lib, fc, set, agg); err != nil {
		t.Fatalf("计算失败: %v", err)
	}
	// 7 -> 内存不足 -> 4 -> 内存不足 -> 2, 2, 2, 1
	want := []int{7, 4, 2, 2, 2, 1}
	if len(fc.calls) != len(want) {
		t.Fatalf("调用序列 = %v, 期望 %v", fc.calls, want)
	}
	for i := range want {
		if fc.calls[i] != want[i] {
			t.Fatalf("调用序列 = %v, 期望 %v", fc.calls, want)
		}
	}
	if len(sink.rows) != 7 {
		t.Fatalf("行数 = %d, 期望 7", len(sink.rows))
	}
}

func TestComputeGivesUpAfterRetries(t *testing.T) {
	cfg := testConfig("600000")
	cfg.Device.MaxBatchUnits = 8
	r := NewRunner(cfg, zap.NewNop(), testStore(), device.New(0), &memSink{}, telemetry.NewTracker(zap.NewNop()))

	lib := &library.Library{WindowSize: 4, Fields: model.DefaultFields, InstrumentCount: 1,
		Provenance: []model.WindowRef{{Code: "600001"}}}
	fc := &fakeCorrelator{failAbove: 0, periods: 1} // 任何批次都内存不足
	set := fakeEvalSet(7, 4)
	agg := forward.NewAggregator(testStore(), zap.NewNop(), 100)

	err := r.compute(context.Background(), "600000", lib, fc, set, agg)
	if !errors.Is(err, device.ErrOutOfMemory) {
		t.Fatalf("期望 ErrOutOfMemory, 实际 %v", err)
	}
	// 7 -> 4 -> 2 -> 1 共三次降批后放弃
	want := []int{7, 4, 2, 1}
	if len(fc.calls) != len(want) {
		t.Fatalf("调用序列 = %v, 期望 %v", fc.calls, want)
	}
}

func TestComputeScopesTimeoutPerCall(t *testing.T) {
	// 超时约束的是单次设备计算，每次调用都应带独立截止时间
	cfg := testConfig("600000")
	cfg.Device.MaxBatchUnits = 2
	r := NewRunner(cfg, zap.NewNop(), testStore(), device.New(0), &memSink{}, telemetry.NewTracker(zap.NewNop()))

	lib := &library.Library{WindowSize: 4, Fields: model.DefaultFields, InstrumentCount: 1,
		Provenance: []model.WindowRef{{Code: "600001"}}}
	fc := &fakeCorrelator{failAbove: 8, periods: 1}
	agg := forward.NewAggregator(testStore(), zap.NewNop(), 100)

	if err := r.compute(context.Background(), "600000", lib, fc, fakeEvalSet(5, 4), agg); err != nil {
		t.Fatalf("计算失败: %v", err)
	}
	if len(fc.deadlines) != 3 {
		t.Fatalf("调用次数 = %d, 期望 3", len(fc.deadlines))
	}
	for i, has := range fc.deadlines {
		if !has {
			t.Fatalf("第 %d 次调用的 ctx 缺少截止时间", i)
		}
	}

	// 超时设为 0 时不加截止时间
	cfg.Device.ComputeTimeoutMs = 0
	fc2 := &fakeCorrelator{failAbove: 8, periods: 1}
	if err := r.compute(context.Background(), "600000", lib, fc2, fakeEvalSet(2, 4), agg); err != nil {
		t.Fatalf("计算失败: %v", err)
	}
	if len(fc2.deadlines) != 1 || fc2.deadlines[0] {
		t.Fatalf("超时关闭时仍带截止时间: %v", fc2.deadlines)
	}
}

func TestRunSelfOnlyRampHasZeroMatches(t *testing.T) {
	// 线性序列的任意两个窗口相关系数均为 1，自相关过滤后应无匹配
	ramp := make([]model.Bar, 20)
	for i := range ramp {
		ramp[i] = model.Bar{
			Date:   model.Date(2023, 1, 1).AddDate(0, 0, i),
			Open:   10 + 1.5*float64(i),
			High:   13 + 1.5*float64(i),
			Low:    9 + 1.5*float64(i),
			Close:  11 + 1.5*float64(i),
			Volume: 1000 + 10*float64(i),
		}
	}

	cfg := testConfig("600000")
	cfg.Backtest.WindowSize = 15
	cfg.Backtest.EvaluationDays = 1
	cfg.Backtest.Threshold = 0.85
	cfg.Comparison.Mode = "self_only"

	sink := &memSink{}
	store := &mapStore{data: map[string][]model.Bar{"600000": ramp}}
	r := NewRunner(cfg, zap.NewNop(), store, device.New(0), sink, telemetry.NewTracker(zap.NewNop()))
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("运行失败: %v", err)
	}

	if len(sink.rows) != 1 {
		t.Fatalf("行数 = %d, 期望 1", len(sink.rows))
	}
	row := sink.rows[0]
	if row.MatchCount != 0 || row.MatchesUsed != 0 {
		t.Fatalf("期望零匹配, 实际 MatchCount=%d MatchesUsed=%d", row.MatchCount, row.MatchesUsed)
	}
	if _, ok := row.Stats.NextUp.Value(); ok {
		t.Fatalf("零匹配时比例不应有值")
	}
}

func TestRunScaledCopyFoundExactlyOnce(t *testing.T) {
	// 目标股票 15 天波动序列
	target := make([]model.Bar, 15)
	for i := range target {
		p := 50 + 10*math.Sin(float64(i)*0.9) + float64(i%4)
		target[i] = model.Bar{
			Date:   model.Date(2023, 3, 1).AddDate(0, 0, i),
			Open:   p,
			High:   p + 2,
			Low:    p - 2,
			Close:  p + math.Cos(float64(i)*1.7),
			Volume: 10000 + 700*math.Sin(float64(i)*1.1),
		}
	}

	// 对比股票：第 1~49 天成交量过低被质量过滤，
	// 第 50~64 天为目标序列的 ×2 缩放副本（收盘价加扰动，避开自相关下限）
	comp := make([]model.Bar, 64)
	for i := 0; i < 49; i++ {
		comp[i] = model.Bar{
			Date:   model.Date(2023, 1, 1).AddDate(0, 0, i),
			Open:   20, High: 21, Low: 19, Close: 20,
			Volume: 0.5,
		}
	}
	for i := 0; i < 15; i++ {
		src := target[i]
		jitter := 3.0
		if i%2 == 0 {
			jitter = -3.0
		}
		comp[49+i] = model.Bar{
			Date:   model.Date(2023, 1, 1).AddDate(0, 0, 49+i),
			Open:   2 * src.Open,
			High:   2 * src.High,
			Low:    2 * src.Low,
			Close:  2*src.Close + jitter,
			Volume: 2 * src.Volume,
		}
	}

	cfg := testConfig("AAA")
	cfg.Backtest.WindowSize = 15
	cfg.Backtest.EvaluationDays = 1
	cfg.Backtest.Threshold = 0.9
	cfg.Comparison.Mode = "custom"
	cfg.Comparison.Custom = []string{"BBB"}
	cfg.Comparison.EarliestDate = "2020-01-01"

	sink := &memSink{}
	store := &mapStore{data: map[string][]model.Bar{"AAA": target, "BBB": comp}}
	r := NewRunner(cfg, zap.NewNop(), store, device.New(0), sink, telemetry.NewTracker(zap.NewNop()))
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("运行失败: %v", err)
	}

	if len(sink.rows) != 1 {
		t.Fatalf("行数 = %d, 期望 1", len(sink.rows))
	}
	row := sink.rows[0]
	// 质量过滤后对比股票只剩缩放副本这一个窗口，且必须恰好命中
	if row.MatchCount != 1 || row.MatchesUsed != 1 {
		t.Fatalf("MatchCount=%d MatchesUsed=%d, 期望 1/1", row.MatchCount, row.MatchesUsed)
	}
	if row.ComparisonCount != 1 {
		t.Fatalf("ComparisonCount = %d, 期望 1", row.ComparisonCount)
	}
	// 副本窗口位于对比序列末尾，其后没有交易日，前向比例全部无值
	if _, ok := row.Stats.Day10Up.Value(); ok {
		t.Fatalf("副本窗口后无交易日，比例不应有值")
	}
}

func TestRunSelfOnlyKeepsFullHistory(t *testing.T) {
	// 目标股票自身历史不做最早日期截断：评估窗口的 ×2 缩放副本
	// 落在 2019 年（早于默认 earliest_date），仍必须进入窗口库并命中
	pattern := []float64{12, 17, 9, 20, 14, 8, 19, 11, 16, 10, 21, 13, 18, 9, 15}

	bars := make([]model.Bar, 0, 64)
	for i, p := range pattern {
		jitter := 2.0
		if i%2 == 0 {
			jitter = -2.0
		}
		bars = append(bars, model.Bar{
			Date:   model.Date(2019, 6, 1).AddDate(0, 0, i),
			Open:   2 * p,
			High:   2 * (p + 2),
			Low:    2 * (p - 2),
			Close:  2*(p+1) + jitter,
			Volume: 2 * 100 * p,
		})
	}
	// 中间年份成交量过低，被质量过滤丢弃
	for i := 0; i < 34; i++ {
		bars = append(bars, model.Bar{
			Date: model.Date(2020, 1, 1).AddDate(0, 0, i*30),
			Open: 20, High: 22, Low: 18, Close: 21,
			Volume: 0.5,
		})
	}
	for i, p := range pattern {
		bars = append(bars, model.Bar{
			Date:   model.Date(2023, 2, 1).AddDate(0, 0, i),
			Open:   p,
			High:   p + 2,
			Low:    p - 2,
			Close:  p + 1,
			Volume: 100 * p,
		})
	}

	cfg := testConfig("600000")
	cfg.Backtest.WindowSize = 15
	cfg.Backtest.EvaluationDays = 1
	cfg.Backtest.Threshold = 0.9
	cfg.Comparison.Mode = "self_only"
	cfg.Comparison.EarliestDate = "2020-01-01"

	sink := &memSink{}
	store := &mapStore{data: map[string][]model.Bar{"600000": bars}}
	r := NewRunner(cfg, zap.NewNop(), store, device.New(0), sink, telemetry.NewTracker(zap.NewNop()))
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("运行失败: %v", err)
	}

	if len(sink.rows) != 1 {
		t.Fatalf("行数 = %d, 期望 1", len(sink.rows))
	}
	// 截断自身历史会让窗口库只剩 2023 年的自相关窗口，匹配数归零
	if sink.rows[0].MatchCount < 1 {
		t.Fatalf("MatchCount = %d, 期望至少命中 2019 年的副本窗口", sink.rows[0].MatchCount)
	}
}
