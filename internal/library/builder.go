package library

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"pattern-match-backtester/internal/core/model"
	"pattern-match-backtester/internal/series"
)

// parallelThreshold 标的数量达到该阈值时启用并行加载
const parallelThreshold = 10

// Builder 窗口库构建器
type Builder struct {
	store      series.Store
	logger     *zap.Logger
	windowSize int
	fields     []model.Field
	earliest   time.Time
	workers    int
}

// NewBuilder 创建窗口库构建器
// 参数 earliest: 历史数据最早截止日期，早于该日期的交易日被丢弃
// 参数 workers: 并行加载的工作协程数，不大于 0 时退化为串行
func NewBuilder(store series.Store, logger *zap.Logger, windowSize int, fields []model.Field, earliest time.Time, workers int) *Builder {
	return &Builder{
		store:      store,
		logger:     logger,
		windowSize: windowSize,
		fields:     fields,
		earliest:   earliest,
		workers:    workers,
	}
}

// instrumentResult 单个标的的窗口提取结果
type instrumentResult struct {
	code           string
	values         []float32
	provenance     []model.WindowRef
	qualityDropped int
	cutoffDropped  int
	skipped        bool
	err            error
}

// Build 构建窗口库
// 标的按代码排序后装配，结果与加载顺序无关
func (b *Builder) Build(ctx context.Context, codes []string) (*Library, BuildStats, error) {
	sorted := append([]string(nil), codes...)
	sort.Strings(sorted)

	var results []instrumentResult
	var err error
	if len(sorted) >= parallelThreshold && b.workers > 1 {
		results, err = b.loadParallel(ctx, sorted)
	} else {
		results, err = b.loadSerial(ctx, sorted)
	}
	if err != nil {
		return nil, BuildStats{}, err
	}

	lib := &Library{
		WindowSize: b.windowSize,
		Fields:     b.fields,
	}
	stats := BuildStats{Requested: len(sorted)}
	for _, r := range results {
		stats.QualityDropped += r.qualityDropped
		stats.CutoffDropped += r.cutoffDropped
		if r.skipped {
			stats.Skipped++
			continue
		}
		stats.Loaded++
		if len(r.provenance) > 0 {
			lib.InstrumentCount++
		}
		lib.Values = append(lib.Values, r.values...)
		lib.Provenance = append(lib.Provenance, r.provenance...)
	}

	b.logger.Info("窗口库构建完成",
		zap.Int("requested", stats.Requested),
		zap.Int("loaded", stats.Loaded),
		zap.Int("skipped", stats.Skipped),
		zap.Int("periods", lib.Periods()),
		zap.Int("window_size", b.windowSize))

	if lib.Periods() == 0 {
		return nil, stats, fmt.Errorf("窗口库为空：%d 个标的均无可用窗口", len(sorted))
	}
	return lib, stats, nil
}

// loadSerial 串行加载所有标的
func (b *Builder) loadSerial(ctx context.Context, codes []string) ([]instrumentResult, error) {
	results := make([]instrumentResult, 0, len(codes))
	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r := b.extract(ctx, code)
		if r.err != nil {
			return nil, r.err
		}
		results = append(results, r)
	}
	return results, nil
}

// loadParallel 并行加载所有标的
// 结果按 codes 的下标回填，装配顺序与完成顺序无关
func (b *Builder) loadParallel(ctx context.Context, codes []string) ([]instrumentResult, error) {
	results := make([]instrumentResult, len(codes))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < b.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = b.extract(ctx, codes[i])
			}
		}()
	}

	for i := range codes {
		select {
		case jobs <- i:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil, ctx.Err()
		}
	}
	close(jobs)
	wg.Wait()

	for _, r := range results {
		if r.err != nil {
			return nil, r.err
		}
	}
	return results, nil
}

// extract 加载单个标的并提取全部滑动窗口
func (b *Builder) extract(ctx context.Context, code string) instrumentResult {
	r := instrumentResult{code: code}

	bars, err := b.store.Load(ctx, code)
	if err != nil {
		if errors.Is(err, series.ErrNoData) {
			b.logger.Warn("标的无历史数据，跳过", zap.String("code", code))
			r.skipped = true
			return r
		}
		r.err = fmt.Errorf("加载标的 %s 失败: %w", code, err)
		return r
	}

	bars, r.qualityDropped = series.FilterQuality(bars)
	bars, r.cutoffDropped = series.FilterEarliest(bars, b.earliest)

	if len(bars) < b.windowSize {
		b.logger.Warn("标的有效样本不足一个窗口，跳过",
			zap.String("code", code),
			zap.Int("bars", len(bars)),
			zap.Int("window_size", b.windowSize))
		r.skipped = true
		return r
	}

	periods := len(bars) - b.windowSize + 1
	stride := b.windowSize * len(b.fields)
	r.values = make([]float32, 0, periods*stride)
	r.provenance = make([]model.WindowRef, 0, periods)
	for i := 0; i < periods; i++ {
		for j := 0; j < b.windowSize; j++ {
			bar := bars[i+j]
			for _, f := range b.fields {
				r.values = append(r.values, float32(bar.Value(f)))
			}
		}
		r.provenance = append(r.provenance, model.WindowRef{
			Code:  code,
			Start: bars[i].Date,
			End:   bars[i+b.windowSize-1].Date,
		})
	}
	return r
}
