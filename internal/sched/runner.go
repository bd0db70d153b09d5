package sched

import (
	"context"
	"errors"
	"fmt"
	"time"

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
	"pattern-match-backtester/internal/universe"
)

// maxOOMRetries 单个子批次内存不足时的最大降批重试次数
const maxOOMRetries = 3

// Sink 结果落盘接口
type Sink interface {
	Append(row model.ResultRow) error
	Flush() error
}

// Correlator 相关性计算接口，由 engine.Engine 实现
type Correlator interface {
	Correlate(ctx context.Context, values []float32, units int) (*engine.Result, error)
}

// Runner 回测运行调度器
// 按目标股票逐个处理，行序为目标股票优先、评估日升序
type Runner struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   series.Store
	dev     *device.Device
	sink    Sink
	tracker *telemetry.Tracker

	totalRows    int
	totalMatches int
}

// NewRunner 创建回测运行调度器
func NewRunner(cfg *config.Config, logger *zap.Logger, store series.Store, dev *device.Device, sink Sink, tracker *telemetry.Tracker) *Runner {
	return &Runner{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		dev:     dev,
		sink:    sink,
		tracker: tracker,
	}
}

// Run 执行完整的回测流程
func (r *Runner) Run(ctx context.Context) error {
	targets := r.cfg.TargetCodes()
	r.logger.Info("回测开始",
		zap.String("run_id", r.tracker.RunID()),
		zap.Int("targets", len(targets)),
		zap.Int("window_size", r.cfg.Backtest.WindowSize),
		zap.Float64("threshold", r.cfg.Backtest.Threshold))

	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		rowsBefore, matchesBefore := r.totalRows, r.totalMatches
		if err := r.runTarget(ctx, target); err != nil {
			return fmt.Errorf("目标股票 %s 处理失败: %w", target, err)
		}
		if err := r.sink.Flush(); err != nil {
			return err
		}
		r.logger.Info("目标股票处理完成",
			zap.String("code", target),
			zap.Int("rows", r.totalRows-rowsBefore),
			zap.Int("matches", r.totalMatches-matchesBefore))
	}

	r.logger.Info("回测结束",
		zap.String("run_id", r.tracker.RunID()),
		zap.Int("total_rows", r.totalRows),
		zap.Int("total_matches", r.totalMatches))
	r.tracker.Report(r.dev.Stats())
	return nil
}

// runTarget 处理单个目标股票
func (r *Runner) runTarget(ctx context.Context, target string) error {
	stopTarget := r.tracker.Start("target:" + target)
	defer stopTarget()

	resolver := universe.NewResolver(r.cfg.Comparison)
	compCodes, err := resolver.Resolve(r.cfg.Comparison.Mode, target)
	if err != nil {
		return err
	}

	fields := r.cfg.ParsedFields()
	windowSize := r.cfg.Backtest.WindowSize

	// 最早日期截断只作用于对比股票；self_only 模式下窗口库
	// 就是目标股票自身的完整历史，不做截断
	earliest := r.cfg.EarliestDate()
	if r.cfg.Comparison.Mode == universe.ModeSelfOnly {
		earliest = time.Time{}
	}

	stopBuild := r.tracker.Start("library")
	builder := library.NewBuilder(r.store, r.logger, windowSize, fields,
		earliest, r.cfg.Library.Workers)
	lib, _, err := builder.Build(ctx, compCodes)
	stopBuild()
	if err != nil {
		return err
	}

	eng := engine.New(r.dev, r.logger, r.cfg.Backtest.Threshold)
	if err := eng.LoadLibrary(lib); err != nil {
		return err
	}
	defer func() {
		eng.ReleaseLibrary()
		r.dev.Reset()
	}()

	stopPrep := r.tracker.Start("prepare")
	endDate, hasEnd := r.cfg.EndDate()
	preparer := evalprep.NewPreparer(r.store, r.logger, windowSize, fields,
		r.cfg.Backtest.EvaluationDays, endDate, hasEnd)
	set, err := preparer.Prepare(ctx, target)
	stopPrep()
	if err != nil {
		return err
	}

	agg := forward.NewAggregator(r.store, r.logger, r.cfg.Stats.MaxMatches)
	return r.compute(ctx, target, lib, eng, set, agg)
}

// compute 按子批次执行相关性计算与统计落盘
// 设备内存不足时子批次减半重试，超过重试上限后放弃
func (r *Runner) compute(ctx context.Context, target string, lib *library.Library, eng Correlator, set *evalprep.EvalSet, agg *forward.Aggregator) error {
	stopCompute := r.tracker.Start("compute")
	defer stopCompute()

	fields := len(set.Fields)
	stride := set.WindowSize * fields
	batch := MaxBatchUnits(r.dev.BudgetBytes(), lib.Periods(), set.WindowSize, fields,
		r.cfg.Device.MaxBatchUnits)
	r.logger.Info("子批次规划",
		zap.String("code", target),
		zap.Int("units", len(set.Units)),
		zap.Int("batch_units", batch),
		zap.Int64("library_bytes", LibraryBytes(lib.Periods(), set.WindowSize, fields)),
		zap.Int64("batch_bytes", BatchBytes(batch, lib.Periods(), set.WindowSize, fields)))

	retries := 0
	for i := 0; i < len(set.Units); {
		if err := ctx.Err(); err != nil {
			return err
		}

		n := batch
		if rest := len(set.Units) - i; n > rest {
			n = rest
		}

		stopCorr := r.tracker.Start("correlate")
		res, err := r.correlateOnce(ctx, eng, set.Values[i*stride:(i+n)*stride], n)
		stopCorr()
		if err != nil {
			if errors.Is(err, device.ErrOutOfMemory) && retries < maxOOMRetries && batch > 1 {
				retries++
				batch = max(1, batch/2)
				r.dev.Reset()
				r.logger.Warn("设备内存不足，子批次减半重试",
					zap.String("code", target),
					zap.Int("batch_units", batch),
					zap.Int("retry", retries))
				continue
			}
			return err
		}

		stopEmit := r.tracker.Start("aggregate")
		for u := 0; u < n; u++ {
			if err := r.emit(ctx, lib, set.Units[i+u], res, u, agg); err != nil {
				stopEmit()
				return err
			}
		}
		stopEmit()

		i += n
		r.dev.Reset()
	}
	return nil
}

// correlateOnce 执行一次设备计算，单次调用受 compute_timeout_ms 约束
func (r *Runner) correlateOnce(ctx context.Context, eng Correlator, values []float32, units int) (*engine.Result, error) {
	if timeout := r.cfg.ComputeTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return eng.Correlate(ctx, values, units)
}

// emit 聚合单个评估单元的前向统计并写入结果行
func (r *Runner) emit(ctx context.Context, lib *library.Library, unit model.EvaluationUnit, res *engine.Result, u int, agg *forward.Aggregator) error {
	ranked := res.Ranked[u]
	matches := make([]model.CorrelationMatch, 0, len(ranked))
	for _, p := range ranked {
		matches = append(matches, model.CorrelationMatch{
			Unit:    unit,
			Window:  lib.Provenance[p],
			AvgCorr: float64(res.Corr(u, p)),
		})
	}

	stats, err := agg.Aggregate(ctx, matches)
	if err != nil {
		return err
	}

	row := model.ResultRow{
		Code:            unit.Code,
		WindowSize:      r.cfg.Backtest.WindowSize,
		Threshold:       r.cfg.Backtest.Threshold,
		Date:            unit.Date,
		ComparisonCount: lib.InstrumentCount,
		MatchCount:      len(ranked),
		MatchesUsed:     stats.Used,
		Stats:           stats,
	}
	if err := r.sink.Append(row); err != nil {
		return err
	}
	r.totalRows++
	r.totalMatches += len(ranked)

	r.logger.Debug("评估单元完成",
		zap.String("code", unit.Code),
		zap.Time("date", unit.Date),
		zap.Int("matches", len(ranked)),
		zap.Int("matches_used", stats.Used))
	return nil
}
