// Package telemetry 提供运行期遥测：运行标识、分级阶段计时
// 与设备内存峰值报告。
package telemetry

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pattern-match-backtester/internal/device"
)

// span 一个计时阶段，子阶段挂在父阶段之下
type span struct {
	name     string
	start    time.Time
	elapsed  time.Duration
	parent   *span
	children []*span
}

// Tracker 运行遥测跟踪器
// 单 goroutine 使用；阶段嵌套由 Start/stop 的调用顺序决定
type Tracker struct {
	runID   string
	logger  *zap.Logger
	root    *span
	current *span
	clock   func() time.Time
}

// NewTracker 创建遥测跟踪器并生成本次运行的唯一标识
func NewTracker(logger *zap.Logger) *Tracker {
	root := &span{name: "run", start: time.Now()}
	return &Tracker{
		runID:   uuid.NewString(),
		logger:  logger,
		root:    root,
		current: root,
		clock:   time.Now,
	}
}

// RunID 返回本次运行的唯一标识
func (t *Tracker) RunID() string {
	return t.runID
}

// Start 开启一个计时阶段，返回的函数用于结束该阶段
// 在上一个 Start 未结束前再次 Start 形成嵌套子阶段；
// 同级同名阶段累计耗时（子批次循环里反复出现的阶段汇总为一条）
func (t *Tracker) Start(name string) func() {
	var s *span
	for _, c := range t.current.children {
		if c.name == name {
			s = c
			break
		}
	}
	if s == nil {
		s = &span{name: name, parent: t.current}
		t.current.children = append(t.current.children, s)
	}
	s.start = t.clock()
	t.current = s
	return func() {
		s.elapsed += t.clock().Sub(s.start)
		t.current = s.parent
	}
}

// Report 结束计时并输出阶段耗时与设备内存峰值
// 各阶段耗时附带其占总耗时的百分比
func (t *Tracker) Report(mem device.MemStats) {
	t.root.elapsed = t.clock().Sub(t.root.start)
	total := t.root.elapsed
	if total <= 0 {
		total = time.Nanosecond
	}

	t.logger.Info("运行耗时汇总",
		zap.String("run_id", t.runID),
		zap.Duration("total", t.root.elapsed))
	t.report(t.root.children, "", total)

	t.logger.Info("设备内存峰值",
		zap.String("run_id", t.runID),
		zap.Int64("peak_allocated_bytes", mem.PeakAllocatedBytes),
		zap.Int64("peak_reserved_bytes", mem.PeakReservedBytes))
}

func (t *Tracker) report(spans []*span, prefix string, total time.Duration) {
	for _, s := range spans {
		t.logger.Info("阶段耗时",
			zap.String("stage", prefix+s.name),
			zap.Duration("elapsed", s.elapsed),
			zap.Float64("percent", float64(s.elapsed)/float64(total)*100))
		t.report(s.children, prefix+s.name+"/", total)
	}
}

// Stages 返回顶层阶段名到耗时的映射，测试用
func (t *Tracker) Stages() map[string]time.Duration {
	out := make(map[string]time.Duration, len(t.root.children))
	for _, s := range t.root.children {
		out[s.name] = s.elapsed
	}
	return out
}
