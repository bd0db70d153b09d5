// Package engine 实现评估窗口与历史窗口库之间的皮尔逊相关性计算。
// 逐字段计算相关系数后取平均，再过滤自相关与低于阈值的窗口，
// 全部张量经计算设备分配，内存不足时原样上抛由调度器处理。
package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"pattern-match-backtester/internal/device"
	"pattern-match-backtester/internal/library"
)

const (
	// selfCorrCutoff 自相关判定下限
	// 平均相关系数达到该值视为窗口与自身（或其平移副本）比较，直接置零
	selfCorrCutoff = 0.9999
	// epsilon 标准差乘积的防零修正项
	epsilon = 1e-8
)

// Result 一个子批次的相关性计算结果
type Result struct {
	// Units 子批次内评估单元数
	Units int
	// Periods 历史窗口数
	Periods int
	// AvgCorr 平均相关系数矩阵，行优先 [Units][Periods]
	// 自相关窗口已置零
	AvgCorr []float32
	// Ranked 每个评估单元达到阈值的历史窗口下标，按相关系数降序
	Ranked [][]int
}

// Corr 返回评估单元 u 与历史窗口 p 的平均相关系数
func (r *Result) Corr(u, p int) float32 {
	return r.AvgCorr[u*r.Periods+p]
}

// Engine 相关性计算引擎
// 窗口库经 LoadLibrary 驻留设备并完成中心化预处理，
// 之后每个子批次只需上载评估窗口。
type Engine struct {
	dev       *device.Device
	logger    *zap.Logger
	threshold float64

	lib     *library.Library
	libT    *device.Tensor // 中心化后的库数据 [P][w][f]
	libStd  *device.Tensor // 每个库窗口逐字段的标准差项 [P][f]
	periods int
	window  int
	fields  int
}

// New 创建相关性计算引擎
func New(dev *device.Device, logger *zap.Logger, threshold float64) *Engine {
	return &Engine{dev: dev, logger: logger, threshold: threshold}
}

// LoadLibrary 将窗口库上载到设备并完成中心化
// 中心化与标准差只依赖库本身，对所有子批次复用
func (e *Engine) LoadLibrary(lib *library.Library) error {
	p, w, f := lib.Periods(), lib.WindowSize, len(lib.Fields)

	libT, err := e.dev.NewTensor(p, w, f)
	if err != nil {
		return fmt.Errorf("窗口库张量分配失败: %w", err)
	}
	libStd, err := e.dev.NewTensor(p, f)
	if err != nil {
		e.dev.Free(libT)
		return fmt.Errorf("窗口库标准差张量分配失败: %w", err)
	}

	copy(libT.Data(), lib.Values)
	centerAndStd(libT.Data(), libStd.Data(), p, w, f)

	e.lib = lib
	e.libT = libT
	e.libStd = libStd
	e.periods, e.window, e.fields = p, w, f

	e.logger.Debug("窗口库已上载设备",
		zap.Int("periods", p),
		zap.Int("window_size", w),
		zap.Int("fields", f))
	return nil
}

// ReleaseLibrary 释放驻留设备的窗口库张量
func (e *Engine) ReleaseLibrary() {
	e.dev.Free(e.libT)
	e.dev.Free(e.libStd)
	e.libT, e.libStd, e.lib = nil, nil, nil
}

// Correlate 计算一个子批次评估窗口与整个窗口库的平均相关系数
// 参数 values: 行优先评估窗口数据，形状 [units][w][f]
// 设备内存不足时返回包装后的 device.ErrOutOfMemory，调用方可据此缩小子批次
// ctx 超时或取消在各计算阶段之间生效，单个阶段内不可抢占
func (e *Engine) Correlate(ctx context.Context, values []float32, units int) (*Result, error) {
	if e.libT == nil {
		return nil, fmt.Errorf("窗口库尚未上载设备")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, f, p := e.window, e.fields, e.periods
	if len(values) != units*w*f {
		return nil, fmt.Errorf("评估数据长度 %d 与形状 [%d %d %d] 不符", len(values), units, w, f)
	}

	evalT, err := e.dev.NewTensor(units, w, f)
	if err != nil {
		return nil, fmt.Errorf("评估窗口张量分配失败: %w", err)
	}
	defer e.dev.Free(evalT)
	evalStd, err := e.dev.NewTensor(units, f)
	if err != nil {
		return nil, fmt.Errorf("评估标准差张量分配失败: %w", err)
	}
	defer e.dev.Free(evalStd)

	copy(evalT.Data(), values)
	centerAndStd(evalT.Data(), evalStd.Data(), units, w, f)

	// 广播乘积张量是整个流程的内存峰值所在
	prod, err := e.dev.NewTensor(units, p, w, f)
	if err != nil {
		return nil, fmt.Errorf("广播乘积张量分配失败: %w", err)
	}
	defer e.dev.Free(prod)
	cov, err := e.dev.NewTensor(units, p, f)
	if err != nil {
		return nil, fmt.Errorf("协方差张量分配失败: %w", err)
	}
	defer e.dev.Free(cov)
	corr, err := e.dev.NewTensor(units, p, f)
	if err != nil {
		return nil, fmt.Errorf("相关系数张量分配失败: %w", err)
	}
	defer e.dev.Free(corr)
	avg, err := e.dev.NewTensor(units, p)
	if err != nil {
		return nil, fmt.Errorf("平均相关系数张量分配失败: %w", err)
	}
	defer e.dev.Free(avg)

	eData, lData := evalT.Data(), e.libT.Data()
	pData, cData, rData, aData := prod.Data(), cov.Data(), corr.Data(), avg.Data()
	eStd, lStd := evalStd.Data(), e.libStd.Data()

	// prod[u,p,j,k] = centeredEval[u,j,k] * centeredLib[p,j,k]
	for u := 0; u < units; u++ {
		eBase := u * w * f
		for pi := 0; pi < p; pi++ {
			lBase := pi * w * f
			dst := ((u*p)+pi)*w*f
			for x := 0; x < w*f; x++ {
				pData[dst+x] = eData[eBase+x] * lData[lBase+x]
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// cov[u,p,k] = Σ_j prod[u,p,j,k]；求和以 float64 累加
	for up := 0; up < units*p; up++ {
		base := up * w * f
		for k := 0; k < f; k++ {
			var sum float64
			for j := 0; j < w; j++ {
				sum += float64(pData[base+j*f+k])
			}
			cData[up*f+k] = float32(sum)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// corr[u,p,k] = cov / (stdE * stdL + epsilon)
	for u := 0; u < units; u++ {
		for pi := 0; pi < p; pi++ {
			for k := 0; k < f; k++ {
				denom := float64(eStd[u*f+k])*float64(lStd[pi*f+k]) + epsilon
				rData[(u*p+pi)*f+k] = float32(float64(cData[(u*p+pi)*f+k]) / denom)
			}
		}
	}

	// 逐字段平均，并在阈值判定前置零自相关窗口
	for up := 0; up < units*p; up++ {
		var sum float64
		for k := 0; k < f; k++ {
			sum += float64(rData[up*f+k])
		}
		v := float32(sum / float64(f))
		if v >= selfCorrCutoff {
			v = 0
		}
		aData[up] = v
	}

	res := &Result{
		Units:   units,
		Periods: p,
		AvgCorr: append([]float32(nil), aData...),
		Ranked:  make([][]int, units),
	}
	for u := 0; u < units; u++ {
		row := res.AvgCorr[u*p : (u+1)*p]
		var idx []int
		for pi, v := range row {
			if float64(v) > e.threshold {
				idx = append(idx, pi)
			}
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return row[idx[a]] > row[idx[b]]
		})
		res.Ranked[u] = idx
	}
	return res, nil
}

// centerAndStd 对 [n][w][f] 布局的数据逐 (样本, 字段) 去均值，
// 并把去均值后平方和的平方根写入 std（形状 [n][f]）
func centerAndStd(data, std []float32, n, w, f int) {
	for i := 0; i < n; i++ {
		base := i * w * f
		for k := 0; k < f; k++ {
			var sum float64
			for j := 0; j < w; j++ {
				sum += float64(data[base+j*f+k])
			}
			mean := sum / float64(w)
			var sq float64
			for j := 0; j < w; j++ {
				c := float64(data[base+j*f+k]) - mean
				data[base+j*f+k] = float32(c)
				sq += c * c
			}
			std[i*f+k] = float32(math.Sqrt(sq))
		}
	}
}
