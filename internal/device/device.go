// Package device 提供带内存预算的计算设备抽象。
// 张量分配统一经过设备记账，超出预算返回 ErrOutOfMemory，
// 使调度器的分批与重试逻辑建立在真实的内存约束上。
package device

import (
	"errors"
	"fmt"
)

// ErrOutOfMemory 表示设备内存预算耗尽
// 调度器据此对当前子批次减半重试；引擎内部不做重试
var ErrOutOfMemory = errors.New("device: 内存预算耗尽")

// MemStats 设备内存统计
// Reserved 模拟内存池语义：随分配增长，只在 Reset（清空缓存）时回落
type MemStats struct {
	// AllocatedBytes 当前已分配字节数
	AllocatedBytes int64
	// ReservedBytes 当前已保留字节数（内存池）
	ReservedBytes int64
	// PeakAllocatedBytes 已分配峰值
	PeakAllocatedBytes int64
	// PeakReservedBytes 已保留峰值
	PeakReservedBytes int64
}

// Device 计算设备
// 注意：本结构体由调度器单 goroutine 使用，不做内部加锁。
type Device struct {
	// budgetBytes 内存预算（字节）
	budgetBytes int64

	allocated     int64
	reserved      int64
	peakAllocated int64
	peakReserved  int64
}

// New 创建计算设备
// 参数 budgetBytes: 内存预算（字节），不大于 0 时视为无限制
func New(budgetBytes int64) *Device {
	return &Device{budgetBytes: budgetBytes}
}

// BudgetBytes 返回内存预算（字节）
func (d *Device) BudgetBytes() int64 {
	return d.budgetBytes
}

// NewTensor 分配指定形状的 float32 张量
// 超出预算时返回 ErrOutOfMemory，不做部分分配
func (d *Device) NewTensor(shape ...int) (*Tensor, error) {
	n := 1
	for _, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("非法的张量维度 %v", shape)
		}
		n *= dim
	}

	bytes := int64(n) * 4
	if d.budgetBytes > 0 && d.allocated+bytes > d.budgetBytes {
		return nil, fmt.Errorf("分配 %d 字节失败（已分配 %d / 预算 %d）: %w",
			bytes, d.allocated, d.budgetBytes, ErrOutOfMemory)
	}

	d.allocated += bytes
	if d.allocated > d.peakAllocated {
		d.peakAllocated = d.allocated
	}
	if d.allocated > d.reserved {
		d.reserved = d.allocated
	}
	if d.reserved > d.peakReserved {
		d.peakReserved = d.reserved
	}

	return &Tensor{
		dev:   d,
		data:  make([]float32, n),
		shape: append([]int(nil), shape...),
	}, nil
}

// Free 释放张量
// 已分配字节数回落；保留字节数不变（内存池语义）
func (d *Device) Free(t *Tensor) {
	if t == nil || t.dev != d || t.data == nil {
		return
	}
	d.allocated -= int64(len(t.data)) * 4
	t.data = nil
	t.dev = nil
}

// Reset 清空内存池缓存
// 将保留字节数回落到当前已分配水平，对应子批次之间的显存释放
func (d *Device) Reset() {
	d.reserved = d.allocated
}

// Stats 返回当前内存统计快照
func (d *Device) Stats() MemStats {
	return MemStats{
		AllocatedBytes:     d.allocated,
		ReservedBytes:      d.reserved,
		PeakAllocatedBytes: d.peakAllocated,
		PeakReservedBytes:  d.peakReserved,
	}
}
