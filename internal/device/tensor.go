package device

import "fmt"

// Tensor 行优先布局的多维 float32 张量
// 数据归属于创建它的 Device，经 Free 释放后不可再使用
type Tensor struct {
	dev   *Device
	data  []float32
	shape []int
}

// Shape 返回张量形状
func (t *Tensor) Shape() []int {
	return t.shape
}

// Size 返回元素总数
func (t *Tensor) Size() int {
	n := 1
	for _, dim := range t.shape {
		n *= dim
	}
	return n
}

// Data 返回底层数据切片（行优先）
func (t *Tensor) Data() []float32 {
	return t.data
}

// At 按多维下标读取元素
func (t *Tensor) At(idx ...int) float32 {
	return t.data[t.offset(idx)]
}

// Set 按多维下标写入元素
func (t *Tensor) Set(v float32, idx ...int) {
	t.data[t.offset(idx)] = v
}

// offset 计算行优先偏移量
func (t *Tensor) offset(idx []int) int {
	if len(idx) != len(t.shape) {
		panic(fmt.Sprintf("下标维度 %d 与张量维度 %d 不符", len(idx), len(t.shape)))
	}
	off := 0
	for i, x := range idx {
		if x < 0 || x >= t.shape[i] {
			panic(fmt.Sprintf("下标 %v 超出形状 %v", idx, t.shape))
		}
		off = off*t.shape[i] + x
	}
	return off
}
