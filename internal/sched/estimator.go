// Package sched 负责回测运行的整体调度：按设备内存预算
// 切分子批次、处理内存不足时的降批重试，并串联窗口库构建、
// 相关性计算、前向统计与结果落盘。
package sched

// shrinkFactor 可用预算的保守收缩系数
// 设备内存池的保留开销无法精确建模，按估算值的九成规划
const shrinkFactor = 0.9

// floatBytes float32 元素字节数
const floatBytes = 4

// LibraryBytes 估算窗口库驻留设备的字节数
// 对应中心化库数据 [P][w][f] 与逐窗口标准差 [P][f]
func LibraryBytes(periods, window, fields int) int64 {
	p, w, f := int64(periods), int64(window), int64(fields)
	return floatBytes * (p*w*f + p*f)
}

// BatchBytes 估算一个子批次相关性计算的设备字节数
// 对应评估窗口、评估标准差、广播乘积、协方差、相关系数
// 与平均相关系数六个张量
func BatchBytes(units, periods, window, fields int) int64 {
	u, p, w, f := int64(units), int64(periods), int64(window), int64(fields)
	return floatBytes * (u*w*f + u*f + u*p*w*f + 2*u*p*f + u*p)
}

// MaxBatchUnits 计算预算内单个子批次可容纳的最大评估单元数
// 可用预算为总预算扣除窗口库驻留后再乘收缩系数；
// 结果不超过 cap，且至少为 1（由降批重试兜底）
func MaxBatchUnits(budgetBytes int64, periods, window, fields, cap int) int {
	if budgetBytes <= 0 {
		return cap
	}

	usable := int64(float64(budgetBytes-LibraryBytes(periods, window, fields)) * shrinkFactor)
	perUnit := BatchBytes(1, periods, window, fields)

	units := int(usable / perUnit)
	if units > cap {
		units = cap
	}
	if units < 1 {
		units = 1
	}
	return units
}
