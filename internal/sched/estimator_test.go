package sched

import "testing"

func TestLibraryBytes(t *testing.T) {
	// 100 个窗口 × 15 天 × 3 字段 + 100 × 3 标准差，各 4 字节
	got := LibraryBytes(100, 15, 3)
	want := int64(4 * (100*15*3 + 100*3))
	if got != want {
		t.Fatalf("LibraryBytes = %d, 期望 %d", got, want)
	}
}

func TestBatchBytes(t *testing.T) {
	// 6 个张量：评估窗口、评估标准差、广播乘积、协方差、相关系数、平均
	got := BatchBytes(10, 100, 15, 3)
	want := int64(4 * (10*15*3 + 10*3 + 10*100*15*3 + 2*10*100*3 + 10*100))
	if got != want {
		t.Fatalf("BatchBytes = %d, 期望 %d", got, want)
	}
}

func TestMaxBatchUnitsRespectsBudget(t *testing.T) {
	periods, window, fields := 100, 15, 3
	budget := LibraryBytes(periods, window, fields) + 4*BatchBytes(1, periods, window, fields)

	units := MaxBatchUnits(budget, periods, window, fields, 30)
	if units < 1 || units > 4 {
		t.Fatalf("units = %d, 期望落在 [1, 4]", units)
	}
	// 估算批次在收缩后的预算之内
	usable := int64(float64(budget-LibraryBytes(periods, window, fields)) * shrinkFactor)
	if BatchBytes(units, periods, window, fields) > usable {
		t.Fatalf("估算批次超出收缩后预算")
	}
}

func TestMaxBatchUnitsCapAndFloor(t *testing.T) {
	if got := MaxBatchUnits(0, 100, 15, 3, 30); got != 30 {
		t.Fatalf("无预算限制时应取上限, 实际 %d", got)
	}
	if got := MaxBatchUnits(1, 100, 15, 3, 30); got != 1 {
		t.Fatalf("预算过小时下限为 1, 实际 %d", got)
	}
	if got := MaxBatchUnits(1<<40, 100, 15, 3, 30); got != 30 {
		t.Fatalf("预算充裕时不应超过上限, 实际 %d", got)
	}
}
