// Package model 定义回测引擎中使用的核心数据结构。
// 包含 K 线、历史窗口、评测单元、相关性匹配与结果行等核心类型。
package model

import (
	"fmt"
	"time"
)

// Field 特征字段标识
type Field string

const (
	// FieldOpen 开盘价
	FieldOpen Field = "open"
	// FieldHigh 最高价
	FieldHigh Field = "high"
	// FieldLow 最低价
	FieldLow Field = "low"
	// FieldClose 收盘价
	FieldClose Field = "close"
	// FieldVolume 成交量
	FieldVolume Field = "volume"
)

// DefaultFields 默认字段子集（演进后的 3 字段版本）
// 仅保留 open/close/volume 以降低计算与设备内存压力
var DefaultFields = []Field{FieldOpen, FieldClose, FieldVolume}

// AllFields 全部 5 个字段
var AllFields = []Field{FieldOpen, FieldHigh, FieldLow, FieldClose, FieldVolume}

// ParseFields 将配置中的字段名列表解析为 Field 列表
// 返回: 解析结果，若包含未知字段则返回错误
func ParseFields(names []string) ([]Field, error) {
	if len(names) == 0 {
		return DefaultFields, nil
	}
	valid := map[Field]bool{
		FieldOpen: true, FieldHigh: true, FieldLow: true,
		FieldClose: true, FieldVolume: true,
	}
	fields := make([]Field, 0, len(names))
	for _, name := range names {
		f := Field(name)
		if !valid[f] {
			return nil, fmt.Errorf("未知的特征字段: %q", name)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// Bar 单日 OHLCV K 线
type Bar struct {
	// Date 交易日（按日归一化，UTC）
	Date time.Time
	// Open 开盘价
	Open float64
	// High 最高价
	High float64
	// Low 最低价
	Low float64
	// Close 收盘价
	Close float64
	// Volume 成交量
	Volume float64
}

// Value 按字段取值
func (b Bar) Value(f Field) float64 {
	switch f {
	case FieldOpen:
		return b.Open
	case FieldHigh:
		return b.High
	case FieldLow:
		return b.Low
	case FieldClose:
		return b.Close
	case FieldVolume:
		return b.Volume
	}
	return 0
}

// Date 构造按日归一化的 UTC 日期
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
