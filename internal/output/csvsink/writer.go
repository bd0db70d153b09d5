// Package csvsink 负责评估结果的 CSV 落盘。
// 结果文件跨多次运行追加写入；旧版本文件缺少实际计算数量列时
// 在打开阶段自动迁移补齐。
package csvsink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"pattern-match-backtester/internal/core/model"
)

// header 结果文件列定义，顺序即落盘顺序
var header = []string{
	"code",
	"window_size",
	"threshold",
	"evaluation_date",
	"comparison_instrument_count",
	"match_count",
	"matches_used_count",
	"next_day_gap_up_ratio",
	"next_day_up_ratio",
	"day3_up_ratio",
	"day5_up_ratio",
	"day10_up_ratio",
}

// matchesUsedColumn 迁移补齐的列及其插入位置
const (
	matchesUsedColumn = "matches_used_count"
	matchesUsedIndex  = 6
)

// Writer 评估结果 CSV 写入器
// 单 goroutine 使用，不做内部加锁
type Writer struct {
	path   string
	logger *zap.Logger
	file   *os.File
	csv    *csv.Writer
}

// NewWriter 打开（或创建）结果文件
// 已存在的文件校验表头；缺少实际计算数量列的旧文件原地迁移
func NewWriter(path string, logger *zap.Logger) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	fresh := true
	if info, err := os.Stat(path); err == nil {
		if info.Size() > 0 {
			fresh = false
			if err := migrate(path, logger); err != nil {
				return nil, err
			}
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("检查结果文件失败: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开结果文件失败: %w", err)
	}
	w := &Writer{path: path, logger: logger, file: file, csv: csv.NewWriter(file)}

	if fresh {
		if err := w.csv.Write(header); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("写入表头失败: %w", err)
		}
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			_ = file.Close()
			return nil, fmt.Errorf("写入表头失败: %w", err)
		}
	}
	return w, nil
}

// Append 追加一行评估结果
func (w *Writer) Append(row model.ResultRow) error {
	record := []string{
		row.Code,
		fmt.Sprintf("%d", row.WindowSize),
		fmt.Sprintf("%.2f", row.Threshold),
		row.Date.Format("2006-01-02"),
		fmt.Sprintf("%d", row.ComparisonCount),
		fmt.Sprintf("%d", row.MatchCount),
		fmt.Sprintf("%d", row.MatchesUsed),
		formatRatio(row.Stats.NextGapUp),
		formatRatio(row.Stats.NextUp),
		formatRatio(row.Stats.Day3Up),
		formatRatio(row.Stats.Day5Up),
		formatRatio(row.Stats.Day10Up),
	}
	if err := w.csv.Write(record); err != nil {
		return fmt.Errorf("写入结果行失败: %w", err)
	}
	return nil
}

// Flush 将缓冲内容刷到文件
func (w *Writer) Flush() error {
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("刷新结果文件失败: %w", err)
	}
	return nil
}

// Close 刷新并关闭结果文件
func (w *Writer) Close() error {
	return multierr.Append(w.Flush(), w.file.Close())
}

// formatRatio 比例格式化为百分比，无有效样本时输出 N/A
func formatRatio(r model.Ratio) string {
	v, ok := r.Value()
	if !ok {
		return "N/A"
	}
	return fmt.Sprintf("%.2f%%", v*100)
}

// migrate 校验已有文件的表头
// 仅缺少实际计算数量列的旧文件允许迁移：插入该列并以 0 回填历史行；
// 其余表头差异视为文件损坏
func migrate(path string, logger *zap.Logger) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("打开已有结果文件失败: %w", err)
	}
	records, err := csv.NewReader(file).ReadAll()
	closeErr := file.Close()
	if err != nil {
		return multierr.Append(fmt.Errorf("读取已有结果文件失败: %w", err), closeErr)
	}
	if closeErr != nil {
		return closeErr
	}
	if len(records) == 0 {
		return fmt.Errorf("结果文件 %s 非空但无法解析出表头", path)
	}

	got := records[0]
	if equal(got, header) {
		return nil
	}

	legacy := append(append([]string(nil), header[:matchesUsedIndex]...), header[matchesUsedIndex+1:]...)
	if !equal(got, legacy) {
		return fmt.Errorf("结果文件 %s 表头不可识别: %v", path, got)
	}

	logger.Info("结果文件缺少实际计算数量列，执行迁移",
		zap.String("path", path),
		zap.Int("rows", len(records)-1))

	migrated := make([][]string, 0, len(records))
	migrated = append(migrated, header)
	for _, rec := range records[1:] {
		row := make([]string, 0, len(rec)+1)
		row = append(row, rec[:matchesUsedIndex]...)
		row = append(row, "0")
		row = append(row, rec[matchesUsedIndex:]...)
		migrated = append(migrated, row)
	}

	tmp := path + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("创建迁移临时文件失败: %w", err)
	}
	cw := csv.NewWriter(out)
	if err := cw.WriteAll(migrated); err != nil {
		_ = out.Close()
		return fmt.Errorf("写入迁移数据失败: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("关闭迁移临时文件失败: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("替换结果文件失败: %w", err)
	}
	return nil
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
