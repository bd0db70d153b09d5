package series

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pattern-match-backtester/internal/core/model"
)

// CSVStore 基于本地 CSV 目录的序列存储
// 目录布局: <base_dir>/stock_<code>_data/<code>_daily_history.csv
// 文件格式: UTF-8（可带 BOM），表头 datetime,open,high,low,close,volume
type CSVStore struct {
	// baseDir 数据根目录
	baseDir string
	// logger 日志记录器
	logger *zap.Logger
}

// NewCSVStore 创建 CSV 序列存储
// 参数 baseDir: 数据根目录
func NewCSVStore(baseDir string, logger *zap.Logger) *CSVStore {
	return &CSVStore{baseDir: baseDir, logger: logger}
}

// Load 加载指定股票的日线序列
// 返回的序列保证日期严格递增；文件缺失或无有效记录时返回 ErrNoData
func (s *CSVStore) Load(ctx context.Context, code string) ([]model.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.baseDir, fmt.Sprintf("stock_%s_data", code), fmt.Sprintf("%s_daily_history.csv", code))
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Warn("数据文件不存在", zap.String("code", code), zap.String("path", path))
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("打开数据文件失败: %w", err)
	}
	defer f.Close()

	bars, err := parseBars(f)
	if err != nil {
		return nil, fmt.Errorf("解析数据文件 %s 失败: %w", path, err)
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}

	s.logger.Debug("股票数据加载完成",
		zap.String("code", code),
		zap.Int("bars", len(bars)),
		zap.Time("first", bars[0].Date),
		zap.Time("last", bars[len(bars)-1].Date))
	return bars, nil
}

// 列索引由表头确定；datetime 列接受 YYYY-MM-DD 或 YYYY-MM-DD HH:MM:SS
func parseBars(r io.Reader) ([]model.Bar, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("读取表头失败: %w", err)
	}
	// 去除可能的 UTF-8 BOM
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	maxIdx := 0
	for _, required := range []string{"datetime", "open", "high", "low", "close", "volume"} {
		idx, ok := col[required]
		if !ok {
			return nil, fmt.Errorf("表头缺少必需列 %q", required)
		}
		if idx > maxIdx {
			maxIdx = idx
		}
	}

	var bars []model.Bar
	var prev time.Time
	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("第 %d 行读取失败: %w", line+1, err)
		}
		line++

		if len(record) <= maxIdx {
			return nil, fmt.Errorf("第 %d 行只有 %d 列，不足以覆盖必需列", line, len(record))
		}

		date, err := parseDate(record[col["datetime"]])
		if err != nil {
			return nil, fmt.Errorf("第 %d 行日期无效: %w", line, err)
		}
		if !prev.IsZero() && !date.After(prev) {
			return nil, fmt.Errorf("第 %d 行日期 %s 未严格递增", line, date.Format("2006-01-02"))
		}
		prev = date

		bar := model.Bar{Date: date}
		for _, fv := range []struct {
			name string
			dst  *float64
		}{
			{"open", &bar.Open}, {"high", &bar.High}, {"low", &bar.Low},
			{"close", &bar.Close}, {"volume", &bar.Volume},
		} {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[col[fv.name]]), 64)
			if err != nil {
				return nil, fmt.Errorf("第 %d 行 %s 列无效: %w", line, fv.name, err)
			}
			*fv.dst = v
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return model.Date(t.Year(), t.Month(), t.Day()), nil
		}
	}
	return time.Time{}, fmt.Errorf("无法解析日期 %q", raw)
}
