// Package csv 把样本写入 CSV 文件，每行一个样本。
package csv

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/maputil"
	"github.com/duke-git/lancet/v2/slice"
	"go.uber.org/zap"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
)

// header 是文件首行
var header = []string{"metric_name", "timestamp", "metric_value", "name", "method", "status", "extra_tags"}

// fixedColumns 是有独立列的标签
var fixedColumns = map[string]bool{"name": true, "method": true, "status": true}

func init() {
	output.Register("csv", New)
}

// Output 是 CSV 文件输出
type Output struct {
	params output.Params
	log    *zap.Logger

	mu        sync.Mutex
	file      *os.File
	buf       *bufio.Writer
	writer    *csv.Writer
	runStatus output.RunStatus
	written   int64
}

// New 创建 CSV 输出，参数为文件路径
func New(params output.Params) (output.Output, error) {
	log := params.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Output{params: params, log: log}, nil
}

// Description 返回描述
func (o *Output) Description() string {
	return fmt.Sprintf("csv (%s)", o.params.ConfigArgument)
}

// Start 创建文件并写入表头
func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	filename := o.params.ConfigArgument
	if filename == "" {
		filename = fmt.Sprintf("samples_%s.csv", time.Now().Format("20060102_150405"))
	}
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create csv output file: %w", err)
	}
	o.file = file
	o.buf = bufio.NewWriter(file)
	o.writer = csv.NewWriter(o.buf)
	return o.writer.Write(header)
}

// Stop 刷新并关闭文件
func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return nil
	}
	o.writer.Flush()
	err := o.writer.Error()
	if ferr := o.buf.Flush(); err == nil {
		err = ferr
	}
	if cerr := o.file.Close(); err == nil {
		err = cerr
	}
	o.file = nil
	o.log.Debug("csv 输出已关闭", zap.Int64("samples", o.written), zap.String("status", o.runStatus.Status))
	return err
}

// AddMetricSamples 写出样本
func (o *Output) AddMetricSamples(samples []metrics.Sample) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return
	}
	for _, s := range samples {
		if err := o.writer.Write(row(s)); err != nil {
			o.log.Error("写入 CSV 失败", zap.Error(err))
			continue
		}
		o.written++
	}
}

// SetRunStatus 设置运行状态
func (o *Output) SetRunStatus(status output.RunStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runStatus = status
}

// row 把常用标签放到固定列，其余标签按键排序后写成 k=v&k=v
func row(s metrics.Sample) []string {
	extra := slice.Map(maputil.Keys(maputil.Filter(s.Tags, func(k, _ string) bool {
		return !fixedColumns[k]
	})), func(_ int, k string) string { return k + "=" + s.Tags[k] })
	sort.Strings(extra)
	return []string{
		s.Metric,
		strconv.FormatInt(s.Time.Unix(), 10),
		strconv.FormatFloat(s.Value, 'f', -1, 64),
		s.Tags["name"],
		s.Tags["method"],
		s.Tags["status"],
		strings.Join(extra, "&"),
	}
}
