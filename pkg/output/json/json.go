// Package json 提供 NDJSON 样本输出：每行一个样本。
package json

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
)

func init() {
	output.Register("json", New)
}

// point 是写出的一行
type point struct {
	Type   string            `json:"type"`
	Metric string            `json:"metric"`
	Time   int64             `json:"time"`
	Value  float64           `json:"value"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// Output JSON 文件输出
type Output struct {
	params    output.Params
	file      *os.File
	writer    *bufio.Writer
	encoder   sonic.Encoder
	mu        sync.Mutex
	runStatus output.RunStatus
	written   int64
}

// New 创建 JSON 输出
func New(params output.Params) (output.Output, error) {
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}
	return &Output{params: params}, nil
}

// Description 返回描述
func (o *Output) Description() string {
	return fmt.Sprintf("json (%s)", o.params.ConfigArgument)
}

// Start 创建输出文件
func (o *Output) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	filename := o.params.ConfigArgument
	if filename == "" {
		filename = fmt.Sprintf("samples_%s.ndjson", time.Now().Format("20060102_150405"))
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create json output file: %w", err)
	}

	o.file = file
	o.writer = bufio.NewWriter(file)
	o.encoder = sonic.ConfigDefault.NewEncoder(o.writer)
	return nil
}

// Stop 刷新并关闭文件
func (o *Output) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return nil
	}
	flushErr := o.writer.Flush()
	closeErr := o.file.Close()
	o.file = nil
	o.params.Logger.Debug("json 输出已关闭",
		zap.Int64("samples", o.written), zap.String("status", o.runStatus.Status))
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// AddMetricSamples 写出样本
func (o *Output) AddMetricSamples(samples []metrics.Sample) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.file == nil {
		return
	}

	for _, s := range samples {
		p := point{Type: "Point", Metric: s.Metric, Time: s.Time.UnixMilli(), Value: s.Value, Tags: s.Tags}
		if err := o.encoder.Encode(p); err != nil {
			o.params.Logger.Error("写入 JSON 失败", zap.Error(err))
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
