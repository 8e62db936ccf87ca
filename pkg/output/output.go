// Package output 提供样本流式输出插件：运行期间把原始样本转发到文件、
// Prometheus 等外部系统，与聚合器相互独立。
package output

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"yqhp/perfsec/pkg/metrics"
)

// Output 定义输出插件接口
type Output interface {
	// Description 返回输出插件的描述
	Description() string

	// Start 启动输出插件
	Start() error

	// Stop 停止输出插件，必须先处理完已收到的样本
	Stop() error

	// AddMetricSamples 添加指标样本
	AddMetricSamples(samples []metrics.Sample)

	// SetRunStatus 设置运行状态（用于最终汇总）
	SetRunStatus(status RunStatus)
}

// RunStatus 表示测试运行状态
type RunStatus struct {
	Status string // completed, cancelled
	Reason string
	Error  error
}

// Params 是创建 Output 时的参数
type Params struct {
	// OutputType 输出类型
	OutputType string

	// ConfigArgument 配置参数（如文件路径）
	ConfigArgument string

	// Logger 日志记录器
	Logger *zap.Logger

	// RunID 运行 ID
	RunID string

	// Name 测试名称
	Name string

	// Registerer 供需要暴露 Prometheus 指标的输出使用
	Registerer prometheus.Registerer
}

// Factory 是创建 Output 的工厂函数类型
type Factory func(params Params) (Output, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register 注册输出工厂
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get 获取输出工厂
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// List 列出所有已注册的输出类型
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create 创建输出实例
func Create(outputType string, params Params) (Output, error) {
	factory, ok := Get(outputType)
	if !ok {
		return nil, &UnknownOutputError{Type: outputType}
	}
	params.OutputType = outputType
	if params.Logger == nil {
		params.Logger = zap.NewNop()
	}
	return factory(params)
}

// ParseSpec 解析 "type=arg" 形式的输出描述，arg 可以为空
func ParseSpec(spec string) (outputType, arg string, err error) {
	outputType, arg, _ = strings.Cut(strings.TrimSpace(spec), "=")
	if outputType == "" {
		return "", "", fmt.Errorf("empty output type in %q", spec)
	}
	return outputType, arg, nil
}

// UnknownOutputError 未知输出类型错误
type UnknownOutputError struct {
	Type string
}

func (e *UnknownOutputError) Error() string {
	return "unknown output type: " + e.Type
}
