package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// MetricType 定义指标类型
type MetricType string

const (
	// Counter 计数器类型，只增不减
	Counter MetricType = "counter"
	// Gauge 仪表盘类型，记录最新值
	Gauge MetricType = "gauge"
	// Rate 比率类型，计算非零样本的比例
	Rate MetricType = "rate"
	// Trend 趋势类型，计算百分位数等统计值
	Trend MetricType = "trend"
)

// 内置指标名称
const (
	HTTPReqs          = "http_reqs"
	HTTPReqDuration   = "http_req_duration"
	HTTPReqFailed     = "http_req_failed"
	Checks            = "checks"
	Iterations        = "iterations"
	IterationDuration = "iteration_duration"
	IterationCrashes  = "iteration_crashes"
	VUs               = "vus"
	VUsMax            = "vus_max"
	DataReceived      = "data_received"
)

// BuiltinTypes 返回内置指标及其类型
func BuiltinTypes() map[string]MetricType {
	return map[string]MetricType{
		HTTPReqs:          Counter,
		HTTPReqDuration:   Trend,
		HTTPReqFailed:     Rate,
		Checks:            Rate,
		Iterations:        Counter,
		IterationDuration: Trend,
		IterationCrashes:  Counter,
		VUs:               Gauge,
		VUsMax:            Gauge,
		DataReceived:      Counter,
	}
}

// Sample 表示单个指标样本，创建后不可修改
type Sample struct {
	Metric string
	Type   MetricType
	Value  float64
	// Time 使用单调时钟读数
	Time time.Time
	Tags map[string]string
}

// NewSample 创建样本，复制标签避免调用方后续修改
func NewSample(metric string, typ MetricType, value float64, tags map[string]string) Sample {
	var copied map[string]string
	if len(tags) > 0 {
		copied = make(map[string]string, len(tags))
		for k, v := range tags {
			copied[k] = v
		}
	}
	return Sample{Metric: metric, Type: typ, Value: value, Time: time.Now(), Tags: copied}
}

// Recorder 接收样本，必须可以被并发调用
type Recorder interface {
	Record(sample Sample)
}

// RecorderFunc 将函数适配为 Recorder
type RecorderFunc func(sample Sample)

// Record 调用 f(sample)
func (f RecorderFunc) Record(sample Sample) { f(sample) }

type tee []Recorder

func (t tee) Record(sample Sample) {
	for _, r := range t {
		r.Record(sample)
	}
}

// Tee 将样本依次转发到多个 Recorder
func Tee(recorders ...Recorder) Recorder {
	out := make(tee, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}

// Submetric 是按标签过滤的子指标，例如 http_req_duration{name:login}
type Submetric struct {
	Parent string
	Tags   map[string]string
}

// ParseSubmetric 解析 "metric{k:v,k2:v2}" 形式的名称。没有大括号时 Tags 为空
func ParseSubmetric(name string) (Submetric, error) {
	name = strings.TrimSpace(name)
	open := strings.IndexByte(name, '{')
	if open < 0 {
		if name == "" {
			return Submetric{}, fmt.Errorf("empty metric name")
		}
		return Submetric{Parent: name}, nil
	}
	if !strings.HasSuffix(name, "}") || open == 0 {
		return Submetric{}, fmt.Errorf("malformed submetric %q", name)
	}

	sm := Submetric{Parent: name[:open], Tags: make(map[string]string)}
	body := name[open+1 : len(name)-1]
	for _, pair := range strings.Split(body, ",") {
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" {
			return Submetric{}, fmt.Errorf("malformed tag %q in %q", pair, name)
		}
		sm.Tags[strings.TrimSpace(kv[0])] = strings.Trim(strings.TrimSpace(kv[1]), `"'`)
	}
	return sm, nil
}

// Name 返回规范化名称，标签按键排序
func (s Submetric) Name() string {
	if len(s.Tags) == 0 {
		return s.Parent
	}
	keys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ":" + s.Tags[k]
	}
	return s.Parent + "{" + strings.Join(parts, ",") + "}"
}

// Matches 检查样本是否属于该子指标
func (s Submetric) Matches(sample Sample) bool {
	if sample.Metric != s.Parent {
		return false
	}
	for k, v := range s.Tags {
		if sample.Tags[k] != v {
			return false
		}
	}
	return true
}
