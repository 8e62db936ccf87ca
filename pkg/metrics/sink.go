package metrics

import (
	"math"
	"sync"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// 趋势直方图参数：以微秒为单位记录，3 位有效数字（相对误差 ≤0.1%）。
// 超过 TrendMaxValue 的值按上限记录，但 min/max/sum 仍然精确。
const (
	trendScale   = 1000.0
	trendLowest  = 1
	trendHighest = int64(3600 * 1000 * 1000) // 1 小时（微秒）
	trendSigFigs = 3

	// TrendRelativeErrBound 是对外承诺的百分位相对误差上限
	TrendRelativeErrBound = 0.01
)

// TrendMaxValue 是直方图可分辨的最大值（毫秒）
var TrendMaxValue = float64(trendHighest) / trendScale

// Sink 定义指标聚合器接口，实现必须并发安全
type Sink interface {
	// Add 添加一个样本值
	Add(sample Sample)
	// Snapshot 返回当前状态的只读副本
	Snapshot() SinkSnapshot
	// IsEmpty 检查是否为空
	IsEmpty() bool
}

// NewSink 根据指标类型创建对应的 Sink
func NewSink(metricType MetricType) Sink {
	switch metricType {
	case Gauge:
		return &GaugeSink{}
	case Rate:
		return &RateSink{}
	case Trend:
		return NewTrendSink()
	default:
		return &CounterSink{}
	}
}

// SinkSnapshot 是 Sink 在某一时刻的不可变副本
type SinkSnapshot struct {
	Type   MetricType
	Count  int64
	Sum    float64
	Min    float64
	Max    float64
	Value  float64
	Passes int64
	Fails  int64

	hist *hdrhistogram.Histogram
}

// IsEmpty 检查是否没有样本
func (s SinkSnapshot) IsEmpty() bool {
	return s.Count == 0
}

// Avg 返回平均值
func (s SinkSnapshot) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// Rate 返回比率（passes/total），在快照时计算
func (s SinkSnapshot) Rate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Passes) / float64(s.Count)
}

// Percentile 返回第 p 百分位数（0-100），结果限制在观测到的 [min, max] 内
func (s SinkSnapshot) Percentile(p float64) float64 {
	if s.Count == 0 {
		return 0
	}
	if s.hist == nil {
		// 非趋势类型没有分布信息
		return s.Max
	}
	if p <= 0 {
		return s.Min
	}
	if p >= 100 {
		return s.Max
	}
	v := float64(s.hist.ValueAtQuantile(p)) / trendScale
	return math.Min(math.Max(v, s.Min), s.Max)
}

// Values 返回 k6 风格的统计键值
func (s SinkSnapshot) Values() map[string]float64 {
	switch s.Type {
	case Counter:
		return map[string]float64{"count": s.Sum}
	case Gauge:
		return map[string]float64{"value": s.Value, "min": s.Min, "max": s.Max}
	case Rate:
		return map[string]float64{
			"rate":   s.Rate(),
			"passes": float64(s.Passes),
			"fails":  float64(s.Fails),
		}
	default:
		return map[string]float64{
			"count": float64(s.Count),
			"avg":   s.Avg(),
			"min":   s.Min,
			"max":   s.Max,
			"med":   s.Percentile(50),
			"p(90)": s.Percentile(90),
			"p(95)": s.Percentile(95),
			"p(99)": s.Percentile(99),
		}
	}
}

// CounterSink 计数器聚合器
type CounterSink struct {
	count int64
	sum   float64
	mu    sync.Mutex
}

// Add 添加样本
func (c *CounterSink) Add(sample Sample) {
	c.mu.Lock()
	c.count++
	c.sum += sample.Value
	c.mu.Unlock()
}

// Snapshot 返回快照
func (c *CounterSink) Snapshot() SinkSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SinkSnapshot{Type: Counter, Count: c.count, Sum: c.sum, Value: c.sum}
}

// IsEmpty 检查是否为空
func (c *CounterSink) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count == 0
}

// GaugeSink 仪表盘聚合器
type GaugeSink struct {
	value float64
	min   float64
	max   float64
	sum   float64
	count int64
	mu    sync.Mutex
}

// Add 添加样本
func (g *GaugeSink) Add(sample Sample) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.value = sample.Value
	g.sum += sample.Value
	if g.count == 0 || sample.Value < g.min {
		g.min = sample.Value
	}
	if g.count == 0 || sample.Value > g.max {
		g.max = sample.Value
	}
	g.count++
}

// Snapshot 返回快照
func (g *GaugeSink) Snapshot() SinkSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return SinkSnapshot{Type: Gauge, Count: g.count, Sum: g.sum, Min: g.min, Max: g.max, Value: g.value}
}

// IsEmpty 检查是否为空
func (g *GaugeSink) IsEmpty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count == 0
}

// RateSink 比率聚合器，计数精确
type RateSink struct {
	trues int64
	total int64
	mu    sync.Mutex
}

// Add 添加样本（value != 0 表示 true）
func (r *RateSink) Add(sample Sample) {
	r.mu.Lock()
	r.total++
	if sample.Value != 0 {
		r.trues++
	}
	r.mu.Unlock()
}

// Snapshot 返回快照
func (r *RateSink) Snapshot() SinkSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return SinkSnapshot{
		Type:   Rate,
		Count:  r.total,
		Sum:    float64(r.trues),
		Min:    0,
		Max:    1,
		Passes: r.trues,
		Fails:  r.total - r.trues,
	}
}

// IsEmpty 检查是否为空
func (r *RateSink) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total == 0
}

// TrendSink 趋势聚合器。百分位数来自 HDR 直方图，内存占用与样本数量无关
type TrendSink struct {
	hist  *hdrhistogram.Histogram
	count int64
	sum   float64
	min   float64
	max   float64
	mu    sync.Mutex
}

// NewTrendSink 创建趋势聚合器
func NewTrendSink() *TrendSink {
	return &TrendSink{hist: hdrhistogram.New(trendLowest, trendHighest, trendSigFigs)}
}

// Add 添加样本
func (t *TrendSink) Add(sample Sample) {
	v := sample.Value
	var scaled int64
	switch {
	case v <= 0 || math.IsNaN(v):
		scaled = 0
	case v >= TrendMaxValue:
		scaled = trendHighest
	default:
		scaled = int64(math.Round(v * trendScale))
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// 已限制在可记录范围内，不会返回错误
	_ = t.hist.RecordValue(scaled)
	if t.count == 0 || v < t.min {
		t.min = v
	}
	if t.count == 0 || v > t.max {
		t.max = v
	}
	t.count++
	t.sum += v
}

// Snapshot 返回快照，直方图被复制一份
func (t *TrendSink) Snapshot() SinkSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return SinkSnapshot{
		Type:  Trend,
		Count: t.count,
		Sum:   t.sum,
		Min:   t.min,
		Max:   t.max,
		Value: t.max,
		hist:  hdrhistogram.Import(t.hist.Export()),
	}
}

// IsEmpty 检查是否为空
func (t *TrendSink) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count == 0
}

// Percentile 计算指定百分位数
func (t *TrendSink) Percentile(p float64) float64 {
	return t.Snapshot().Percentile(p)
}
