// Package prometheus 把样本转换为 Prometheus 指标，由控制接口的 /metrics 暴露。
package prometheus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
)

const (
	namespace     = "perfsec"
	flushInterval = 200 * time.Millisecond
)

// labelNames 是所有指标共用的标签，样本缺少的标签取空值
var labelNames = []string{"name", "method", "status", "reason", "check"}

func init() {
	output.Register("prometheus", New)
}

// collector 是一个样本指标对应的 Prometheus 向量
type collector struct {
	counter   *prometheus.CounterVec
	gauge     *prometheus.GaugeVec
	histogram *prometheus.HistogramVec
}

// Output 维护 Prometheus 指标
type Output struct {
	output.SampleBuffer

	params     output.Params
	registerer prometheus.Registerer
	log        *zap.Logger

	mu         sync.Mutex
	collectors map[string]*collector
	flusher    *output.PeriodicFlusher
}

// New 创建 Prometheus 输出。未提供 Registerer 时注册到默认注册表。
func New(params output.Params) (output.Output, error) {
	reg := params.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	log := params.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Output{
		params:     params,
		registerer: reg,
		log:        log.Named("prometheus"),
		collectors: make(map[string]*collector),
	}, nil
}

// Description 返回描述
func (o *Output) Description() string {
	return "prometheus (/metrics)"
}

// Start 启动周期刷新
func (o *Output) Start() error {
	o.flusher = output.NewPeriodicFlusher(flushInterval, o.flush)
	return nil
}

// Stop 停止并完成最后一次刷新。已注册的指标保留，供最后一次抓取。
func (o *Output) Stop() error {
	if o.flusher != nil {
		o.flusher.Stop()
	}
	return nil
}

// SetRunStatus 无需处理
func (o *Output) SetRunStatus(output.RunStatus) {}

func (o *Output) flush() {
	samples := o.GetBufferedSamples()
	if len(samples) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range samples {
		c, err := o.collectorFor(s.Metric, s.Type)
		if err != nil {
			o.log.Warn("注册指标失败", zap.String("metric", s.Metric), zap.Error(err))
			continue
		}
		labels := labelValues(s.Tags)
		switch {
		case c.histogram != nil:
			c.histogram.WithLabelValues(labels...).Observe(s.Value)
		case c.gauge != nil:
			c.gauge.WithLabelValues(labels...).Set(s.Value)
		case s.Type == metrics.Rate:
			outcome := "false"
			if s.Value != 0 {
				outcome = "true"
			}
			c.counter.WithLabelValues(append(labels, outcome)...).Inc()
		default:
			c.counter.WithLabelValues(labels...).Add(s.Value)
		}
	}
}

func (o *Output) collectorFor(metric string, typ metrics.MetricType) (*collector, error) {
	if c, ok := o.collectors[metric]; ok {
		return c, nil
	}

	name := sanitize(metric)
	help := fmt.Sprintf("perfsec %s metric %s", typ, metric)
	c := &collector{}
	var col prometheus.Collector
	switch typ {
	case metrics.Trend:
		c.histogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name + "_ms",
			Help:      help,
			Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
		}, labelNames)
		col = c.histogram
	case metrics.Gauge:
		c.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, labelNames)
		col = c.gauge
	case metrics.Rate:
		c.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name + "_total", Help: help},
			append(append([]string(nil), labelNames...), "outcome"))
		col = c.counter
	default:
		c.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name + "_total", Help: help}, labelNames)
		col = c.counter
	}

	if err := o.registerer.Register(col); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return nil, err
		}
		// 同一注册表上的重复运行复用已有向量
		switch existing := are.ExistingCollector.(type) {
		case *prometheus.HistogramVec:
			c.histogram = existing
		case *prometheus.GaugeVec:
			c.gauge = existing
		case *prometheus.CounterVec:
			c.counter = existing
		default:
			return nil, err
		}
	}
	o.collectors[metric] = c
	return c, nil
}

func labelValues(tags map[string]string) []string {
	values := make([]string, len(labelNames), len(labelNames)+1)
	for i, l := range labelNames {
		values[i] = tags[l]
	}
	return values
}

// sanitize maps a metric name onto the Prometheus name alphabet.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
