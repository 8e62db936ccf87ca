// Package webhook 把样本分批 POST 到外部收集端，运行结束时再发送一次运行状态。
package webhook

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
)

const (
	flushInterval = time.Second
	batchSize     = 500
	retryAttempts = 3
	retryDelay    = 200 * time.Millisecond
	timeout       = 10 * time.Second
)

func init() {
	output.Register("webhook", New)
}

// point 是批次中的一个样本
type point struct {
	Metric string            `json:"metric"`
	Type   string            `json:"type"`
	Time   int64             `json:"time"`
	Value  float64           `json:"value"`
	Tags   map[string]string `json:"tags,omitempty"`
}

// Payload 是一次 POST 的请求体
type Payload struct {
	RunID   string  `json:"run_id"`
	Name    string  `json:"name,omitempty"`
	Samples []point `json:"samples,omitempty"`
	// Status 只在最后一次发送中出现
	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Output 是 webhook 输出
type Output struct {
	output.SampleBuffer

	params  output.Params
	url     string
	client  *fasthttp.Client
	log     *zap.Logger
	flusher *output.PeriodicFlusher

	mu        sync.Mutex
	runStatus output.RunStatus
	sent      int64
	dropped   int64
}

// New 创建 webhook 输出，参数为收集端 URL
func New(params output.Params) (output.Output, error) {
	if params.ConfigArgument == "" {
		return nil, errors.New("webhook output needs a URL, e.g. webhook=http://collector/ingest")
	}
	log := params.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Output{
		params: params,
		url:    params.ConfigArgument,
		client: &fasthttp.Client{ReadTimeout: timeout, WriteTimeout: timeout},
		log:    log,
	}, nil
}

// Description 返回描述
func (o *Output) Description() string {
	return fmt.Sprintf("webhook (%s)", o.url)
}

// Start 启动定期发送
func (o *Output) Start() error {
	o.flusher = output.NewPeriodicFlusher(flushInterval, o.flush)
	return nil
}

// Stop 发送剩余样本和运行状态
func (o *Output) Stop() error {
	if o.flusher != nil {
		o.flusher.Stop()
	}
	o.mu.Lock()
	status := o.runStatus
	o.mu.Unlock()

	p := Payload{RunID: o.params.RunID, Name: o.params.Name, Status: status.Status, Reason: status.Reason}
	err := o.post(&p)
	o.log.Debug("webhook 输出已关闭", zap.Int64("sent", o.sent), zap.Int64("dropped", o.dropped))
	return err
}

// SetRunStatus 设置运行状态
func (o *Output) SetRunStatus(status output.RunStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runStatus = status
}

func (o *Output) flush() {
	samples := o.GetBufferedSamples()
	for len(samples) > 0 {
		n := min(len(samples), batchSize)
		batch := samples[:n]
		samples = samples[n:]

		p := Payload{RunID: o.params.RunID, Name: o.params.Name, Samples: toPoints(batch)}
		if err := o.post(&p); err != nil {
			o.dropped += int64(n)
			o.log.Warn("webhook 发送失败，丢弃批次", zap.Int("samples", n), zap.Error(err))
			continue
		}
		o.sent += int64(n)
	}
}

// post 发送一次请求，失败时按固定间隔重试
func (o *Output) post(p *Payload) error {
	body, err := sonic.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryDelay)
		}
		if lastErr = o.send(body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (o *Output) send(body []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(o.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := o.client.DoTimeout(req, resp, timeout); err != nil {
		return err
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("webhook returned status %d", code)
	}
	return nil
}

func toPoints(samples []metrics.Sample) []point {
	out := make([]point, len(samples))
	for i, s := range samples {
		out[i] = point{
			Metric: s.Metric,
			Type:   string(s.Type),
			Time:   s.Time.UnixMilli(),
			Value:  s.Value,
			Tags:   s.Tags,
		}
	}
	return out
}
