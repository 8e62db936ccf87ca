// Package influxdb 以 line protocol 把样本推送到 InfluxDB（1.x 的 /write 或 2.x 的
// /api/v2/write）。
package influxdb

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/duke-git/lancet/v2/maputil"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
)

const (
	pushInterval = time.Second
	timeout      = 10 * time.Second
)

func init() {
	output.Register("influxdb", New)
}

// Config InfluxDB 配置
type Config struct {
	// URL 是服务基础地址，如 http://host:8086
	URL string
	// Token 认证令牌（InfluxDB 2.x）
	Token        string
	Organization string
	Bucket       string
	// Database 数据库名（InfluxDB 1.x）
	Database string
	// Tags 附加到每个点的全局标签
	Tags map[string]string
}

// WriteURL 返回写入接口地址，毫秒精度
func (c Config) WriteURL() string {
	q := url.Values{}
	q.Set("precision", "ms")
	if c.Token != "" {
		q.Set("org", c.Organization)
		q.Set("bucket", c.Bucket)
		return c.URL + "/api/v2/write?" + q.Encode()
	}
	q.Set("db", c.Database)
	return c.URL + "/write?" + q.Encode()
}

// ParseConfig 解析配置参数，格式：
//
//	http://host:8086?db=perfsec
//	http://host:8086?token=xxx&org=xxx&bucket=xxx
func ParseConfig(arg string) (Config, error) {
	if arg == "" {
		return Config{}, fmt.Errorf("influxdb output needs a URL, e.g. influxdb=http://localhost:8086?db=perfsec")
	}
	u, err := url.Parse(arg)
	if err != nil {
		return Config{}, fmt.Errorf("parse influxdb url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("influxdb url %q needs scheme and host", arg)
	}
	q := u.Query()
	cfg := Config{
		URL:          u.Scheme + "://" + u.Host,
		Token:        q.Get("token"),
		Organization: q.Get("org"),
		Bucket:       q.Get("bucket"),
		Database:     q.Get("db"),
	}
	if cfg.Token == "" && cfg.Database == "" {
		return Config{}, fmt.Errorf("influxdb url %q needs db or token/org/bucket", arg)
	}
	if cfg.Token != "" && cfg.Bucket == "" {
		return Config{}, fmt.Errorf("influxdb url %q: token requires bucket", arg)
	}
	return cfg, nil
}

// Output InfluxDB 输出
type Output struct {
	output.SampleBuffer

	params  output.Params
	config  Config
	client  *fasthttp.Client
	log     *zap.Logger
	flusher *output.PeriodicFlusher

	mu        sync.Mutex
	runStatus output.RunStatus
	lastErr   error
}

// New 创建 InfluxDB 输出
func New(params output.Params) (output.Output, error) {
	cfg, err := ParseConfig(params.ConfigArgument)
	if err != nil {
		return nil, err
	}
	cfg.Tags = map[string]string{}
	if params.RunID != "" {
		cfg.Tags["run_id"] = params.RunID
	}
	if params.Name != "" {
		cfg.Tags["test"] = params.Name
	}
	log := params.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Output{
		params: params,
		config: cfg,
		client: &fasthttp.Client{ReadTimeout: timeout, WriteTimeout: timeout},
		log:    log,
	}, nil
}

// Description 返回描述
func (o *Output) Description() string {
	return fmt.Sprintf("influxdb (%s)", o.config.URL)
}

// Start 启动定期推送
func (o *Output) Start() error {
	o.flusher = output.NewPeriodicFlusher(pushInterval, o.flush)
	return nil
}

// Stop 推送剩余样本，返回最后一次推送错误
func (o *Output) Stop() error {
	if o.flusher != nil {
		o.flusher.Stop()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

// SetRunStatus 设置运行状态
func (o *Output) SetRunStatus(status output.RunStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.runStatus = status
}

func (o *Output) flush() {
	samples := o.GetBufferedSamples()
	if len(samples) == 0 {
		return
	}
	var buf bytes.Buffer
	for _, s := range samples {
		WriteLine(&buf, s, o.config.Tags)
	}
	err := o.push(buf.Bytes())
	if err != nil {
		o.log.Error("推送到 InfluxDB 失败", zap.Int("samples", len(samples)), zap.Error(err))
	}
	o.mu.Lock()
	o.lastErr = err
	o.mu.Unlock()
}

func (o *Output) push(body []byte) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(o.config.WriteURL())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("text/plain; charset=utf-8")
	if o.config.Token != "" {
		req.Header.Set("Authorization", "Token "+o.config.Token)
	}
	req.SetBody(body)

	if err := o.client.DoTimeout(req, resp, timeout); err != nil {
		return err
	}
	if code := resp.StatusCode(); code >= 400 {
		return fmt.Errorf("influxdb returned %d: %s", code, bytes.TrimSpace(resp.Body()))
	}
	return nil
}

// WriteLine 写出一个 line protocol 点，标签按键排序
func WriteLine(buf *bytes.Buffer, s metrics.Sample, global map[string]string) {
	tags := maputil.Filter(maputil.Merge(global, s.Tags), func(_ string, v string) bool { return v != "" })
	keys := maputil.Keys(tags)
	sort.Strings(keys)

	buf.WriteString(escape(s.Metric, measurementEscaper))
	for _, k := range keys {
		buf.WriteByte(',')
		buf.WriteString(escape(k, tagEscaper))
		buf.WriteByte('=')
		buf.WriteString(escape(tags[k], tagEscaper))
	}
	buf.WriteString(" value=")
	buf.WriteString(strconv.FormatFloat(s.Value, 'f', -1, 64))
	buf.WriteByte(' ')
	buf.WriteString(strconv.FormatInt(s.Time.UnixMilli(), 10))
	buf.WriteByte('\n')
}

var (
	measurementEscaper = strings.NewReplacer(",", `\,`, " ", `\ `)
	tagEscaper         = strings.NewReplacer(",", `\,`, "=", `\=`, " ", `\ `)
)

func escape(s string, r *strings.Replacer) string {
	return r.Replace(s)
}
