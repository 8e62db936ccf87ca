package webhook

import (
	"net"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
)

// collector 是内存中的收集端，前 failFirst 次请求返回 503
type collector struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	payloads  []Payload
}

func (c *collector) handle(ctx *fasthttp.RequestCtx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.calls <= c.failFirst {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		return
	}
	var p Payload
	if err := sonic.Unmarshal(ctx.PostBody(), &p); err != nil {
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		return
	}
	c.payloads = append(c.payloads, p)
}

func newOutput(t *testing.T, c *collector) *Output {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, c.handle) }()
	t.Cleanup(func() { _ = ln.Close() })

	out, err := output.Create("webhook", output.Params{ConfigArgument: "http://collector/ingest", RunID: "run-1", Name: "checkout"})
	require.NoError(t, err)
	o := out.(*Output)
	o.client.Dial = func(string) (net.Conn, error) { return ln.Dial() }
	return o
}

func TestOutput_SendsBatchesAndStatus(t *testing.T) {
	c := &collector{failFirst: 1}
	o := newOutput(t, c)
	require.NoError(t, o.Start())

	samples := make([]metrics.Sample, batchSize+10)
	for i := range samples {
		samples[i] = metrics.NewSample(metrics.HTTPReqs, metrics.Counter, 1, map[string]string{"name": "home"})
	}
	o.AddMetricSamples(samples)
	o.SetRunStatus(output.RunStatus{Status: "completed"})
	require.NoError(t, o.Stop())

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Len(t, c.payloads, 3)
	total := 0
	for _, p := range c.payloads[:2] {
		assert.Equal(t, "run-1", p.RunID)
		assert.Empty(t, p.Status)
		total += len(p.Samples)
	}
	assert.Equal(t, batchSize+10, total)
	assert.Equal(t, "home", c.payloads[0].Samples[0].Tags["name"])
	assert.Equal(t, "counter", c.payloads[0].Samples[0].Type)

	last := c.payloads[2]
	assert.Equal(t, "completed", last.Status)
	assert.Empty(t, last.Samples)
	assert.Equal(t, int64(batchSize+10), o.sent)
}

func TestOutput_DropsAfterRetries(t *testing.T) {
	c := &collector{failFirst: 100}
	o := newOutput(t, c)
	require.NoError(t, o.Start())
	o.AddMetricSamples([]metrics.Sample{metrics.NewSample(metrics.HTTPReqs, metrics.Counter, 1, nil)})
	assert.Error(t, o.Stop())
	assert.Equal(t, int64(1), o.dropped)
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New(output.Params{})
	assert.Error(t, err)
}
