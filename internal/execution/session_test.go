package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"yqhp/perfsec/internal/httpclient"
	"yqhp/perfsec/pkg/metrics"
)

type captured struct {
	mu      sync.Mutex
	samples []metrics.Sample
}

func (c *captured) Record(s metrics.Sample) {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
}

func (c *captured) byMetric(name string) []metrics.Sample {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []metrics.Sample
	for _, s := range c.samples {
		if s.Metric == name {
			out = append(out, s)
		}
	}
	return out
}

func testSession(client httpclient.Client, rec metrics.Recorder) (*Session, *Worker) {
	cfg := (&ModeConfig{Client: client, Recorder: rec, Logger: zap.NewNop()}).withDefaults()
	w := newWorker(context.Background(), 7, cfg, nil, nil)
	return newSession(w), w
}

func TestSession_DoRecordsSamplesInOrder(t *testing.T) {
	rec := &captured{}
	s, _ := testSession(httpclient.ClientFunc(func(ctx context.Context, req *httpclient.Request) (*httpclient.Response, error) {
		return &httpclient.Response{Status: 200, Body: []byte("hello"), Duration: 42 * time.Millisecond}, nil
	}), rec)

	resp, err := s.Do(context.Background(), &httpclient.Request{URL: "http://svc/a", Name: "home"},
		Check{Name: "status is 200", Assert: func(r *httpclient.Response) bool { return r.Status == 200 }},
		Check{Name: "fast", Assert: func(r *httpclient.Response) bool { return r.Duration < 10*time.Millisecond }},
	)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	var order []string
	for _, smp := range rec.samples {
		order = append(order, smp.Metric)
	}
	assert.Equal(t, []string{
		metrics.HTTPReqs, metrics.HTTPReqDuration, metrics.HTTPReqFailed, metrics.DataReceived,
		metrics.Checks, metrics.Checks,
	}, order)

	dur := rec.byMetric(metrics.HTTPReqDuration)[0]
	assert.Equal(t, 42.0, dur.Value)
	assert.Equal(t, "home", dur.Tags["name"])
	assert.Equal(t, "GET", dur.Tags["method"])
	assert.Equal(t, "200", dur.Tags["status"])
	assert.NotContains(t, dur.Tags, "reason")

	assert.Equal(t, 0.0, rec.byMetric(metrics.HTTPReqFailed)[0].Value)
	assert.Equal(t, 5.0, rec.byMetric(metrics.DataReceived)[0].Value)

	checks := rec.byMetric(metrics.Checks)
	assert.Equal(t, 1.0, checks[0].Value)
	assert.Equal(t, "status is 200", checks[0].Tags["check"])
	assert.Equal(t, 0.0, checks[1].Value)
}

func TestSession_FailureReasons(t *testing.T) {
	tests := []struct {
		name   string
		resp   *httpclient.Response
		err    error
		reason string
	}{
		{"timeout", nil, httpclient.ErrTimeout, "timeout"},
		{"connection", nil, httpclient.ErrConnection, "connection_error"},
		{"bad status", &httpclient.Response{Status: 503}, nil, "bad_status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &captured{}
			s, _ := testSession(httpclient.ClientFunc(func(context.Context, *httpclient.Request) (*httpclient.Response, error) {
				return tt.resp, tt.err
			}), rec)

			_, err := s.Do(context.Background(), &httpclient.Request{URL: "http://svc/"},
				Check{Name: "any", Assert: func(*httpclient.Response) bool { return true }})
			assert.Equal(t, tt.err, err)

			failed := rec.byMetric(metrics.HTTPReqFailed)
			require.Len(t, failed, 1)
			assert.Equal(t, 1.0, failed[0].Value)
			assert.Equal(t, tt.reason, failed[0].Tags["reason"])

			// checks on a failed call are recorded as failed
			checks := rec.byMetric(metrics.Checks)
			require.Len(t, checks, 1)
			assert.Equal(t, 1.0-boolToFloat(tt.err != nil), checks[0].Value)
		})
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func TestSession_StoppedAndCancelled(t *testing.T) {
	rec := &captured{}
	calls := 0
	s, w := testSession(httpclient.ClientFunc(func(ctx context.Context, _ *httpclient.Request) (*httpclient.Response, error) {
		calls++
		return nil, context.Canceled
	}), rec)

	_, err := s.Do(context.Background(), &httpclient.Request{URL: "http://svc/"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, rec.samples)

	w.Stop()
	_, err = s.Do(context.Background(), &httpclient.Request{URL: "http://svc/"})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, 1, calls)
	assert.True(t, s.Stopping())
}

func TestSession_DefaultsAndLocals(t *testing.T) {
	var seen *httpclient.Request
	s, _ := testSession(httpclient.ClientFunc(func(_ context.Context, req *httpclient.Request) (*httpclient.Response, error) {
		seen = req
		return &httpclient.Response{Status: 200}, nil
	}), &captured{})

	orig := &httpclient.Request{URL: "http://svc/"}
	_, _ = s.Do(context.Background(), orig)
	assert.Equal(t, httpclient.DefaultTimeout, seen.Timeout)
	assert.Zero(t, orig.Timeout, "caller's request must not be modified")

	assert.Equal(t, 7, s.VU())
	created := 0
	for i := 0; i < 3; i++ {
		s.Local("vm", func() any { created++; return created })
	}
	assert.Equal(t, 1, created)
}

func TestWorker_ThinkTimeInterruptible(t *testing.T) {
	rec := &captured{}
	cfg := (&ModeConfig{
		Client:    delayClient(time.Millisecond),
		Recorder:  rec,
		Runner:    getRunner("http://svc/"),
		ThinkTime: time.Hour,
	}).withDefaults()
	w := newWorker(context.Background(), 1, cfg, nil, nil)
	go w.run()

	require.Eventually(t, func() bool { return w.State().IterationCount == 1 }, time.Second, time.Millisecond)
	assert.True(t, w.State().Running)

	start := time.Now()
	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(StopLatencyBound):
		t.Fatal("worker stuck in think time")
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.False(t, w.State().Running)
	assert.Equal(t, int64(1), w.State().IterationCount)
}
