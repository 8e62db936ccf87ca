package execution

import (
	"context"
	"errors"
	"strconv"
	"time"

	"yqhp/perfsec/internal/httpclient"
	"yqhp/perfsec/pkg/metrics"
)

// Check is an assertion on a single response. It is recorded as one sample of
// the checks metric, independently of whether the call itself succeeded.
type Check struct {
	Name   string
	Assert func(resp *httpclient.Response) bool
}

// Session is the per-worker facade handed to the iteration runner. It is owned
// by one worker and must not be shared across goroutines.
type Session struct {
	w      *Worker
	locals map[string]any
}

func newSession(w *Worker) *Session {
	return &Session{w: w, locals: make(map[string]any)}
}

// VU returns the worker id.
func (s *Session) VU() int { return s.w.id }

// Iteration returns the zero-based index of the iteration in progress.
func (s *Session) Iteration() int64 { return s.w.current }

// Stopping reports whether the worker was asked to stop.
func (s *Session) Stopping() bool { return s.w.stopping.Load() }

// Local returns per-VU state stored under key, creating it on first use.
func (s *Session) Local(key string, create func() any) any {
	if v, ok := s.locals[key]; ok {
		return v
	}
	v := create()
	s.locals[key] = v
	return v
}

// Do performs a timed call and records its samples. Transport failures and
// unexpected statuses are recorded as failed requests; the returned error is
// informational and the iteration may carry on. Calls interrupted by
// cancellation are not recorded.
func (s *Session) Do(ctx context.Context, req *httpclient.Request, checks ...Check) (*httpclient.Response, error) {
	if s.Stopping() {
		return nil, ErrStopped
	}
	cfg := s.w.cfg
	if req.Timeout <= 0 {
		r := *req
		r.Timeout = cfg.Timeout
		req = &r
	}

	start := time.Now()
	resp, err := cfg.Client.Do(ctx, req)
	if err != nil && errors.Is(err, context.Canceled) {
		return nil, err
	}

	status := 0
	duration := time.Since(start)
	if resp != nil {
		status = resp.Status
		if resp.Duration > 0 {
			duration = resp.Duration
		}
	}

	name := req.Name
	if name == "" {
		name = req.URL
	}
	method := req.Method
	if method == "" {
		method = "GET"
	}
	tags := map[string]string{
		"name":   name,
		"method": method,
		"status": strconv.Itoa(status),
	}

	reason := httpclient.Classify(err, status, cfg.Policy)
	failed := 0.0
	if reason != httpclient.ReasonNone {
		failed = 1
		tags["reason"] = string(reason)
	}

	rec := cfg.Recorder
	rec.Record(metrics.NewSample(metrics.HTTPReqs, metrics.Counter, 1, tags))
	rec.Record(metrics.NewSample(metrics.HTTPReqDuration, metrics.Trend, float64(duration)/float64(time.Millisecond), tags))
	rec.Record(metrics.NewSample(metrics.HTTPReqFailed, metrics.Rate, failed, tags))
	if resp != nil {
		rec.Record(metrics.NewSample(metrics.DataReceived, metrics.Counter, float64(len(resp.Body)), tags))
	}

	for _, c := range checks {
		ok := err == nil && resp != nil && c.Assert != nil && c.Assert(resp)
		s.Check(c.Name, ok, map[string]string{"name": name})
	}
	return resp, err
}

// Check records one check outcome.
func (s *Session) Check(name string, ok bool, tags map[string]string) {
	t := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		t[k] = v
	}
	t["check"] = name
	v := 0.0
	if ok {
		v = 1
	}
	s.w.cfg.Recorder.Record(metrics.NewSample(metrics.Checks, metrics.Rate, v, t))
}

// Record emits a custom sample.
func (s *Session) Record(metric string, typ metrics.MetricType, value float64, tags map[string]string) {
	s.w.cfg.Recorder.Record(metrics.NewSample(metric, typ, value, tags))
}

// Sleep pauses the iteration for d. It returns early with ErrStopped when the
// worker is asked to stop, or with ctx.Err() on cancellation.
func (s *Session) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-s.w.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}
