package summary

import (
	"fmt"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/types"
)

// 洞察分级
const (
	BandHealthy     = "healthy"
	BandApproaching = "approaching capacity"
	BandBreaking    = "breaking point"
)

// Bands splits a metric's range: values below Approaching are healthy, values
// below Breaking are approaching capacity, everything else is a breaking point.
type Bands struct {
	Approaching float64 `yaml:"approaching" json:"approaching"`
	Breaking    float64 `yaml:"breaking" json:"breaking"`
}

// Classify returns the band of v.
func (b Bands) Classify(v float64) string {
	switch {
	case v < b.Approaching:
		return BandHealthy
	case v < b.Breaking:
		return BandApproaching
	default:
		return BandBreaking
	}
}

// Validate checks that the bands are ordered.
func (b Bands) Validate() error {
	if b.Approaching < 0 || b.Breaking < b.Approaching {
		return fmt.Errorf("bands must satisfy 0 <= approaching <= breaking, got %v/%v", b.Approaching, b.Breaking)
	}
	return nil
}

// InsightPolicy configures how a run is interpreted. Error rate is a fraction
// (0.05 = 5%), latency is the p95 of http_req_duration in milliseconds.
type InsightPolicy struct {
	ErrorRate Bands `yaml:"error_rate" json:"error_rate"`
	P95Ms     Bands `yaml:"p95_ms" json:"p95_ms"`
}

// DefaultInsightPolicy returns the bands used when none are configured.
func DefaultInsightPolicy() InsightPolicy {
	return InsightPolicy{
		ErrorRate: Bands{Approaching: 0.01, Breaking: 0.05},
		P95Ms:     Bands{Approaching: 500, Breaking: 2000},
	}
}

// Validate checks every band.
func (p InsightPolicy) Validate() error {
	if err := p.ErrorRate.Validate(); err != nil {
		return fmt.Errorf("error_rate: %w", err)
	}
	if err := p.P95Ms.Validate(); err != nil {
		return fmt.Errorf("p95_ms: %w", err)
	}
	return nil
}

// Insights classifies the run's failure rate and request latency. Metrics
// without samples produce no insight.
func Insights(r *types.RunResult, policy InsightPolicy) []types.Insight {
	var out []types.Insight
	if failed, ok := r.Metric(metrics.HTTPReqFailed); ok && failed.Count > 0 {
		out = append(out, types.Insight{
			Metric: metrics.HTTPReqFailed,
			Value:  failed.Rate,
			Band:   policy.ErrorRate.Classify(failed.Rate),
		})
	}
	if dur, ok := r.Metric(metrics.HTTPReqDuration); ok && dur.Count > 0 {
		out = append(out, types.Insight{
			Metric: metrics.HTTPReqDuration + " p(95)",
			Value:  dur.P95,
			Band:   policy.P95Ms.Classify(dur.P95),
		})
	}
	return out
}
