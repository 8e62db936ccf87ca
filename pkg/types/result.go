package types

import "time"

// RunState is the run-level lifecycle state.
type RunState string

const (
	RunPending   RunState = "pending"
	RunRamping   RunState = "ramping"
	RunRunning   RunState = "running"
	RunDraining  RunState = "draining"
	RunCompleted RunState = "completed"
	RunCancelled RunState = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunState) IsTerminal() bool {
	return s == RunCompleted || s == RunCancelled
}

// ThresholdStatus is the outcome of a single threshold evaluation.
type ThresholdStatus string

const (
	ThresholdPass          ThresholdStatus = "pass"
	ThresholdFail          ThresholdStatus = "fail"
	ThresholdIndeterminate ThresholdStatus = "indeterminate"
)

// ThresholdResult contains the result of threshold evaluation.
type ThresholdResult struct {
	Metric      string          `json:"metric"`
	Expression  string          `json:"expression"`
	Status      ThresholdStatus `json:"status"`
	Value       float64         `json:"value"`
	AbortOnFail bool            `json:"abort_on_fail,omitempty"`
}

// MetricSummary is the aggregated view of one metric at run completion.
// Durations are milliseconds.
type MetricSummary struct {
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Count  int64   `json:"count"`
	Sum    float64 `json:"sum,omitempty"`
	Min    float64 `json:"min,omitempty"`
	Max    float64 `json:"max,omitempty"`
	Avg    float64 `json:"avg,omitempty"`
	Med    float64 `json:"med,omitempty"`
	P90    float64 `json:"p90,omitempty"`
	P95    float64 `json:"p95,omitempty"`
	P99    float64 `json:"p99,omitempty"`
	Rate   float64 `json:"rate,omitempty"`
	Passes int64   `json:"passes,omitempty"`
	Fails  int64   `json:"fails,omitempty"`
	Value  float64 `json:"value,omitempty"`
}

// Warning is a non-fatal run event worth surfacing in the summary.
type Warning struct {
	Kind    string    `json:"kind"`
	VU      int       `json:"vu,omitempty"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// Warning kinds.
const (
	WarnUncleanExit  = "unclean_exit"
	WarnCrashBudget  = "crash_budget"
	WarnThresholdHit = "threshold_abort"
	WarnScanSkipped  = "scan_skipped"
)

// Insight is a banded interpretation of a run, e.g. "approaching capacity".
type Insight struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Band   string  `json:"band"`
}

// ErrorStat counts failed requests sharing a request name and failure reason.
type ErrorStat struct {
	Name      string    `json:"name"`
	Reason    string    `json:"reason"`
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// RunResult is the final snapshot of a run. It is built once and never modified.
type RunResult struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Profile       string            `json:"profile,omitempty"`
	State         RunState          `json:"state"`
	Reason        string            `json:"reason,omitempty"`
	StartTime     time.Time         `json:"start_time"`
	EndTime       time.Time         `json:"end_time"`
	DurationMs    int64             `json:"duration_ms"`
	TotalRequests int64             `json:"total_requests"`
	FailedReqs    int64             `json:"failed_requests"`
	FailureRate   float64           `json:"failure_rate"`
	RequestsPerS  float64           `json:"requests_per_sec"`
	Iterations    int64             `json:"iterations"`
	MaxVUs        int               `json:"max_vus"`
	Metrics       []MetricSummary   `json:"metrics"`
	Thresholds    []ThresholdResult `json:"thresholds"`
	Warnings      []Warning         `json:"warnings,omitempty"`
	Errors        []ErrorStat       `json:"errors,omitempty"`
	Findings      []Finding         `json:"findings,omitempty"`
	Insights      []Insight         `json:"insights,omitempty"`
	// Fault is set when the run was cancelled by an internal invariant violation.
	Fault bool `json:"fault,omitempty"`
	// ThresholdsPassed is the AND of all thresholds, honouring strict mode.
	ThresholdsPassed bool `json:"thresholds_passed"`
	// ScanError is set when the post-run scan could not produce findings.
	ScanError string `json:"scan_error,omitempty"`
	// ScanGateFailed reports findings at or above the configured severity.
	ScanGateFailed bool `json:"scan_gate_failed,omitempty"`
	Passed         bool `json:"passed"`
}

// Duration returns the wall-clock duration of the run.
func (r *RunResult) Duration() time.Duration {
	return time.Duration(r.DurationMs) * time.Millisecond
}

// Metric returns the summary for name, if present.
func (r *RunResult) Metric(name string) (MetricSummary, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricSummary{}, false
}
