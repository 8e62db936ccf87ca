package threshold

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/perfsec/pkg/logger"
	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/types"
)

// DefaultInterval is how often thresholds are evaluated while a run is in progress.
const DefaultInterval = 2 * time.Second

// Threshold binds an expression to a metric (or submetric). It is immutable
// once built.
type Threshold struct {
	Metric         string
	Source         string
	Expr           Expr
	AbortOnFail    bool
	DelayAbortEval time.Duration
}

// New parses source and returns a threshold on metric.
func New(metric, source string, abortOnFail bool, delayAbortEval time.Duration) (Threshold, error) {
	expr, err := Parse(source)
	if err != nil {
		return Threshold{}, fmt.Errorf("metric %s: %w", metric, err)
	}
	return Threshold{
		Metric:         strings.TrimSpace(metric),
		Source:         strings.TrimSpace(source),
		Expr:           expr,
		AbortOnFail:    abortOnFail,
		DelayAbortEval: delayAbortEval,
	}, nil
}

// applicable returns which selectors make sense for a metric type.
func applicable(typ metrics.MetricType, sel Selector) bool {
	switch typ {
	case metrics.Counter:
		return sel.Kind == "count" || sel.Kind == "rate"
	case metrics.Gauge:
		return sel.Kind == "value" || sel.Kind == "min" || sel.Kind == "max"
	case metrics.Rate:
		return sel.Kind == "rate"
	case metrics.Trend:
		return sel.Kind != "rate" && sel.Kind != "value"
	}
	return false
}

// TypeLookup resolves a metric or submetric name to its type.
type TypeLookup func(name string) (metrics.MetricType, bool)

// Validate reports every threshold whose metric is unknown or whose selector
// does not apply to the metric's type.
func Validate(thresholds []Threshold, lookup TypeLookup) error {
	var errs []string
	for _, th := range thresholds {
		typ, ok := lookup(th.Metric)
		if !ok {
			errs = append(errs, fmt.Sprintf("%s: %s", ErrUnknownMetric, th.Metric))
			continue
		}
		if !applicable(typ, th.Expr.Selector) {
			errs = append(errs, fmt.Sprintf("%s: %s on %s metric %s", ErrSelectorType, th.Expr.Selector, typ, th.Metric))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", firstSentinel(errs), strings.Join(errs, "; "))
}

func firstSentinel(errs []string) error {
	if strings.HasPrefix(errs[0], ErrUnknownMetric.Error()) {
		return ErrUnknownMetric
	}
	return ErrSelectorType
}

// SnapshotFunc returns a point-in-time snapshot of a metric.
type SnapshotFunc func(name string) (metrics.SinkSnapshot, bool)

// Evaluator evaluates a fixed set of thresholds against snapshots.
type Evaluator struct {
	thresholds []Threshold
	snapshot   SnapshotFunc
	elapsed    func() time.Duration
	log        *zap.Logger

	abortOnce sync.Once
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithElapsed supplies the run clock used for per-second counter rates.
func WithElapsed(fn func() time.Duration) Option {
	return func(e *Evaluator) { e.elapsed = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) { e.log = l }
}

// NewEvaluator creates an evaluator.
func NewEvaluator(thresholds []Threshold, snapshot SnapshotFunc, opts ...Option) *Evaluator {
	e := &Evaluator{
		thresholds: append([]Threshold(nil), thresholds...),
		snapshot:   snapshot,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Named("threshold")
	}
	return e
}

// Thresholds returns the evaluated thresholds.
func (e *Evaluator) Thresholds() []Threshold {
	return append([]Threshold(nil), e.thresholds...)
}

// Evaluate is EvaluateAt with the run clock read once. Counter "rate"
// selectors divide by that clock, so while a run is live two calls on the same
// snapshot may differ there; other selectors depend on the snapshot only.
func (e *Evaluator) Evaluate() []types.ThresholdResult {
	var elapsed time.Duration
	if e.elapsed != nil {
		elapsed = e.elapsed()
	}
	return e.EvaluateAt(elapsed)
}

// EvaluateAt computes every threshold's status from current snapshots with
// elapsed as the run duration. For fixed snapshots and elapsed the result is
// fixed. Metrics without samples are indeterminate. Results keep declaration
// order.
func (e *Evaluator) EvaluateAt(elapsed time.Duration) []types.ThresholdResult {
	results := make([]types.ThresholdResult, 0, len(e.thresholds))
	for _, th := range e.thresholds {
		res := types.ThresholdResult{
			Metric:      th.Metric,
			Expression:  th.Source,
			Status:      types.ThresholdIndeterminate,
			AbortOnFail: th.AbortOnFail,
		}
		snap, ok := e.snapshot(th.Metric)
		if ok && !snap.IsEmpty() {
			if v, ok := selectValue(snap, th.Expr.Selector, elapsed); ok {
				res.Value = v
				if th.Expr.Op.Compare(v, th.Expr.Bound) {
					res.Status = types.ThresholdPass
				} else {
					res.Status = types.ThresholdFail
				}
			}
		}
		results = append(results, res)
	}
	return results
}

func selectValue(snap metrics.SinkSnapshot, sel Selector, elapsed time.Duration) (float64, bool) {
	switch sel.Kind {
	case "p":
		return snap.Percentile(sel.Percentile), true
	case "avg":
		return snap.Avg(), true
	case "min":
		return snap.Min, true
	case "max":
		return snap.Max, true
	case "value":
		return snap.Value, true
	case "count":
		if snap.Type == metrics.Counter {
			return snap.Sum, true
		}
		return float64(snap.Count), true
	case "rate":
		if snap.Type == metrics.Counter {
			if elapsed <= 0 {
				return 0, false
			}
			return snap.Sum / elapsed.Seconds(), true
		}
		return snap.Rate(), true
	}
	return 0, false
}

// Breached returns the metric names of failed thresholds, sorted and deduplicated.
func Breached(results []types.ThresholdResult) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, r := range results {
		if r.Status != types.ThresholdFail {
			continue
		}
		if _, ok := seen[r.Metric]; ok {
			continue
		}
		seen[r.Metric] = struct{}{}
		out = append(out, r.Metric)
	}
	sort.Strings(out)
	return out
}

// Passed is the AND of all results. Indeterminate results fail only in strict mode.
func Passed(results []types.ThresholdResult, strict bool) bool {
	for _, r := range results {
		switch r.Status {
		case types.ThresholdFail:
			return false
		case types.ThresholdIndeterminate:
			if strict {
				return false
			}
		}
	}
	return true
}

// Run evaluates thresholds every interval until ctx is done. The first breach
// of an abort-on-fail threshold whose delay has elapsed triggers onAbort,
// exactly once.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration, elapsed func() time.Duration, onAbort func(reason string)) {
	if len(e.thresholds) == 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reason, abort := e.check(elapsed()); abort && onAbort != nil {
				e.abortOnce.Do(func() {
					e.log.Warn("阈值触发中止", zap.String("reason", reason))
					onAbort(reason)
				})
			}
		}
	}
}

func (e *Evaluator) check(elapsed time.Duration) (string, bool) {
	results := e.EvaluateAt(elapsed)
	var hit []string
	for i, r := range results {
		th := e.thresholds[i]
		if r.Status == types.ThresholdFail && th.AbortOnFail && elapsed >= th.DelayAbortEval {
			hit = append(hit, th.Metric+": "+th.Source)
		}
	}
	if len(hit) == 0 {
		return "", false
	}
	sort.Strings(hit)
	return fmt.Sprintf("thresholds crossed with abort_on_fail: %s", strings.Join(hit, ", ")), true
}
