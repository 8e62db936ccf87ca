package engine

import (
	"yqhp/perfsec/internal/api"
	"yqhp/perfsec/internal/summary"
	"yqhp/perfsec/internal/threshold"
	"yqhp/perfsec/pkg/types"
)

// ControlSurface exposes the running test to the control API.
func (e *Engine) ControlSurface() *api.ControlSurface {
	return &api.ControlSurface{
		GetStatus:  e.Status,
		GetMetrics: e.Metrics,
		Stop:       e.Stop,
	}
}

// Status returns a live view of the run.
func (e *Engine) Status() api.Status {
	e.mu.RLock()
	mode, evaluator := e.mode, e.evaluator
	e.mu.RUnlock()

	st := api.Status{ID: e.id, State: types.RunPending}
	if mode == nil {
		return st
	}
	ms := mode.GetState()
	st.State = ms.State
	st.Reason = ms.Reason
	st.Running = ms.Running
	st.VUs = ms.ActiveVUs
	st.TargetVUs = ms.TargetVUs
	st.MaxVUs = ms.MaxVUs
	st.Stage = ms.Stage
	st.Iterations = ms.CompletedIterations
	st.ElapsedMs = ms.ElapsedTime.Milliseconds()

	results := evaluator.Evaluate()
	st.ThresholdsEvaluated = len(results)
	st.ThresholdsBreached = threshold.Breached(results)
	return st
}

// Metrics returns the current summary of every metric.
func (e *Engine) Metrics() []types.MetricSummary {
	e.mu.RLock()
	agg := e.agg
	e.mu.RUnlock()
	if agg == nil {
		return nil
	}
	snaps := agg.Snapshots()
	out := make([]types.MetricSummary, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, summary.FromSeries(s))
	}
	return out
}
