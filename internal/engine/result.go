package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"yqhp/perfsec/internal/config"
	"yqhp/perfsec/internal/httpclient"
	"yqhp/perfsec/internal/scan"
	"yqhp/perfsec/internal/summary"
	"yqhp/perfsec/internal/threshold"
	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/types"
)

// buildResult assembles the RunResult once the scheduler is done.
func (e *Engine) buildResult(p *prepared, start, end time.Time) *types.RunResult {
	state := p.mode.GetState()
	res := &types.RunResult{
		ID:         e.id,
		Name:       e.def.Name,
		Profile:    e.profileName(),
		State:      state.State,
		Reason:     state.Reason,
		StartTime:  start,
		EndTime:    end,
		DurationMs: end.Sub(start).Milliseconds(),
		Iterations: state.CompletedIterations,
		MaxVUs:     state.MaxVUs,
		Metrics:    e.Metrics(),
		Warnings:   p.mode.Warnings(),
		Errors:     p.tracker.Stats(),
	}

	if ferr := e.faultErr(); ferr != nil {
		res.Fault = true
		res.State = types.RunCancelled
		res.Reason = "internal fault: " + ferr.Error()
	}
	if !res.State.IsTerminal() {
		res.State = types.RunCancelled
	}

	if reqs, ok := e.agg.Snapshot(metrics.HTTPReqs); ok {
		res.TotalRequests = int64(reqs.Sum)
	}
	if failed, ok := e.agg.Snapshot(metrics.HTTPReqFailed); ok {
		res.FailedReqs = failed.Passes
		res.FailureRate = failed.Rate()
	}
	if secs := end.Sub(start).Seconds(); secs > 0 {
		res.RequestsPerS = float64(res.TotalRequests) / secs
	}

	res.Thresholds = e.evaluator.EvaluateAt(state.ElapsedTime)
	res.ThresholdsPassed = threshold.Passed(res.Thresholds, e.def.Output.Strict)
	if reason := e.thresholdAbort.Load(); reason != nil {
		res.Warnings = append(res.Warnings, types.Warning{
			Kind:    types.WarnThresholdHit,
			Message: *reason,
			Time:    end,
		})
	}

	res.Insights = summary.Insights(res, e.def.Insights)
	return res
}

func (e *Engine) profileName() string {
	switch {
	case len(e.def.Stages) > 0:
		return "custom"
	case e.def.Profile != "":
		return e.def.Profile
	default:
		return e.def.ResolvedMode()
	}
}

// postRunScan fires the security scan after a completed run. Cancelled runs
// are not scanned.
func (e *Engine) postRunScan(ctx context.Context, res *types.RunResult, log *zap.Logger) {
	cfg := e.def.Scan
	if !cfg.Enabled && e.scanner == nil {
		return
	}
	if res.State != types.RunCompleted {
		res.Warnings = append(res.Warnings, types.Warning{
			Kind:    types.WarnScanSkipped,
			Message: fmt.Sprintf("security scan skipped, run %s", res.State),
			Time:    time.Now(),
		})
		return
	}

	scanner := e.scanner
	if scanner == nil {
		scanner = NewScanner(cfg, e.client, e.log)
	}

	target := e.def.ScanTarget()
	log.Info("开始安全扫描", zap.String("target", target))
	findings, err := scanner.Scan(ctx, target)
	if err != nil {
		log.Error("安全扫描失败", zap.Error(err))
		res.ScanError = err.Error()
		return
	}
	scan.Sort(findings)
	res.Findings = findings
	res.ScanGateFailed = scan.Exceeds(findings, types.ParseSeverity(cfg.FailOn))
	log.Info("安全扫描完成", zap.Int("findings", len(findings)), zap.Bool("gate_failed", res.ScanGateFailed))
}

// NewScanner builds the scanner for cfg: a report file when one is set,
// otherwise the ZAP daemon API.
func NewScanner(cfg config.ScanConfig, client httpclient.Client, log *zap.Logger) scan.Scanner {
	if cfg.Report != "" {
		return scan.ReportFile{Path: cfg.Report}
	}
	if client == nil {
		client = httpclient.NewFastHTTPClient(httpclient.FastHTTPOptions{})
	}
	return scan.NewZAPClient(cfg.ZAP, client, log)
}
