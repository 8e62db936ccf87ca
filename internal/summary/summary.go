// Package summary renders a finished run as a human-readable report or JSON,
// and derives stress-test insights from it.
package summary

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"

	"yqhp/perfsec/internal/metrics/aggregator"
	"yqhp/perfsec/internal/scan"
	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/types"
)

// FromSeries converts an aggregated series into its summary form.
func FromSeries(s aggregator.MetricSeries) types.MetricSummary {
	m := types.MetricSummary{Name: s.Name, Type: string(s.Type), Count: s.Count}
	switch s.Type {
	case metrics.Counter:
		m.Sum = s.Sum
	case metrics.Gauge:
		m.Value, m.Min, m.Max = s.Value, s.Min, s.Max
	case metrics.Rate:
		m.Rate, m.Passes, m.Fails = s.Rate(), s.Passes, s.Fails
	case metrics.Trend:
		m.Sum, m.Min, m.Max, m.Avg = s.Sum, s.Min, s.Max, s.Avg()
		m.Med = s.Percentile(50)
		m.P90 = s.Percentile(90)
		m.P95 = s.Percentile(95)
		m.P99 = s.Percentile(99)
	}
	return m
}

// RenderText writes the text report. The output depends only on r.
func RenderText(w io.Writer, r *types.RunResult) error {
	p := &printer{w: w}

	p.printf("\n  run %s", r.ID)
	if r.Name != "" {
		p.printf(" (%s", r.Name)
		if r.Profile != "" {
			p.printf(", profile %s", r.Profile)
		}
		p.printf(")")
	}
	p.printf("\n\n")

	p.printf("  state ............: %s", r.State)
	if r.Reason != "" {
		p.printf(" (%s)", r.Reason)
	}
	p.printf("\n")
	p.printf("  duration .........: %s\n", r.Duration().Round(time.Millisecond))
	p.printf("  requests .........: %d  %.2f/s\n", r.TotalRequests, r.RequestsPerS)
	p.printf("  failed ...........: %d  %.2f%%\n", r.FailedReqs, r.FailureRate*100)
	p.printf("  iterations .......: %d\n", r.Iterations)
	p.printf("  vus max ..........: %d\n", r.MaxVUs)

	if trends := trendMetrics(r.Metrics); len(trends) > 0 {
		p.printf("\n  TRENDS (ms)\n")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(tw, "\tmetric\tavg\tmin\tmed\tmax\tp(90)\tp(95)\tp(99)\tcount\t")
		for _, m := range trends {
			fmt.Fprintf(tw, "\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d\t\n",
				m.Name, num(m.Avg), num(m.Min), num(m.Med), num(m.Max), num(m.P90), num(m.P95), num(m.P99), m.Count)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if others := otherMetrics(r.Metrics); len(others) > 0 {
		p.printf("\n  METRICS\n")
		for _, m := range others {
			p.printf("  %-32s %s\n", m.Name, describe(m))
		}
	}

	if len(r.Thresholds) > 0 {
		p.printf("\n  THRESHOLDS\n")
		for _, t := range r.Thresholds {
			p.printf("  %-14s %s: %s", strings.ToUpper(string(t.Status)), t.Metric, t.Expression)
			if t.Status != types.ThresholdIndeterminate {
				p.printf(" (actual %s)", num(t.Value))
			}
			p.printf("\n")
		}
	}

	if len(r.Errors) > 0 {
		p.printf("\n  ERRORS\n")
		for _, e := range r.Errors {
			p.printf("  %-8d %s [%s]\n", e.Count, e.Name, e.Reason)
		}
	}

	if len(r.Warnings) > 0 {
		p.printf("\n  WARNINGS\n")
		for _, wn := range r.Warnings {
			p.printf("  [%s] %s\n", wn.Kind, wn.Message)
		}
	}

	if len(r.Findings) > 0 || r.ScanError != "" {
		p.printf("\n  SECURITY FINDINGS\n")
		if r.ScanError != "" {
			p.printf("  scan failed: %s\n", r.ScanError)
		}
		for _, f := range sortedFindings(r.Findings) {
			p.printf("  %-14s %s  %s\n", strings.ToUpper(string(f.Severity)), f.Name, f.URL)
		}
		if r.ScanGateFailed {
			p.printf("  scan gate failed\n")
		}
	}

	if len(r.Insights) > 0 {
		p.printf("\n  INSIGHTS\n")
		for _, in := range r.Insights {
			p.printf("  %-24s %s -> %s\n", in.Metric, num(in.Value), in.Band)
		}
	}

	verdict := "PASS"
	if !r.Passed {
		verdict = "FAIL"
	}
	p.printf("\n  RESULT: %s\n\n", verdict)
	return p.err
}

// RenderFindings writes a standalone scan report: findings by severity, a
// count per severity and the gate verdict.
func RenderFindings(w io.Writer, findings []types.Finding, gateFailed bool) error {
	p := &printer{w: w}
	p.printf("\n  SECURITY FINDINGS\n")
	if len(findings) == 0 {
		p.printf("  none\n")
	}
	for _, f := range sortedFindings(findings) {
		p.printf("  %-14s %s  %s", strings.ToUpper(string(f.Severity)), f.Name, f.URL)
		if f.Param != "" {
			p.printf(" [%s]", f.Param)
		}
		p.printf("\n")
	}

	counts := scan.Count(findings)
	p.printf("\n ")
	for _, sev := range types.Severities() {
		p.printf(" %s=%d", sev, counts[sev])
	}
	p.printf("\n")

	verdict := "PASS"
	if gateFailed {
		verdict = "FAIL"
	}
	p.printf("\n  RESULT: %s\n\n", verdict)
	return p.err
}

// RenderJSON writes r as indented JSON.
func RenderJSON(w io.Writer, r *types.RunResult) error {
	data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run result: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// WriteFile writes r as JSON to path, creating parent directories.
func WriteFile(path string, r *types.RunResult) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create result directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create result file: %w", err)
	}
	if err := RenderJSON(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type printer struct {
	w   io.Writer
	err error
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func trendMetrics(all []types.MetricSummary) []types.MetricSummary {
	var out []types.MetricSummary
	for _, m := range all {
		if m.Type == string(metrics.Trend) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func otherMetrics(all []types.MetricSummary) []types.MetricSummary {
	var out []types.MetricSummary
	for _, m := range all {
		if m.Type != string(metrics.Trend) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func describe(m types.MetricSummary) string {
	switch metrics.MetricType(m.Type) {
	case metrics.Counter:
		return num(m.Sum)
	case metrics.Gauge:
		return fmt.Sprintf("%s  min=%s max=%s", num(m.Value), num(m.Min), num(m.Max))
	case metrics.Rate:
		return fmt.Sprintf("%.2f%%  %d/%d", m.Rate*100, m.Passes, m.Passes+m.Fails)
	}
	return ""
}

func sortedFindings(in []types.Finding) []types.Finding {
	out := append([]types.Finding(nil), in...)
	scan.Sort(out)
	return out
}
