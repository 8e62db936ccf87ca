// Package scan connects the engine to an external ZAP-style security scanner.
// Detection happens in the scanner; this package only drives it and turns its
// alerts into findings.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"yqhp/perfsec/pkg/types"
)

var (
	// ErrScanner is returned when the scanner cannot be reached or answers with an error.
	ErrScanner = errors.New("security scanner error")

	// ErrReport is returned for unreadable scan reports.
	ErrReport = errors.New("invalid scan report")
)

// Scanner runs a scan against target and returns its findings.
type Scanner interface {
	Scan(ctx context.Context, target string) ([]types.Finding, error)
}

// ScannerFunc adapts a function to Scanner.
type ScannerFunc func(ctx context.Context, target string) ([]types.Finding, error)

// Scan calls f.
func (f ScannerFunc) Scan(ctx context.Context, target string) ([]types.Finding, error) {
	return f(ctx, target)
}

// report is ZAP's traditional JSON report.
type report struct {
	Site []struct {
		Name   string        `json:"@name"`
		Alerts []reportAlert `json:"alerts"`
	} `json:"site"`
}

type reportAlert struct {
	Alert     string `json:"alert"`
	Name      string `json:"name"`
	RiskCode  string `json:"riskcode"`
	RiskDesc  string `json:"riskdesc"`
	Desc      string `json:"desc"`
	Instances []struct {
		URI   string `json:"uri"`
		Param string `json:"param"`
	} `json:"instances"`
}

// ParseReport reads a ZAP traditional JSON report. Each alert becomes one
// finding located at its first instance.
func ParseReport(r io.Reader) ([]types.Finding, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReport, err)
	}
	var rep report
	if err := sonic.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReport, err)
	}

	var out []types.Finding
	for _, site := range rep.Site {
		for _, a := range site.Alerts {
			f := types.Finding{
				Severity:    riskCodeSeverity(a.RiskCode, a.RiskDesc),
				Name:        firstNonEmpty(a.Name, a.Alert),
				URL:         site.Name,
				Description: stripTags(a.Desc),
			}
			if len(a.Instances) > 0 {
				f.URL = firstNonEmpty(a.Instances[0].URI, site.Name)
				f.Param = a.Instances[0].Param
			}
			out = append(out, f)
		}
	}
	return out, nil
}

// ReportFile is a Scanner that reads the report a containerised baseline scan
// wrote to Path. The target is ignored.
type ReportFile struct {
	Path string
}

// Scan parses the report file.
func (r ReportFile) Scan(ctx context.Context, _ string) ([]types.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(r.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReport, err)
	}
	defer f.Close()
	return ParseReport(f)
}

// Exceeds reports whether any finding is at or above failOn. An empty failOn
// never fails.
func Exceeds(findings []types.Finding, failOn types.Severity) bool {
	if failOn == "" {
		return false
	}
	limit := failOn.Rank()
	for _, f := range findings {
		if f.Severity.Rank() >= limit {
			return true
		}
	}
	return false
}

// Count returns the number of findings per severity.
func Count(findings []types.Finding) map[types.Severity]int {
	out := make(map[types.Severity]int)
	for _, f := range findings {
		out[f.Severity]++
	}
	return out
}

// Sort orders findings by severity descending, then by name and URL.
func Sort(findings []types.Finding) {
	sort.SliceStable(findings, func(i, j int) bool {
		a, b := findings[i], findings[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		return a.URL < b.URL
	})
}

func riskCodeSeverity(code, desc string) types.Severity {
	switch n, err := strconv.Atoi(strings.TrimSpace(code)); {
	case err != nil:
		return types.ParseSeverity(desc)
	case n >= 3:
		return types.SeverityHigh
	case n == 2:
		return types.SeverityMedium
	case n == 1:
		return types.SeverityLow
	default:
		return types.SeverityInfo
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// stripTags removes the HTML paragraph markup ZAP puts in descriptions.
func stripTags(s string) string {
	var b strings.Builder
	in := false
	for _, r := range s {
		switch {
		case r == '<':
			in = true
		case r == '>':
			in = false
		case !in:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
