package types

import "strings"

// Severity of a security finding.
type Severity string

const (
	SeverityInfo   Severity = "informational"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Severities returns the known severities, highest first.
func Severities() []Severity {
	return []Severity{SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// Rank orders severities; unknown values rank below informational.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	default:
		return 0
	}
}

// ParseSeverity maps loose spellings ("High", "info", "Informational (Low)") to a Severity.
func ParseSeverity(s string) Severity {
	s = strings.ToLower(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ' '); i > 0 {
		s = s[:i]
	}
	switch s {
	case "high", "critical":
		return SeverityHigh
	case "medium":
		return SeverityMedium
	case "low":
		return SeverityLow
	case "info", "informational":
		return SeverityInfo
	default:
		return Severity(s)
	}
}

// Finding is one alert reported by the external security scanner.
type Finding struct {
	Severity    Severity `json:"severity"`
	Name        string   `json:"name"`
	URL         string   `json:"url"`
	Param       string   `json:"param,omitempty"`
	Description string   `json:"description,omitempty"`
}
