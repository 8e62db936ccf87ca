// Package threshold parses pass/fail criteria over aggregated metrics and
// evaluates them, periodically during a run and once at its end.
package threshold

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrSyntax 表示阈值表达式无法解析
	ErrSyntax = errors.New("invalid threshold expression")
	// ErrUnknownMetric 表示阈值引用了未声明的指标
	ErrUnknownMetric = errors.New("threshold references unknown metric")
	// ErrSelectorType 表示选择器不适用于该指标类型
	ErrSelectorType = errors.New("selector not applicable to metric type")
)

// Operator is a comparison operator.
type Operator string

const (
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// longest first, so "<=" is not split as "<"
var operators = []Operator{OpLessEqual, OpGreaterEqual, OpEqual, OpNotEqual, OpLess, OpGreater}

// Compare applies the operator.
func (o Operator) Compare(value, bound float64) bool {
	switch o {
	case OpLess:
		return value < bound
	case OpLessEqual:
		return value <= bound
	case OpGreater:
		return value > bound
	case OpGreaterEqual:
		return value >= bound
	case OpEqual:
		return value == bound
	case OpNotEqual:
		return value != bound
	}
	return false
}

// Selector names the aggregate statistic a threshold compares.
type Selector struct {
	// Kind is one of p, med, rate, avg, min, max, count, value.
	Kind string
	// Percentile is set when Kind is "p".
	Percentile float64
}

func (s Selector) String() string {
	if s.Kind == "p" {
		return "p(" + strconv.FormatFloat(s.Percentile, 'f', -1, 64) + ")"
	}
	return s.Kind
}

// Expr is a parsed "selector op bound" expression.
type Expr struct {
	Selector Selector
	Op       Operator
	Bound    float64
}

func (e Expr) String() string {
	return fmt.Sprintf("%s %s %s", e.Selector, e.Op, strconv.FormatFloat(e.Bound, 'f', -1, 64))
}

// Parse parses an expression such as "p(95) < 500", "rate<0.01" or "avg <= 1.5s".
// Duration literals are converted to milliseconds.
func Parse(source string) (Expr, error) {
	src := strings.TrimSpace(source)
	for _, op := range operators {
		idx := strings.Index(src, string(op))
		if idx < 0 {
			continue
		}
		left := strings.TrimSpace(src[:idx])
		right := strings.TrimSpace(src[idx+len(op):])
		if strings.ContainsAny(right, "<>=!") {
			return Expr{}, fmt.Errorf("%w: %q has more than one operator", ErrSyntax, source)
		}

		sel, err := parseSelector(left)
		if err != nil {
			return Expr{}, fmt.Errorf("%w: %q: %v", ErrSyntax, source, err)
		}
		bound, err := parseBound(right)
		if err != nil {
			return Expr{}, fmt.Errorf("%w: %q: %v", ErrSyntax, source, err)
		}
		return Expr{Selector: sel, Op: op, Bound: bound}, nil
	}
	return Expr{}, fmt.Errorf("%w: %q has no operator", ErrSyntax, source)
}

func parseSelector(s string) (Selector, error) {
	switch s {
	case "med":
		return Selector{Kind: "p", Percentile: 50}, nil
	case "rate", "avg", "min", "max", "count", "value":
		return Selector{Kind: s}, nil
	}
	if strings.HasPrefix(s, "p(") && strings.HasSuffix(s, ")") {
		p, err := strconv.ParseFloat(strings.TrimSpace(s[2:len(s)-1]), 64)
		if err != nil {
			return Selector{}, fmt.Errorf("bad percentile %q", s)
		}
		if p < 0 || p > 100 {
			return Selector{}, fmt.Errorf("percentile %v out of range [0, 100]", p)
		}
		return Selector{Kind: "p", Percentile: p}, nil
	}
	return Selector{}, fmt.Errorf("unknown selector %q", s)
}

func parseBound(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("missing bound")
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("bad bound %q", s)
	}
	return float64(d) / float64(time.Millisecond), nil
}
