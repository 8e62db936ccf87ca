package script

import (
	"bytes"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"yqhp/perfsec/internal/httpclient"
)

// exprTimeout bounds a single JS check evaluation.
const exprTimeout = time.Second

// CheckSpec is the declarative form of a check. Exactly one assertion field is set.
type CheckSpec struct {
	Name         string        `yaml:"name" json:"name"`
	Status       int           `yaml:"status,omitempty" json:"status,omitempty"`
	MaxDuration  time.Duration `yaml:"max_duration,omitempty" json:"max_duration,omitempty"`
	BodyContains string        `yaml:"body_contains,omitempty" json:"body_contains,omitempty"`
	JSONPath     string        `yaml:"jsonpath,omitempty" json:"jsonpath,omitempty"`
	// Equals compares the first JSONPath match by its string form; empty means "exists".
	Equals string `yaml:"equals,omitempty" json:"equals,omitempty"`
	// Expr is a JavaScript expression over status, duration, body, headers and json.
	Expr string `yaml:"expr,omitempty" json:"expr,omitempty"`
}

func (c CheckSpec) kinds() int {
	n := 0
	if c.Status != 0 {
		n++
	}
	if c.MaxDuration > 0 {
		n++
	}
	if c.BodyContains != "" {
		n++
	}
	if c.JSONPath != "" {
		n++
	}
	if c.Expr != "" {
		n++
	}
	return n
}

// DisplayName returns Name, or a name derived from the assertion.
func (c CheckSpec) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	switch {
	case c.Status != 0:
		return fmt.Sprintf("status is %d", c.Status)
	case c.MaxDuration > 0:
		return fmt.Sprintf("response time < %s", c.MaxDuration)
	case c.BodyContains != "":
		return fmt.Sprintf("body contains %q", c.BodyContains)
	case c.JSONPath != "":
		if c.Equals != "" {
			return fmt.Sprintf("%s == %s", c.JSONPath, c.Equals)
		}
		return c.JSONPath + " exists"
	default:
		return c.Expr
	}
}

// compiledCheck is immutable and shared by all VUs. JS checks are evaluated on
// the calling VU's own runtime.
type compiledCheck struct {
	name    string
	spec    CheckSpec
	path    jp.Expr
	program *goja.Program
}

func compileCheck(spec CheckSpec) (compiledCheck, error) {
	if spec.kinds() != 1 {
		return compiledCheck{}, fmt.Errorf("check %q: exactly one assertion must be set", spec.DisplayName())
	}
	c := compiledCheck{name: spec.DisplayName(), spec: spec}
	if spec.JSONPath != "" {
		path, err := jp.ParseString(spec.JSONPath)
		if err != nil {
			return compiledCheck{}, fmt.Errorf("check %q: invalid JSONPath: %w", c.name, err)
		}
		c.path = path
	}
	if spec.Expr != "" {
		program, err := goja.Compile(c.name, "("+spec.Expr+")", true)
		if err != nil {
			return compiledCheck{}, fmt.Errorf("check %q: invalid expression: %w", c.name, err)
		}
		c.program = program
	}
	return c, nil
}

// evaluate runs the check against resp using the VU's runtime for JS checks.
func (c compiledCheck) evaluate(resp *httpclient.Response, vm *goja.Runtime) bool {
	switch {
	case c.spec.Status != 0:
		return resp.Status == c.spec.Status
	case c.spec.MaxDuration > 0:
		return resp.Duration < c.spec.MaxDuration
	case c.spec.BodyContains != "":
		return bytes.Contains(resp.Body, []byte(c.spec.BodyContains))
	case c.path != nil:
		doc, err := oj.Parse(resp.Body)
		if err != nil {
			return false
		}
		results := c.path.Get(doc)
		if len(results) == 0 {
			return false
		}
		return c.spec.Equals == "" || fmt.Sprint(results[0]) == c.spec.Equals
	case c.program != nil:
		return evalExpr(vm, c.program, resp)
	}
	return false
}

func evalExpr(vm *goja.Runtime, program *goja.Program, resp *httpclient.Response) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	var doc any
	if parsed, err := oj.Parse(resp.Body); err == nil {
		doc = parsed
	}
	_ = vm.Set("status", resp.Status)
	_ = vm.Set("duration", float64(resp.Duration)/float64(time.Millisecond))
	_ = vm.Set("body", string(resp.Body))
	_ = vm.Set("headers", resp.Headers)
	_ = vm.Set("json", doc)

	timer := time.AfterFunc(exprTimeout, func() { vm.Interrupt("check expression timed out") })
	defer timer.Stop()
	defer vm.ClearInterrupt()

	v, err := vm.RunProgram(program)
	if err != nil {
		return false
	}
	return v.ToBoolean()
}
