// Package script provides declarative iteration runners: a scenario of request
// and sleep steps with checks, templated URLs and seedable step selection.
package script

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"yqhp/perfsec/internal/execution"
	"yqhp/perfsec/internal/httpclient"
)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true, "OPTIONS": true,
}

// Step is one entry of a scenario: a request when URL is set, otherwise a sleep.
type Step struct {
	Name    string            `yaml:"name,omitempty" json:"name,omitempty"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty" json:"body,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Checks  []CheckSpec       `yaml:"checks,omitempty" json:"checks,omitempty"`
	// Extract stores JSONPath matches of the response into VU variables.
	Extract map[string]string `yaml:"extract,omitempty" json:"extract,omitempty"`
	Sleep   time.Duration     `yaml:"sleep,omitempty" json:"sleep,omitempty"`

	SelectorSpec `yaml:",inline" json:",inline"`
}

type compiledStep struct {
	Step
	checks  []compiledCheck
	extract map[string]jp.Expr
}

// Scenario is an execution.IterationRunner built from steps. It is immutable;
// per-VU state (variables, selectors, JS runtime) lives in the VU's session.
type Scenario struct {
	steps []compiledStep
	vars  map[string]string
	seed  int64
}

var _ execution.IterationRunner = (*Scenario)(nil)

// NewScenario validates and compiles steps. vars supplies template values such
// as BASE_URL and credentials.
func NewScenario(steps []Step, vars map[string]string, seed int64) (*Scenario, error) {
	if len(steps) == 0 {
		return nil, errors.New("scenario has no steps")
	}
	s := &Scenario{vars: make(map[string]string, len(vars)), seed: seed}
	for k, v := range vars {
		s.vars[k] = v
	}

	for i, st := range steps {
		label := st.Name
		if label == "" {
			label = "#" + strconv.Itoa(i+1)
		}
		if err := st.SelectorSpec.Validate(); err != nil {
			return nil, fmt.Errorf("step %s: %w", label, err)
		}
		if st.URL == "" {
			if st.Sleep <= 0 {
				return nil, fmt.Errorf("step %s: either url or sleep is required", label)
			}
			s.steps = append(s.steps, compiledStep{Step: st})
			continue
		}

		st.Method = strings.ToUpper(st.Method)
		if st.Method == "" {
			st.Method = "GET"
		}
		if !validMethods[st.Method] {
			return nil, fmt.Errorf("step %s: unsupported method %s", label, st.Method)
		}

		cs := compiledStep{Step: st}
		for _, spec := range st.Checks {
			c, err := compileCheck(spec)
			if err != nil {
				return nil, fmt.Errorf("step %s: %w", label, err)
			}
			cs.checks = append(cs.checks, c)
		}
		if len(st.Extract) > 0 {
			cs.extract = make(map[string]jp.Expr, len(st.Extract))
			for name, path := range st.Extract {
				expr, err := jp.ParseString(path)
				if err != nil {
					return nil, fmt.Errorf("step %s: extract %s: %w", label, name, err)
				}
				cs.extract[name] = expr
			}
		}
		s.steps = append(s.steps, cs)
	}
	return s, nil
}

// vuState is the scenario's per-VU state.
type vuState struct {
	vars      map[string]string
	selectors []Selector
	vm        *goja.Runtime
}

func (s *Scenario) newVUState(vu int) *vuState {
	st := &vuState{vars: make(map[string]string, len(s.vars)+2)}
	for k, v := range s.vars {
		st.vars[k] = v
	}
	st.vars["VU"] = strconv.Itoa(vu)
	for i, step := range s.steps {
		st.selectors = append(st.selectors, NewSelector(step.SelectorSpec, s.seed, vu, i))
	}
	return st
}

func (st *vuState) runtime() *goja.Runtime {
	if st.vm == nil {
		st.vm = goja.New()
	}
	return st.vm
}

// RunIteration runs every selected step in order. Failed calls do not stop
// the iteration; a stop or cancellation does.
func (s *Scenario) RunIteration(ctx context.Context, sess *execution.Session) error {
	st := sess.Local("scenario", func() any { return s.newVUState(sess.VU()) }).(*vuState)
	iter := sess.Iteration()
	st.vars["ITER"] = strconv.FormatInt(iter, 10)

	for i := range s.steps {
		step := &s.steps[i]
		if !st.selectors[i].Pick(iter) {
			continue
		}
		if step.URL == "" {
			if err := sess.Sleep(ctx, step.Sleep); err != nil {
				return err
			}
			continue
		}

		resp, err := sess.Do(ctx, s.request(step, st), s.checks(step, st)...)
		if errors.Is(err, execution.ErrStopped) || ctx.Err() != nil {
			if err == nil {
				err = ctx.Err()
			}
			return err
		}
		if err == nil && len(step.extract) > 0 {
			extract(step.extract, resp, st.vars)
		}
	}
	return nil
}

func (s *Scenario) request(step *compiledStep, st *vuState) *httpclient.Request {
	req := &httpclient.Request{
		Method:  step.Method,
		URL:     Expand(step.URL, st.vars),
		Timeout: step.Timeout,
		Name:    step.Name,
	}
	if req.Name == "" {
		// 未命名步骤使用未展开的 URL，避免 ${VU} 等变量产生大量标签
		req.Name = step.URL
	}
	if len(step.Headers) > 0 {
		req.Headers = make(map[string]string, len(step.Headers))
		for k, v := range step.Headers {
			req.Headers[k] = Expand(v, st.vars)
		}
	}
	if step.Body != "" {
		req.Body = []byte(Expand(step.Body, st.vars))
	}
	return req
}

func (s *Scenario) checks(step *compiledStep, st *vuState) []execution.Check {
	if len(step.checks) == 0 {
		return nil
	}
	out := make([]execution.Check, len(step.checks))
	for i, c := range step.checks {
		c := c
		out[i] = execution.Check{
			Name: c.name,
			Assert: func(resp *httpclient.Response) bool {
				var vm *goja.Runtime
				if c.program != nil {
					vm = st.runtime()
				}
				return c.evaluate(resp, vm)
			},
		}
	}
	return out
}

func extract(paths map[string]jp.Expr, resp *httpclient.Response, vars map[string]string) {
	doc, err := oj.Parse(resp.Body)
	if err != nil {
		return
	}
	for name, path := range paths {
		if results := path.Get(doc); len(results) > 0 {
			vars[name] = fmt.Sprint(results[0])
		}
	}
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Expand replaces ${NAME} placeholders with vars; unknown names are left as is.
func Expand(s string, vars map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		if v, ok := vars[m[2:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
