package config

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/perfsec/internal/scan"
	"yqhp/perfsec/internal/script"
	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/types"
)

func validDefinition() *Definition {
	def := DefaultDefinition()
	def.BaseURL = "http://localhost:8080"
	def.Stages = types.StageProfile{{Duration: 10 * time.Second, Target: 2}, {Duration: 5 * time.Second}}
	def.Scenario = []script.Step{{Name: "home", URL: "${BASE_URL}/"}}
	def.Thresholds = map[string][]ThresholdSpec{
		"http_req_duration":            {{Threshold: "p(95)<500"}},
		"http_req_duration{name:home}": {{Threshold: "avg<200"}},
		"http_req_failed":              {{Threshold: "rate<0.01"}},
	}
	return def
}

func validationFields(t *testing.T, err error) []string {
	t.Helper()
	require.Error(t, err)
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs), "expected ValidationErrors, got %T", err)
	return verrs.Fields()
}

func TestValidator_Valid(t *testing.T) {
	assert.NoError(t, Validate(validDefinition()))
}

func TestValidator_Load(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Definition)
		field  string
	}{
		{"unknown mode", func(d *Definition) { d.Mode = "per-vu-iterations" }, "mode"},
		{"no stages", func(d *Definition) { d.Stages = nil }, "stages"},
		{"negative target", func(d *Definition) { d.Stages[0].Target = -1 }, "stages"},
		{"unknown profile", func(d *Definition) { d.Stages = nil; d.Profile = "soak" }, "stages"},
		{"bad custom profile", func(d *Definition) {
			d.Profiles = map[string]types.StageProfile{"mine": {{Duration: -time.Second}}}
		}, "profiles.mine"},
		{"constant without vus", func(d *Definition) { d.Mode = "constant-vus"; d.Duration = time.Second }, "vus"},
		{"constant without duration", func(d *Definition) { d.Mode = "constant-vus"; d.VUs = 1 }, "duration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)
			assert.Contains(t, validationFields(t, Validate(def)), tt.field)
		})
	}
}

func TestValidator_Execution(t *testing.T) {
	def := validDefinition()
	def.Execution.Tick = 0
	def.Execution.ThinkTime = -time.Second
	def.Execution.CrashBudget = -1
	def.Execution.ExpectedStatuses = []string{"2xx"}

	fields := validationFields(t, Validate(def))
	assert.Equal(t, []string{
		"execution.tick",
		"execution.think_time",
		"execution.crash_budget",
		"execution.expected_statuses",
	}, fields)
}

func TestExecutionPolicy(t *testing.T) {
	cfg := ExecutionConfig{ExpectedStatuses: []string{"200-299", "404"}}
	p, err := cfg.Policy()
	require.NoError(t, err)
	assert.True(t, p.Expected(204))
	assert.True(t, p.Expected(404))
	assert.False(t, p.Expected(302))

	p, err = (&ExecutionConfig{}).Policy()
	require.NoError(t, err)
	assert.True(t, p.Expected(302))
}

func TestValidator_Thresholds(t *testing.T) {
	tests := []struct {
		name string
		spec map[string][]ThresholdSpec
		msg  string
	}{
		{"syntax", map[string][]ThresholdSpec{"http_req_duration": {{Threshold: "p95 fast"}}}, "http_req_duration"},
		{"unknown metric", map[string][]ThresholdSpec{"no_such_metric": {{Threshold: "avg<1"}}}, "no_such_metric"},
		{"selector type", map[string][]ThresholdSpec{"http_req_failed": {{Threshold: "p(95)<1"}}}, "http_req_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			def.Thresholds = tt.spec
			err := Validate(def)
			assert.Equal(t, []string{"thresholds"}, validationFields(t, err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestBuiltinLookup(t *testing.T) {
	typ, ok := BuiltinLookup("http_req_duration{name:login,method:POST}")
	assert.True(t, ok)
	assert.Equal(t, metrics.Trend, typ)

	_, ok = BuiltinLookup("custom_metric")
	assert.False(t, ok)

	_, ok = BuiltinLookup("http_reqs{broken")
	assert.False(t, ok)
}

func TestValidator_Scenario(t *testing.T) {
	def := validDefinition()
	def.Scenario = nil
	assert.Equal(t, []string{"scenario"}, validationFields(t, Validate(def)))

	def = validDefinition()
	def.Scenario = []script.Step{{Name: "x", Method: "BREW", URL: "http://x"}}
	assert.Equal(t, []string{"scenario"}, validationFields(t, Validate(def)))
}

func TestValidator_ScanOutputAPI(t *testing.T) {
	def := validDefinition()
	def.Scan.Enabled = true
	def.Scan.ZAP.Addr = ""
	def.Scan.FailOn = "catastrophic"
	def.Output.Format = "xml"
	def.Output.Outputs = []string{"=x"}
	def.API.Enabled = true
	def.API.Address = "nohostport"
	def.Logging.Level = "trace"
	def.Insights.ErrorRate.Breaking = 0

	fields := validationFields(t, Validate(def))
	assert.Equal(t, []string{
		"insights",
		"scan.fail_on",
		"scan.zap.addr",
		"output.format",
		"output.outputs",
		"api.address",
		"logging.level",
	}, fields)
}

func TestValidator_ScanReportNeedsNoDaemon(t *testing.T) {
	def := validDefinition()
	def.Scan.Enabled = true
	def.Scan.Report = "zap.json"
	def.Scan.ZAP = scan.ZAPConfig{}
	def.Scan.FailOn = "Medium"
	assert.NoError(t, Validate(def))
}

func TestValidationErrorsMessage(t *testing.T) {
	errs := ValidationErrors{{Field: "a", Message: "x"}, {Field: "b", Message: "y"}}
	assert.True(t, errs.HasErrors())
	assert.Equal(t, "definition validation failed:\n  - a: x\n  - b: y", errs.Error())
	assert.Empty(t, ValidationErrors{}.Error())
}

// 紧凑阶段格式与 ParseStages 互逆
func TestParseStagesProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("format then parse preserves stages", prop.ForAll(
		func(secs []int, targets []int) bool {
			n := min(len(secs), len(targets))
			if n == 0 {
				return true
			}
			var want types.StageProfile
			parts := make([]string, n)
			for i := 0; i < n; i++ {
				s := types.Stage{Duration: time.Duration(secs[i]) * time.Second, Target: targets[i]}
				want = append(want, s)
				parts[i] = fmt.Sprintf("%s:%d", s.Duration, s.Target)
			}
			got, err := ParseStages(strings.Join(parts, ","))
			if err != nil {
				return false
			}
			if len(got) != len(want) {
				return false
			}
			for i := range want {
				if got[i] != want[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3600)),
		gen.SliceOf(gen.IntRange(0, 500)),
	))

	properties.TestingRun(t)
}
