package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/perfsec/internal/execution"
	"yqhp/perfsec/pkg/types"
)

const sampleDefinition = `
name: checkout
base_url: https://shop.example.com/
credentials:
  username: alice
  password: s3cret
vars:
  SKU: "1234"
profile: spike
execution:
  think_time: 500ms
  expected_statuses: ["200-299", "404"]
thresholds:
  http_req_duration:
    - p(95)<500
    - threshold: p(99)<1500
      abort_on_fail: true
      delay_abort_eval: 10s
  http_req_failed: ["rate<0.01"]
scenario:
  - name: login
    method: post
    url: ${BASE_URL}/login
    body: '{"user":"${USERNAME}"}'
    checks:
      - status: 200
    extract:
      token: $.token
  - name: browse
    url: ${BASE_URL}/items/${SKU}
    every: 3
scan:
  enabled: true
  fail_on: medium
output:
  format: json
  outputs: ["json=out.ndjson"]
`

func writeDefinition(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "perfsec.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultDefinition(t *testing.T) {
	def := DefaultDefinition()

	assert.Equal(t, execution.DefaultTick, def.Execution.Tick)
	assert.Equal(t, execution.DefaultCrashBudget, def.Execution.CrashBudget)
	assert.Equal(t, time.Second, def.Execution.ThinkTime)
	assert.Equal(t, FormatText, def.Output.Format)
	assert.Equal(t, "high", def.Scan.FailOn)
	assert.Equal(t, "localhost:6565", def.API.Address)
	assert.Equal(t, "info", def.Logging.Level)
}

func TestLoadFromFile(t *testing.T) {
	def, err := NewLoader().WithConfigPath(writeDefinition(t, sampleDefinition)).WithEnv(noEnv).Load()
	require.NoError(t, err)

	assert.Equal(t, "checkout", def.Name)
	assert.Equal(t, "spike", def.Profile)
	assert.Equal(t, 500*time.Millisecond, def.Execution.ThinkTime)
	assert.Equal(t, []string{"200-299", "404"}, def.Execution.ExpectedStatuses)
	require.Len(t, def.Scenario, 2)
	assert.Equal(t, "post", def.Scenario[0].Method)
	assert.Equal(t, 3, def.Scenario[1].Every)

	th := def.Thresholds["http_req_duration"]
	require.Len(t, th, 2)
	assert.Equal(t, ThresholdSpec{Threshold: "p(95)<500"}, th[0])
	assert.Equal(t, ThresholdSpec{Threshold: "p(99)<1500", AbortOnFail: true, DelayAbortEval: 10 * time.Second}, th[1])

	// 未出现在文件中的字段保持默认值
	assert.Equal(t, execution.DefaultTick, def.Execution.Tick)

	require.NoError(t, Validate(def))
}

func TestLoadFromNonExistentFile(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/perfsec.yaml")
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := LoadFromFile(writeDefinition(t, "scenario: [unclosed"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	env := map[string]string{
		"BASE_URL":                  "http://staging:8080",
		"PERFSEC_PROFILE":           "load",
		"PERFSEC_THINK_TIME":        "2s",
		"PERFSEC_EXPECTED_STATUSES": "200, 201-204",
		"PERFSEC_STRICT":            "true",
		"PERFSEC_API_ADDR":          ":7000",
		"PERFSEC_LOG_LEVEL":         "debug",
		"PERFSEC_ZAP_API_KEY":       "k",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	def, err := NewLoader().WithConfigPath(writeDefinition(t, sampleDefinition)).WithEnv(lookup).Load()
	require.NoError(t, err)

	assert.Equal(t, "http://staging:8080", def.BaseURL)
	assert.Equal(t, "load", def.Profile)
	assert.Equal(t, 2*time.Second, def.Execution.ThinkTime)
	assert.Equal(t, []string{"200", "201-204"}, def.Execution.ExpectedStatuses)
	assert.True(t, def.Output.Strict)
	assert.Equal(t, ":7000", def.API.Address)
	assert.Equal(t, "debug", def.Logging.Level)
	assert.Equal(t, "k", def.Scan.ZAP.APIKey)
}

func TestCmdOverrides(t *testing.T) {
	env := map[string]string{"PERFSEC_THINK_TIME": "2s"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	def, err := NewLoader().
		WithConfigPath(writeDefinition(t, sampleDefinition)).
		WithEnv(lookup).
		WithCmdArgs(map[string]string{
			"execution.think_time": "3s",
			"stages":               "10s:5,20s:0",
			"api.address":          ":9999",
			"vars":                 "A=1,B=2",
			"output.strict":        "true",
		}).
		Load()
	require.NoError(t, err)

	// 命令行优先于环境变量
	assert.Equal(t, 3*time.Second, def.Execution.ThinkTime)
	assert.Equal(t, types.StageProfile{{Duration: 10 * time.Second, Target: 5}, {Duration: 20 * time.Second}}, def.Stages)
	assert.Equal(t, ":9999", def.API.Address)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, def.Vars)
	assert.True(t, def.Output.Strict)

	_, err = NewLoader().WithEnv(noEnv).WithCmdArgs(map[string]string{"no.such": "x"}).Load()
	assert.Error(t, err)
}

func TestLoadShapeOverrides(t *testing.T) {
	const withStages = `
name: shape
mode: ramping-vus
profile: load
stages:
  - duration: 10s
    target: 1
`
	path := writeDefinition(t, withStages)
	load := func(t *testing.T, env map[string]string, args map[string]string) *Definition {
		t.Helper()
		lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
		def, err := NewLoader().WithConfigPath(path).WithEnv(lookup).WithCmdArgs(args).Load()
		require.NoError(t, err)
		return def
	}

	t.Run("file only", func(t *testing.T) {
		stages, err := load(t, nil, nil).ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, stages.TotalDuration())
	})

	t.Run("profile flag beats file stages", func(t *testing.T) {
		def := load(t, nil, map[string]string{"profile": ProfileSpike})
		assert.Empty(t, def.Stages)
		stages, err := def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, BuiltinProfiles()[ProfileSpike], stages)
	})

	t.Run("vus and duration flags beat file stages and profile", func(t *testing.T) {
		def := load(t, nil, map[string]string{"vus": "5", "duration": "30s"})
		assert.Equal(t, execution.ModeConstantVUs, def.ResolvedMode())
		stages, err := def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, 5, stages.MaxTarget())
		assert.Equal(t, 30*time.Second, stages.TotalDuration())
	})

	t.Run("stage flag beats constant mode from file", func(t *testing.T) {
		path := writeDefinition(t, "name: c\nmode: constant-vus\nvus: 3\nduration: 1m\n")
		def, err := NewLoader().WithConfigPath(path).WithEnv(noEnv).
			WithCmdArgs(map[string]string{"stages": "5s:2,5s:0"}).Load()
		require.NoError(t, err)
		assert.Equal(t, execution.ModeRampingVUs, def.ResolvedMode())
		stages, err := def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, 10*time.Second, stages.TotalDuration())
	})

	t.Run("env profile beats file stages, flag beats env", func(t *testing.T) {
		env := map[string]string{"PERFSEC_PROFILE": ProfileStress}
		def := load(t, env, nil)
		stages, err := def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, BuiltinProfiles()[ProfileStress], stages)

		def = load(t, env, map[string]string{"stages": "1s:1"})
		stages, err = def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, time.Second, stages.TotalDuration())
	})
}

func TestResolvedStages(t *testing.T) {
	t.Run("explicit stages win", func(t *testing.T) {
		def := DefaultDefinition()
		def.Profile = ProfileSpike
		def.Stages = types.StageProfile{{Duration: time.Second, Target: 1}}
		stages, err := def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, def.Stages, stages)
	})

	t.Run("builtin profiles", func(t *testing.T) {
		def := DefaultDefinition()
		def.Profile = ProfileLoad
		stages, err := def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, 5*time.Minute, stages.TotalDuration())
		assert.Equal(t, 10, stages.MaxTarget())

		def.Profile = ProfileStress
		stages, err = def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, 30, stages.MaxTarget())
		assert.Equal(t, 0, stages[len(stages)-1].Target)

		def.Profile = ProfileSpike
		stages, err = def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, 100, stages.MaxTarget())
	})

	t.Run("custom profile shadows builtin", func(t *testing.T) {
		def := DefaultDefinition()
		def.Profile = ProfileLoad
		def.Profiles = map[string]types.StageProfile{ProfileLoad: {{Duration: time.Second, Target: 2}}}
		stages, err := def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, 2, stages.MaxTarget())
	})

	t.Run("constant vus", func(t *testing.T) {
		def := DefaultDefinition()
		def.VUs = 4
		def.Duration = time.Minute
		assert.Equal(t, execution.ModeConstantVUs, def.ResolvedMode())
		stages, err := def.ResolvedStages()
		require.NoError(t, err)
		assert.Equal(t, 4, stages.MaxTarget())
		assert.Equal(t, time.Minute, stages.TotalDuration())
	})

	t.Run("unknown profile", func(t *testing.T) {
		def := DefaultDefinition()
		def.Profile = "soak"
		_, err := def.ResolvedStages()
		assert.ErrorContains(t, err, "soak")
	})

	t.Run("nothing configured", func(t *testing.T) {
		_, err := DefaultDefinition().ResolvedStages()
		assert.ErrorIs(t, err, execution.ErrNoStages)
	})
}

func TestBuiltinProfilesAreFresh(t *testing.T) {
	a := BuiltinProfiles()
	a[ProfileLoad][0].Target = 999
	assert.Equal(t, 10, BuiltinProfiles()[ProfileLoad][0].Target)
}

func TestTemplateVars(t *testing.T) {
	t.Setenv("PERFSEC_TEST_ONLY", "from-env")
	t.Setenv("SKU", "env-sku")

	def := DefaultDefinition()
	def.BaseURL = "http://svc/"
	def.Credentials = Credentials{Username: "u", Password: "p"}
	def.Vars = map[string]string{"SKU": "var-sku"}

	vars := def.TemplateVars()
	assert.Equal(t, "from-env", vars["PERFSEC_TEST_ONLY"])
	assert.Equal(t, "var-sku", vars["SKU"])
	assert.Equal(t, "http://svc", vars["BASE_URL"])
	assert.Equal(t, "u", vars["USERNAME"])
	assert.Equal(t, "p", vars["PASSWORD"])
}

func TestBuildThresholdsOrdered(t *testing.T) {
	def := DefaultDefinition()
	def.Thresholds = map[string][]ThresholdSpec{
		"http_req_failed":   {{Threshold: "rate<0.1"}},
		"http_req_duration": {{Threshold: "p(95)<10"}, {Threshold: "avg<5"}},
	}
	ths, err := def.BuildThresholds()
	require.NoError(t, err)
	require.Len(t, ths, 3)
	assert.Equal(t, "http_req_duration", ths[0].Metric)
	assert.Equal(t, "p(95)<10", ths[0].Source)
	assert.Equal(t, "avg<5", ths[1].Source)
	assert.Equal(t, "http_req_failed", ths[2].Metric)
}

func TestThresholdSpecYAML(t *testing.T) {
	def, err := ParseDefinition([]byte(sampleDefinition))
	require.NoError(t, err)

	data, err := def.Serialize()
	require.NoError(t, err)
	assert.Contains(t, string(data), "- p(95)<500")
	assert.Contains(t, string(data), "abort_on_fail: true")

	back, err := ParseDefinition(data)
	require.NoError(t, err)
	assert.Equal(t, def.Thresholds, back.Thresholds)
}

func TestParseStages(t *testing.T) {
	stages, err := ParseStages("30s:10, 1m:20,30s:0")
	require.NoError(t, err)
	assert.Equal(t, types.StageProfile{
		{Duration: 30 * time.Second, Target: 10},
		{Duration: time.Minute, Target: 20},
		{Duration: 30 * time.Second, Target: 0},
	}, stages)

	for _, bad := range []string{"", "30s", "x:1", "1s:y"} {
		_, err := ParseStages(bad)
		assert.Error(t, err, bad)
	}
}
