// Package config loads and validates test definitions.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/perfsec/internal/api"
	"yqhp/perfsec/internal/execution"
	"yqhp/perfsec/internal/scan"
	"yqhp/perfsec/internal/script"
	"yqhp/perfsec/internal/summary"
	"yqhp/perfsec/pkg/logger"
	"yqhp/perfsec/pkg/types"
)

// 输出格式
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Definition is a complete test definition.
type Definition struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url" env:"BASE_URL"`

	Credentials Credentials       `yaml:"credentials"`
	Vars        map[string]string `yaml:"vars,omitempty"`

	// Mode is ramping-vus or constant-vus; empty picks one from the load shape.
	Mode     string                        `yaml:"mode" env:"PERFSEC_MODE"`
	Profile  string                        `yaml:"profile" env:"PERFSEC_PROFILE"`
	Profiles map[string]types.StageProfile `yaml:"profiles,omitempty"`
	Stages   types.StageProfile            `yaml:"stages,omitempty"`
	VUs      int                           `yaml:"vus" env:"PERFSEC_VUS"`
	Duration time.Duration                 `yaml:"duration" env:"PERFSEC_DURATION"`

	Execution  ExecutionConfig            `yaml:"execution"`
	Thresholds map[string][]ThresholdSpec `yaml:"thresholds,omitempty"`
	Scenario   []script.Step              `yaml:"scenario"`
	Insights   summary.InsightPolicy      `yaml:"insights"`
	Scan       ScanConfig                 `yaml:"scan"`
	Output     OutputConfig               `yaml:"output"`
	API        APIConfig                  `yaml:"api"`
	Logging    logger.Config              `yaml:"logging"`
}

// Credentials are exposed to templates as ${USERNAME} and ${PASSWORD}.
type Credentials struct {
	Username string `yaml:"username" env:"USERNAME"`
	Password string `yaml:"password" env:"PASSWORD"`
}

// ExecutionConfig tunes the scheduler and the VUs.
type ExecutionConfig struct {
	Tick             time.Duration `yaml:"tick" env:"PERFSEC_TICK"`
	GracefulStop     time.Duration `yaml:"graceful_stop" env:"PERFSEC_GRACEFUL_STOP"`
	ThinkTime        time.Duration `yaml:"think_time" env:"PERFSEC_THINK_TIME"`
	Timeout          time.Duration `yaml:"timeout" env:"PERFSEC_TIMEOUT"`
	CrashBudget      int           `yaml:"crash_budget" env:"PERFSEC_CRASH_BUDGET"`
	ExpectedStatuses []string      `yaml:"expected_statuses" env:"PERFSEC_EXPECTED_STATUSES"`
	Seed             int64         `yaml:"seed" env:"PERFSEC_SEED"`
	MaxConnsPerHost  int           `yaml:"max_conns_per_host" env:"PERFSEC_MAX_CONNS_PER_HOST"`
	Insecure         bool          `yaml:"insecure_skip_verify" env:"PERFSEC_INSECURE"`
	// ThresholdInterval is the period of threshold evaluation during the run.
	ThresholdInterval time.Duration `yaml:"threshold_interval" env:"PERFSEC_THRESHOLD_INTERVAL"`
}

// ScanConfig configures the optional post-run security scan.
type ScanConfig struct {
	Enabled bool   `yaml:"enabled" env:"PERFSEC_SCAN"`
	Target  string `yaml:"target" env:"PERFSEC_SCAN_TARGET"`
	// Report reads findings from a ZAP JSON report instead of a live daemon.
	Report string         `yaml:"report" env:"PERFSEC_SCAN_REPORT"`
	FailOn string         `yaml:"fail_on" env:"PERFSEC_SCAN_FAIL_ON"`
	ZAP    scan.ZAPConfig `yaml:"zap"`
}

// OutputConfig selects how results are reported.
type OutputConfig struct {
	Format   string   `yaml:"format" env:"PERFSEC_FORMAT"`
	JSONFile string   `yaml:"json_file" env:"PERFSEC_OUT_JSON"`
	Outputs  []string `yaml:"outputs" env:"PERFSEC_OUT"`
	// Strict makes indeterminate thresholds fail the run.
	Strict bool `yaml:"strict" env:"PERFSEC_STRICT"`
}

// APIConfig enables the control API.
type APIConfig struct {
	Enabled    bool `yaml:"enabled" env:"PERFSEC_API"`
	api.Config `yaml:",inline"`
}

// DefaultDefinition returns a Definition with default values.
func DefaultDefinition() *Definition {
	return &Definition{
		Execution: ExecutionConfig{
			Tick:              execution.DefaultTick,
			GracefulStop:      execution.DefaultGracefulStop,
			ThinkTime:         time.Second,
			CrashBudget:       execution.DefaultCrashBudget,
			ThresholdInterval: 2 * time.Second,
		},
		Insights: summary.DefaultInsightPolicy(),
		Scan: ScanConfig{
			FailOn: string(types.SeverityHigh),
			ZAP: scan.ZAPConfig{
				Addr:         "http://localhost:8090",
				PollInterval: scan.DefaultPollInterval,
				Timeout:      scan.DefaultScanTimeout,
			},
		},
		Output:  OutputConfig{Format: FormatText},
		API:     APIConfig{Config: *api.DefaultConfig()},
		Logging: *logger.DefaultConfig(),
	}
}

// ParseDefinition parses a YAML definition on top of the defaults.
func ParseDefinition(data []byte) (*Definition, error) {
	def := DefaultDefinition()
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, fmt.Errorf("parse definition: %w", err)
	}
	return def, nil
}

// Serialize serializes the definition to YAML bytes.
func (d *Definition) Serialize() ([]byte, error) {
	return yaml.Marshal(d)
}

// ResolvedMode returns the execution mode, inferring it when unset: an
// explicit VU count with a duration and no stages means constant-vus.
func (d *Definition) ResolvedMode() string {
	if d.Mode != "" {
		return d.Mode
	}
	if len(d.Stages) == 0 && d.Profile == "" && d.VUs > 0 && d.Duration > 0 {
		return execution.ModeConstantVUs
	}
	return execution.ModeRampingVUs
}

// ResolvedStages returns the stage profile the run follows: explicit stages,
// then a named profile, then constant VUs for the duration.
func (d *Definition) ResolvedStages() (types.StageProfile, error) {
	if d.ResolvedMode() == execution.ModeConstantVUs {
		return execution.ConstantStages(d.VUs, d.Duration), nil
	}
	if len(d.Stages) > 0 {
		return d.Stages.Clone(), nil
	}
	if d.Profile != "" {
		if p, ok := d.Profiles[d.Profile]; ok {
			return p.Clone(), nil
		}
		if p, ok := BuiltinProfiles()[d.Profile]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("unknown profile %q", d.Profile)
	}
	return nil, execution.ErrNoStages
}

// TemplateVars returns the values available to scenario templates. The
// process environment comes first, then vars, then base URL and credentials.
func (d *Definition) TemplateVars() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	for k, v := range d.Vars {
		out[k] = v
	}
	if d.BaseURL != "" {
		out["BASE_URL"] = strings.TrimRight(d.BaseURL, "/")
	}
	if d.Credentials.Username != "" {
		out["USERNAME"] = d.Credentials.Username
	}
	if d.Credentials.Password != "" {
		out["PASSWORD"] = d.Credentials.Password
	}
	return out
}

// ScanTarget returns the scan target, defaulting to the base URL.
func (d *Definition) ScanTarget() string {
	if d.Scan.Target != "" {
		return d.Scan.Target
	}
	return d.BaseURL
}
