package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/duke-git/lancet/v2/slice"

	"yqhp/perfsec/internal/execution"
	"yqhp/perfsec/internal/httpclient"
	"yqhp/perfsec/internal/script"
	"yqhp/perfsec/internal/threshold"
	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
	"yqhp/perfsec/pkg/types"
)

// ValidationError represents a definition validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("definition validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Fields returns the field paths that failed, in order.
func (e ValidationErrors) Fields() []string {
	out := make([]string, len(e))
	for i, err := range e {
		out[i] = err.Field
	}
	return out
}

// Validator validates definitions. Every problem is collected so one run of
// validate reports all of them.
type Validator struct {
	errors ValidationErrors
}

// NewValidator creates a new definition validator.
func NewValidator() *Validator {
	return &Validator{
		errors: make(ValidationErrors, 0),
	}
}

func (v *Validator) addError(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// Validate validates the entire definition and returns any errors.
func (v *Validator) Validate(def *Definition) error {
	v.errors = make(ValidationErrors, 0)

	v.validateLoad(def)
	v.validateExecution(&def.Execution)
	v.validateThresholds(def)
	v.validateScenario(def)
	if err := def.Insights.Validate(); err != nil {
		v.addError("insights", err.Error())
	}
	v.validateScan(&def.Scan)
	v.validateOutput(&def.Output)
	v.validateAPI(&def.API)
	v.validateLogging(def)

	if v.errors.HasErrors() {
		return v.errors
	}
	return nil
}

// Validate is a convenience wrapper around NewValidator().Validate.
func Validate(def *Definition) error {
	return NewValidator().Validate(def)
}

func (v *Validator) validateLoad(def *Definition) {
	mode := def.ResolvedMode()
	if !slice.Contain(execution.DefaultRegistry.List(), mode) {
		v.addError("mode", fmt.Sprintf("unknown mode %q, expected one of %s", mode,
			strings.Join(execution.DefaultRegistry.List(), ", ")))
		return
	}

	if mode == execution.ModeConstantVUs {
		if def.VUs <= 0 {
			v.addError("vus", "vus must be positive for constant-vus")
		}
		if def.Duration <= 0 {
			v.addError("duration", "duration must be positive for constant-vus")
		}
		return
	}

	for name, p := range def.Profiles {
		if err := p.Validate(); err != nil {
			v.addError("profiles."+name, err.Error())
		}
	}

	stages, err := def.ResolvedStages()
	if err != nil {
		v.addError("stages", err.Error())
		return
	}
	if err := stages.Validate(); err != nil {
		v.addError("stages", err.Error())
	}
}

func (v *Validator) validateExecution(cfg *ExecutionConfig) {
	if cfg.Tick <= 0 {
		v.addError("execution.tick", "tick must be positive")
	}
	if cfg.GracefulStop < 0 {
		v.addError("execution.graceful_stop", "graceful stop must be non-negative")
	}
	if cfg.ThinkTime < 0 {
		v.addError("execution.think_time", "think time must be non-negative")
	}
	if cfg.Timeout < 0 {
		v.addError("execution.timeout", "timeout must be non-negative")
	}
	if cfg.CrashBudget < 0 {
		v.addError("execution.crash_budget", "crash budget must be non-negative")
	}
	if cfg.MaxConnsPerHost < 0 {
		v.addError("execution.max_conns_per_host", "max conns per host must be non-negative")
	}
	if cfg.ThresholdInterval <= 0 {
		v.addError("execution.threshold_interval", "threshold interval must be positive")
	}
	if _, err := cfg.Policy(); err != nil {
		v.addError("execution.expected_statuses", err.Error())
	}
}

// Policy builds the status classification policy from expected statuses.
func (c *ExecutionConfig) Policy() (httpclient.Policy, error) {
	if len(c.ExpectedStatuses) == 0 {
		return httpclient.DefaultPolicy(), nil
	}
	var p httpclient.Policy
	for _, s := range c.ExpectedStatuses {
		r, err := httpclient.ParseStatusRange(s)
		if err != nil {
			return httpclient.Policy{}, err
		}
		p.ExpectedStatuses = append(p.ExpectedStatuses, r)
	}
	return p, nil
}

func (v *Validator) validateThresholds(def *Definition) {
	ths, err := def.BuildThresholds()
	if err != nil {
		v.addError("thresholds", err.Error())
		return
	}
	if err := threshold.Validate(ths, BuiltinLookup); err != nil {
		v.addError("thresholds", err.Error())
	}
}

// BuiltinLookup resolves builtin metrics and their submetrics.
func BuiltinLookup(name string) (metrics.MetricType, bool) {
	sm, err := metrics.ParseSubmetric(name)
	if err != nil {
		return "", false
	}
	typ, ok := metrics.BuiltinTypes()[sm.Parent]
	return typ, ok
}

func (v *Validator) validateScenario(def *Definition) {
	if len(def.Scenario) == 0 {
		v.addError("scenario", "scenario needs at least one step")
		return
	}
	if _, err := script.NewScenario(def.Scenario, def.TemplateVars(), def.Execution.Seed); err != nil {
		v.addError("scenario", err.Error())
	}
}

func (v *Validator) validateScan(cfg *ScanConfig) {
	if cfg.FailOn != "" && types.Severity(cfg.FailOn).Rank() == 0 && types.ParseSeverity(cfg.FailOn).Rank() == 0 {
		v.addError("scan.fail_on", fmt.Sprintf("unknown severity %q", cfg.FailOn))
	}
	if !cfg.Enabled || cfg.Report != "" {
		return
	}
	if cfg.ZAP.Addr == "" {
		v.addError("scan.zap.addr", "zap address is required when scanning without a report")
	}
	if cfg.ZAP.PollInterval <= 0 {
		v.addError("scan.zap.poll_interval", "poll interval must be positive")
	}
	if cfg.ZAP.Timeout <= 0 {
		v.addError("scan.zap.timeout", "scan timeout must be positive")
	}
}

func (v *Validator) validateOutput(cfg *OutputConfig) {
	if cfg.Format != FormatText && cfg.Format != FormatJSON {
		v.addError("output.format", fmt.Sprintf("unknown format %q, expected text or json", cfg.Format))
	}
	for _, spec := range cfg.Outputs {
		if _, _, err := output.ParseSpec(spec); err != nil {
			v.addError("output.outputs", err.Error())
		}
	}
}

func (v *Validator) validateAPI(cfg *APIConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Address == "" {
		v.addError("api.address", "address is required")
	} else if !isValidAddress(cfg.Address) {
		v.addError("api.address", "invalid address format, expected host:port or :port")
	}
	if cfg.ReadTimeout < 0 {
		v.addError("api.read_timeout", "read timeout must be non-negative")
	}
	if cfg.WriteTimeout < 0 {
		v.addError("api.write_timeout", "write timeout must be non-negative")
	}
}

var validLogLevels = []string{"debug", "info", "warn", "error"}

func (v *Validator) validateLogging(def *Definition) {
	if def.Logging.Level != "" && !slice.Contain(validLogLevels, strings.ToLower(def.Logging.Level)) {
		v.addError("logging.level", fmt.Sprintf("invalid log level %q", def.Logging.Level))
	}
	switch def.Logging.Format {
	case "", "json", "console":
	default:
		v.addError("logging.format", fmt.Sprintf("invalid log format %q", def.Logging.Format))
	}
}

// isValidAddress checks host:port or :port.
func isValidAddress(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port != ""
}
