package config

import (
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/perfsec/internal/threshold"
)

// ThresholdSpec is one threshold in a definition. In YAML it is either a bare
// expression string or a mapping with abort options.
type ThresholdSpec struct {
	Threshold      string        `yaml:"threshold"`
	AbortOnFail    bool          `yaml:"abort_on_fail,omitempty"`
	DelayAbortEval time.Duration `yaml:"delay_abort_eval,omitempty"`
}

// UnmarshalYAML accepts both forms.
func (t *ThresholdSpec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		t.Threshold = node.Value
		return nil
	}
	type plain ThresholdSpec
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*t = ThresholdSpec(p)
	return nil
}

// MarshalYAML writes the short form when no options are set.
func (t ThresholdSpec) MarshalYAML() (any, error) {
	if !t.AbortOnFail && t.DelayAbortEval == 0 {
		return t.Threshold, nil
	}
	type plain ThresholdSpec
	return plain(t), nil
}

// BuildThresholds parses every threshold, ordered by metric name then
// declaration order.
func (d *Definition) BuildThresholds() ([]threshold.Threshold, error) {
	metrics := make([]string, 0, len(d.Thresholds))
	for m := range d.Thresholds {
		metrics = append(metrics, m)
	}
	sort.Strings(metrics)

	var out []threshold.Threshold
	for _, m := range metrics {
		for _, spec := range d.Thresholds[m] {
			th, err := threshold.New(m, spec.Threshold, spec.AbortOnFail, spec.DelayAbortEval)
			if err != nil {
				return nil, fmt.Errorf("thresholds: %w", err)
			}
			out = append(out, th)
		}
	}
	return out, nil
}
