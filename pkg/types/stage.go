package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEmptyProfile is returned when a stage profile has no stages.
	ErrEmptyProfile = errors.New("stage profile has no stages")

	// ErrNegativeDuration is returned when a stage has a negative duration.
	ErrNegativeDuration = errors.New("stage duration must not be negative")

	// ErrNegativeTarget is returned when a stage has a negative VU target.
	ErrNegativeTarget = errors.New("stage target must not be negative")
)

// Stage defines how the VU count changes over one interval.
type Stage struct {
	Duration time.Duration `yaml:"duration" json:"duration"`
	Target   int           `yaml:"target" json:"target"`
	Name     string        `yaml:"name,omitempty" json:"name,omitempty"`
}

// StageProfile is an ordered list of stages. It must not be modified once a run starts.
type StageProfile []Stage

// Validate checks the profile for structural errors.
func (p StageProfile) Validate() error {
	if len(p) == 0 {
		return ErrEmptyProfile
	}
	for i, s := range p {
		if s.Duration < 0 {
			return fmt.Errorf("stage %d: %w", i, ErrNegativeDuration)
		}
		if s.Target < 0 {
			return fmt.Errorf("stage %d: %w", i, ErrNegativeTarget)
		}
	}
	return nil
}

// TotalDuration returns the sum of all stage durations.
func (p StageProfile) TotalDuration() time.Duration {
	var total time.Duration
	for _, s := range p {
		total += s.Duration
	}
	return total
}

// MaxTarget returns the highest VU target in the profile.
func (p StageProfile) MaxTarget() int {
	max := 0
	for _, s := range p {
		if s.Target > max {
			max = s.Target
		}
	}
	return max
}

// TargetAt returns the interpolated VU target at elapsed time t.
// Ramp stages interpolate linearly from the previous target, hold stages are flat
// and zero-duration stages jump. Past the end the last target is returned.
func (p StageProfile) TargetAt(t time.Duration) float64 {
	if t < 0 {
		t = 0
	}
	prev := 0.0
	var start time.Duration
	for _, s := range p {
		end := start + s.Duration
		if t < end {
			progress := float64(t-start) / float64(s.Duration)
			return prev + (float64(s.Target)-prev)*progress
		}
		prev = float64(s.Target)
		start = end
	}
	return prev
}

// StageAt returns the index of the stage active at t and whether it ramps.
// The index equals len(p) once t is past the end of the profile.
func (p StageProfile) StageAt(t time.Duration) (index int, ramp bool) {
	prev := 0
	var start time.Duration
	for i, s := range p {
		end := start + s.Duration
		if t < end {
			return i, s.Target != prev
		}
		prev = s.Target
		start = end
	}
	return len(p), false
}

// PreviousTarget returns the target in effect before stage i starts.
func (p StageProfile) PreviousTarget(i int) int {
	if i <= 0 || len(p) == 0 {
		return 0
	}
	if i > len(p) {
		i = len(p)
	}
	return p[i-1].Target
}

// Clone returns a copy that shares no memory with p.
func (p StageProfile) Clone() StageProfile {
	out := make(StageProfile, len(p))
	copy(out, p)
	return out
}
