package execution

import (
	"context"
	"time"

	"yqhp/perfsec/pkg/types"
)

// ConstantVUsMode keeps a fixed number of VUs for a duration. It runs on the
// ramping scheduler with a jump stage followed by a hold stage.
type ConstantVUsMode struct {
	*RampingVUsMode
}

// NewConstantVUsMode creates a new constant VUs mode.
func NewConstantVUsMode() *ConstantVUsMode {
	return &ConstantVUsMode{
		RampingVUsMode: &RampingVUsMode{BaseMode: NewBaseMode(ModeConstantVUs)},
	}
}

// ConstantStages returns the profile equivalent to vus VUs held for d.
func ConstantStages(vus int, d time.Duration) types.StageProfile {
	return types.StageProfile{
		{Duration: 0, Target: vus},
		{Duration: d, Target: vus},
	}
}

// Run starts the constant VUs execution.
func (m *ConstantVUsMode) Run(ctx context.Context, config *ModeConfig) error {
	if config == nil {
		return ErrNilConfig
	}
	if config.Duration <= 0 {
		return ErrInvalidDuration
	}
	vus := config.VUs
	if vus <= 0 {
		vus = 1
	}
	cfg := *config
	cfg.Stages = ConstantStages(vus, config.Duration)
	return m.RampingVUsMode.Run(ctx, &cfg)
}
