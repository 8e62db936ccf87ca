package config

import (
	"time"

	"yqhp/perfsec/pkg/types"
)

// 内置阶段配置名称
const (
	ProfileLoad   = "load"
	ProfileStress = "stress"
	ProfileSpike  = "spike"
)

// BuiltinProfiles returns the named stage profiles. Each call returns fresh
// slices.
func BuiltinProfiles() map[string]types.StageProfile {
	return map[string]types.StageProfile{
		// 常规负载：爬升、保持、回落
		ProfileLoad: {
			{Duration: time.Minute, Target: 10, Name: "ramp-up"},
			{Duration: 3 * time.Minute, Target: 10, Name: "steady"},
			{Duration: time.Minute, Target: 0, Name: "ramp-down"},
		},
		// 阶梯加压，寻找容量上限
		ProfileStress: {
			{Duration: 2 * time.Minute, Target: 10},
			{Duration: 5 * time.Minute, Target: 10},
			{Duration: 2 * time.Minute, Target: 20},
			{Duration: 5 * time.Minute, Target: 20},
			{Duration: 2 * time.Minute, Target: 30},
			{Duration: 5 * time.Minute, Target: 30},
			{Duration: 2 * time.Minute, Target: 0, Name: "recovery"},
		},
		// 突发流量
		ProfileSpike: {
			{Duration: 10 * time.Second, Target: 10},
			{Duration: time.Minute, Target: 10},
			{Duration: 10 * time.Second, Target: 100, Name: "spike"},
			{Duration: 3 * time.Minute, Target: 100},
			{Duration: 10 * time.Second, Target: 10},
			{Duration: 3 * time.Minute, Target: 10},
			{Duration: 10 * time.Second, Target: 0},
		},
	}
}
