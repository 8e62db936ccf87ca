package execution

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/perfsec/internal/httpclient"
	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/types"
)

// StopLatencyBound 是停止信号到所有 VU 退出的目标上限。
// 思考时间和进行中的请求都可被中断，因此取消不会等待完整的请求超时。
const StopLatencyBound = time.Second

// 默认值
const (
	DefaultTick         = time.Second
	DefaultGracefulStop = 30 * time.Second
	DefaultCrashBudget  = 10
)

// 执行模式名称
const (
	ModeRampingVUs  = "ramping-vus"
	ModeConstantVUs = "constant-vus"
)

// Mode 定义执行模式的接口。
type Mode interface {
	// Name 返回执行模式的名称。
	Name() string

	// Run 使用给定配置启动执行模式。
	// 阻塞直到执行完成或上下文被取消。
	Run(ctx context.Context, config *ModeConfig) error

	// Stop 优雅地停止执行模式。
	Stop(ctx context.Context) error

	// Abort 以给定原因取消运行，运行最终进入 cancelled 状态。
	Abort(reason string)

	// GetState 返回当前执行状态。
	GetState() *ModeState

	// Warnings 返回运行期间产生的警告。
	Warnings() []types.Warning
}

// ModeConfig 包含执行模式的配置。
type ModeConfig struct {
	// VUs 是虚拟用户数量（constant-vus）。
	VUs int

	// Duration 是总执行时长（constant-vus）。
	Duration time.Duration

	// Stages 定义执行阶段（ramping-vus），运行开始后不可修改。
	Stages types.StageProfile

	// Tick 是调度间隔。
	Tick time.Duration

	// GracefulStop 是退役 VU 在被强制取消前的等待时长。
	GracefulStop time.Duration

	// ThinkTime 是两次迭代之间的等待时长。
	ThinkTime time.Duration

	// Timeout 是未单独设置超时的请求的默认超时。
	Timeout time.Duration

	// CrashBudget 是 VU 提前退役前允许的迭代崩溃次数，<=0 表示不限制。
	CrashBudget int

	// Runner 是每次迭代执行的策略。
	Runner IterationRunner

	// Client 是注入的 HTTP 客户端。
	Client httpclient.Client

	// Policy 决定哪些状态码视为成功。
	Policy httpclient.Policy

	// Recorder 接收所有样本。
	Recorder metrics.Recorder

	// Logger 可选。
	Logger *zap.Logger

	// OnStateChange 在运行状态变化时调用。
	OnStateChange func(state types.RunState)

	// OnVUStart 在 VU 启动时调用。
	OnVUStart func(vuID int)

	// OnVUStop 在 VU 退出时调用。
	OnVUStop func(vuID int)
}

func (c *ModeConfig) withDefaults() *ModeConfig {
	cfg := *c
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.GracefulStop <= 0 {
		cfg.GracefulStop = DefaultGracefulStop
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = httpclient.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	cfg.Stages = cfg.Stages.Clone()
	return &cfg
}

// ModeState 表示执行模式的当前状态。
type ModeState struct {
	// State 是运行级状态。
	State types.RunState

	// Reason 是取消或故障的原因。
	Reason string

	// ActiveVUs 是当前活跃的 VU 数量（不含正在退役的）。
	ActiveVUs int

	// TargetVUs 是目标 VU 数量。
	TargetVUs int

	// MaxVUs 是运行中出现过的最大 VU 数量。
	MaxVUs int

	// Stage 是当前阶段下标。
	Stage int

	// CompletedIterations 是已完成的迭代次数。
	CompletedIterations int64

	// Running 表示模式是否正在运行。
	Running bool

	// StartTime 是执行开始时间。
	StartTime time.Time

	// ElapsedTime 是已执行时长。
	ElapsedTime time.Duration
}

// BaseMode 为执行模式提供通用功能。
type BaseMode struct {
	name    string
	state   ModeState
	stateMu sync.RWMutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewBaseMode 创建一个新的基础模式。
func NewBaseMode(name string) *BaseMode {
	return &BaseMode{
		name:   name,
		state:  ModeState{State: types.RunPending},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Name 返回模式名称。
func (b *BaseMode) Name() string {
	return b.name
}

// GetState 返回当前状态。
func (b *BaseMode) GetState() *ModeState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	state := b.state
	if state.Running {
		state.ElapsedTime = time.Since(state.StartTime)
	}
	return &state
}

// SetState 更新状态。
func (b *BaseMode) SetState(fn func(*ModeState)) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	fn(&b.state)
}

// IsStopped 如果已请求停止则返回 true。
func (b *BaseMode) IsStopped() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

// RequestStop 发送停止信号。
func (b *BaseMode) RequestStop() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	select {
	case <-b.stopCh:
		// 已停止
	default:
		close(b.stopCh)
	}
}

// SignalDone 发送完成信号。
func (b *BaseMode) SignalDone() {
	select {
	case <-b.doneCh:
		// 已完成
	default:
		close(b.doneCh)
	}
}

// WaitDone 等待模式完成。
func (b *BaseMode) WaitDone(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.doneCh:
		return nil
	}
}
