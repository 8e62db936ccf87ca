// Package engine orchestrates one run: it builds the aggregator, the threshold
// evaluator, the scheduler, the outputs and the control API from a definition,
// drives the scheduler to a terminal state and assembles the RunResult.
//
// Pipeline: VU goroutines → Tee → [Aggregator + ErrorTracker + Output Manager]
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"yqhp/perfsec/internal/api"
	"yqhp/perfsec/internal/config"
	"yqhp/perfsec/internal/execution"
	"yqhp/perfsec/internal/httpclient"
	"yqhp/perfsec/internal/metrics/aggregator"
	"yqhp/perfsec/internal/scan"
	"yqhp/perfsec/internal/script"
	"yqhp/perfsec/internal/summary"
	"yqhp/perfsec/internal/threshold"
	"yqhp/perfsec/pkg/logger"
	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/output"
	"yqhp/perfsec/pkg/types"
)

// faultPollInterval is how often the aggregator is checked for a fault.
const faultPollInterval = 100 * time.Millisecond

// Engine runs a single test definition. An Engine is single-use.
type Engine struct {
	def *config.Definition
	id  string
	log *zap.Logger

	client  httpclient.Client
	runner  execution.IterationRunner
	scanner scan.Scanner
	modes   *execution.Registry
	promReg *prometheus.Registry

	started atomic.Bool

	// 运行期间创建，Run 返回后只读
	mu        sync.RWMutex
	mode      execution.Mode
	agg       *aggregator.Aggregator
	evaluator *threshold.Evaluator

	thresholdAbort atomic.Pointer[string]
	fault          atomic.Pointer[error]
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClient injects the HTTP client used by VUs.
func WithClient(c httpclient.Client) Option {
	return func(e *Engine) { e.client = c }
}

// WithRunner replaces the scenario built from the definition.
func WithRunner(r execution.IterationRunner) Option {
	return func(e *Engine) { e.runner = r }
}

// WithScanner replaces the scanner built from the scan settings.
func WithScanner(s scan.Scanner) Option {
	return func(e *Engine) { e.scanner = s }
}

// WithModeRegistry sets the execution mode registry.
func WithModeRegistry(r *execution.Registry) Option {
	return func(e *Engine) { e.modes = r }
}

// WithPrometheusRegistry sets the registry used by the prometheus output and
// served by the control API. Each engine gets its own registry by default.
func WithPrometheusRegistry(r *prometheus.Registry) Option {
	return func(e *Engine) { e.promReg = r }
}

// WithRunID overrides the generated run id.
func WithRunID(id string) Option {
	return func(e *Engine) { e.id = id }
}

// New creates an engine for def.
func New(def *config.Definition, opts ...Option) *Engine {
	e := &Engine{def: def}
	for _, opt := range opts {
		opt(e)
	}
	if e.id == "" {
		e.id = uuid.NewString()
	}
	if e.log == nil {
		e.log = logger.Named("engine")
	}
	if e.modes == nil {
		e.modes = execution.DefaultRegistry
	}
	if e.promReg == nil {
		e.promReg = prometheus.NewRegistry()
	}
	return e
}

// ID returns the run id.
func (e *Engine) ID() string { return e.id }

// Gatherer returns the engine's Prometheus registry.
func (e *Engine) Gatherer() prometheus.Gatherer { return e.promReg }

// Run executes the definition and blocks until the run reaches a terminal
// state. Definition errors are returned before anything is allocated, with a
// nil result. An internal fault returns both the result and an error wrapping
// ErrFault. Threshold failures are reported in the result only.
func (e *Engine) Run(ctx context.Context) (*types.RunResult, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	if e.def == nil {
		return nil, ErrNilDefinition
	}
	if err := config.Validate(e.def); err != nil {
		return nil, err
	}

	p, err := e.prepare()
	if err != nil {
		return nil, err
	}

	log := e.log.With(zap.String("run", e.id))
	log.Info("开始运行",
		zap.String("name", e.def.Name),
		zap.String("mode", p.mode.Name()),
		zap.Duration("duration", p.modeCfg.Stages.TotalDuration()),
		zap.Int("max_vus", p.modeCfg.Stages.MaxTarget()))

	// 1. 启动输出
	if err := p.outputs.Start(); err != nil {
		return nil, fmt.Errorf("start outputs: %w", err)
	}

	// 2. 启动后台任务：阈值评估、故障检测、控制 API
	runCtx, cancel := context.WithCancel(ctx)
	var bg sync.WaitGroup
	e.startBackground(runCtx, &bg, p)

	// 3. 执行，直到进入终态
	start := time.Now()
	runErr := p.mode.Run(runCtx, p.modeCfg)
	end := time.Now()

	// 4. 停止后台任务，最后检查一次故障
	cancel()
	bg.Wait()
	e.checkFault(p.mode)

	// 5. 停止输出，刷新剩余样本
	status := output.RunStatus{Status: string(p.mode.GetState().State), Reason: p.mode.GetState().Reason}
	if ferr := e.faultErr(); ferr != nil {
		status.Error = ferr
	}
	p.outputs.Finish(status)

	if runErr != nil {
		return nil, fmt.Errorf("run: %w", runErr)
	}

	// 6. 组装结果
	res := e.buildResult(p, start, end)

	// 7. 运行完成后触发安全扫描
	e.postRunScan(ctx, res, log)
	res.Passed = res.ThresholdsPassed && res.State == types.RunCompleted && !res.Fault &&
		!res.ScanGateFailed && res.ScanError == ""

	log.Info("运行结束",
		zap.String("state", string(res.State)),
		zap.String("reason", res.Reason),
		zap.Int64("requests", res.TotalRequests),
		zap.Bool("passed", res.Passed))

	if ferr := e.faultErr(); ferr != nil {
		return res, fmt.Errorf("%w: %v", ErrFault, ferr)
	}
	return res, nil
}

// prepared holds everything built before the run starts.
type prepared struct {
	mode    execution.Mode
	modeCfg *execution.ModeConfig
	outputs *output.Manager
	tracker *summary.ErrorTracker
	server  *api.Server
}

func (e *Engine) prepare() (*prepared, error) {
	def := e.def

	stages, err := def.ResolvedStages()
	if err != nil {
		return nil, err
	}
	ths, err := def.BuildThresholds()
	if err != nil {
		return nil, err
	}
	policy, err := def.Execution.Policy()
	if err != nil {
		return nil, err
	}

	mode, err := e.modes.Get(def.ResolvedMode())
	if err != nil {
		return nil, err
	}

	agg := aggregator.NewWithBuiltins()
	for _, th := range ths {
		sm, err := metrics.ParseSubmetric(th.Metric)
		if err != nil {
			return nil, err
		}
		if len(sm.Tags) == 0 {
			continue
		}
		if err := agg.DeclareSubmetric(th.Metric); err != nil {
			return nil, fmt.Errorf("declare submetric %s: %w", th.Metric, err)
		}
	}

	elapsed := func() time.Duration { return mode.GetState().ElapsedTime }
	evaluator := threshold.NewEvaluator(ths, func(name string) (metrics.SinkSnapshot, bool) {
		s, ok := agg.Snapshot(name)
		return s.SinkSnapshot, ok
	}, threshold.WithElapsed(elapsed), threshold.WithLogger(e.log.Named("threshold")))

	runner := e.runner
	if runner == nil {
		if runner, err = script.NewScenario(def.Scenario, def.TemplateVars(), def.Execution.Seed); err != nil {
			return nil, err
		}
	}

	client := e.client
	if client == nil {
		client = httpclient.NewFastHTTPClient(httpclient.FastHTTPOptions{
			MaxConnsPerHost:    def.Execution.MaxConnsPerHost,
			InsecureSkipVerify: def.Execution.Insecure,
		})
		e.client = client
	}

	outs, err := e.createOutputs()
	if err != nil {
		return nil, err
	}
	manager := output.NewManager(outs, e.log)
	tracker := summary.NewErrorTracker()

	recorders := []metrics.Recorder{agg, tracker}
	if manager.Len() > 0 {
		recorders = append(recorders, manager)
	}

	e.mu.Lock()
	e.mode, e.agg, e.evaluator = mode, agg, evaluator
	e.mu.Unlock()

	cfg := &execution.ModeConfig{
		VUs:          def.VUs,
		Duration:     def.Duration,
		Stages:       stages,
		Tick:         def.Execution.Tick,
		GracefulStop: def.Execution.GracefulStop,
		ThinkTime:    def.Execution.ThinkTime,
		Timeout:      def.Execution.Timeout,
		CrashBudget:  def.Execution.CrashBudget,
		Runner:       runner,
		Client:       client,
		Policy:       policy,
		Recorder:     metrics.Tee(recorders...),
		Logger:       e.log.Named("scheduler"),
	}

	p := &prepared{mode: mode, modeCfg: cfg, outputs: manager, tracker: tracker}
	if def.API.Enabled {
		p.server = api.NewServer(e.ControlSurface(), e.promReg, &def.API.Config, e.log)
	}
	return p, nil
}

func (e *Engine) createOutputs() ([]output.Output, error) {
	var outs []output.Output
	for _, spec := range e.def.Output.Outputs {
		typ, arg, err := output.ParseSpec(spec)
		if err != nil {
			return nil, err
		}
		o, err := output.Create(typ, output.Params{
			OutputType:     typ,
			ConfigArgument: arg,
			Logger:         e.log,
			RunID:          e.id,
			Name:           e.def.Name,
			Registerer:     e.promReg,
		})
		if err != nil {
			return nil, fmt.Errorf("create output %s: %w", typ, err)
		}
		outs = append(outs, o)
	}
	return outs, nil
}

func (e *Engine) startBackground(ctx context.Context, wg *sync.WaitGroup, p *prepared) {
	elapsed := func() time.Duration { return p.mode.GetState().ElapsedTime }

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.evaluator.Run(ctx, e.def.Execution.ThresholdInterval, elapsed, func(reason string) {
			e.thresholdAbort.Store(&reason)
			p.mode.Abort(reason)
		})
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(faultPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if e.checkFault(p.mode) {
					return
				}
			}
		}
	}()

	if p.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.server.StartWithContext(ctx); err != nil {
				e.log.Error("控制 API 退出", zap.Error(err))
			}
		}()
	}
}

// checkFault aborts the run when the aggregator has faulted. It reports
// whether a fault was found.
func (e *Engine) checkFault(mode execution.Mode) bool {
	err := e.agg.Fault()
	if err == nil {
		return false
	}
	if e.fault.CompareAndSwap(nil, &err) {
		e.log.Error("聚合器内部故障，取消运行", zap.Error(err))
		mode.Abort("internal fault: " + err.Error())
	}
	return true
}

func (e *Engine) faultErr() error {
	if p := e.fault.Load(); p != nil {
		return *p
	}
	return nil
}

// Stop cancels a running test with reason. It is a no-op before Run.
func (e *Engine) Stop(reason string) {
	e.mu.RLock()
	mode := e.mode
	e.mu.RUnlock()
	if mode != nil {
		mode.Abort(reason)
	}
}
