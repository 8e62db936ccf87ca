package execution

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/types"
)

// RampingVUsMode implements the ramping-vus execution mode. It is the run's
// scheduler: on every tick it moves the live VU count to round(target(t)),
// spawning workers with increasing ids and retiring the highest ids first.
type RampingVUsMode struct {
	*BaseMode

	started atomic.Bool
	cfg     *ModeConfig
	start   time.Time

	// 以下字段只由调度循环修改
	workers  []*Worker // live, ascending id
	retiring []*Worker
	nextID   int

	iterations atomic.Int64
	wg         sync.WaitGroup

	warnMu   sync.Mutex
	warnings []types.Warning

	reasonMu sync.Mutex
	reason   string
}

// NewRampingVUsMode creates a new ramping VUs mode.
func NewRampingVUsMode() *RampingVUsMode {
	return &RampingVUsMode{BaseMode: NewBaseMode(ModeRampingVUs)}
}

func validate(config *ModeConfig) error {
	if config == nil {
		return ErrNilConfig
	}
	if config.Runner == nil {
		return ErrNilRunner
	}
	if config.Recorder == nil {
		return ErrNilRecorder
	}
	if config.Client == nil {
		return fmt.Errorf("execution: http client is nil")
	}
	return nil
}

// Run executes the profile. It blocks until every worker has been reaped or
// the run is cancelled.
func (m *RampingVUsMode) Run(ctx context.Context, config *ModeConfig) error {
	if err := validate(config); err != nil {
		return err
	}
	if len(config.Stages) == 0 {
		return ErrNoStages
	}
	if err := config.Stages.Validate(); err != nil {
		return err
	}
	if !m.started.CompareAndSwap(false, true) {
		return ErrModeAlreadyRunning
	}

	m.cfg = config.withDefaults()
	m.start = time.Now()
	m.SetState(func(s *ModeState) {
		s.Running = true
		s.StartTime = m.start
	})
	defer func() {
		m.SetState(func(s *ModeState) {
			s.Running = false
			s.ElapsedTime = time.Since(s.StartTime)
		})
		m.SignalDone()
	}()

	runCtx, cancelAll := context.WithCancel(ctx)
	defer cancelAll()

	total := m.cfg.Stages.TotalDuration()
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	m.step(runCtx, 0)
	for {
		select {
		case <-ctx.Done():
			m.cancelRun(cancelAll, "run context cancelled: "+ctx.Err().Error())
			return nil
		case <-m.stopCh:
			m.cancelRun(cancelAll, m.abortReason())
			return nil
		case <-ticker.C:
		}

		elapsed := time.Since(m.start)
		if elapsed > total {
			break
		}
		m.step(runCtx, elapsed)
	}

	// 剩余 VU 全部退役，等待回收
	m.transition(types.RunDraining, "")
	m.scale(runCtx, 0)
	m.publishState(0, len(m.cfg.Stages))

	drained := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(drained)
	}()
	for {
		select {
		case <-drained:
			m.reap()
			m.publishState(0, len(m.cfg.Stages))
			m.transition(types.RunCompleted, "")
			return nil
		case <-ctx.Done():
			m.cancelRun(cancelAll, "run context cancelled: "+ctx.Err().Error())
			return nil
		case <-m.stopCh:
			m.cancelRun(cancelAll, m.abortReason())
			return nil
		case <-ticker.C:
			m.reap()
		}
	}
}

// step reconciles the live VU count with the profile at elapsed.
func (m *RampingVUsMode) step(ctx context.Context, elapsed time.Duration) {
	m.reap()

	target := int(math.Round(m.cfg.Stages.TargetAt(elapsed)))
	stage, ramp := m.cfg.Stages.StageAt(elapsed)
	m.transition(m.stateFor(stage, ramp), "")

	m.scale(ctx, target)
	m.publishState(target, stage)
}

func (m *RampingVUsMode) stateFor(stage int, ramp bool) types.RunState {
	last := len(m.cfg.Stages) - 1
	switch {
	case stage > last:
		return types.RunDraining
	case stage == last && ramp && m.cfg.Stages[last].Target == 0:
		return types.RunDraining
	case ramp:
		return types.RunRamping
	default:
		return types.RunRunning
	}
}

// reap drops workers that have exited from the registry. Workers retired early
// by their crash budget are replaced on the same tick by scale.
func (m *RampingVUsMode) reap() {
	live := m.workers[:0]
	for _, w := range m.workers {
		if !w.Exited() {
			live = append(live, w)
		}
	}
	for i := len(live); i < len(m.workers); i++ {
		m.workers[i] = nil
	}
	m.workers = live

	retiring := m.retiring[:0]
	for _, w := range m.retiring {
		if !w.Exited() {
			retiring = append(retiring, w)
		}
	}
	for i := len(retiring); i < len(m.retiring); i++ {
		m.retiring[i] = nil
	}
	m.retiring = retiring
}

func (m *RampingVUsMode) scale(ctx context.Context, target int) {
	for len(m.workers) < target {
		m.spawn(ctx)
	}
	for len(m.workers) > target {
		last := len(m.workers) - 1
		w := m.workers[last]
		m.workers[last] = nil
		m.workers = m.workers[:last]
		m.retire(w)
	}

	vus := float64(len(m.workers))
	m.cfg.Recorder.Record(metrics.NewSample(metrics.VUs, metrics.Gauge, vus, nil))
}

func (m *RampingVUsMode) spawn(ctx context.Context) {
	m.nextID++
	w := newWorker(ctx, m.nextID, m.cfg, &m.iterations, m.addWarning)
	m.workers = append(m.workers, w)

	if m.cfg.OnVUStart != nil {
		m.cfg.OnVUStart(w.id)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		w.run()
		if m.cfg.OnVUStop != nil {
			m.cfg.OnVUStop(w.id)
		}
	}()
}

// retire stops w gracefully and force-cancels it if it is still alive after
// GracefulStop.
func (m *RampingVUsMode) retire(w *Worker) {
	w.Stop()
	m.retiring = append(m.retiring, w)

	grace := m.cfg.GracefulStop
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-w.Done():
			return
		case <-timer.C:
		}
		w.ForceCancel()
		m.cfg.Logger.Warn("VU 未能在宽限期内退出，已强制取消", zap.Int("vu", w.id), zap.Duration("graceful_stop", grace))
		m.addWarning(types.Warning{
			Kind:    types.WarnUncleanExit,
			VU:      w.id,
			Message: fmt.Sprintf("worker %d did not exit cleanly within %s", w.id, grace),
			Time:    time.Now(),
		})
	}()
}

// cancelRun stops every worker, lets in-flight calls finish for half of
// StopLatencyBound, then cancels their contexts.
func (m *RampingVUsMode) cancelRun(cancelAll context.CancelFunc, reason string) {
	m.transition(types.RunCancelled, reason)

	all := append(append([]*Worker(nil), m.workers...), m.retiring...)
	for _, w := range all {
		w.Stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(StopLatencyBound / 2)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		cancelAll()
		select {
		case <-done:
		case <-time.After(StopLatencyBound / 2):
			for _, w := range all {
				if !w.Exited() {
					m.addWarning(types.Warning{
						Kind:    types.WarnUncleanExit,
						VU:      w.id,
						Message: fmt.Sprintf("worker %d did not exit cleanly after cancellation", w.id),
						Time:    time.Now(),
					})
				}
			}
		}
	}
	cancelAll()
	m.reap()
	m.publishState(0, len(m.cfg.Stages))
}

func (m *RampingVUsMode) publishState(target, stage int) {
	active := len(m.workers)
	m.SetState(func(s *ModeState) {
		s.ActiveVUs = active
		s.TargetVUs = target
		s.Stage = stage
		s.CompletedIterations = m.iterations.Load()
		if active > s.MaxVUs {
			s.MaxVUs = active
		}
	})
	if st := m.GetState(); st.MaxVUs == active && active > 0 {
		m.cfg.Recorder.Record(metrics.NewSample(metrics.VUsMax, metrics.Gauge, float64(active), nil))
	}
}

// transition moves the run state forward; terminal states are sticky.
func (m *RampingVUsMode) transition(next types.RunState, reason string) {
	var changed bool
	m.SetState(func(s *ModeState) {
		if s.State.IsTerminal() || s.State == next {
			return
		}
		if s.State == types.RunDraining && next != types.RunCompleted && next != types.RunCancelled {
			return
		}
		s.State = next
		if reason != "" {
			s.Reason = reason
		}
		changed = true
	})
	if !changed {
		return
	}
	m.cfg.Logger.Debug("运行状态变化", zap.String("state", string(next)))
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(next)
	}
}

func (m *RampingVUsMode) addWarning(w types.Warning) {
	m.warnMu.Lock()
	defer m.warnMu.Unlock()
	m.warnings = append(m.warnings, w)
}

// Warnings returns a copy of the warnings recorded so far, ordered by time.
func (m *RampingVUsMode) Warnings() []types.Warning {
	m.warnMu.Lock()
	out := append([]types.Warning(nil), m.warnings...)
	m.warnMu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Abort cancels the run with reason.
func (m *RampingVUsMode) Abort(reason string) {
	m.reasonMu.Lock()
	if m.reason == "" {
		m.reason = reason
	}
	m.reasonMu.Unlock()
	m.RequestStop()
}

func (m *RampingVUsMode) abortReason() string {
	m.reasonMu.Lock()
	defer m.reasonMu.Unlock()
	if m.reason == "" {
		return "stopped"
	}
	return m.reason
}

// Stop gracefully stops the execution and waits for it to finish.
func (m *RampingVUsMode) Stop(ctx context.Context) error {
	m.Abort("stopped by operator")
	if !m.started.Load() {
		return nil
	}
	return m.WaitDone(ctx)
}

// Elapsed returns the time since the run started.
func (m *RampingVUsMode) Elapsed() time.Duration {
	start := m.GetState().StartTime
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}
