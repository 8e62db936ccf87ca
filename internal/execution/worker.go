package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/perfsec/pkg/metrics"
	"yqhp/perfsec/pkg/types"
)

// VUState is a worker's own state. Only the worker mutates it; State returns a copy.
type VUState struct {
	ID             int
	IterationCount int64
	Running        bool
}

// Worker is one virtual user.
type Worker struct {
	id  int
	cfg *ModeConfig
	log *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// current is the index of the iteration in progress; worker goroutine only.
	current int64
	crashes int

	iterations atomic.Int64
	running    atomic.Bool
	stopping   atomic.Bool
	crashedOut atomic.Bool

	stopCh chan struct{}
	done   chan struct{}

	// shared run-wide iteration counter, may be nil
	total *atomic.Int64
	warn  func(types.Warning)
}

func newWorker(parent context.Context, id int, cfg *ModeConfig, total *atomic.Int64, warn func(types.Warning)) *Worker {
	ctx, cancel := context.WithCancel(parent)
	return &Worker{
		id:     id,
		cfg:    cfg,
		log:    cfg.Logger.With(zap.Int("vu", id)),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		total:  total,
		warn:   warn,
	}
}

// ID returns the worker id.
func (w *Worker) ID() int { return w.id }

// State returns a copy of the worker's state.
func (w *Worker) State() VUState {
	return VUState{ID: w.id, IterationCount: w.iterations.Load(), Running: w.running.Load()}
}

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Exited reports whether the worker goroutine has returned.
func (w *Worker) Exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Stop asks the worker to finish its in-flight call and exit. Think time is interrupted.
func (w *Worker) Stop() {
	if w.stopping.CompareAndSwap(false, true) {
		close(w.stopCh)
	}
}

// ForceCancel cancels the worker's context, interrupting in-flight calls.
func (w *Worker) ForceCancel() {
	w.Stop()
	w.cancel()
}

func (w *Worker) shouldStop() bool {
	return w.stopping.Load() || w.ctx.Err() != nil
}

func (w *Worker) run() {
	w.running.Store(true)
	defer func() {
		w.running.Store(false)
		w.cancel()
		close(w.done)
	}()

	session := newSession(w)
	for !w.shouldStop() {
		w.runIteration(session)
		w.current++

		if w.cfg.CrashBudget > 0 && w.crashes > w.cfg.CrashBudget {
			w.crashedOut.Store(true)
			msg := fmt.Sprintf("vu %d retired after %d crashed iterations", w.id, w.crashes)
			w.log.Warn("VU 崩溃次数超出预算，提前退役", zap.Int("crashes", w.crashes))
			if w.warn != nil {
				w.warn(types.Warning{Kind: types.WarnCrashBudget, VU: w.id, Message: msg, Time: time.Now()})
			}
			return
		}

		if !w.sleep(w.cfg.ThinkTime) {
			return
		}
	}
}

// sleep waits for d unless stopped; it returns false when the worker should exit.
func (w *Worker) sleep(d time.Duration) bool {
	if d <= 0 {
		return !w.shouldStop()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return !w.shouldStop()
	case <-w.stopCh:
		return false
	case <-w.ctx.Done():
		return false
	}
}

func (w *Worker) runIteration(s *Session) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.crashes++
			w.log.Error("迭代崩溃", zap.Any("panic", r), zap.Int64("iteration", w.current))
			w.cfg.Recorder.Record(metrics.NewSample(metrics.IterationCrashes, metrics.Counter, 1, nil))
		}
	}()

	err := w.cfg.Runner.RunIteration(w.ctx, s)
	if w.ctx.Err() != nil || (err != nil && w.stopping.Load()) {
		// 被取消或停止打断的迭代不计入
		return
	}
	if err != nil {
		w.log.Debug("迭代返回错误", zap.Error(err))
	}

	w.iterations.Add(1)
	if w.total != nil {
		w.total.Add(1)
	}
	w.cfg.Recorder.Record(metrics.NewSample(metrics.Iterations, metrics.Counter, 1, nil))
	w.cfg.Recorder.Record(metrics.NewSample(metrics.IterationDuration, metrics.Trend,
		float64(time.Since(start))/float64(time.Millisecond), nil))
}
