package output

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/perfsec/pkg/metrics"
)

const (
	// sendBatchToOutputsRate 批量发送到输出的间隔
	sendBatchToOutputsRate = 50 * time.Millisecond
	// defaultSamplesChannelSize 默认样本通道大小
	defaultSamplesChannelSize = 1000
)

// Manager 管理多个输出插件。它实现 metrics.Recorder：样本进入带缓冲的通道，
// 由分发协程批量发送到所有输出。通道写满时 Record 会阻塞，不丢样本。
type Manager struct {
	outputs []Output
	logger  *zap.Logger

	samples chan metrics.Sample
	wg      sync.WaitGroup

	// mu 保护 closed，Record 持读锁发送，Finish 持写锁关闭通道
	mu      sync.RWMutex
	closed  bool
	started bool
}

var _ metrics.Recorder = (*Manager)(nil)

// NewManager 创建新的输出管理器
func NewManager(outputs []Output, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		outputs: outputs,
		logger:  logger.Named("output"),
		samples: make(chan metrics.Sample, defaultSamplesChannelSize),
	}
}

// Len 返回输出数量
func (m *Manager) Len() int { return len(m.outputs) }

// Start 启动所有输出并开始分发样本
func (m *Manager) Start() error {
	if err := m.startOutputs(); err != nil {
		return err
	}
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dispatch()
	return nil
}

// Record 实现 metrics.Recorder，Finish 之后的样本被丢弃
func (m *Manager) Record(sample metrics.Sample) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed || !m.started {
		return
	}
	m.samples <- sample
}

func (m *Manager) dispatch() {
	defer m.wg.Done()
	ticker := time.NewTicker(sendBatchToOutputsRate)
	defer ticker.Stop()

	buffer := make([]metrics.Sample, 0, defaultSamplesChannelSize)
	send := func() {
		if len(buffer) == 0 {
			return
		}
		for _, out := range m.outputs {
			out.AddMetricSamples(buffer)
		}
		buffer = make([]metrics.Sample, 0, cap(buffer))
	}

	for {
		select {
		case s, ok := <-m.samples:
			if !ok {
				// 通道关闭，发送剩余的样本
				send()
				return
			}
			buffer = append(buffer, s)
		case <-ticker.C:
			send()
		}
	}
}

// Finish 停止接收样本，等待分发完成后以 status 停止所有输出
func (m *Manager) Finish(status RunStatus) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	close(m.samples)
	m.mu.Unlock()

	if !started {
		return
	}
	m.wg.Wait()
	m.stopOutputs(status)
}

// startOutputs 启动所有输出
func (m *Manager) startOutputs() error {
	for i, out := range m.outputs {
		if err := out.Start(); err != nil {
			// 停止已启动的输出
			for j := 0; j < i; j++ {
				_ = m.outputs[j].Stop()
			}
			return err
		}
		m.logger.Debug("输出已启动", zap.String("output", out.Description()))
	}
	return nil
}

// stopOutputs 停止所有输出
func (m *Manager) stopOutputs(status RunStatus) {
	for _, out := range m.outputs {
		out.SetRunStatus(status)
		if err := out.Stop(); err != nil {
			m.logger.Error("停止输出失败", zap.String("output", out.Description()), zap.Error(err))
		}
	}
}
