package nvml

import (
	"sync"

	"github.com/worldland/slurmwatch/internal/domain"
)

// MockGPUProvider serves fixed GPU data. Metrics may be swapped between
// samples with SetMetrics.
type MockGPUProvider struct {
	mu         sync.Mutex
	metrics    []domain.GPUMetrics
	specs      []domain.GPUSpec
	procs      []domain.GPUProcess
	InitErr    error
	MetricsErr error
	ProcsErr   error
	shutdown   bool
}

func NewMockGPUProvider(metrics []domain.GPUMetrics, specs []domain.GPUSpec) *MockGPUProvider {
	return &MockGPUProvider{metrics: metrics, specs: specs}
}

func (p *MockGPUProvider) SetMetrics(metrics []domain.GPUMetrics, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = metrics
	p.MetricsErr = err
}

func (p *MockGPUProvider) SetProcesses(procs []domain.GPUProcess, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs = procs
	p.ProcsErr = err
}

func (p *MockGPUProvider) Init() error {
	return p.InitErr
}

func (p *MockGPUProvider) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shutdown = true
	return nil
}

func (p *MockGPUProvider) IsShutdown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

func (p *MockGPUProvider) GetDeviceCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.metrics), nil
}

func (p *MockGPUProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.MetricsErr != nil {
		return nil, p.MetricsErr
	}
	out := make([]domain.GPUMetrics, len(p.metrics))
	copy(out, p.metrics)
	return out, nil
}

func (p *MockGPUProvider) GetSpecs() ([]domain.GPUSpec, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.specs, nil
}

func (p *MockGPUProvider) GetProcesses() ([]domain.GPUProcess, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProcsErr != nil {
		return nil, p.ProcsErr
	}
	return append([]domain.GPUProcess(nil), p.procs...), nil
}

// Compile-time interface check
var (
	_ domain.GPUProvider   = (*MockGPUProvider)(nil)
	_ domain.ProcessSource = (*MockGPUProvider)(nil)
)
