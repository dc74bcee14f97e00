package domain

import "context"

// GPUProvider abstracts GPU metrics collection for testing
type GPUProvider interface {
	// Init initializes the GPU provider (NVML or mock)
	Init() error
	// Shutdown cleanly shuts down the provider
	Shutdown() error
	// GetDeviceCount returns number of GPUs
	GetDeviceCount() (int, error)
	// GetMetrics returns current metrics for all GPUs
	GetMetrics() ([]GPUMetrics, error)
	// GetSpecs returns static specifications for all GPUs
	GetSpecs() ([]GPUSpec, error)
}

// JobSource lists the Slurm jobs running on a node
type JobSource interface {
	ListJobs(ctx context.Context, node string) ([]JobRow, error)
}

// ProcessSource lists the compute processes resident on the node's GPUs
type ProcessSource interface {
	GetProcesses() ([]GPUProcess, error)
}

// JobPIDSource maps process IDs on the local node to Slurm job IDs
type JobPIDSource interface {
	JobPIDs(ctx context.Context) (map[uint32]string, error)
}
