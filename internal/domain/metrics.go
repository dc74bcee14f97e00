package domain

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// CollectorIdentity is the stable key of a collector (hostname or address)
type CollectorIdentity string

// GPUMetrics represents one GPU sample collected from NVML
type GPUMetrics struct {
	DeviceIndex      int     `json:"device_index" cbor:"device_index"`
	UUID             string  `json:"uuid,omitempty" cbor:"uuid,omitempty"`
	Name             string  `json:"name,omitempty" cbor:"name,omitempty"`
	UtilizationPct   float64 `json:"utilization_pct" cbor:"utilization_pct"`
	MemoryUsedBytes  uint64  `json:"memory_used_bytes" cbor:"memory_used_bytes"`
	MemoryTotalBytes uint64  `json:"memory_total_bytes,omitempty" cbor:"memory_total_bytes,omitempty"`
	TemperatureC     float64 `json:"temperature_c" cbor:"temperature_c"`
}

// GPUUsage is the share of one GPU held by the processes of one Slurm job.
// JobID is empty for processes outside any job.
type GPUUsage struct {
	DeviceIndex      int     `json:"device_index" cbor:"device_index"`
	GPUUUID          string  `json:"gpu_uuid,omitempty" cbor:"gpu_uuid,omitempty"`
	JobID            string  `json:"job_id,omitempty" cbor:"job_id,omitempty"`
	MemoryAllocBytes uint64  `json:"memory_alloc_bytes" cbor:"memory_alloc_bytes"`
	UtilizationPct   float64 `json:"utilization_pct" cbor:"utilization_pct"`
	Processes        int     `json:"processes" cbor:"processes"`
}

// GPUSpec represents static GPU specifications sent with the initial record
type GPUSpec struct {
	UUID             string `json:"uuid" cbor:"uuid"`
	Name             string `json:"name" cbor:"name"`
	MemoryTotalBytes uint64 `json:"memory_total_bytes" cbor:"memory_total_bytes"`
	DriverVer        string `json:"driver_version" cbor:"driver_version"`
}

// JobRow is one Slurm job running on the collector's node
type JobRow struct {
	JobID    string `json:"job_id" cbor:"job_id"`
	User     string `json:"user" cbor:"user"`
	State    string `json:"state" cbor:"state"`
	NodeList string `json:"node_list" cbor:"node_list"`
	Name     string `json:"name,omitempty" cbor:"name,omitempty"`
}

// NodeInfo is static host information. It changes only when the node is reconfigured.
type NodeInfo struct {
	Hostname      string    `json:"hostname" cbor:"hostname"`
	CPUCount      int       `json:"cpu_count" cbor:"cpu_count"`
	MemTotalBytes uint64    `json:"mem_total_bytes" cbor:"mem_total_bytes"`
	GPUs          []GPUSpec `json:"gpus,omitempty" cbor:"gpus,omitempty"`
}

// TelemetryRecord is the unit of data a collector reports
type TelemetryRecord struct {
	GPUs []GPUMetrics `json:"gpu_metrics" cbor:"gpu_metrics"`
	Jobs []JobRow     `json:"job_rows" cbor:"job_rows"`
	// Usage attributes GPU memory and utilization to jobs.
	Usage []GPUUsage `json:"gpu_usage,omitempty" cbor:"gpu_usage,omitempty"`
	Node  *NodeInfo  `json:"node,omitempty" cbor:"node,omitempty"`
}

const (
	// MaxGPUsPerNode bounds the GPU count a sane record may carry
	MaxGPUsPerNode = 64
	// MaxUsageRows bounds the job usage rows of one record
	MaxUsageRows = 1024
)

var (
	ErrNilRecord      = errors.New("record is nil")
	ErrGPUCount       = errors.New("malformed GPU count")
	ErrGPUIndex       = errors.New("invalid GPU device index")
	ErrGPUUtilization = errors.New("GPU utilization out of range")
	ErrGPUMemory      = errors.New("GPU memory used exceeds total")
	ErrGPUTemperature = errors.New("GPU temperature out of range")
	ErrGPUUsage       = errors.New("malformed GPU usage row")
	ErrJobID          = errors.New("job row without job id")
	ErrZeroObservedAt = errors.New("observed_at is zero")
	ErrEmptyIdentity  = errors.New("collector identity is empty")
)

// Validate checks the record for schema and sanity errors.
func (r *TelemetryRecord) Validate() error {
	if r == nil {
		return ErrNilRecord
	}
	if len(r.GPUs) > MaxGPUsPerNode {
		return fmt.Errorf("%w: %d devices", ErrGPUCount, len(r.GPUs))
	}
	if r.Node != nil && len(r.Node.GPUs) > MaxGPUsPerNode {
		return fmt.Errorf("%w: %d specs", ErrGPUCount, len(r.Node.GPUs))
	}

	seen := make(map[int]struct{}, len(r.GPUs))
	for _, g := range r.GPUs {
		if g.DeviceIndex < 0 || g.DeviceIndex >= MaxGPUsPerNode {
			return fmt.Errorf("%w: %d", ErrGPUIndex, g.DeviceIndex)
		}
		if _, dup := seen[g.DeviceIndex]; dup {
			return fmt.Errorf("%w: duplicate %d", ErrGPUIndex, g.DeviceIndex)
		}
		seen[g.DeviceIndex] = struct{}{}

		if !percent(g.UtilizationPct) {
			return fmt.Errorf("%w: gpu %d at %.1f%%", ErrGPUUtilization, g.DeviceIndex, g.UtilizationPct)
		}
		if g.MemoryTotalBytes > 0 && g.MemoryUsedBytes > g.MemoryTotalBytes {
			return fmt.Errorf("%w: gpu %d", ErrGPUMemory, g.DeviceIndex)
		}
		if !finite(g.TemperatureC) || g.TemperatureC < -50 || g.TemperatureC > 150 {
			return fmt.Errorf("%w: gpu %d at %.1fC", ErrGPUTemperature, g.DeviceIndex, g.TemperatureC)
		}
	}

	for _, j := range r.Jobs {
		if j.JobID == "" {
			return ErrJobID
		}
	}

	if len(r.Usage) > MaxUsageRows {
		return fmt.Errorf("%w: %d rows", ErrGPUUsage, len(r.Usage))
	}
	for _, u := range r.Usage {
		if u.DeviceIndex < 0 || u.DeviceIndex >= MaxGPUsPerNode {
			return fmt.Errorf("%w: device index %d", ErrGPUUsage, u.DeviceIndex)
		}
		if !percent(u.UtilizationPct) {
			return fmt.Errorf("%w: gpu %d job %q at %.1f%%", ErrGPUUsage, u.DeviceIndex, u.JobID, u.UtilizationPct)
		}
	}
	return nil
}

// finite reports whether v is neither NaN nor an infinity.
func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func percent(v float64) bool {
	return finite(v) && v >= 0 && v <= 100
}

// Clone returns a deep copy so callers can never alias stored state
func (r *TelemetryRecord) Clone() *TelemetryRecord {
	if r == nil {
		return nil
	}
	out := &TelemetryRecord{
		GPUs: append([]GPUMetrics(nil), r.GPUs...),
		Jobs: append([]JobRow(nil), r.Jobs...),
	}
	if r.Usage != nil {
		out.Usage = append([]GPUUsage(nil), r.Usage...)
	}
	if r.Node != nil {
		out.Node = r.Node.Clone()
	}
	return out
}

// Clone returns a deep copy of the node info
func (n *NodeInfo) Clone() *NodeInfo {
	if n == nil {
		return nil
	}
	c := *n
	c.GPUs = append([]GPUSpec(nil), n.GPUs...)
	return &c
}

// Observation pairs a record with the time the collector took it
type Observation struct {
	ObservedAt time.Time        `json:"observed_at"`
	Record     *TelemetryRecord `json:"record"`
}
