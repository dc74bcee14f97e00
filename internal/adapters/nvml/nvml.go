//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"
	"math"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/worldland/slurmwatch/internal/domain"
)

type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) GetDeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

// GetMetrics samples every device. A device that cannot be read fails the
// whole sample so that a partial node view is never reported.
func (p *NVMLProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	metrics := make([]domain.GPUMetrics, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, deviceErr(i, "handle", ret)
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()

		memInfo, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			return nil, deviceErr(i, "memory info", ret)
		}
		util, ret := device.GetUtilizationRates()
		if ret != nvml.SUCCESS {
			return nil, deviceErr(i, "utilization", ret)
		}
		temp, ret := device.GetTemperature(nvml.TEMPERATURE_GPU)
		if ret != nvml.SUCCESS {
			return nil, deviceErr(i, "temperature", ret)
		}

		metrics = append(metrics, domain.GPUMetrics{
			DeviceIndex:      i,
			UUID:             uuid,
			Name:             name,
			UtilizationPct:   float64(util.Gpu),
			MemoryUsedBytes:  memInfo.Used,
			MemoryTotalBytes: memInfo.Total,
			TemperatureC:     float64(temp),
		})
	}
	return metrics, nil
}

func (p *NVMLProvider) GetSpecs() ([]domain.GPUSpec, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	driver, _ := nvml.SystemGetDriverVersion()

	specs := make([]domain.GPUSpec, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		uuid, _ := device.GetUUID()
		name, _ := device.GetName()
		memInfo, _ := device.GetMemoryInfo()

		specs = append(specs, domain.GPUSpec{
			UUID:             uuid,
			Name:             name,
			MemoryTotalBytes: memInfo.Total,
			DriverVer:        driver,
		})
	}
	return specs, nil
}

// GetProcesses lists the compute processes of every device with their memory
// and, where the driver keeps samples, their SM utilization.
func (p *NVMLProvider) GetProcesses() ([]domain.GPUProcess, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	var procs []domain.GPUProcess
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, deviceErr(i, "handle", ret)
		}
		uuid, _ := device.GetUUID()

		running, ret := device.GetComputeRunningProcesses()
		if ret != nvml.SUCCESS {
			return nil, deviceErr(i, "processes", ret)
		}

		smUtil := make(map[uint32]float64)
		if samples, ret := device.GetProcessUtilization(0); ret == nvml.SUCCESS {
			for _, s := range samples {
				if u := float64(s.SmUtil); u > smUtil[s.Pid] {
					smUtil[s.Pid] = u
				}
			}
		}

		for _, proc := range running {
			mem := proc.UsedGpuMemory
			// NVML_VALUE_NOT_AVAILABLE
			if mem == math.MaxUint64 {
				mem = 0
			}
			procs = append(procs, domain.GPUProcess{
				PID:             proc.Pid,
				DeviceIndex:     i,
				GPUUUID:         uuid,
				UsedMemoryBytes: mem,
				SMUtilPct:       smUtil[proc.Pid],
			})
		}
	}
	return procs, nil
}

func deviceErr(index int, what string, ret nvml.Return) error {
	return fmt.Errorf("gpu %d: read %s: %v", index, what, nvml.ErrorString(ret))
}

// Compile-time interface check
var (
	_ domain.GPUProvider   = (*NVMLProvider)(nil)
	_ domain.ProcessSource = (*NVMLProvider)(nil)
)
