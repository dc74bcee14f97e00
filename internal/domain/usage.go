package domain

import "sort"

// GPUProcess is one compute process running on a GPU
type GPUProcess struct {
	PID             uint32
	DeviceIndex     int
	GPUUUID         string
	UsedMemoryBytes uint64
	SMUtilPct       float64
}

// AttributeUsage groups processes by GPU and owning job. Processes missing
// from jobByPID are collected in a row with an empty JobID. Rows are ordered
// by device index, then job ID.
func AttributeUsage(procs []GPUProcess, jobByPID map[uint32]string) []GPUUsage {
	type key struct {
		device int
		job    string
	}

	rows := make(map[key]*GPUUsage)
	for _, p := range procs {
		k := key{device: p.DeviceIndex, job: jobByPID[p.PID]}
		u, ok := rows[k]
		if !ok {
			u = &GPUUsage{DeviceIndex: p.DeviceIndex, GPUUUID: p.GPUUUID, JobID: k.job}
			rows[k] = u
		}
		u.MemoryAllocBytes += p.UsedMemoryBytes
		u.UtilizationPct += p.SMUtilPct
		u.Processes++
	}

	out := make([]GPUUsage, 0, len(rows))
	for _, u := range rows {
		// Per-process samples are taken at slightly different times.
		if u.UtilizationPct > 100 {
			u.UtilizationPct = 100
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceIndex != out[j].DeviceIndex {
			return out[i].DeviceIndex < out[j].DeviceIndex
		}
		return out[i].JobID < out[j].JobID
	})
	return out
}
