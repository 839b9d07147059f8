package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Metrics holds a point-in-time OS sample for one live process.
type Metrics struct {
	CPU     float64 `json:"cpu"`     // percent
	Memory  uint64  `json:"memory"`  // RSS bytes
	Elapsed float64 `json:"elapsed"` // seconds since process creation
}

// sampleMetrics reads cpu/memory/elapsed for a pid. A record with no live
// handle (pid <= 0) or a sampling failure reports zeroed metrics.
func sampleMetrics(pid int) Metrics {
	var m Metrics
	if pid <= 0 {
		return m
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return m
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		m.CPU = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		m.Memory = mem.RSS
	}
	if created, err := proc.CreateTime(); err == nil && created > 0 {
		m.Elapsed = time.Since(time.UnixMilli(created)).Seconds()
	}
	return m
}
