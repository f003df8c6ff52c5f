package schedule

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics is the host memory picture shown next to ticker stats
type SystemMetrics struct {
	MemoryUsedGB  float64 `json:"memoryUsedGb"`
	MemoryTotalGB float64 `json:"memoryTotalGb"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// readSystemMetrics returns zeros when the platform cannot report memory
func readSystemMetrics() SystemMetrics {
	v, err := mem.VirtualMemory()
	if err != nil || v.Total == 0 {
		return SystemMetrics{}
	}
	const gb = 1024 * 1024 * 1024
	used := float64(v.Total-v.Available) / gb
	total := float64(v.Total) / gb
	return SystemMetrics{
		MemoryUsedGB:  used,
		MemoryTotalGB: total,
		MemoryPercent: used / total * 100,
	}
}
