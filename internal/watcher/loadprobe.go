package watcher

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// SampleLoad reads CPU and memory usage (percent) for the given PID.
// CPUPercent measures since the previous call for the same process handle;
// the first sample of a fresh process therefore reads as average-since-start,
// which is good enough for a once-a-minute probe.
func SampleLoad(pid int) (cpuPercent, memPercent float64, err error) {
	if pid <= 0 {
		return 0, 0, fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0, fmt.Errorf("process handle for pid %d: %w", pid, err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		return 0, 0, fmt.Errorf("cpu percent for pid %d: %w", pid, err)
	}
	mem, err := proc.MemoryPercent()
	if err != nil {
		return 0, 0, fmt.Errorf("memory percent for pid %d: %w", pid, err)
	}
	return cpu, float64(mem), nil
}
