package metrics

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is the capture process's footprint at one point in time.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpuPercent"`
	RSSMB         uint64  `json:"rssMb"`
	Threads       int32   `json:"threads"`
	SystemCPUs    int     `json:"systemCpus,omitempty"`
	SystemRAMUsed float64 `json:"systemRamPercent,omitempty"`
}

// ProcessCollector samples the resource usage of one process, by default
// the current one.
type ProcessCollector struct {
	proc *process.Process
}

// NewProcessCollector binds a collector to pid, or to the current process
// when pid is 0.
func NewProcessCollector(pid int32) (*ProcessCollector, error) {
	if pid == 0 {
		pid = int32(os.Getpid())
	}
	p, err := process.NewProcess(pid)
	if err != nil {
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	return &ProcessCollector{proc: p}, nil
}

// Collect samples the process. CPU is the usage since the previous call;
// the first call reports usage since process start.
func (c *ProcessCollector) Collect() (*ResourceUsage, error) {
	usage := &ResourceUsage{}

	cpuPercent, err := c.proc.Percent(0)
	if err == nil {
		usage.CPUPercent = cpuPercent
	}

	memInfo, err := c.proc.MemoryInfo()
	if err != nil {
		return nil, fmt.Errorf("process memory: %w", err)
	}
	usage.RSSMB = memInfo.RSS / 1024 / 1024

	if threads, err := c.proc.NumThreads(); err == nil {
		usage.Threads = threads
	}

	if n, err := cpu.Counts(true); err == nil {
		usage.SystemCPUs = n
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		usage.SystemRAMUsed = vmem.UsedPercent
	}

	return usage, nil
}
