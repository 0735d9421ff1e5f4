package pool

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// memoryPerWorker is the planning assumption for how much memory one
// concurrent stage needs.
const memoryPerWorker = 512 * 1024 * 1024

// Usage is a point-in-time resource reading used to attribute CPU and
// memory to a task.
type Usage struct {
	CPUSeconds float64
	RSSBytes   uint64
}

// ResourceProbe abstracts resource detection so tests can run without
// touching the host.
type ResourceProbe interface {
	// Cores returns the logical CPU count.
	Cores() int

	// AvailableMemory returns bytes of memory available for new work.
	AvailableMemory() uint64

	// Usage samples the current process's resource usage.
	Usage() Usage

	// Delta converts two samples into task-attributed CPU percent and
	// resident memory in MB over the elapsed wall time.
	Delta(before Usage, elapsed time.Duration) (cpuPercent float64, memoryMB float64)
}

// systemProbe reads the host through gopsutil.
type systemProbe struct{}

func (s *systemProbe) Cores() int {
	cores, err := cpu.Counts(true)
	if err != nil || cores <= 0 {
		return runtime.NumCPU()
	}
	return cores
}

func (s *systemProbe) AvailableMemory() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Available
}

func (s *systemProbe) Usage() Usage {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return Usage{}
	}
	var usage Usage
	if times, err := proc.Times(); err == nil {
		usage.CPUSeconds = times.User + times.System
	}
	if info, err := proc.MemoryInfo(); err == nil {
		usage.RSSBytes = info.RSS
	}
	return usage
}

func (s *systemProbe) Delta(before Usage, elapsed time.Duration) (float64, float64) {
	after := s.Usage()
	var cpuPercent float64
	if elapsed > 0 && after.CPUSeconds >= before.CPUSeconds {
		cpuPercent = (after.CPUSeconds - before.CPUSeconds) / elapsed.Seconds() * 100
	}
	return cpuPercent, float64(after.RSSBytes) / (1024 * 1024)
}

// computeWorkers sizes the pool from CPU cores and available memory,
// clamped to the configured maximum. Returns the worker count and the core
// count for CPU-bound slot sizing.
func computeWorkers(probe ResourceProbe, maxWorkers int) (workers, cores int) {
	cores = probe.Cores()
	workers = cores

	if available := probe.AvailableMemory(); available > 0 {
		byMemory := int(available / memoryPerWorker)
		if byMemory < workers {
			workers = byMemory
		}
	}
	if workers < 1 {
		workers = 1
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return workers, cores
}
