// Package cores sizes the worker pool from the job count and the host.
package cores

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
)

// Resolve returns the number of workers to start for jobCount jobs.
//
// The result never exceeds the physical core count, since hyperthreads
// give no gain for compute-bound jobs, and never exceeds jobCount.
// When there are more jobs than workers the pool is shrunk to
// ceil(jobCount/2): once some worker has to process two jobs, extra
// workers no longer shorten the slowest worker's queue. With 18 jobs and
// 12 allowed cores, 9 workers finish as fast as 12.
func Resolve(jobCount, maxWorkers, physicalCores int) int {
	if jobCount <= 0 {
		return 0
	}
	if physicalCores < 1 {
		physicalCores = 1
	}
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers > physicalCores {
		maxWorkers = physicalCores
	}
	if jobCount <= maxWorkers {
		return jobCount
	}
	return min((jobCount+1)/2, maxWorkers)
}

// PhysicalCores reports the number of physical cores, falling back to the
// logical count when the platform does not expose it.
func PhysicalCores() int {
	n, err := cpu.Counts(false)
	if err != nil || n < 1 {
		return runtime.NumCPU()
	}
	return n
}
