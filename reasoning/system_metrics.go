package reasoning

import (
	"fmt"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive  int     `json:"workers_active"`  // workers currently executing jobs
	WorkersTotal   int     `json:"workers_total"`   // configured worker count
	MemoryUsedGB   float64 `json:"memory_used_gb"`  // current memory usage in GB
	MemoryTotalGB  float64 `json:"memory_total_gb"` // total system memory in GB
	MemoryPercent  float64 `json:"memory_percent"`  // memory utilization percentage
	JobsPending    int     `json:"jobs_pending"`    // jobs waiting in the store
	JobsProcessing int     `json:"jobs_processing"` // jobs currently executing
	RetriesWaiting int     `json:"retries_waiting"` // jobs parked in the delay scheduler
}

// getMemoryStats is implemented in the platform files
// (system_metrics_linux.go and friends).

// calculateSafeWorkerCount recommends a worker count for the available
// memory. The sizing assumes local inference: one llama3.2:3b generation
// holds roughly 5GB resident. Remote providers need far less; this is the
// conservative bound.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 5.0 // GB per concurrent local inference
	const memoryBuffer = 2.0    // GB reserved for the rest of the system

	if availableGB < memoryBuffer {
		return 1 // always allow at least one worker
	}

	usableMemory := availableGB - memoryBuffer
	recommended := int(usableMemory / memoryPerWorker)

	if recommended < 1 {
		return 1
	}
	if recommended > 10 {
		return 10
	}

	return recommended
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	var pending, processing int
	if counts, err := wp.queue.store.CountJobsByStatus(); err == nil {
		pending = counts[StatusPending]
		processing = counts[StatusProcessing]
	}

	return SystemMetrics{
		WorkersActive:  int(wp.queue.activeWorkers.Load()),
		WorkersTotal:   wp.cfg.Workers,
		MemoryUsedGB:   memUsedGB,
		MemoryTotalGB:  memTotalGB,
		MemoryPercent:  memPercent,
		JobsPending:    pending,
		JobsProcessing: processing,
		RetriesWaiting: wp.scheduler.pending(),
	}
}

// checkMemoryPressure validates the worker count against available memory.
// Returns a warning message if the count may be too high, empty string if OK.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return "" // can't check, assume OK
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.cfg.Workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing reasoning.workers to prevent memory pressure.",
			wp.cfg.Workers, recommended, totalGB-availableGB, totalGB)
	}

	return ""
}
