package department

import (
	"sync"

	"github.com/fyrsmithlabs/directord/internal/config"
)

// Estimate is the simulated resource footprint of one running task.
type Estimate struct {
	MemoryMB   int
	CPUPercent float64
	DiskMB     int
}

// Utilization reports current usage as a fraction of each limit, 0..1.
type Utilization struct {
	Memory float64 `json:"memory"`
	CPU    float64 `json:"cpu"`
	Disk   float64 `json:"disk"`
}

// Monitor tracks simulated resource usage against configured limits. The
// accounting is advisory: it shapes queueing decisions, it does not enforce
// anything at the OS level.
type Monitor struct {
	mu     sync.Mutex
	limits config.ResourceLimits

	memoryMB   int
	cpuPercent float64
	diskMB     int
}

// NewMonitor creates a monitor with the given limits.
func NewMonitor(limits config.ResourceLimits) *Monitor {
	return &Monitor{limits: limits}
}

// Fits reports whether the estimate could ever be satisfied, ignoring
// current usage. A task that fails this check would block the queue head
// forever.
func (m *Monitor) Fits(est Estimate) bool {
	return est.MemoryMB <= m.limits.MemoryMB &&
		est.CPUPercent <= m.limits.CPUPercent &&
		est.DiskMB <= m.limits.DiskMB
}

// CanAllocate reports whether the estimate fits alongside current usage.
func (m *Monitor) CanAllocate(est Estimate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canAllocateLocked(est)
}

func (m *Monitor) canAllocateLocked(est Estimate) bool {
	return m.memoryMB+est.MemoryMB <= m.limits.MemoryMB &&
		m.cpuPercent+est.CPUPercent <= m.limits.CPUPercent &&
		m.diskMB+est.DiskMB <= m.limits.DiskMB
}

// Allocate reserves the estimate. It reports false without reserving when
// the estimate does not fit.
func (m *Monitor) Allocate(est Estimate) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.canAllocateLocked(est) {
		return false
	}
	m.memoryMB += est.MemoryMB
	m.cpuPercent += est.CPUPercent
	m.diskMB += est.DiskMB
	return true
}

// Release returns a previous allocation. Usage never goes below zero.
func (m *Monitor) Release(est Estimate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryMB = max(0, m.memoryMB-est.MemoryMB)
	m.cpuPercent = max(0, m.cpuPercent-est.CPUPercent)
	m.diskMB = max(0, m.diskMB-est.DiskMB)
}

// Utilization reports usage fractions per resource.
func (m *Monitor) Utilization() Utilization {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Utilization{
		Memory: fraction(float64(m.memoryMB), float64(m.limits.MemoryMB)),
		CPU:    fraction(m.cpuPercent, m.limits.CPUPercent),
		Disk:   fraction(float64(m.diskMB), float64(m.limits.DiskMB)),
	}
}

func fraction(used, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return used / limit
}
