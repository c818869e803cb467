package cache

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
)

// PressureLevel grades how loaded the host memory is.
type PressureLevel int

const (
	PressureLow PressureLevel = iota
	PressureMedium
	PressureHigh
	PressureCritical
)

func (p PressureLevel) String() string {
	switch p {
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	}
	return "unknown"
}

// Utilization fractions that bound each pressure level.
const (
	mediumThreshold   = 0.70
	highThreshold     = 0.85
	criticalThreshold = 0.95
)

// Readings are cached at least this long between samples.
const sampleInterval = 30 * time.Second

// memorySampler abstracts the host reading for tests.
type memorySampler func() (used, total uint64, err error)

func hostMemory() (uint64, uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return vm.Used, vm.Total, nil
}

// MemoryMonitor samples host memory utilization, rate-limited so
// cleanup passes never hammer the kernel.
type MemoryMonitor struct {
	mu       sync.Mutex
	sample   memorySampler
	lastAt   time.Time
	lastUsed uint64
	lastTot  uint64
}

func NewMemoryMonitor() *MemoryMonitor {
	return &MemoryMonitor{sample: hostMemory}
}

// Pressure returns the current pressure level. Sampling failures
// report low pressure so a broken probe never triggers eviction.
func (m *MemoryMonitor) Pressure() PressureLevel {
	used, total := m.reading()
	if total == 0 {
		return PressureLow
	}
	frac := float64(used) / float64(total)
	switch {
	case frac >= criticalThreshold:
		return PressureCritical
	case frac >= highThreshold:
		return PressureHigh
	case frac >= mediumThreshold:
		return PressureMedium
	}
	return PressureLow
}

// Reading returns the last sampled used/total bytes.
func (m *MemoryMonitor) Reading() (used, total uint64) {
	return m.reading()
}

func (m *MemoryMonitor) reading() (uint64, uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastAt) < sampleInterval && m.lastTot != 0 {
		return m.lastUsed, m.lastTot
	}
	used, total, err := m.sample()
	if err != nil {
		return m.lastUsed, m.lastTot
	}
	m.lastAt = time.Now()
	m.lastUsed = used
	m.lastTot = total
	return used, total
}
