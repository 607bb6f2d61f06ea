// Package admission implements spec.md §4.10's admission control: the
// broker's emergency brakes against overload, adapted from
// internal/shared/limits/resource_guard.go (ResourceGuard) and
// cgroup.go (container memory-limit detection) in the teacher repo.
//
// Unlike the teacher's DynamicCapacityManager, admission enforces
// static configured thresholds and never auto-adjusts them: predictable
// rejection behavior under load, not an auto-tuned one.
package admission

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

// Guard enforces connection, CPU, memory and goroutine limits.
type Guard struct {
	maxConnections int64
	cpuReject      float64
	cpuPause       float64
	memoryLimit    int64
	maxGoroutines  int

	currentConns *int64
	currentCPU   atomic.Value // float64
	currentMem   atomic.Value // int64
}

// Config is the static threshold set a Guard enforces.
type Config struct {
	MaxConnections int
	CPURejectPct   float64
	CPUPausePct    float64
	MemoryLimit    int64 // bytes; 0 = unlimited
	MaxGoroutines  int
}

// NewGuard builds a Guard. currentConns must point at the caller's live
// connection counter (updated via atomic ops by cmd/broker's
// connection-counting middleware).
func NewGuard(cfg Config, currentConns *int64) *Guard {
	g := &Guard{
		maxConnections: int64(cfg.MaxConnections),
		cpuReject:      cfg.CPURejectPct,
		cpuPause:       cfg.CPUPausePct,
		memoryLimit:    cfg.MemoryLimit,
		maxGoroutines:  cfg.MaxGoroutines,
		currentConns:   currentConns,
	}
	g.currentCPU.Store(0.0)
	g.currentMem.Store(int64(0))
	return g
}

// UpdateCPU records the latest sampled CPU percentage (container-aware
// when a cgroup limit is present; caller is responsible for sampling).
func (g *Guard) UpdateCPU(pct float64) { g.currentCPU.Store(pct) }

// UpdateMemory records the latest sampled resident memory in bytes.
func (g *Guard) UpdateMemory(bytes int64) { g.currentMem.Store(bytes) }

// ShouldAcceptConnection runs the admission checks in priority order:
// hard connection limit, CPU brake, memory brake, goroutine limit.
func (g *Guard) ShouldAcceptConnection() (accept bool, reason string) {
	conns := atomic.LoadInt64(g.currentConns)
	cpu := g.currentCPU.Load().(float64)
	mem := g.currentMem.Load().(int64)
	goros := runtime.NumGoroutine()

	if g.maxConnections > 0 && conns >= g.maxConnections {
		return false, fmt.Sprintf("at max connections (%d)", g.maxConnections)
	}
	if g.cpuReject > 0 && cpu > g.cpuReject {
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpu, g.cpuReject)
	}
	if g.memoryLimit > 0 && mem > g.memoryLimit {
		return false, "memory limit exceeded"
	}
	if g.maxGoroutines > 0 && goros > g.maxGoroutines {
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, g.maxGoroutines)
	}
	return true, "OK"
}

// ShouldPausePublishing reports whether publish intake should pause for
// backpressure: CPU above the (higher) pause threshold.
func (g *Guard) ShouldPausePublishing() bool {
	return g.currentCPU.Load().(float64) > g.cpuPause
}

// MemoryLimitFromCgroup returns the container memory limit in bytes,
// trying cgroup v2 (memory.max) then v1 (memory.limit_in_bytes). Returns
// 0 with a nil error when no limit is detected (bare metal, VMs, or an
// unlimited container).
func MemoryLimitFromCgroup() (int64, error) {
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limit := strings.TrimSpace(string(data))
		if limit != "max" {
			return strconv.ParseInt(limit, 10, 64)
		}
		return 0, nil
	}
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}
	return 0, nil
}

// MaxConnectionsFromMemory derives a safe connection ceiling from a
// cgroup memory limit, reserving headroom for runtime overhead and
// budgeting a fixed per-connection footprint (subscriber buffers, replay
// history). Bounded to [100, 50000]; 0 (no limit detected) falls back to
// a conservative default of 10000.
func MaxConnectionsFromMemory(memoryLimitBytes int64) int {
	const (
		runtimeOverheadBytes = 128 * 1024 * 1024
		bytesPerConnection   = 180 * 1024
		minConns             = 100
		maxConns             = 50000
		defaultConns         = 10000
	)
	if memoryLimitBytes == 0 {
		return defaultConns
	}

	available := memoryLimitBytes - runtimeOverheadBytes
	if available < 0 {
		available = memoryLimitBytes / 2
	}

	n := int(available / bytesPerConnection)
	if n < minConns {
		n = minConns
	}
	if n > maxConns {
		n = maxConns
	}
	return n
}
