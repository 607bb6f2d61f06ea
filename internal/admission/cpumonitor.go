package admission

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// CPUMonitor samples CPU usage relative to whatever allocation applies:
// cgroup quota/period when running in a container, total host CPUs
// otherwise. Adapted from the teacher's platform.CPUMonitor
// (internal/single/platform/cgroup_cpu.go): cgroup cumulative-usage
// deltas are more accurate than gopsutil's host-wide sampling inside a
// throttled container, so cgroup detection is tried first and gopsutil
// is the fallback.
type CPUMonitor struct {
	mu          sync.Mutex
	cgroupPath  string
	cgroupVers  int // 1 or 2; 0 = host fallback
	allocated   float64
	lastUsage   uint64
	lastSampled time.Time
}

// NewCPUMonitor builds a CPUMonitor, auto-detecting cgroup v2 then v1,
// falling back to gopsutil host-wide sampling if neither is available.
func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	m := &CPUMonitor{lastSampled: time.Now()}

	path, vers, err := detectCgroupPath()
	if err != nil {
		logger.Warn().Err(err).Msg("no cgroup CPU accounting found, falling back to host-wide sampling")
		return m
	}
	quota, period, err := readCPUQuota(path, vers)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read cgroup CPU quota, falling back to host-wide sampling")
		return m
	}
	usage, err := readCPUUsageUsec(path, vers)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read cgroup CPU usage, falling back to host-wide sampling")
		return m
	}

	m.cgroupPath = path
	m.cgroupVers = vers
	m.lastUsage = usage
	if quota > 0 && period > 0 {
		m.allocated = float64(quota) / float64(period)
	} else {
		m.allocated = float64(runtime.NumCPU())
	}
	logger.Info().Int("cgroup_version", vers).Float64("cpus_allocated", m.allocated).Msg("using cgroup-aware CPU sampling")
	return m
}

// Percent returns CPU usage as a percentage of whatever allocation
// applies (container quota, or host core count).
func (m *CPUMonitor) Percent() (float64, error) {
	if m.cgroupVers == 0 {
		pct, err := cpu.Percent(100*time.Millisecond, false)
		if err != nil {
			return 0, err
		}
		if len(pct) == 0 {
			return 0, fmt.Errorf("gopsutil returned no CPU samples")
		}
		return pct[0], nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(m.lastSampled).Microseconds()
	if elapsedUsec <= 0 {
		return 0, fmt.Errorf("sample interval too small")
	}

	usage, err := readCPUUsageUsec(m.cgroupPath, m.cgroupVers)
	if err != nil {
		return 0, err
	}
	delta := usage - m.lastUsage
	m.lastUsage = usage
	m.lastSampled = now

	raw := (float64(delta) / float64(elapsedUsec)) * 100.0
	if m.allocated <= 0 {
		return raw, nil
	}
	return raw / m.allocated, nil
}

func detectCgroupPath() (path string, version int, err error) {
	f, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("no cpu cgroup entry in /proc/self/cgroup")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format %q", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsageUsec(path string, version int) (uint64, error) {
	if version == 2 {
		f, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			fields := strings.Fields(scanner.Text())
			if len(fields) == 2 && fields[0] == "usage_usec" {
				return strconv.ParseUint(fields[1], 10, 64)
			}
		}
		return 0, fmt.Errorf("usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}
