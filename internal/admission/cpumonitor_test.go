package admission

import (
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUMonitorPercentReturnsNonNegative(t *testing.T) {
	m := NewCPUMonitor(zerolog.Nop())
	pct, err := m.Percent()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pct, 0.0)
}

func TestCPUMonitorCgroupV2UsesUsageDeltaOverInterval(t *testing.T) {
	dir := t.TempDir()
	writeCPUStat(t, dir, 150000)

	m := &CPUMonitor{
		cgroupPath:  dir,
		cgroupVers:  2,
		allocated:   1.0,
		lastUsage:   100000,
		lastSampled: time.Now().Add(-100 * time.Millisecond),
	}

	pct, err := m.Percent()
	require.NoError(t, err)
	assert.Greater(t, pct, 0.0)
}

func TestCPUMonitorCgroupV2ZeroAllocationReturnsRawPercent(t *testing.T) {
	dir := t.TempDir()
	writeCPUStat(t, dir, 200000)

	m := &CPUMonitor{
		cgroupPath:  dir,
		cgroupVers:  2,
		allocated:   0,
		lastUsage:   100000,
		lastSampled: time.Now().Add(-1 * time.Second),
	}

	pct, err := m.Percent()
	require.NoError(t, err)
	assert.InDelta(t, 10.0, pct, 0.5)
}

func writeCPUStat(t *testing.T, dir string, usageUsec uint64) {
	t.Helper()
	contents := "usage_usec " + strconv.FormatUint(usageUsec, 10) + "\nuser_usec 0\nsystem_usec 0\n"
	require.NoError(t, os.WriteFile(dir+"/cpu.stat", []byte(contents), 0o644))
}
