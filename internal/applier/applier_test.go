package applier

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"codeberg.org/mutker/modectl/internal/logger"
	"codeberg.org/mutker/modectl/internal/profile"
	"codeberg.org/mutker/modectl/internal/syscmd"
	"codeberg.org/mutker/modectl/internal/sysfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixtureCPUs(t *testing.T, cores int, governor string) string {
	t.Helper()
	root := t.TempDir()

	for i := 0; i < cores; i++ {
		dir := filepath.Join(root, "cpu"+strconv.Itoa(i), "cpufreq")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scaling_governor"), []byte(governor), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scaling_max_freq"), []byte("4200000"), 0o644))
	}

	return root
}

func newTestApplier(t *testing.T, cpuRoot, gpuRoot string, runner syscmd.Runner) *Applier {
	t.Helper()
	logger.Init("error", true)

	a := New(sysfs.NewCPUFreq(cpuRoot), sysfs.NewGPU(gpuRoot), runner, logger.Default())
	a.retries = 2
	a.delay = time.Millisecond

	return a
}

func performanceProfile() (profile.Profile, profile.Resolution) {
	prof := profile.Profile{
		Name:       profile.Performance,
		Governor:   "performance",
		MaxFreqKHz: 4200000,
		GPUPower:   profile.GPUHigh,
	}

	return prof, profile.Resolution{Governor: "performance"}
}

func TestApplyConvergesViaSysfs(t *testing.T) {
	cpuRoot := fixtureCPUs(t, 4, "schedutil")
	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	a := newTestApplier(t, cpuRoot, t.TempDir(), runner)

	prof, res := performanceProfile()
	report := a.Apply(context.Background(), prof, res)

	assert.True(t, report.Converged)
	assert.Equal(t, 1, report.Attempts)
	assert.Equal(t, 4, report.GovernorCoresWritten)
	assert.Zero(t, report.GovernorCoresFailed)
	assert.Equal(t, 4, report.FreqCoresWritten)
	assert.False(t, report.CPUPowerGovernorSet)

	for i := 0; i < 4; i++ {
		data, err := os.ReadFile(filepath.Join(cpuRoot, "cpu"+strconv.Itoa(i), "cpufreq", "scaling_governor"))
		require.NoError(t, err)
		assert.Equal(t, "performance", string(data))
	}
}

func TestApplyInvokesCPUPower(t *testing.T) {
	cpuRoot := fixtureCPUs(t, 1, "schedutil")
	runner := syscmd.NewFake()
	a := newTestApplier(t, cpuRoot, t.TempDir(), runner)

	prof, res := performanceProfile()
	report := a.Apply(context.Background(), prof, res)

	assert.True(t, report.CPUPowerGovernorSet)
	assert.True(t, report.CPUPowerFreqSet)
	assert.True(t, runner.CalledWith("sudo cpupower frequency-set -g performance"))
	assert.True(t, runner.CalledWith("sudo cpupower frequency-set -u 4200000"))
}

func TestApplyCountsPerCoreWriteFailure(t *testing.T) {
	cpuRoot := fixtureCPUs(t, 3, "schedutil")
	// cpu1's control file rejects every write; the others must still
	// be written
	path := filepath.Join(cpuRoot, "cpu1", "cpufreq", "scaling_governor")
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0o755))

	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	a := newTestApplier(t, cpuRoot, t.TempDir(), runner)

	prof, res := performanceProfile()
	report := a.Apply(context.Background(), prof, res)

	assert.True(t, report.Converged)
	assert.Equal(t, 2, report.GovernorCoresWritten)
	assert.Equal(t, 1, report.GovernorCoresFailed)
	assert.Len(t, report.Errors, 1)

	for _, cpu := range []string{"cpu0", "cpu2"} {
		data, err := os.ReadFile(filepath.Join(cpuRoot, cpu, "cpufreq", "scaling_governor"))
		require.NoError(t, err)
		assert.Equal(t, "performance", string(data))
	}
}

func TestApplySkipsCoreWithoutGovernorFile(t *testing.T) {
	cpuRoot := fixtureCPUs(t, 2, "schedutil")
	// cpu1 scales but exposes no governor control; skipped, not counted
	require.NoError(t, os.Remove(filepath.Join(cpuRoot, "cpu1", "cpufreq", "scaling_governor")))

	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	a := newTestApplier(t, cpuRoot, t.TempDir(), runner)

	prof, res := performanceProfile()
	report := a.Apply(context.Background(), prof, res)

	assert.Equal(t, 1, report.GovernorCoresWritten)
	assert.Zero(t, report.GovernorCoresFailed)
	assert.Empty(t, report.Errors)
}

func TestApplyPerformanceStopsLegacyGovernorDaemons(t *testing.T) {
	cpuRoot := fixtureCPUs(t, 1, "schedutil")
	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	a := newTestApplier(t, cpuRoot, t.TempDir(), runner)

	prof, res := performanceProfile()
	a.Apply(context.Background(), prof, res)

	assert.True(t, runner.CalledWith("sudo systemctl stop cpufreq-ondemand"))
	assert.True(t, runner.CalledWith("sudo systemctl stop cpufreq-conservative"))
}

func TestApplyPowersaveLeavesLegacyGovernorDaemonsAlone(t *testing.T) {
	cpuRoot := fixtureCPUs(t, 1, "schedutil")
	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	a := newTestApplier(t, cpuRoot, t.TempDir(), runner)

	prof := profile.Profile{
		Name:       profile.Powersave,
		Governor:   "powersave",
		MaxFreqKHz: 1800000,
		GPUPower:   profile.GPULow,
	}
	a.Apply(context.Background(), prof, profile.Resolution{Governor: "powersave"})

	assert.False(t, runner.CalledWith("sudo systemctl stop cpufreq-ondemand"))
	assert.False(t, runner.CalledWith("sudo systemctl stop cpufreq-conservative"))
}

func TestApplyExhaustsRetriesWithoutRaising(t *testing.T) {
	// No cpufreq tree at all: nothing converges, nothing fails fatally
	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	a := newTestApplier(t, t.TempDir(), t.TempDir(), runner)

	prof, res := performanceProfile()
	report := a.Apply(context.Background(), prof, res)

	assert.False(t, report.Converged)
	assert.Equal(t, a.retries, report.Attempts)
	assert.Zero(t, report.GovernorCoresWritten)
}

func TestApplyWritesGPUPowerLevel(t *testing.T) {
	cpuRoot := fixtureCPUs(t, 1, "performance")
	gpuRoot := t.TempDir()
	dir := filepath.Join(gpuRoot, "card0", "device")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	gpuFile := filepath.Join(dir, "power_dpm_force_performance_level")
	require.NoError(t, os.WriteFile(gpuFile, []byte("auto"), 0o644))

	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	a := newTestApplier(t, cpuRoot, gpuRoot, runner)

	prof, res := performanceProfile()
	report := a.Apply(context.Background(), prof, res)

	assert.Equal(t, 1, report.GPUCardsWritten)
	data, err := os.ReadFile(gpuFile)
	require.NoError(t, err)
	assert.Equal(t, "high", string(data))
}

func TestApplyStopsRetryingOnceConverged(t *testing.T) {
	// Pre-set governor: first round's readback already matches
	cpuRoot := fixtureCPUs(t, 2, "performance")
	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	a := newTestApplier(t, cpuRoot, t.TempDir(), runner)

	prof, res := performanceProfile()
	report := a.Apply(context.Background(), prof, res)

	assert.True(t, report.Converged)
	assert.Equal(t, 1, report.Attempts)
}

func TestWriteAllSingleRound(t *testing.T) {
	cpuRoot := fixtureCPUs(t, 2, "schedutil")
	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	a := newTestApplier(t, cpuRoot, t.TempDir(), runner)

	report := a.WriteAll(context.Background(), "powersave", 1800000)

	assert.Equal(t, 2, report.GovernorCoresWritten)
	assert.Equal(t, 2, report.FreqCoresWritten)
	assert.Zero(t, report.Attempts, "WriteAll must not retry")

	data, err := os.ReadFile(filepath.Join(cpuRoot, "cpu1", "cpufreq", "scaling_max_freq"))
	require.NoError(t, err)
	assert.Equal(t, "1800000", string(data))
}

func TestApplyIdempotent(t *testing.T) {
	cpuRoot := fixtureCPUs(t, 2, "schedutil")
	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	a := newTestApplier(t, cpuRoot, t.TempDir(), runner)

	prof, res := performanceProfile()
	first := a.Apply(context.Background(), prof, res)
	second := a.Apply(context.Background(), prof, res)

	assert.Equal(t, first.ResolvedGovernor, second.ResolvedGovernor)
	assert.True(t, second.Converged)
	assert.Equal(t, 1, second.Attempts)
}
