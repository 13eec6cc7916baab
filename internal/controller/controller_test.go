package controller

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/modectl/internal/applier"
	"codeberg.org/mutker/modectl/internal/errors"
	"codeberg.org/mutker/modectl/internal/logger"
	"codeberg.org/mutker/modectl/internal/profile"
	"codeberg.org/mutker/modectl/internal/reconcile"
	"codeberg.org/mutker/modectl/internal/services"
	"codeberg.org/mutker/modectl/internal/syscmd"
	"codeberg.org/mutker/modectl/internal/sysfs"
	"codeberg.org/mutker/modectl/internal/thermal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	saved []profile.Name
}

func (f *fakeStore) Save(name profile.Name) error {
	f.saved = append(f.saved, name)
	return nil
}

func (f *fakeStore) Load() profile.Name {
	return profile.Balanced
}

type recordingListener struct {
	events []Event
}

func (r *recordingListener) ProfileChanged(event Event) {
	r.events = append(r.events, event)
}

type nopAlerter struct{}

func (nopAlerter) Alert(_, _ string) {}

type fixedReader struct{}

func (fixedReader) Read() (float64, error) { return 50, nil }

func fixtureCPUs(t *testing.T, cores int, governor, available string) string {
	t.Helper()
	root := t.TempDir()

	for i := 0; i < cores; i++ {
		dir := filepath.Join(root, "cpu"+strconv.Itoa(i), "cpufreq")
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scaling_governor"), []byte(governor), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scaling_max_freq"), []byte("4200000"), 0o644))
	}
	require.NoError(t, os.WriteFile(
		filepath.Join(root, "cpu0", "cpufreq", "scaling_available_governors"),
		[]byte(available), 0o644))

	return root
}

type testRig struct {
	ctl        *Controller
	store      *fakeStore
	runner     *syscmd.FakeRunner
	guardCount int
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger.Init("error", true)
	log := logger.Default()

	root := fixtureCPUs(t, 2, "schedutil", "schedutil powersave performance ondemand")
	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	runner.Missing["systemctl"] = true

	cpufreq := sysfs.NewCPUFreq(root)
	app := applier.New(cpufreq, sysfs.NewGPU(t.TempDir()), runner, log)
	st := &fakeStore{}

	rig := &testRig{store: st, runner: runner}
	rig.ctl = New(Params{
		Profiles: profile.NewSet(profile.Frequencies{
			PowersaveKHz:   1800000,
			BalancedKHz:    3200000,
			PerformanceKHz: 4200000,
		}),
		CPUFreq:     cpufreq,
		Applier:     app,
		Coordinator: services.NewCoordinator(runner, log),
		Runner:      runner,
		Store:       st,
		NewGuard: func() *thermal.Guard {
			rig.guardCount++
			return thermal.NewGuard(fixedReader{}, nopAlerter{}, log,
				thermal.DefaultInterval, thermal.DefaultThreshold, thermal.DefaultCooldown)
		},
		Reconcile: reconcile.NewLoop(cpufreq, app, log, reconcile.DefaultInterval),
		Log:       log,
	})
	t.Cleanup(rig.ctl.Shutdown)

	return rig
}

func TestApplyPerformanceStartsBothLoops(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.ctl.Apply(context.Background(), profile.Performance))

	reconAlive, thermalAlive := rig.ctl.LoopsAlive()
	assert.True(t, reconAlive)
	assert.True(t, thermalAlive)

	current, ok := rig.ctl.Current()
	require.True(t, ok)
	assert.Equal(t, profile.Performance, current.Name)
	assert.Equal(t, []profile.Name{profile.Performance}, rig.store.saved)
}

func TestApplyBalancedStartsNoReconcileLoop(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.ctl.Apply(context.Background(), profile.Balanced))

	reconAlive, thermalAlive := rig.ctl.LoopsAlive()
	assert.False(t, reconAlive)
	assert.True(t, thermalAlive)
}

func TestSwitchToBalancedStopsReconcileKeepsThermal(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.ctl.Apply(context.Background(), profile.Performance))
	require.NoError(t, rig.ctl.Apply(context.Background(), profile.Balanced))

	reconAlive, thermalAlive := rig.ctl.LoopsAlive()
	assert.False(t, reconAlive)
	assert.True(t, thermalAlive)
	assert.Equal(t, 1, rig.guardCount, "thermal guard must keep running uninterrupted")
}

func TestApplySameProfileTwiceLeavesOneLoopPair(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.ctl.Apply(context.Background(), profile.Powersave))
	require.NoError(t, rig.ctl.Apply(context.Background(), profile.Powersave))

	reconAlive, thermalAlive := rig.ctl.LoopsAlive()
	assert.True(t, reconAlive)
	assert.True(t, thermalAlive)
	assert.Equal(t, 1, rig.guardCount)
}

func TestApplyUnknownProfileRejected(t *testing.T) {
	rig := newTestRig(t)

	err := rig.ctl.Apply(context.Background(), "turbo")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrUnknownProfile))

	_, ok := rig.ctl.Current()
	assert.False(t, ok, "no state change on rejected request")
	assert.Empty(t, rig.store.saved)

	reconAlive, thermalAlive := rig.ctl.LoopsAlive()
	assert.False(t, reconAlive)
	assert.False(t, thermalAlive)
}

func TestFailedApplyStillBecomesCurrent(t *testing.T) {
	logger.Init("error", true)
	log := logger.Default()

	// The lone core's governor control file rejects every write, so the
	// apply cannot converge; the profile must still become current and
	// the loops must still start.
	root := fixtureCPUs(t, 1, "schedutil", "schedutil powersave performance")
	govPath := filepath.Join(root, "cpu0", "cpufreq", "scaling_governor")
	require.NoError(t, os.Remove(govPath))
	require.NoError(t, os.Mkdir(govPath, 0o755))

	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	runner.Missing["systemctl"] = true

	cpufreq := sysfs.NewCPUFreq(root)
	app := applier.New(cpufreq, sysfs.NewGPU(t.TempDir()), runner, log)
	st := &fakeStore{}
	listener := &recordingListener{}

	ctl := New(Params{
		Profiles: profile.NewSet(profile.Frequencies{
			PowersaveKHz:   1800000,
			BalancedKHz:    3200000,
			PerformanceKHz: 4200000,
		}),
		CPUFreq:     cpufreq,
		Applier:     app,
		Coordinator: services.NewCoordinator(runner, log),
		Runner:      runner,
		Store:       st,
		NewGuard: func() *thermal.Guard {
			return thermal.NewGuard(fixedReader{}, nopAlerter{}, log,
				thermal.DefaultInterval, thermal.DefaultThreshold, thermal.DefaultCooldown)
		},
		Reconcile: reconcile.NewLoop(cpufreq, app, log, reconcile.DefaultInterval),
		Log:       log,
	})
	t.Cleanup(ctl.Shutdown)
	ctl.AddListener(listener)

	require.NoError(t, ctl.Apply(context.Background(), profile.Performance))

	current, ok := ctl.Current()
	require.True(t, ok, "a failed apply still marks the profile current")
	assert.Equal(t, profile.Performance, current.Name)
	assert.Equal(t, []profile.Name{profile.Performance}, st.saved)

	reconAlive, thermalAlive := ctl.LoopsAlive()
	assert.True(t, reconAlive)
	assert.True(t, thermalAlive)

	require.Len(t, listener.events, 1)
	report := listener.events[0].Report
	assert.False(t, report.Converged)
	assert.Equal(t, 1, report.GovernorCoresFailed)
	assert.Zero(t, report.GovernorCoresWritten)
}

func TestConcurrentCyclesEachAdvanceOnce(t *testing.T) {
	rig := newTestRig(t)
	listener := &recordingListener{}
	rig.ctl.AddListener(listener)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, rig.ctl.Cycle(context.Background()))
		}()
	}
	wg.Wait()

	// Three advances from no profile wrap the full cycle back to balanced
	current, ok := rig.ctl.Current()
	require.True(t, ok)
	assert.Equal(t, profile.Balanced, current.Name)
	assert.Len(t, listener.events, 3)
}

func TestCycleAdvancesInFixedOrder(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	// No profile yet: cycling starts from balanced's successor
	require.NoError(t, rig.ctl.Cycle(ctx))
	current, _ := rig.ctl.Current()
	assert.Equal(t, profile.Performance, current.Name)

	require.NoError(t, rig.ctl.Cycle(ctx))
	current, _ = rig.ctl.Current()
	assert.Equal(t, profile.Powersave, current.Name)

	require.NoError(t, rig.ctl.Cycle(ctx))
	current, _ = rig.ctl.Current()
	assert.Equal(t, profile.Balanced, current.Name)
}

func TestListenersReceiveEvents(t *testing.T) {
	rig := newTestRig(t)
	listener := &recordingListener{}
	rig.ctl.AddListener(listener)

	require.NoError(t, rig.ctl.Apply(context.Background(), profile.Performance))
	require.NoError(t, rig.ctl.Apply(context.Background(), profile.Balanced))

	require.Len(t, listener.events, 2)
	assert.Equal(t, profile.Name(""), listener.events[0].Old)
	assert.Equal(t, profile.Performance, listener.events[0].New)
	assert.Equal(t, profile.Performance, listener.events[1].Old)
	assert.Equal(t, profile.Balanced, listener.events[1].New)
	assert.Equal(t, "performance", listener.events[0].Report.ResolvedGovernor)
}

func TestApplyResolvesFallbackGovernor(t *testing.T) {
	logger.Init("error", true)
	log := logger.Default()

	// balanced wants schedutil; only powersave and performance exist,
	// so the fallback list lands on powersave
	root := fixtureCPUs(t, 1, "powersave", "powersave performance")
	runner := syscmd.NewFake()
	runner.Missing["cpupower"] = true
	runner.Missing["systemctl"] = true

	cpufreq := sysfs.NewCPUFreq(root)
	app := applier.New(cpufreq, sysfs.NewGPU(t.TempDir()), runner, log)
	listener := &recordingListener{}

	ctl := New(Params{
		Profiles: profile.NewSet(profile.Frequencies{
			PowersaveKHz:   1800000,
			BalancedKHz:    3200000,
			PerformanceKHz: 4200000,
		}),
		CPUFreq:     cpufreq,
		Applier:     app,
		Coordinator: services.NewCoordinator(runner, log),
		Runner:      runner,
		Store:       &fakeStore{},
		NewGuard: func() *thermal.Guard {
			return thermal.NewGuard(fixedReader{}, nopAlerter{}, log,
				thermal.DefaultInterval, thermal.DefaultThreshold, thermal.DefaultCooldown)
		},
		Reconcile: reconcile.NewLoop(cpufreq, app, log, reconcile.DefaultInterval),
		Log:       log,
	})
	t.Cleanup(ctl.Shutdown)
	ctl.AddListener(listener)

	require.NoError(t, ctl.Apply(context.Background(), profile.Balanced))

	require.Len(t, listener.events, 1)
	report := listener.events[0].Report
	assert.Equal(t, "schedutil", report.RequestedGovernor)
	assert.Equal(t, "powersave", report.ResolvedGovernor)
	assert.True(t, report.FellBack)
	assert.False(t, report.Degraded)
	assert.True(t, report.Converged)
}

func TestShutdownStopsLoops(t *testing.T) {
	rig := newTestRig(t)

	require.NoError(t, rig.ctl.Apply(context.Background(), profile.Performance))
	rig.ctl.Shutdown()

	reconAlive, thermalAlive := rig.ctl.LoopsAlive()
	assert.False(t, reconAlive)
	assert.False(t, thermalAlive)
}

func TestShutdownJoinsWithinTimeout(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.ctl.Apply(context.Background(), profile.Powersave))

	start := time.Now()
	rig.ctl.Shutdown()
	assert.Less(t, time.Since(start), 2*joinTimeout)
}
