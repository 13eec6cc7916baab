package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"codeberg.org/mutker/modectl/internal/errors"
)

const (
	// DefaultCPURoot is the kernel cpufreq directory tree
	DefaultCPURoot = "/sys/devices/system/cpu"

	controlFilePerm = 0o644
)

// CPUFreq reads and writes per-core cpufreq control files. The root is
// injectable so tests can point it at a fixture tree.
type CPUFreq struct {
	root string
}

func NewCPUFreq(root string) *CPUFreq {
	if root == "" {
		root = DefaultCPURoot
	}

	return &CPUFreq{root: root}
}

func (c *CPUFreq) path(cpu int, file string) string {
	return filepath.Join(c.root, fmt.Sprintf("cpu%d", cpu), "cpufreq", file)
}

// CPUs returns the core indices that expose a cpufreq directory, sorted
func (c *CPUFreq) CPUs() []int {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil
	}

	var cpus []int
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "cpu") {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(name, "cpu"))
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.root, name, "cpufreq")); err == nil {
			cpus = append(cpus, idx)
		}
	}
	sort.Ints(cpus)

	return cpus
}

// AvailableGovernors returns the governor inventory reported by core 0,
// or nil when the inventory file cannot be read.
func (c *CPUFreq) AvailableGovernors() []string {
	data, err := os.ReadFile(c.path(0, "scaling_available_governors"))
	if err != nil {
		return nil
	}

	return strings.Fields(string(data))
}

// ReadGovernor returns the currently active governor of the given core
func (c *CPUFreq) ReadGovernor(cpu int) (string, error) {
	data, err := os.ReadFile(c.path(cpu, "scaling_governor"))
	if err != nil {
		return "", errors.New().Wrap(errors.ClassifyFS(err), err)
	}

	return strings.TrimSpace(string(data)), nil
}

// WriteGovernor writes the governor to one core's control file. A core
// without a control file is skipped (false, nil) so callers never count
// it as written; permission failures surface as ErrPermissionDenied.
func (c *CPUFreq) WriteGovernor(cpu int, governor string) (bool, error) {
	path := c.path(cpu, "scaling_governor")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	if err := os.WriteFile(path, []byte(governor), controlFilePerm); err != nil {
		return false, errors.New().Wrap(errors.ClassifyFS(err), err)
	}

	return true, nil
}

// WriteMaxFreq writes the frequency ceiling in kHz to one core. Skips
// cores without the control file the same way WriteGovernor does.
func (c *CPUFreq) WriteMaxFreq(cpu, freqKHz int) (bool, error) {
	path := c.path(cpu, "scaling_max_freq")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(freqKHz)), controlFilePerm); err != nil {
		return false, errors.New().Wrap(errors.ClassifyFS(err), err)
	}

	return true, nil
}
