package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDRMRoot is where amdgpu exposes its per-card device files
	DefaultDRMRoot = "/sys/class/drm"

	// maxGPUCards bounds the device index scan
	maxGPUCards = 4

	powerLevelFile = "power_dpm_force_performance_level"
)

// GPU writes the DPM power level to every discovered card. GPU control
// is inherently best-effort: cards without the control file and
// permission failures are skipped.
type GPU struct {
	root string
}

func NewGPU(root string) *GPU {
	if root == "" {
		root = DefaultDRMRoot
	}

	return &GPU{root: root}
}

// SetPowerLevel writes level ("low", "auto", "high") to each card's
// control file and returns the number of cards updated.
func (g *GPU) SetPowerLevel(level string) int {
	written := 0
	for card := 0; card < maxGPUCards; card++ {
		path := filepath.Join(g.root, fmt.Sprintf("card%d", card), "device", powerLevelFile)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.WriteFile(path, []byte(level), controlFilePerm); err != nil {
			continue
		}
		written++
	}

	return written
}
