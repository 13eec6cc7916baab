package syscmd

import (
	"context"
	"os/exec"
	"strings"
)

// Runner executes external commands. Implementations must treat an
// absent binary as exec.ErrNotFound so callers can degrade to their
// alternate path.
type Runner interface {
	// Run executes the command and waits for it, discarding output
	Run(ctx context.Context, name string, args ...string) error
	// Output executes the command and returns its trimmed stdout
	Output(ctx context.Context, name string, args ...string) (string, error)
	// Sudo executes the command through the privilege-escalation
	// wrapper, retrying without it when the wrapper is absent
	Sudo(ctx context.Context, name string, args ...string) error
	// Available reports whether the named binary is on PATH
	Available(name string) bool
}

type execRunner struct{}

// New returns a Runner backed by os/exec
func New() Runner {
	return execRunner{}
}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	return exec.CommandContext(ctx, name, args...).Run()
}

func (execRunner) Output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(out)), nil
}

func (r execRunner) Sudo(ctx context.Context, name string, args ...string) error {
	if r.Available("sudo") {
		return r.Run(ctx, "sudo", append([]string{name}, args...)...)
	}

	// No wrapper: the process may itself be privileged
	return r.Run(ctx, name, args...)
}

func (execRunner) Available(name string) bool {
	_, err := exec.LookPath(name)

	return err == nil
}
