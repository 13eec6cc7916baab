package syscmd

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// FakeRunner is a scripted Runner for tests. Commands are recorded in
// order; availability and per-command failures are configurable.
type FakeRunner struct {
	mu sync.Mutex

	// Missing marks binaries as absent from PATH
	Missing map[string]bool
	// ActiveServices controls `systemctl is-active <svc>` responses
	ActiveServices map[string]bool
	// Fail maps a full command line to the error it should return
	Fail map[string]error

	calls []string
}

func NewFake() *FakeRunner {
	return &FakeRunner{
		Missing:        map[string]bool{},
		ActiveServices: map[string]bool{},
		Fail:           map[string]error{},
	}
}

// Calls returns the recorded command lines in invocation order
func (f *FakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.calls))
	copy(out, f.calls)

	return out
}

// CalledWith reports whether any recorded command line equals line
func (f *FakeRunner) CalledWith(line string) bool {
	for _, c := range f.Calls() {
		if c == line {
			return true
		}
	}

	return false
}

func (f *FakeRunner) Run(_ context.Context, name string, args ...string) error {
	return f.record(name, args...)
}

func (f *FakeRunner) Output(_ context.Context, name string, args ...string) (string, error) {
	return "", f.record(name, args...)
}

func (f *FakeRunner) Sudo(_ context.Context, name string, args ...string) error {
	if f.Missing[name] {
		f.record("sudo", append([]string{name}, args...)...)
		return exec.ErrNotFound
	}

	return f.record("sudo", append([]string{name}, args...)...)
}

func (f *FakeRunner) Available(name string) bool {
	return !f.Missing[name]
}

func (f *FakeRunner) record(name string, args ...string) error {
	line := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	f.calls = append(f.calls, line)
	f.mu.Unlock()

	if f.Missing[name] {
		return exec.ErrNotFound
	}
	if err, ok := f.Fail[line]; ok {
		return err
	}

	// is-active exits non-zero for inactive units
	if name == "systemctl" && len(args) == 2 && args[0] == "is-active" {
		if !f.ActiveServices[args[1]] {
			return fmt.Errorf("unit %s is not active", args[1])
		}
	}

	return nil
}
