package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// CommandRunner runs a short-lived OS command and returns its output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ProcessTable looks up processes by command-line pattern.
type ProcessTable interface {
	IsRunning(ctx context.Context, pattern string) (bool, int, error)
}

// System runs real OS commands. It satisfies CommandRunner and
// ProcessTable, and the extractor's runner interface.
type System struct{}

// Run implements CommandRunner.
func (System) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// IsRunning implements ProcessTable using pgrep -f.
func (System) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	out, err := exec.CommandContext(ctx, "pgrep", "-f", pattern).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("pgrep failed: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return false, 0, nil
	}
	pid, err := strconv.Atoi(lines[0])
	if err != nil {
		return true, 0, nil
	}
	return true, pid, nil
}

// AppBundleLauncher starts a macOS .app through `open`. The launcher has no
// child handle, so the process is found and watched through the process
// table by Command.ProcessPattern.
type AppBundleLauncher struct {
	Runner CommandRunner
	Table  ProcessTable

	// LivenessInterval is the normal process-table poll period.
	LivenessInterval time.Duration

	// StopPollInterval is the poll period once termination was requested.
	StopPollInterval time.Duration

	// AppearTimeout bounds the wait for the process to show up after open.
	AppearTimeout time.Duration
}

// Launch implements Launcher.
func (l AppBundleLauncher) Launch(ctx context.Context, c Command, _ OutputFunc) (Instance, error) {
	if c.ProcessPattern == "" {
		return nil, &StartError{Name: c.Name, Binary: c.Binary, Err: errors.New("app bundle needs a process pattern")}
	}
	l = l.withDefaults()

	args := []string{"-n", c.Binary}
	if len(c.Args) > 0 {
		args = append(args, "--args")
		args = append(args, c.Args...)
	}
	if _, err := l.Runner.Run(ctx, "open", args...); err != nil {
		return nil, &StartError{Name: c.Name, Binary: c.Binary, Err: err}
	}

	pid, err := l.awaitProcess(ctx, c.ProcessPattern)
	if err != nil {
		return nil, &StartError{Name: c.Name, Binary: c.Binary, Err: err}
	}

	inst := &bundleInstance{
		launcher: l,
		pattern:  c.ProcessPattern,
		pid:      pid,
		done:     make(chan struct{}),
		fast:     make(chan struct{}),
	}
	go inst.watch()
	return inst, nil
}

func (l AppBundleLauncher) withDefaults() AppBundleLauncher {
	if l.Runner == nil {
		l.Runner = System{}
	}
	if l.Table == nil {
		l.Table = System{}
	}
	if l.LivenessInterval <= 0 {
		l.LivenessInterval = 2 * time.Second
	}
	if l.StopPollInterval <= 0 {
		l.StopPollInterval = 100 * time.Millisecond
	}
	if l.AppearTimeout <= 0 {
		l.AppearTimeout = 30 * time.Second
	}
	return l
}

func (l AppBundleLauncher) awaitProcess(ctx context.Context, pattern string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, l.AppearTimeout)
	defer cancel()

	ticker := time.NewTicker(l.StopPollInterval)
	defer ticker.Stop()
	for {
		if ok, pid, err := l.Table.IsRunning(ctx, pattern); err == nil && ok {
			return pid, nil
		}
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("no process matching %q appeared: %w", pattern, ctx.Err())
		case <-ticker.C:
		}
	}
}

type bundleInstance struct {
	launcher AppBundleLauncher
	pattern  string
	pid      int
	done     chan struct{}

	fastOnce sync.Once
	fast     chan struct{} // closed when a stop was requested
}

func (i *bundleInstance) PID() int              { return i.pid }
func (i *bundleInstance) Done() <-chan struct{} { return i.done }
func (i *bundleInstance) Streams() bool         { return false }

// Exit carries no code or signal; the launcher never sees the process
// terminate, only disappear.
func (i *bundleInstance) Exit() Exit {
	<-i.done
	return Exit{}
}

func (i *bundleInstance) Terminate() error { return i.signal("-TERM") }
func (i *bundleInstance) Kill() error      { return i.signal("-KILL") }

func (i *bundleInstance) signal(flag string) error {
	i.fastOnce.Do(func() { close(i.fast) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := i.launcher.Runner.Run(ctx, "pkill", flag, "-f", i.pattern)
	if err != nil {
		// pkill exits 1 when nothing matched; the process is already gone.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil
		}
	}
	return err
}

func (i *bundleInstance) watch() {
	defer close(i.done)

	interval := i.launcher.LivenessInterval
	fast := i.fast
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
		case <-fast:
			// Switch to the short period for the rest of the process's life.
			fast = nil
			interval = i.launcher.StopPollInterval
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		alive, _, err := i.launcher.Table.IsRunning(ctx, i.pattern)
		cancel()
		if err == nil && !alive {
			return
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(interval)
	}
}
