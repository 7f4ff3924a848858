//go:build !windows

package process

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeSystem pretends to be open, pkill and pgrep for one app.
type fakeSystem struct {
	mu      sync.Mutex
	calls   [][]string
	alive   atomic.Bool
	openErr error
	// ignoreTerm keeps the app alive after pkill -TERM.
	ignoreTerm bool
}

func (f *fakeSystem) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()

	switch name {
	case "open":
		if f.openErr != nil {
			return nil, f.openErr
		}
		f.alive.Store(true)
	case "pkill":
		if args[0] == "-KILL" || !f.ignoreTerm {
			f.alive.Store(false)
		}
	}
	return nil, nil
}

func (f *fakeSystem) IsRunning(ctx context.Context, pattern string) (bool, int, error) {
	if f.alive.Load() {
		return true, 4242, nil
	}
	return false, 0, nil
}

func (f *fakeSystem) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, strings.Join(c, " "))
	}
	return out
}

func bundleLauncher(f *fakeSystem) AppBundleLauncher {
	return AppBundleLauncher{
		Runner:           f,
		Table:            f,
		LivenessInterval: 20 * time.Millisecond,
		StopPollInterval: 5 * time.Millisecond,
		AppearTimeout:    time.Second,
	}
}

func bundleCommand() Command {
	return Command{
		Name:           "wallet",
		Binary:         "/Applications/Wallet.app",
		Args:           []string{"-datadir=/tmp/wallet"},
		ProcessPattern: "Wallet.app/Contents/MacOS",
	}
}

func TestAppBundleLaunchAndStop(t *testing.T) {
	f := &fakeSystem{}
	m := NewManager(Config{
		Command:         bundleCommand(),
		Launcher:        bundleLauncher(f),
		GracefulTimeout: time.Second,
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// No output to wait for; presence in the process table is readiness.
	waitClosed(t, m.Ready(), "ready")
	if m.PID() != 4242 {
		t.Errorf("PID() = %d, want 4242", m.PID())
	}

	stopNow(t, m)

	want := []string{
		"open -n /Applications/Wallet.app --args -datadir=/tmp/wallet",
		"pkill -TERM -f Wallet.app/Contents/MacOS",
	}
	if got := f.commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %q, want %q", got, want)
	}
	if exit, _ := m.Exit(); exit.Reason() != "requested" {
		t.Errorf("Reason() = %q, want requested", exit.Reason())
	}
}

func TestAppBundleEscalatesToKill(t *testing.T) {
	f := &fakeSystem{ignoreTerm: true}
	m := NewManager(Config{
		Command:         bundleCommand(),
		Launcher:        bundleLauncher(f),
		GracefulTimeout: 50 * time.Millisecond,
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	stopNow(t, m)

	cmds := f.commands()
	if last := cmds[len(cmds)-1]; last != "pkill -KILL -f Wallet.app/Contents/MacOS" {
		t.Errorf("last command = %q, want pkill -KILL", last)
	}
}

func TestAppBundleDetectsExternalQuit(t *testing.T) {
	f := &fakeSystem{}
	exits := make(chan Exit, 1)
	m := NewManager(Config{
		Command:  bundleCommand(),
		Launcher: bundleLauncher(f),
		OnExit:   func(e Exit) { exits <- e },
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// The user quits the app from the dock.
	f.alive.Store(false)
	waitClosed(t, m.Done(), "exit")

	exit := <-exits
	if exit.Requested {
		t.Error("Requested = true for an external quit")
	}
}

func TestAppBundleOpenFailure(t *testing.T) {
	f := &fakeSystem{openErr: errors.New("LSOpenURLsWithRole() failed")}
	m := NewManager(Config{Command: bundleCommand(), Launcher: bundleLauncher(f)})

	var se *StartError
	if err := m.Start(context.Background()); !errors.As(err, &se) {
		t.Fatalf("Start() error = %v, want *StartError", err)
	}
}

func TestAppBundleNeedsPattern(t *testing.T) {
	cmd := bundleCommand()
	cmd.ProcessPattern = ""
	_, err := bundleLauncher(&fakeSystem{}).Launch(context.Background(), cmd, nil)

	var se *StartError
	if !errors.As(err, &se) {
		t.Fatalf("Launch() error = %v, want *StartError", err)
	}
}
