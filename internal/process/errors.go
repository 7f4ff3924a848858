package process

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyStarted is returned when Start is called twice on a Manager.
	ErrAlreadyStarted = errors.New("process already started")

	// ErrNotRunning is returned when stopping a process that was never started.
	ErrNotRunning = errors.New("process not running")

	// ErrStopTimeout is returned when a process survives SIGKILL for the
	// whole bounded wait.
	ErrStopTimeout = errors.New("process did not exit after kill")

	// ErrReadyTimeout is reported when a chain starts but never becomes
	// ready within its readiness timeout.
	ErrReadyTimeout = errors.New("readiness timeout")
)

// StartError is a spawn failure: missing or unexecutable binary, or the OS
// refusing to start it.
type StartError struct {
	Name   string
	Binary string
	Err    error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("starting %s (%s): %v", e.Name, e.Binary, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
