package process

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// maxLineSize caps one captured output line. Longer lines end the capture
// for that stream; the rest is discarded so the child never blocks on a full
// pipe.
const maxLineSize = 1 << 20

// outputDrainTimeout bounds how long the exit is held back for output still
// buffered in the pipes.
const outputDrainTimeout = 500 * time.Millisecond

// Command is what to run.
type Command struct {
	Name    string // chain id, for logs and errors
	Binary  string
	Args    []string
	Env     []string // appended to the parent environment
	WorkDir string

	// ProcessPattern identifies the process in the OS process table for
	// launchers without a child handle.
	ProcessPattern string
}

// OutputFunc receives each line a process writes. stream is "stdout" or
// "stderr".
type OutputFunc func(stream, line string)

// Exit describes how a process ended. Code is nil when the process was
// killed by a signal or when the launcher cannot observe it.
type Exit struct {
	Code      *int
	Signal    string
	Err       error
	Requested bool
}

// Reason classifies the exit: "requested" when a stop was asked for,
// "exited" for a clean unrequested exit, "crash" otherwise.
func (e Exit) Reason() string {
	switch {
	case e.Requested:
		return "requested"
	case e.Signal == "" && e.Err == nil && (e.Code == nil || *e.Code == 0):
		return "exited"
	default:
		return "crash"
	}
}

// Instance is a launched process.
type Instance interface {
	PID() int
	// Terminate asks the process (and its group) to exit.
	Terminate() error
	// Kill ends the process (and its group) unconditionally.
	Kill() error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Exit is valid after Done is closed.
	Exit() Exit
	// Streams reports whether the launcher captures the process output.
	Streams() bool
}

// Launcher starts processes in one launch style. The process outlives ctx,
// which only bounds the launch itself.
type Launcher interface {
	Launch(ctx context.Context, cmd Command, out OutputFunc) (Instance, error)
}

// ExecLauncher spawns the binary as a direct child in its own process
// group, so stop and kill reach anything it forks.
type ExecLauncher struct{}

// Launch implements Launcher.
func (ExecLauncher) Launch(_ context.Context, c Command, out OutputFunc) (Instance, error) {
	if out == nil {
		out = func(string, string) {}
	}

	cmd := exec.Command(c.Binary, c.Args...) //nolint:gosec // binary comes from the chain definitions file
	setProcessGroup(cmd)
	if c.Env != nil {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.WorkDir != "" {
		cmd.Dir = c.WorkDir
	}

	// Plain pipes rather than StdoutPipe: Wait must not depend on the
	// output reaching EOF, since a forked grandchild can hold the write
	// ends open long after the child exits.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, &StartError{Name: c.Name, Binary: c.Binary, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdoutR, stdoutW)
		return nil, &StartError{Name: c.Name, Binary: c.Binary, Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	startErr := cmd.Start()
	closeAll(stdoutW, stderrW)
	if startErr != nil {
		closeAll(stdoutR, stderrR)
		return nil, &StartError{Name: c.Name, Binary: c.Binary, Err: startErr}
	}

	inst := &execInstance{cmd: cmd, done: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(&wg, "stdout", stdoutR, out)
	go scanLines(&wg, "stderr", stderrR, out)

	go func() {
		err := cmd.Wait()
		inst.exit = exitFromState(cmd.ProcessState, err)

		drained := make(chan struct{})
		go func() {
			wg.Wait()
			close(drained)
		}()
		select {
		case <-drained:
		case <-time.After(outputDrainTimeout):
		}
		// Unblocks scanners still reading from an inherited pipe.
		closeAll(stdoutR, stderrR)
		close(inst.done)
	}()

	return inst, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func scanLines(wg *sync.WaitGroup, stream string, r io.Reader, out OutputFunc) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for sc.Scan() {
		out(stream, sc.Text())
	}
	if sc.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

func exitFromState(state *os.ProcessState, waitErr error) Exit {
	if state == nil {
		return Exit{Err: waitErr}
	}
	code, signal := exitStatus(state)
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		return Exit{Code: code, Signal: signal, Err: waitErr}
	}
	return Exit{Code: code, Signal: signal}
}

type execInstance struct {
	cmd  *exec.Cmd
	done chan struct{}
	exit Exit
}

func (i *execInstance) PID() int              { return i.cmd.Process.Pid }
func (i *execInstance) Terminate() error      { return terminateGroup(i.cmd.Process) }
func (i *execInstance) Kill() error           { return killGroup(i.cmd.Process) }
func (i *execInstance) Done() <-chan struct{} { return i.done }
func (i *execInstance) Streams() bool         { return true }

func (i *execInstance) Exit() Exit {
	<-i.done
	return i.exit
}
