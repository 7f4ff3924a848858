package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/chainkeeper/internal/chain"
)

// Status represents the current state of a managed process.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFailed   Status = "error"
)

// Config holds configuration for one run of a chain node.
type Config struct {
	// Command is what to launch.
	Command Command

	// Launcher starts the process. Defaults to ExecLauncher.
	Launcher Launcher

	// Readiness selects how "ready" is detected.
	Readiness chain.Readiness

	// Probe is the readiness probe for probe-based modes.
	Probe func(ctx context.Context) error

	// ReadyPollInterval is the spacing of probe attempts.
	ReadyPollInterval time.Duration

	// GracefulStop asks the node to shut itself down, e.g. via a stop RPC.
	// Optional; without it Stop starts with SIGTERM.
	GracefulStop func(ctx context.Context) error

	// GracefulTimeout bounds each stop tier.
	GracefulTimeout time.Duration

	// OnOutput receives every output line.
	OnOutput OutputFunc

	// OnReady is called once, when the process first becomes ready.
	OnReady func()

	// OnExit is called once, after the process has exited.
	OnExit func(Exit)
}

// Logger defines the logging interface for the process manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager runs a single chain node process from launch to exit. It is
// single-use: a restart is a new Manager.
type Manager struct {
	config Config
	logger Logger

	mu            sync.RWMutex
	inst          Instance
	status        Status
	started       bool
	stopRequested bool
	startTime     time.Time
	readyTime     time.Time
	exit          *Exit
	cancelProbe   context.CancelFunc

	readyOnce sync.Once
	ready     chan struct{}
	done      chan struct{}
}

// NewManager creates a process manager with the given configuration.
func NewManager(cfg Config) *Manager {
	if cfg.Launcher == nil {
		cfg.Launcher = ExecLauncher{}
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = time.Second
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 5 * time.Second
	}
	if cfg.Readiness.Mode == "" {
		cfg.Readiness.Mode = chain.ReadyFirstOutput
	}

	return &Manager{
		config:      cfg,
		logger:      noopLogger{},
		status:      StatusStopped,
		cancelProbe: func() {},
		ready:       make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Start launches the process. It returns once the process is spawned;
// readiness is reported later through Ready and OnReady. A failed launch
// closes Done and leaves the manager in StatusFailed.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, m.config.Command.Name)
	}
	m.started = true
	m.status = StatusStarting
	m.mu.Unlock()

	name := m.config.Command.Name
	m.logger.Info("starting process",
		"name", name,
		"binary", m.config.Command.Binary,
		"args", m.config.Command.Args,
	)

	inst, err := m.config.Launcher.Launch(ctx, m.config.Command, m.handleOutput)
	if err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.exit = &Exit{Err: err}
		m.mu.Unlock()
		close(m.done)
		return err
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.inst = inst
	m.startTime = time.Now()
	m.cancelProbe = cancel
	m.mu.Unlock()

	m.logger.Info("process started", "name", name, "pid", inst.PID())

	mode := m.config.Readiness.Mode
	if mode == chain.ReadyFirstOutput && !inst.Streams() {
		// Nothing to read; being in the process table is the best signal.
		m.markReady("liveness")
	}
	if mode.UsesProbe() && m.config.Probe != nil {
		go m.pollProbe(probeCtx)
	}

	go m.monitor(inst, cancel)
	return nil
}

func (m *Manager) handleOutput(stream, line string) {
	m.logger.Debug("process output", "name", m.config.Command.Name, "stream", stream, "output", line)
	if m.config.OnOutput != nil {
		m.config.OnOutput(stream, line)
	}

	r := m.config.Readiness
	switch {
	case r.Mode == chain.ReadyFirstOutput:
		m.markReady("output")
	case r.Mode.UsesMarker() && r.Marker != nil && r.Marker.MatchString(line):
		m.markReady("marker")
	}
}

// pollProbe retries the readiness probe until it succeeds, the process is
// ready some other way, or ctx is cancelled on exit or stop.
func (m *Manager) pollProbe(ctx context.Context) {
	interval := m.config.ReadyPollInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, interval)
		err := m.config.Probe(attemptCtx)
		cancel()
		if err == nil {
			m.markReady("probe")
			return
		}
		m.logger.Debug("readiness probe failed", "name", m.config.Command.Name, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-m.ready:
			return
		case <-ticker.C:
		}
	}
}

// markReady is the single readiness transition. Whichever source reports
// first wins; later reports are ignored.
func (m *Manager) markReady(source string) {
	m.readyOnce.Do(func() {
		m.mu.Lock()
		promoted := m.status == StatusStarting
		if promoted {
			m.status = StatusRunning
			m.readyTime = time.Now()
		}
		cancel := m.cancelProbe
		m.mu.Unlock()

		cancel()
		close(m.ready)
		if !promoted {
			return
		}
		m.logger.Info("process ready", "name", m.config.Command.Name, "source", source)
		if m.config.OnReady != nil {
			m.config.OnReady()
		}
	})
}

// monitor waits for the process to exit and records how it ended.
func (m *Manager) monitor(inst Instance, cancelProbe context.CancelFunc) {
	<-inst.Done()
	cancelProbe()

	exit := inst.Exit()
	m.mu.Lock()
	exit.Requested = m.stopRequested
	m.exit = &exit
	m.status = StatusStopped
	m.mu.Unlock()

	args := []any{"name", m.config.Command.Name, "reason", exit.Reason()}
	if exit.Code != nil {
		args = append(args, "exit_code", *exit.Code)
	}
	if exit.Signal != "" {
		args = append(args, "signal", exit.Signal)
	}
	if exit.Reason() == "crash" {
		m.logger.Warn("process exited unexpectedly", args...)
	} else {
		m.logger.Info("process exited", args...)
	}

	if m.config.OnExit != nil {
		m.config.OnExit(exit)
	}
	close(m.done)
}

// Stop shuts the process down in tiers: GracefulStop (if configured), then
// SIGTERM to the process group, then SIGKILL. Each tier waits at most
// GracefulTimeout for the exit to be confirmed. ctx cuts every wait short.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.inst == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRunning, m.config.Command.Name)
	}
	if m.status == StatusStopped {
		m.mu.Unlock()
		return nil
	}
	if m.stopRequested {
		m.mu.Unlock()
		// Another caller is already running the tiers.
		select {
		case <-m.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.stopRequested = true
	m.status = StatusStopping
	inst := m.inst
	cancel := m.cancelProbe
	m.mu.Unlock()

	cancel()
	name := m.config.Command.Name
	timeout := m.config.GracefulTimeout
	m.logger.Info("stopping process", "name", name, "pid", inst.PID())

	if m.config.GracefulStop != nil {
		gctx, gcancel := context.WithTimeout(ctx, timeout)
		err := m.config.GracefulStop(gctx)
		gcancel()
		if err != nil {
			m.logger.Warn("graceful stop failed, sending SIGTERM", "name", name, "error", err)
		} else if m.waitExit(ctx, timeout) {
			m.logger.Info("process stopped gracefully", "name", name)
			return nil
		} else {
			m.logger.Warn("graceful stop timed out, sending SIGTERM", "name", name, "timeout", timeout)
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := inst.Terminate(); err != nil {
		m.logger.Warn("failed to send SIGTERM to process group", "name", name, "error", err)
	}
	if m.waitExit(ctx, timeout) {
		m.logger.Info("process stopped", "name", name)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.logger.Warn("shutdown timeout, sending SIGKILL", "name", name, "timeout", timeout)
	if err := inst.Kill(); err != nil {
		m.logger.Warn("failed to kill process group", "name", name, "error", err)
	}
	if m.waitExit(ctx, timeout) {
		m.logger.Info("process killed", "name", name)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %s", ErrStopTimeout, name)
}

// Kill ends the process group immediately without waiting.
func (m *Manager) Kill() error {
	m.mu.Lock()
	inst := m.inst
	if inst == nil || m.status == StatusStopped {
		m.mu.Unlock()
		return nil
	}
	m.stopRequested = true
	m.status = StatusStopping
	cancel := m.cancelProbe
	m.mu.Unlock()

	cancel()
	m.logger.Warn("force killing process", "name", m.config.Command.Name, "pid", inst.PID())
	return inst.Kill()
}

func (m *Manager) waitExit(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-m.done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Ready is closed when the process becomes ready.
func (m *Manager) Ready() <-chan struct{} { return m.ready }

// Done is closed after the process has exited (or failed to launch) and
// OnExit has returned.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Status returns the current status of the managed process.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsReady reports whether readiness was detected.
func (m *Manager) IsReady() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.readyTime.IsZero()
}

// Exit returns how the process ended, once it has.
func (m *Manager) Exit() (Exit, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.exit == nil {
		return Exit{}, false
	}
	return *m.exit, true
}

// PID returns the process ID, or 0 if not running.
func (m *Manager) PID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.inst == nil || m.exit != nil {
		return 0
	}
	return m.inst.PID()
}

// Uptime returns how long the process has been running, 0 if not running.
func (m *Manager) Uptime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status != StatusRunning {
		return 0
	}
	return time.Since(m.startTime)
}

// Stats is a point-in-time view of a managed process.
type Stats struct {
	Name      string        `json:"name"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	ReadyAt   time.Time     `json:"ready_at,omitzero"`
}

// Stats returns current statistics for the process.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Name:      m.config.Command.Name,
		Status:    m.status,
		StartedAt: m.startTime,
		ReadyAt:   m.readyTime,
	}
	if m.inst != nil && m.exit == nil {
		stats.PID = m.inst.PID()
	}
	if m.status == StatusRunning {
		stats.Uptime = time.Since(m.startTime)
	}
	return stats
}
