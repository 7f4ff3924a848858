package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/extract"
	"github.com/nerrad567/chainkeeper/internal/process"
	"github.com/nerrad567/chainkeeper/internal/rpc"
)

// Status is the lifecycle state of a chain as the supervisor sees it.
type Status string

const (
	StatusNotDownloaded Status = "not_downloaded"
	StatusStopped       Status = "stopped"
	StatusStarting      Status = "starting"
	StatusRunning       Status = "running"
	StatusStopping      Status = "stopping"
	StatusError         Status = "error"
)

// Downloads reports whether a chain has a download in flight.
type Downloads interface {
	IsActive(chainID string) bool
}

// Logger is the logging interface used by the supervisor.
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

type idleDownloads struct{}

func (idleDownloads) IsActive(string) bool { return false }

// Config holds supervisor timings and roots.
type Config struct {
	InstallRoot string
	DataRoot    string

	GracefulTimeout   time.Duration
	ReadyPollInterval time.Duration
	StopPollInterval  time.Duration
	LivenessInterval  time.Duration
	RPCTimeout        time.Duration
}

// Deps are the supervisor's collaborators. Chains is required.
type Deps struct {
	Chains    *chain.Set
	Downloads Downloads
	Publisher event.Publisher
	Logger    Logger

	// Launchers overrides the launcher per launch style.
	Launchers map[chain.LaunchStyle]process.Launcher
}

// record is the ProcessRecord of one live chain process.
type record struct {
	def     chain.Definition
	mgr     *process.Manager
	status  Status
	failure error // set when the supervisor itself ended the run
}

// Supervisor owns every chain process. It is the only writer of process
// records; callers request transitions through Start and Stop.
//
// Thread Safety: all methods are safe for concurrent use.
type Supervisor struct {
	cfg       Config
	chains    *chain.Set
	graph     *chain.Graph
	downloads Downloads
	pub       event.Publisher
	logger    Logger
	launchers map[chain.LaunchStyle]process.Launcher

	mu      sync.Mutex
	records map[string]*record
	errs    map[string]error // last failure of chains without a record
	changed chan struct{}    // closed and replaced on every transition
}

// New creates a Supervisor.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if deps.Chains == nil {
		return nil, errors.New("supervisor: chain definitions are required")
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = time.Second
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 5 * time.Second
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 5 * time.Second
	}

	s := &Supervisor{
		cfg:       cfg,
		chains:    deps.Chains,
		graph:     deps.Chains.Graph(),
		downloads: deps.Downloads,
		pub:       deps.Publisher,
		logger:    deps.Logger,
		launchers: map[chain.LaunchStyle]process.Launcher{
			chain.LaunchExec: process.ExecLauncher{},
			chain.LaunchAppBundle: process.AppBundleLauncher{
				LivenessInterval: cfg.LivenessInterval,
				StopPollInterval: cfg.StopPollInterval,
			},
		},
		records: make(map[string]*record),
		errs:    make(map[string]error),
		changed: make(chan struct{}),
	}
	for style, l := range deps.Launchers {
		s.launchers[style] = l
	}
	if s.downloads == nil {
		s.downloads = idleDownloads{}
	}
	if s.pub == nil {
		s.pub = event.Discard{}
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	return s, nil
}

// SetDownloads wires the download coordinator after construction.
func (s *Supervisor) SetDownloads(d Downloads) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloads = d
}

// Start spawns a chain. Every guard runs before any side effect: the chain
// must be known, installed, not downloading, not already running, and every
// dependency must be running. The binary is made executable before launch.
// extraArgs are appended to the definition's arguments.
func (s *Supervisor) Start(ctx context.Context, chainID string, extraArgs []string) error {
	def, err := s.chains.Get(chainID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.checkStartLocked(def); err != nil {
		s.mu.Unlock()
		return err
	}

	dataDir := def.DataDir(s.cfg.DataRoot)
	mgr := s.newManager(def, dataDir, extraArgs)
	rec := &record{def: def, mgr: mgr, status: StatusStarting}
	s.records[chainID] = rec
	delete(s.errs, chainID)
	s.notifyLocked()
	s.mu.Unlock()

	s.publishStatus(chainID, StatusStarting, event.StatusUpdate{})

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		err = fmt.Errorf("creating data dir for %s: %w", chainID, err)
		s.abortStart(rec, err)
		return err
	}
	if def.Launch == chain.LaunchExec {
		if err := extract.MakeExecutable(def.BinaryFile(s.cfg.InstallRoot)); err != nil {
			s.abortStart(rec, err)
			return err
		}
	}
	if err := mgr.Start(ctx); err != nil {
		s.abortStart(rec, err)
		return err
	}

	if timeout := def.Readiness.Timeout; timeout > 0 {
		go s.watchReadiness(rec, timeout)
	}
	return nil
}

func (s *Supervisor) checkStartLocked(def chain.Definition) error {
	if _, ok := s.records[def.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, def.ID)
	}
	if s.downloads.IsActive(def.ID) {
		return fmt.Errorf("%w: %s", ErrDownloadInProgress, def.ID)
	}
	if _, err := os.Stat(def.BinaryFile(s.cfg.InstallRoot)); err != nil {
		return fmt.Errorf("%w: %s", ErrNotDownloaded, def.ID)
	}
	for _, dep := range def.Dependencies {
		if rec, ok := s.records[dep]; !ok || rec.status != StatusRunning {
			return &DependencyError{Chain: def.ID, Missing: dep}
		}
	}
	return nil
}

func (s *Supervisor) newManager(def chain.Definition, dataDir string, extraArgs []string) *process.Manager {
	id := def.ID
	cfg := process.Config{
		Command: process.Command{
			Name:           id,
			Binary:         def.BinaryFile(s.cfg.InstallRoot),
			Args:           def.LaunchArgs(dataDir, extraArgs),
			ProcessPattern: def.ProcessPattern,
		},
		Launcher:          s.launchers[def.Launch],
		Readiness:         def.Readiness,
		ReadyPollInterval: s.cfg.ReadyPollInterval,
		GracefulTimeout:   s.cfg.GracefulTimeout,
		OnOutput: func(stream, line string) {
			s.pub.Publish(event.New(event.ChainOutput, id, event.OutputLine{ChainID: id, Stream: stream, Line: line}))
		},
	}
	if def.RPC != nil && def.RPC.URL != "" {
		client := rpc.NewClient(def.RPC.URL, def.RPC.User, def.RPC.Password, s.cfg.RPCTimeout)
		if def.RPC.ProbeMethod != "" {
			cfg.Probe = client.Caller(def.RPC.ProbeMethod)
		}
		if def.RPC.StopMethod != "" {
			cfg.GracefulStop = client.Caller(def.RPC.StopMethod)
		}
	}

	// The callbacks only run after Start, by which time mgr is set.
	var mgr *process.Manager
	cfg.OnReady = func() { s.onReady(id, mgr) }
	cfg.OnExit = func(exit process.Exit) { s.onExit(id, mgr, exit) }
	mgr = process.NewManager(cfg)
	mgr.SetLogger(s.logger)
	return mgr
}

// current returns the record for chainID if it still belongs to mgr.
func (s *Supervisor) current(chainID string, mgr *process.Manager) *record {
	rec := s.records[chainID]
	if rec == nil || rec.mgr != mgr {
		return nil
	}
	return rec
}

func (s *Supervisor) onReady(chainID string, mgr *process.Manager) {
	s.mu.Lock()
	rec := s.current(chainID, mgr)
	promoted := rec != nil && rec.status == StatusStarting
	if promoted {
		rec.status = StatusRunning
		s.notifyLocked()
	}
	s.mu.Unlock()

	if promoted {
		s.logger.Info("chain ready", "chain", chainID)
		s.publishStatus(chainID, StatusRunning, event.StatusUpdate{})
	}
}

func (s *Supervisor) onExit(chainID string, mgr *process.Manager, exit process.Exit) {
	s.mu.Lock()
	rec := s.current(chainID, mgr)
	var failure error
	if rec != nil {
		failure = rec.failure
		delete(s.records, chainID)
		if failure != nil {
			s.errs[chainID] = failure
		}
		s.notifyLocked()
	}
	s.mu.Unlock()
	if rec == nil {
		return
	}

	update := event.StatusUpdate{
		ExitCode:   exit.Code,
		ExitSignal: exit.Signal,
		Reason:     exit.Reason(),
	}
	status := StatusStopped
	if failure != nil {
		status = StatusError
		update.Error = failure.Error()
	}
	s.publishStatus(chainID, status, update)
}

// abortStart drops a record whose launch failed and reports the error.
func (s *Supervisor) abortStart(rec *record, err error) {
	id := rec.def.ID
	s.mu.Lock()
	if s.current(id, rec.mgr) != nil {
		delete(s.records, id)
	}
	s.errs[id] = err
	s.notifyLocked()
	s.mu.Unlock()

	s.logger.Error("chain failed to start", "chain", id, "error", err)
	s.publishStatus(id, StatusError, event.StatusUpdate{Error: err.Error()})
}

// watchReadiness stops a chain that does not become ready in time and
// marks the run as failed.
func (s *Supervisor) watchReadiness(rec *record, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.mgr.Ready():
		return
	case <-rec.mgr.Done():
		return
	case <-timer.C:
	}

	id := rec.def.ID
	s.mu.Lock()
	if s.current(id, rec.mgr) == nil || rec.status != StatusStarting {
		s.mu.Unlock()
		return
	}
	rec.failure = fmt.Errorf("%w after %s", process.ErrReadyTimeout, timeout)
	s.markStoppingLocked(rec)
	s.mu.Unlock()

	s.logger.Warn("chain not ready in time, stopping", "chain", id, "timeout", timeout)
	s.publishStatus(id, StatusStopping, event.StatusUpdate{})

	ctx, cancel := context.WithTimeout(context.Background(), 4*s.cfg.GracefulTimeout)
	defer cancel()
	if err := rec.mgr.Stop(ctx); err != nil {
		s.logger.Error("stopping unready chain failed", "chain", id, "error", err)
	}
}

// Stop stops a chain and waits for its exit to be confirmed. Unless force
// is set, a chain with running dependents is refused; with force, the
// dependents are stopped first, most dependent first. Stopping a chain
// without a process is a no-op.
func (s *Supervisor) Stop(ctx context.Context, chainID string, force bool) error {
	if _, err := s.chains.Get(chainID); err != nil {
		return err
	}

	s.mu.Lock()
	rec := s.records[chainID]
	if rec == nil {
		s.mu.Unlock()
		return nil
	}
	running := s.runningDependentsLocked(chainID)
	if len(running) > 0 && !force {
		s.mu.Unlock()
		return &DependentsError{Chain: chainID, Dependents: running}
	}
	// Marked under the same lock as the dependents check, so a dependent
	// Start arriving after this point fails its dependency guard.
	prev := rec.status
	announce := s.markStoppingLocked(rec)
	s.mu.Unlock()

	if announce {
		s.publishStatus(chainID, StatusStopping, event.StatusUpdate{})
	}
	if len(running) > 0 {
		s.logger.Warn("force stopping chain with running dependents", "chain", chainID, "dependents", running)
		order, err := s.graph.StopOrder(s.graph.TransitiveDependents(chainID))
		if err != nil {
			return err
		}
		for _, dep := range order {
			if err := s.stopOne(ctx, dep); err != nil {
				if announce {
					s.restoreStatus(rec, prev)
				}
				return err
			}
		}
	}
	return s.stopOne(ctx, chainID)
}

// restoreStatus undoes a stopping mark when the stop was abandoned before
// the process was signalled.
func (s *Supervisor) restoreStatus(rec *record, prev Status) {
	s.mu.Lock()
	restored := s.current(rec.def.ID, rec.mgr) == rec && rec.status == StatusStopping
	if restored {
		// Readiness reported while marked stopping was not promoted.
		if prev == StatusStarting && rec.mgr.IsReady() {
			prev = StatusRunning
		}
		rec.status = prev
		s.notifyLocked()
	}
	s.mu.Unlock()
	if restored {
		s.publishStatus(rec.def.ID, prev, event.StatusUpdate{})
	}
}

func (s *Supervisor) runningDependentsLocked(chainID string) []string {
	var running []string
	for _, dep := range s.graph.Dependents(chainID) {
		if s.records[dep] != nil {
			running = append(running, dep)
		}
	}
	sort.Strings(running)
	return running
}

// stopOne runs the tiered stop for one chain without dependency checks.
func (s *Supervisor) stopOne(ctx context.Context, chainID string) error {
	s.mu.Lock()
	rec := s.records[chainID]
	if rec == nil {
		s.mu.Unlock()
		return nil
	}
	announce := s.markStoppingLocked(rec)
	s.mu.Unlock()

	if announce {
		s.publishStatus(chainID, StatusStopping, event.StatusUpdate{})
	}
	if err := rec.mgr.Stop(ctx); err != nil {
		return fmt.Errorf("stopping %s: %w", chainID, err)
	}
	// Done closes after the exit callback removed the record.
	select {
	case <-rec.mgr.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// markStoppingLocked moves rec to stopping and reports whether it was not
// already there.
func (s *Supervisor) markStoppingLocked(rec *record) bool {
	if rec.status == StatusStopping {
		return false
	}
	rec.status = StatusStopping
	s.notifyLocked()
	return true
}

// ForceKillAll sends SIGKILL to every tracked process group without
// waiting. It returns the chains signalled.
func (s *Supervisor) ForceKillAll() []string {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.Unlock()

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		if err := rec.mgr.Kill(); err != nil {
			s.logger.Error("force kill failed", "chain", rec.def.ID, "error", err)
		}
		ids = append(ids, rec.def.ID)
	}
	sort.Strings(ids)
	return ids
}

// WaitExited blocks until no process records remain or ctx ends.
func (s *Supervisor) WaitExited(ctx context.Context) error {
	for {
		s.mu.Lock()
		n := len(s.records)
		ch := s.changed
		s.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitReady blocks until the chain is running. It fails with ErrExited if
// the chain's process goes away first. Besides reacting to transitions it
// re-checks every ReadyPollInterval.
func (s *Supervisor) WaitReady(ctx context.Context, chainID string) error {
	ticker := time.NewTicker(s.cfg.ReadyPollInterval)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		rec := s.records[chainID]
		ch := s.changed
		var failure error
		if rec == nil {
			failure = s.errs[chainID]
		}
		s.mu.Unlock()

		switch {
		case rec == nil && failure != nil:
			return fmt.Errorf("%s: %w: %w", chainID, ErrExited, failure)
		case rec == nil:
			return fmt.Errorf("%s: %w", chainID, ErrExited)
		case rec.status == StatusRunning:
			return nil
		}

		select {
		case <-ch:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Status returns the chain's supervisor status. Without a live process it
// is error after a failed run, stopped when the binary is installed, and
// not_downloaded otherwise.
func (s *Supervisor) Status(chainID string) (Status, error) {
	def, err := s.chains.Get(chainID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	rec := s.records[chainID]
	failed := s.errs[chainID] != nil
	var status Status
	if rec != nil {
		status = rec.status
	}
	s.mu.Unlock()

	switch {
	case rec != nil:
		return status, nil
	case failed:
		return StatusError, nil
	case s.installed(def):
		return StatusStopped, nil
	default:
		return StatusNotDownloaded, nil
	}
}

// IsRunning reports whether the chain has a live process record.
func (s *Supervisor) IsRunning(chainID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[chainID] != nil
}

// Running returns the IDs of chains with a live process record.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Info is a snapshot of one chain's process.
type Info struct {
	ChainID   string        `json:"chain_id"`
	Status    Status        `json:"status"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
	StartedAt time.Time     `json:"started_at,omitzero"`
	ReadyAt   time.Time     `json:"ready_at,omitzero"`
	LastError string        `json:"last_error,omitempty"`
}

// Info returns the chain's status plus process details when it runs.
func (s *Supervisor) Info(chainID string) (Info, error) {
	status, err := s.Status(chainID)
	if err != nil {
		return Info{}, err
	}
	info := Info{ChainID: chainID, Status: status}

	s.mu.Lock()
	rec := s.records[chainID]
	if failure := s.errs[chainID]; failure != nil {
		info.LastError = failure.Error()
	}
	s.mu.Unlock()

	if rec != nil {
		stats := rec.mgr.Stats()
		info.PID = stats.PID
		info.Uptime = stats.Uptime
		info.StartedAt = stats.StartedAt
		info.ReadyAt = stats.ReadyAt
	}
	return info, nil
}

// Forget clears a chain's remembered failure and announces its status.
// Used after a reset removed the chain's files.
func (s *Supervisor) Forget(chainID string) error {
	s.mu.Lock()
	if s.records[chainID] != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, chainID)
	}
	delete(s.errs, chainID)
	s.notifyLocked()
	s.mu.Unlock()

	status, err := s.Status(chainID)
	if err != nil {
		return err
	}
	s.publishStatus(chainID, status, event.StatusUpdate{})
	return nil
}

func (s *Supervisor) installed(def chain.Definition) bool {
	_, err := os.Stat(def.BinaryFile(s.cfg.InstallRoot))
	return err == nil
}

func (s *Supervisor) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Supervisor) publishStatus(chainID string, status Status, update event.StatusUpdate) {
	update.ChainID = chainID
	update.Status = string(status)
	s.pub.Publish(event.New(event.ChainStatus, chainID, update))
}
