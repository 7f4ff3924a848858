package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/supervisor"
)

// ErrShutdownEscalated is returned by Shutdown when graceful stops did not
// finish inside the budget and every process group was force-killed.
var ErrShutdownEscalated = errors.New("shutdown escalated to force kill")

const (
	defaultDependencyWait  = 2 * time.Minute
	defaultShutdownTimeout = 10 * time.Second
	defaultKillWait        = 3 * time.Second
)

// Processes is the slice of the supervisor the sequencer drives.
type Processes interface {
	Start(ctx context.Context, chainID string, extraArgs []string) error
	Stop(ctx context.Context, chainID string, force bool) error
	WaitReady(ctx context.Context, chainID string) error
	IsRunning(chainID string) bool
	Running() []string
	ForceKillAll() []string
	WaitExited(ctx context.Context) error
}

// Downloads is paused first during shutdown.
type Downloads interface {
	PauseAll() []string
}

// Logger is the logging interface used by the sequencer.
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

// Config bounds the waits of group operations.
type Config struct {
	// DependencyWait bounds how long one chain may take to become ready
	// before its dependents give up.
	DependencyWait time.Duration

	// ShutdownTimeout is the budget for graceful stops during Shutdown.
	ShutdownTimeout time.Duration

	// KillWait bounds the wait for exits after the force kill.
	KillWait time.Duration
}

// Sequencer runs start and stop over groups of chains in dependency order.
type Sequencer struct {
	graph     *chain.Graph
	procs     Processes
	downloads Downloads
	cfg       Config
	logger    Logger
}

// New creates a Sequencer. downloads may be nil.
func New(graph *chain.Graph, procs Processes, downloads Downloads, cfg Config) *Sequencer {
	if cfg.DependencyWait <= 0 {
		cfg.DependencyWait = defaultDependencyWait
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.KillWait <= 0 {
		cfg.KillWait = defaultKillWait
	}
	return &Sequencer{
		graph:     graph,
		procs:     procs,
		downloads: downloads,
		cfg:       cfg,
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger.
func (s *Sequencer) SetLogger(l Logger) {
	if l != nil {
		s.logger = l
	}
}

// StartAll starts the given chains, dependencies before dependents. Chains
// whose dependencies are satisfied start in parallel; every other chain
// spawns only once all of its dependencies report running. A dependency
// outside the group must already have a process or nothing is started; if
// it is still starting, its dependents wait for it to be ready. Chains
// already running are left alone. extraArgs is keyed by chain ID.
func (s *Sequencer) StartAll(ctx context.Context, ids []string, extraArgs map[string][]string) error {
	order, err := s.graph.StartOrder(ids)
	if err != nil {
		return err
	}
	group := make(map[string]bool, len(order))
	for _, id := range order {
		group[id] = true
	}
	for _, id := range order {
		for _, dep := range s.graph.Dependencies(id) {
			if !group[dep] && !s.procs.IsRunning(dep) {
				return &supervisor.DependencyError{Chain: id, Missing: dep}
			}
		}
	}

	s.logger.Info("starting chains", "order", order)

	ready := make(map[string]chan struct{}, len(order))
	for _, id := range order {
		ready[id] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range order {
		g.Go(func() error {
			for _, dep := range s.graph.Dependencies(id) {
				ch, ok := ready[dep]
				if !ok {
					// Live but possibly still starting.
					if err := s.waitReady(gctx, dep); err != nil {
						return err
					}
					continue
				}
				select {
				case <-ch:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := s.startOne(gctx, id, extraArgs[id]); err != nil {
				return err
			}
			close(ready[id])
			return nil
		})
	}
	return g.Wait()
}

func (s *Sequencer) startOne(ctx context.Context, id string, extraArgs []string) error {
	if !s.procs.IsRunning(id) {
		if err := s.procs.Start(ctx, id, extraArgs); err != nil {
			return fmt.Errorf("starting %s: %w", id, err)
		}
	}

	if err := s.waitReady(ctx, id); err != nil {
		return err
	}
	s.logger.Debug("chain ready", "chain", id)
	return nil
}

// waitReady waits up to DependencyWait for id to report running.
func (s *Sequencer) waitReady(ctx context.Context, id string) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.DependencyWait)
	defer cancel()
	if err := s.procs.WaitReady(wctx, id); err != nil {
		return fmt.Errorf("waiting for %s: %w", id, err)
	}
	return nil
}

// StopAll stops the given chains, dependents before dependencies. Without
// force, a running dependent outside the group rejects the whole call
// before anything is stopped. With force, those dependents are stopped
// too.
func (s *Sequencer) StopAll(ctx context.Context, ids []string, force bool) error {
	group := make(map[string]bool, len(ids))
	for _, id := range ids {
		group[id] = true
	}

	if !force {
		for _, id := range ids {
			var live []string
			for _, dep := range s.graph.Dependents(id) {
				if !group[dep] && s.procs.IsRunning(dep) {
					live = append(live, dep)
				}
			}
			if len(live) > 0 {
				sort.Strings(live)
				return &supervisor.DependentsError{Chain: id, Dependents: live}
			}
		}
	} else {
		for _, id := range ids {
			for _, dep := range s.graph.TransitiveDependents(id) {
				group[dep] = true
			}
		}
	}

	members := make([]string, 0, len(group))
	for id := range group {
		members = append(members, id)
	}
	order, err := s.graph.StopOrder(members)
	if err != nil {
		return err
	}

	s.logger.Info("stopping chains", "order", order, "force", force)

	stopped := make(map[string]chan struct{}, len(order))
	for _, id := range order {
		stopped[id] = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range order {
		g.Go(func() error {
			for _, dep := range s.graph.Dependents(id) {
				ch, ok := stopped[dep]
				if !ok {
					continue
				}
				select {
				case <-ch:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if err := s.procs.Stop(gctx, id, force); err != nil {
				return fmt.Errorf("stopping %s: %w", id, err)
			}
			close(stopped[id])
			return nil
		})
	}
	return g.Wait()
}

// Shutdown tears everything down: downloads are paused first, then every
// running chain is stopped within ShutdownTimeout. If that budget runs out
// or a stop fails, every process group is killed and ErrShutdownEscalated
// is returned.
func (s *Sequencer) Shutdown(ctx context.Context) error {
	if s.downloads != nil {
		if paused := s.downloads.PauseAll(); len(paused) > 0 {
			s.logger.Info("paused downloads for shutdown", "chains", paused)
		}
	}

	running := s.procs.Running()
	if len(running) == 0 {
		return nil
	}

	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	err := s.StopAll(sctx, running, true)
	if err == nil {
		err = s.procs.WaitExited(sctx)
	}
	cancel()
	if err == nil {
		s.logger.Info("all chains stopped")
		return nil
	}

	s.logger.Warn("graceful shutdown incomplete, killing process groups", "error", err)
	killed := s.procs.ForceKillAll()

	// The caller's context may already be done; the kill wait stands alone.
	kctx, kcancel := context.WithTimeout(context.Background(), s.cfg.KillWait)
	defer kcancel()
	if werr := s.procs.WaitExited(kctx); werr != nil {
		s.logger.Error("processes still present after force kill", "chains", killed, "error", werr)
	}
	return fmt.Errorf("%w: %w", ErrShutdownEscalated, err)
}
