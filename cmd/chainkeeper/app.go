package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/download"
	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/extract"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/config"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/lock"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/logging"
	"github.com/nerrad567/chainkeeper/internal/metrics"
	"github.com/nerrad567/chainkeeper/internal/orchestrator"
	"github.com/nerrad567/chainkeeper/internal/sequencer"
	"github.com/nerrad567/chainkeeper/internal/supervisor"
)

// drainTimeout bounds the wait for download goroutines after shutdown
// paused them.
const drainTimeout = 5 * time.Second

// app is the core every command that manages chains in-process shares:
// the bus, the download and extraction pipeline, the supervisor, the
// sequencer and the orchestrator on top.
type app struct {
	cfg     *config.Config
	log     *logging.Logger
	chains  *chain.Set
	bus     *event.Bus
	metrics *metrics.Metrics
	queue   *extract.Queue
	dl      *download.Coordinator
	procs   *supervisor.Supervisor
	seq     *sequencer.Sequencer
	orch    *orchestrator.Orchestrator
}

// newApp loads the chain definitions and wires the core components.
func newApp(cfg *config.Config, log *logging.Logger) (*app, error) {
	chains, err := chain.Load(cfg.Paths.ChainsFile)
	if err != nil {
		return nil, err
	}
	log.Info("chain definitions loaded", "path", cfg.Paths.ChainsFile, "chains", chains.IDs())

	bus := event.NewBus()
	m := metrics.New(bus.Dropped)

	queue := extract.NewQueue(extract.New(extract.ExecRunner{}))
	queue.SetLogger(log.Component("extract"))
	queue.SetObserver(m)

	stamps := download.NewTimestampStore(cfg.Paths.TimestampsFile)
	dl, err := download.NewCoordinator(download.Config{
		TempDir:    cfg.Paths.TempDir,
		MaxRetries: cfg.Download.MaxRetries,
		RetryDelay: cfg.Download.RetryDelay,
	}, download.Deps{
		Fetcher: download.NewTransfer(download.TransferConfig{
			ProgressInterval: cfg.Download.ProgressInterval,
			HeaderTimeout:    cfg.Download.HeaderTimeout,
			UserAgent:        cfg.Download.UserAgent,
		}),
		Queue:     queue,
		Stamps:    stamps,
		Publisher: bus,
		Logger:    log.Component("download"),
	})
	if err != nil {
		return nil, err
	}

	procs, err := supervisor.New(supervisor.Config{
		InstallRoot:       cfg.Paths.InstallRoot,
		DataRoot:          cfg.Paths.DataRoot,
		GracefulTimeout:   cfg.Supervisor.GracefulTimeout,
		ReadyPollInterval: cfg.Supervisor.ReadyPollInterval,
		StopPollInterval:  cfg.Supervisor.StopPollInterval,
		LivenessInterval:  cfg.Supervisor.LivenessInterval,
	}, supervisor.Deps{
		Chains:    chains,
		Downloads: dl,
		Publisher: bus,
		Logger:    log.Component("supervisor"),
	})
	if err != nil {
		return nil, err
	}

	seq := sequencer.New(chains.Graph(), procs, dl, sequencer.Config{
		DependencyWait:  cfg.Supervisor.DependencyWaitTimeout,
		ShutdownTimeout: cfg.Supervisor.ShutdownTimeout,
	})
	seq.SetLogger(log.Component("sequencer"))

	orch, err := orchestrator.New(orchestrator.Config{
		InstallRoot: cfg.Paths.InstallRoot,
		DataRoot:    cfg.Paths.DataRoot,
	}, orchestrator.Deps{
		Chains:    chains,
		Downloads: dl,
		Processes: procs,
		Group:     seq,
		Stamps:    stamps,
		Resolver:  download.NewReleaseResolver(cfg.Download.GitHubAPI, cfg.Download.UserAgent),
		Logger:    log.Component("orchestrator"),
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		log:     log,
		chains:  chains,
		bus:     bus,
		metrics: m,
		queue:   queue,
		dl:      dl,
		procs:   procs,
		seq:     seq,
		orch:    orch,
	}, nil
}

// shutdown pauses downloads, stops every chain (force-killing after the
// configured budget), waits for the download goroutines and closes the
// extraction queue. The bus stays open so the final events still reach
// subscribers; close it afterwards.
func (a *app) shutdown(ctx context.Context) error {
	err := a.seq.Shutdown(ctx)
	if errors.Is(err, sequencer.ErrShutdownEscalated) {
		a.log.Warn("chains were force-killed during shutdown", "error", err)
	}

	dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if werr := a.dl.Wait(dctx); werr != nil {
		a.log.Warn("download goroutines still running after shutdown", "error", werr)
	}
	a.queue.Close()
	return err
}

// acquireLock takes the single-instance lock under the data root.
func acquireLock(cfg *config.Config, log *logging.Logger) (*lock.FileLock, error) {
	l := lock.New(cfg.Paths.DataRoot)
	if err := l.Acquire(); err != nil {
		if errors.Is(err, lock.ErrHeld) {
			return nil, fmt.Errorf("another chainkeeper instance manages %s: %w", cfg.Paths.DataRoot, err)
		}
		return nil, err
	}
	log.Debug("instance lock acquired", "path", l.Path())
	return l, nil
}

// releaseLock releases l, logging failures.
func releaseLock(l *lock.FileLock, log *logging.Logger) {
	if err := l.Release(); err != nil {
		log.Error("error releasing instance lock", "error", err)
	}
}
