package main

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/config"
	"github.com/nerrad567/chainkeeper/internal/supervisor"
)

func newStartCmd(opts *rootOptions) *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "start <chain>... [-- extra args]",
		Short: "Start chains in the foreground",
		Long: `Start the named chains and everything they depend on, in dependency
order, and stream their output. Arguments after "--" are appended to the
command line of each named chain (not of the dependencies pulled in).

Interrupting stops every chain, dependents first, and force-kills what is
left once the shutdown budget runs out.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, extra := splitArgs(args, cmd.ArgsLenAtDash())
			if len(ids) == 0 {
				return fmt.Errorf("no chain named before --")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if quiet {
				out = io.Discard
			}
			return runStart(cmd.Context(), cfg, ids, extra, out)
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print chain output")
	return cmd
}

// splitArgs separates chain IDs from the arguments after "--". dash is
// cobra's ArgsLenAtDash, -1 when there was none.
func splitArgs(args []string, dash int) (ids, extra []string) {
	if dash < 0 {
		return args, nil
	}
	return args[:dash], args[dash:]
}

// expandDependencies returns ids plus every chain they depend on, directly
// or transitively, in start order.
func expandDependencies(set *chain.Set, ids []string) ([]string, error) {
	var all []string
	for _, id := range ids {
		if _, err := set.Get(id); err != nil {
			return nil, err
		}
		all = append(all, id)
		all = append(all, set.Graph().TransitiveDependencies(id)...)
	}
	slices.Sort(all)
	all = slices.Compact(all)
	return set.Graph().StartOrder(all)
}

// runStart starts ids with their dependencies and supervises them until ctx
// ends or every chain has exited.
func runStart(ctx context.Context, cfg *config.Config, ids, extra []string, out io.Writer) error {
	log := foregroundLogger(cfg)

	instanceLock, err := acquireLock(cfg, log)
	if err != nil {
		return err
	}
	defer releaseLock(instanceLock, log)

	core, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer core.bus.Close()

	order, err := expandDependencies(core.chains, ids)
	if err != nil {
		return err
	}
	extraArgs := make(map[string][]string, len(ids))
	if len(extra) > 0 {
		for _, id := range ids {
			extraArgs[id] = extra
		}
	}

	events, unsubscribe := core.bus.Subscribe(1024, event.ChainOutput, event.ChainStatus)
	defer unsubscribe()

	log.Info("starting chains", "order", order)
	started := make(chan error, 1)
	go func() {
		res := core.orch.StartAll(ctx, order, extraArgs)
		started <- res.Err()
	}()

	live := make(map[string]bool, len(order))
	startDone := false
	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted, stopping chains")
			return core.shutdown(context.Background())

		case err := <-started:
			startDone = true
			if err != nil {
				log.Error("start failed, stopping chains", "error", err)
				core.shutdown(context.Background()) //nolint:errcheck // reporting the start error
				return err
			}
			for _, id := range order {
				if core.procs.IsRunning(id) {
					live[id] = true
				}
			}
			log.Info("all chains running", "chains", order)

		case e := <-events:
			switch p := e.Payload.(type) {
			case event.OutputLine:
				fmt.Fprintf(out, "[%s] %s\n", p.ChainID, p.Line)
			case event.StatusUpdate:
				switch supervisor.Status(p.Status) {
				case supervisor.StatusStarting, supervisor.StatusRunning:
					live[p.ChainID] = true
				case supervisor.StatusStopped, supervisor.StatusError:
					delete(live, p.ChainID)
					log.Warn("chain exited", "chain", p.ChainID, "status", p.Status,
						"reason", p.Reason, "error", p.Error)
				}
			}
		}

		if startDone && len(live) == 0 {
			log.Info("every chain has exited")
			return core.shutdown(context.Background())
		}
	}
}
