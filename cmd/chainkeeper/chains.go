package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/download"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/config"
)

func newChainsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "List the configured chains and whether they are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			set, err := chain.Load(cfg.Paths.ChainsFile)
			if err != nil {
				return err
			}
			return listChains(cmd.OutOrStdout(), cfg, set)
		},
	}
}

// listChains prints one row per definition, in dependency order.
func listChains(out io.Writer, cfg *config.Config, set *chain.Set) error {
	stamps, err := download.NewTimestampStore(cfg.Paths.TimestampsFile).All()
	if err != nil {
		return err
	}
	order, err := set.Graph().StartOrder(set.IDs())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tDEPENDS\tINSTALLED\tLAST DOWNLOAD")
	for _, id := range order {
		def, err := set.Get(id)
		if err != nil {
			return err
		}
		deps := "-"
		if len(def.Dependencies) > 0 {
			deps = strings.Join(def.Dependencies, ",")
		}
		installed := "no"
		if _, statErr := os.Stat(def.BinaryFile(cfg.Paths.InstallRoot)); statErr == nil {
			installed = "yes"
		}
		last := "-"
		if t, ok := stamps[id]; ok {
			last = t.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", id, def.DisplayName, deps, installed, last)
	}
	return tw.Flush()
}
