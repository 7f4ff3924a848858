package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/chainkeeper/internal/infrastructure/config"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/logging"
)

// defaultConfigPath is used when neither --config nor CHAINKEEPER_CONFIG is set.
const defaultConfigPath = "configs/config.yaml"

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "chainkeeper",
		Short: "Download, install and supervise blockchain node binaries",
		Long: `Chainkeeper keeps a set of chain node binaries installed and running.

Run "chainkeeper serve" for the daemon with its HTTP API, or use the
one-shot commands (download, start) to work in the foreground. The
status, stop and reset commands talk to a running daemon.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", configPathFromEnv(),
		"configuration file (env CHAINKEEPER_CONFIG)")

	root.AddCommand(
		newServeCmd(opts),
		newChainsCmd(opts),
		newDownloadCmd(opts),
		newStartCmd(opts),
		newStatusCmd(opts),
		newStopCmd(opts),
		newResetCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// configPathFromEnv returns CHAINKEEPER_CONFIG or the default path.
func configPathFromEnv() string {
	if path := os.Getenv("CHAINKEEPER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads the configuration file. A missing file at the default
// path falls back to built-in defaults; a missing file named explicitly is
// an error.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, fs.ErrNotExist) && o.configPath == defaultConfigPath {
		return config.Default()
	}
	return nil, fmt.Errorf("loading config: %w", err)
}

// foregroundLogger builds the logger for one-shot commands. Logs go to
// stderr so stdout carries progress and chain output only.
func foregroundLogger(cfg *config.Config) *logging.Logger {
	logCfg := cfg.Logging
	logCfg.Output = "stderr"
	return logging.New(logCfg, version)
}
