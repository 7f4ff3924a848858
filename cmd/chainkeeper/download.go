package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/config"
)

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "download <chain>...",
		Short: "Download and install chains in the foreground",
		Long: `Download and install the named chains, rendering progress until every
download completes or fails. Interrupting pauses the downloads; the
partial files are kept and the next run resumes them.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return runDownload(cmd.Context(), cfg, args, cmd.OutOrStdout())
		},
	}
}

// runDownload downloads ids in-process and waits for each to finish.
func runDownload(ctx context.Context, cfg *config.Config, ids []string, out io.Writer) error {
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

	events, unsubscribe := core.bus.Subscribe(256,
		event.DownloadsUpdate, event.DownloadComplete, event.DownloadError)
	defer unsubscribe()

	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		if res := core.orch.DownloadChain(ctx, id); !res.Success {
			core.shutdown(context.Background()) //nolint:errcheck // already failing
			return fmt.Errorf("%s: %s", id, res.Error)
		}
		pending[id] = true
	}

	progress := newProgressPrinter(out, isTerminal(out))
	var failed []string
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			progress.finish()
			log.Info("interrupted, pausing downloads")
			core.shutdown(context.Background()) //nolint:errcheck // downloads only
			return ctx.Err()
		case e := <-events:
			switch p := e.Payload.(type) {
			case []event.DownloadSnapshot:
				progress.update(p)
			case event.DownloadResult:
				if !pending[p.ChainID] {
					continue
				}
				delete(pending, p.ChainID)
				progress.finish()
				if e.Type == event.DownloadError {
					failed = append(failed, p.ChainID)
					fmt.Fprintf(out, "%s: failed: %s\n", p.ChainID, p.Error)
				} else {
					fmt.Fprintf(out, "%s: installed\n", p.ChainID)
				}
			}
		}
	}

	if err := core.shutdown(context.Background()); err != nil {
		return err
	}
	if len(failed) > 0 {
		return errors.New("download failed: " + strings.Join(failed, ", "))
	}
	return nil
}

// isTerminal reports whether w is a terminal, so progress can redraw one
// line in place.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// progressPrinter renders downloads-update snapshots. On a terminal it
// redraws a single line; otherwise it prints one line per status change so
// logs stay readable.
type progressPrinter struct {
	out      io.Writer
	tty      bool
	lastLen  int
	statuses map[string]string
}

func newProgressPrinter(out io.Writer, tty bool) *progressPrinter {
	return &progressPrinter{out: out, tty: tty, statuses: make(map[string]string)}
}

func (p *progressPrinter) update(snaps []event.DownloadSnapshot) {
	if !p.tty {
		for _, s := range snaps {
			if p.statuses[s.ChainID] == s.Status {
				continue
			}
			p.statuses[s.ChainID] = s.Status
			fmt.Fprintf(p.out, "%s: %s\n", s.ChainID, s.Status)
		}
		return
	}

	parts := make([]string, 0, len(snaps))
	for _, s := range snaps {
		parts = append(parts, formatSnapshot(s))
	}
	line := strings.Join(parts, "  |  ")
	pad := max(p.lastLen-len(line), 0)
	fmt.Fprintf(p.out, "\r%s%s", line, strings.Repeat(" ", pad))
	p.lastLen = len(line)
}

// finish ends an in-place line so the next output starts on a fresh one.
func (p *progressPrinter) finish() {
	if p.tty && p.lastLen > 0 {
		fmt.Fprintln(p.out)
		p.lastLen = 0
	}
}

func formatSnapshot(s event.DownloadSnapshot) string {
	if s.TotalBytes <= 0 {
		return fmt.Sprintf("%s %s %s", s.ChainID, s.Status, formatBytes(s.DownloadedBytes))
	}
	line := fmt.Sprintf("%s %s %5.1f%% %s/%s", s.ChainID, s.Status, s.ProgressPercent,
		formatBytes(s.DownloadedBytes), formatBytes(s.TotalBytes))
	if s.RetryCount > 0 {
		line += fmt.Sprintf(" (retry %d)", s.RetryCount)
	}
	return line
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
