package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/download"
	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/supervisor"
)

// Result is the outcome of a command. A failed command never panics or
// escapes as an error past this package; it reports Success false with
// the message.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ResultOf converts an error into a Result.
func ResultOf(err error) Result {
	if err != nil {
		return Result{Error: err.Error()}
	}
	return Result{Success: true}
}

// Err returns the failure as an error, or nil.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return errors.New(r.Error)
}

// Downloads is the download coordinator.
type Downloads interface {
	StartDownload(req download.Request) (bool, error)
	PauseDownload(chainID string) bool
	ResumeDownload(chainID string) bool
	CleanupChain(ctx context.Context, chainID string, tempNames ...string) error
	Status(chainID string) (download.Status, bool)
	GetDownloads() []event.DownloadSnapshot
}

// Processes is the process supervisor.
type Processes interface {
	Start(ctx context.Context, chainID string, extraArgs []string) error
	Stop(ctx context.Context, chainID string, force bool) error
	IsRunning(chainID string) bool
	Info(chainID string) (supervisor.Info, error)
	Forget(chainID string) error
}

// Group runs multi-chain operations in dependency order.
type Group interface {
	StartAll(ctx context.Context, ids []string, extraArgs map[string][]string) error
	StopAll(ctx context.Context, ids []string, force bool) error
}

// Stamps is the store of last successful download times.
type Stamps interface {
	Get(chainID string) (time.Time, bool, error)
	Delete(chainID string) error
}

// Resolver turns a release lookup into a download URL.
type Resolver interface {
	Resolve(ctx context.Context, rel *chain.Release) (string, error)
}

// Logger is the logging interface used by the orchestrator.
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

// Config holds the filesystem roots shared with the other components.
type Config struct {
	InstallRoot string
	DataRoot    string
}

// Deps are the collaborators of an Orchestrator. Resolver is only needed
// when some chain uses a release lookup.
type Deps struct {
	Chains    *chain.Set
	Downloads Downloads
	Processes Processes
	Group     Group
	Stamps    Stamps
	Resolver  Resolver
	Logger    Logger
}

// Orchestrator is the command surface over downloads and processes.
type Orchestrator struct {
	cfg       Config
	chains    *chain.Set
	downloads Downloads
	procs     Processes
	group     Group
	stamps    Stamps
	resolver  Resolver
	logger    Logger
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Chains == nil:
		return nil, errors.New("orchestrator: chain definitions are required")
	case deps.Downloads == nil:
		return nil, errors.New("orchestrator: download coordinator is required")
	case deps.Processes == nil:
		return nil, errors.New("orchestrator: process supervisor is required")
	case deps.Group == nil:
		return nil, errors.New("orchestrator: sequencer is required")
	case deps.Stamps == nil:
		return nil, errors.New("orchestrator: timestamp store is required")
	}
	o := &Orchestrator{
		cfg:       cfg,
		chains:    deps.Chains,
		downloads: deps.Downloads,
		procs:     deps.Processes,
		group:     deps.Group,
		stamps:    deps.Stamps,
		resolver:  deps.Resolver,
		logger:    deps.Logger,
	}
	if o.logger == nil {
		o.logger = noopLogger{}
	}
	return o, nil
}

// DownloadChain starts downloading a chain. A chain that is already
// downloading or paused is left as it is. A running chain is refused since
// its binary would be replaced underneath it.
func (o *Orchestrator) DownloadChain(ctx context.Context, chainID string) Result {
	return ResultOf(o.downloadChain(ctx, chainID))
}

func (o *Orchestrator) downloadChain(ctx context.Context, chainID string) error {
	def, err := o.chains.Get(chainID)
	if err != nil {
		return err
	}
	if o.procs.IsRunning(chainID) {
		return fmt.Errorf("%w: %s: stop it before downloading", supervisor.ErrAlreadyRunning, chainID)
	}
	if _, active := o.downloads.Status(chainID); active {
		o.logger.Debug("download already tracked", "chain", chainID)
		return nil
	}

	url := def.DownloadURL
	if def.Release != nil {
		if o.resolver == nil {
			return fmt.Errorf("%s: no release resolver configured", chainID)
		}
		url, err = o.resolver.Resolve(ctx, def.Release)
		if err != nil {
			return err
		}
	}

	kind := def.Archive
	if kind == chain.ArchiveAuto {
		kind = chain.KindFromName(url)
	}
	if def.DirectBinary {
		kind = chain.ArchiveNone
	}

	_, err = o.downloads.StartDownload(download.Request{
		ChainID:      chainID,
		URL:          url,
		TempName:     def.TempFileName(kind),
		DestDir:      def.InstallDir(o.cfg.InstallRoot),
		Kind:         kind,
		DirectBinary: def.DirectBinary,
		BinaryPath:   def.BinaryPath,
	})
	return err
}

// PauseDownload pauses a chain's transfer, keeping its bytes on disk.
func (o *Orchestrator) PauseDownload(chainID string) Result {
	if _, err := o.chains.Get(chainID); err != nil {
		return ResultOf(err)
	}
	if !o.downloads.PauseDownload(chainID) {
		return ResultOf(fmt.Errorf("%w: %s is not downloading", download.ErrNoDownload, chainID))
	}
	return ResultOf(nil)
}

// ResumeDownload continues a paused transfer.
func (o *Orchestrator) ResumeDownload(chainID string) Result {
	if _, err := o.chains.Get(chainID); err != nil {
		return ResultOf(err)
	}
	if !o.downloads.ResumeDownload(chainID) {
		return ResultOf(fmt.Errorf("%w: %s is not paused", download.ErrNoDownload, chainID))
	}
	return ResultOf(nil)
}

// StartChain starts one chain. Its dependencies must already be running.
func (o *Orchestrator) StartChain(ctx context.Context, chainID string, extraArgs []string) Result {
	return ResultOf(o.procs.Start(ctx, chainID, extraArgs))
}

// StopChain stops one chain, refusing while dependents run.
func (o *Orchestrator) StopChain(ctx context.Context, chainID string) Result {
	return ResultOf(o.procs.Stop(ctx, chainID, false))
}

// ForceStopChain stops a chain and, first, everything depending on it.
func (o *Orchestrator) ForceStopChain(ctx context.Context, chainID string) Result {
	return ResultOf(o.procs.Stop(ctx, chainID, true))
}

// StartAll starts a group of chains in dependency order.
func (o *Orchestrator) StartAll(ctx context.Context, ids []string, extraArgs map[string][]string) Result {
	return ResultOf(o.group.StartAll(ctx, ids, extraArgs))
}

// StopAll stops a group of chains, dependents first.
func (o *Orchestrator) StopAll(ctx context.Context, ids []string, force bool) Result {
	return ResultOf(o.group.StopAll(ctx, ids, force))
}

// ResetChain returns a chain to not_downloaded: it is stopped (refused
// while dependents run), its download is cancelled and the temp files
// removed, then its install and data directories and its download
// timestamp are deleted.
func (o *Orchestrator) ResetChain(ctx context.Context, chainID string) Result {
	return ResultOf(o.resetChain(ctx, chainID))
}

func (o *Orchestrator) resetChain(ctx context.Context, chainID string) error {
	def, err := o.chains.Get(chainID)
	if err != nil {
		return err
	}
	if err := o.procs.Stop(ctx, chainID, false); err != nil {
		return err
	}
	// Downloads are cancelled before their paths are touched.
	if err := o.downloads.CleanupChain(ctx, chainID, def.TempFileCandidates()...); err != nil {
		return fmt.Errorf("cleaning download of %s: %w", chainID, err)
	}

	var errs []error
	for _, dir := range []string{def.InstallDir(o.cfg.InstallRoot), def.DataDir(o.cfg.DataRoot)} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.stamps.Delete(chainID); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("resetting %s: %w", chainID, err)
	}

	o.logger.Info("chain reset", "chain", chainID)
	return o.procs.Forget(chainID)
}

// ChainStatus is the combined view of one chain.
type ChainStatus struct {
	ChainID      string                  `json:"chain_id"`
	DisplayName  string                  `json:"display_name"`
	Status       string                  `json:"status"`
	Dependencies []string                `json:"dependencies,omitempty"`
	Process      supervisor.Info         `json:"process"`
	Download     *event.DownloadSnapshot `json:"download,omitempty"`
	Downloaded   time.Time               `json:"downloaded_at,omitzero"`
}

// GetChainStatus reports a chain's status. A tracked download wins
// (downloading, extracting or paused); otherwise the supervisor's status
// applies.
func (o *Orchestrator) GetChainStatus(chainID string) (ChainStatus, error) {
	def, err := o.chains.Get(chainID)
	if err != nil {
		return ChainStatus{}, err
	}
	info, err := o.procs.Info(chainID)
	if err != nil {
		return ChainStatus{}, err
	}

	st := ChainStatus{
		ChainID:      chainID,
		DisplayName:  def.DisplayName,
		Status:       string(info.Status),
		Dependencies: def.Dependencies,
		Process:      info,
	}
	if ds, ok := o.downloads.Status(chainID); ok {
		st.Status = string(ds)
		for _, snap := range o.downloads.GetDownloads() {
			if snap.ChainID == chainID {
				st.Download = &snap
				break
			}
		}
	}

	at, ok, err := o.stamps.Get(chainID)
	if err != nil {
		o.logger.Warn("reading download timestamp failed", "chain", chainID, "error", err)
	} else if ok {
		st.Downloaded = at
	}
	return st, nil
}

// ListChains reports every chain in definition order.
func (o *Orchestrator) ListChains() ([]ChainStatus, error) {
	ids := o.chains.IDs()
	out := make([]ChainStatus, 0, len(ids))
	for _, id := range ids {
		st, err := o.GetChainStatus(id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// GetDownloads returns a snapshot of every tracked download.
func (o *Orchestrator) GetDownloads() []event.DownloadSnapshot {
	return o.downloads.GetDownloads()
}

// Chains returns the definitions the orchestrator serves.
func (o *Orchestrator) Chains() *chain.Set {
	return o.chains
}
