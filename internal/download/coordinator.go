package download

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/extract"
)

// Status is the phase of a tracked download.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusExtracting  Status = "extracting"
	StatusPaused      Status = "paused"
)

// Request describes one chain download.
type Request struct {
	ChainID      string
	URL          string
	TempName     string // file name inside the temp dir, e.g. temp_alpha.zip
	DestDir      string // chain install directory
	Kind         chain.ArchiveKind
	DirectBinary bool
	BinaryPath   string // direct binaries: install path relative to DestDir
}

// Extractions is the extraction queue as seen by the coordinator.
type Extractions interface {
	Enqueue(ctx context.Context, task extract.Task) error
}

// Stamper records successful downloads.
type Stamper interface {
	Set(chainID string, t time.Time) error
}

// Logger is the logging interface used by the coordinator.
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

// Config configures a Coordinator.
type Config struct {
	TempDir    string
	MaxRetries int
	RetryDelay time.Duration
}

// Deps are the collaborators of a Coordinator. Fetcher and Queue are
// required; the rest default to no-ops.
type Deps struct {
	Fetcher   Fetcher
	Queue     Extractions
	Stamps    Stamper
	Publisher event.Publisher
	Logger    Logger
}

// download is the state of one chain's download. The coordinator's maps are
// its only owners; fields other than req and tempPath change under c.mu.
type download struct {
	req      Request
	tempPath string

	status     Status
	downloaded int64
	total      int64
	retryCount int

	cancel context.CancelFunc
	run    uint64        // identifies the goroutine allowed to mutate this entry
	done   chan struct{} // closed when that goroutine returns
}

// Coordinator owns every active and paused download and drives each through
// transfer, install or extraction, and completion.
//
// Thread Safety: all methods are safe for concurrent use.
type Coordinator struct {
	cfg     Config
	fetcher Fetcher
	queue   Extractions
	stamps  Stamper
	pub     event.Publisher
	logger  Logger
	now     func() time.Time

	mu      sync.Mutex
	active  map[string]*download
	paused  map[string]*download
	nextRun uint64
	wg      sync.WaitGroup
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(cfg Config, deps Deps) (*Coordinator, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("download: fetcher is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("download: extraction queue is required")
	}
	if cfg.TempDir == "" {
		return nil, errors.New("download: temp dir is required")
	}

	c := &Coordinator{
		cfg:     cfg,
		fetcher: deps.Fetcher,
		queue:   deps.Queue,
		stamps:  deps.Stamps,
		pub:     deps.Publisher,
		logger:  deps.Logger,
		now:     time.Now,
		active:  make(map[string]*download),
		paused:  make(map[string]*download),
	}
	if c.pub == nil {
		c.pub = event.Discard{}
	}
	if c.logger == nil {
		c.logger = noopLogger{}
	}
	return c, nil
}

// StartDownload begins downloading a chain. It is a no-op returning false
// when the chain already has an active or paused download. A temp file left
// by an earlier failed attempt is resumed rather than discarded.
func (c *Coordinator) StartDownload(req Request) (bool, error) {
	if req.ChainID == "" || req.URL == "" || req.TempName == "" {
		return false, fmt.Errorf("download: chain id, url and temp name are required")
	}
	if req.DirectBinary && req.BinaryPath == "" {
		return false, fmt.Errorf("download %s: direct binary needs a binary path", req.ChainID)
	}

	c.mu.Lock()
	if c.active[req.ChainID] != nil || c.paused[req.ChainID] != nil {
		c.mu.Unlock()
		return false, nil
	}
	d := &download{
		req:      req,
		tempPath: filepath.Join(c.cfg.TempDir, req.TempName),
		status:   StatusDownloading,
	}
	d.downloaded = fileSize(d.tempPath)
	c.launchLocked(d, nil)
	c.active[req.ChainID] = d
	c.mu.Unlock()

	c.logger.Info("download started", "chain", req.ChainID, "url", req.URL, "resume_from", d.downloaded)
	c.pub.Publish(event.New(event.DownloadStarted, req.ChainID, event.DownloadResult{ChainID: req.ChainID, URL: req.URL}))
	c.broadcast()
	return true, nil
}

// PauseDownload aborts the in-flight transfer of a downloading chain and
// keeps its bytes on disk. It returns false if the chain is not downloading
// (including while it is being extracted).
func (c *Coordinator) PauseDownload(chainID string) bool {
	c.mu.Lock()
	d := c.active[chainID]
	if d == nil || d.status != StatusDownloading {
		c.mu.Unlock()
		return false
	}
	c.pauseLocked(d)
	c.mu.Unlock()

	c.logger.Info("download paused", "chain", chainID, "downloaded", d.downloaded)
	c.broadcast()
	return true
}

// PauseAll pauses every tracked download, extracting ones included, so no
// transfer or extraction keeps writing during shutdown. It returns the IDs
// paused.
func (c *Coordinator) PauseAll() []string {
	c.mu.Lock()
	var ids []string
	for id, d := range c.active {
		c.pauseLocked(d)
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	if len(ids) > 0 {
		c.logger.Info("downloads paused", "chains", ids)
		c.broadcast()
	}
	return ids
}

func (c *Coordinator) pauseLocked(d *download) {
	d.cancel()
	delete(c.active, d.req.ChainID)
	d.status = StatusPaused
	c.paused[d.req.ChainID] = d
}

// ResumeDownload restarts a paused download from the bytes on disk. It
// returns false if the chain has no paused download.
func (c *Coordinator) ResumeDownload(chainID string) bool {
	c.mu.Lock()
	d := c.paused[chainID]
	if d == nil {
		c.mu.Unlock()
		return false
	}
	delete(c.paused, chainID)
	d.status = StatusDownloading
	// The new run waits for the cancelled one to let go of the temp file.
	c.launchLocked(d, d.done)
	c.active[chainID] = d
	c.mu.Unlock()

	c.logger.Info("download resumed", "chain", chainID, "resume_from", d.downloaded)
	c.broadcast()
	return true
}

// CleanupChain cancels and forgets the chain's download, waits (bounded by
// ctx) for its goroutine to exit, then deletes the temp file it used plus
// any extra names given. A listener update is sent even if some deletions
// fail; the failures are returned joined.
func (c *Coordinator) CleanupChain(ctx context.Context, chainID string, tempNames ...string) error {
	c.mu.Lock()
	d := c.active[chainID]
	if d == nil {
		d = c.paused[chainID]
	}
	delete(c.active, chainID)
	delete(c.paused, chainID)
	if d != nil {
		d.cancel()
	}
	c.mu.Unlock()

	paths := make([]string, 0, len(tempNames)+1)
	if d != nil {
		paths = append(paths, d.tempPath)
		select {
		case <-d.done:
		case <-ctx.Done():
			c.logger.Warn("download did not stop before cleanup", "chain", chainID)
		}
	}
	for _, name := range tempNames {
		paths = append(paths, filepath.Join(c.cfg.TempDir, name))
	}

	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	c.broadcast()
	if len(errs) > 0 {
		c.logger.Warn("temp file cleanup incomplete", "chain", chainID, "error", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// CleanupAll runs CleanupChain for every tracked download.
func (c *Coordinator) CleanupAll(ctx context.Context) error {
	c.mu.Lock()
	ids := make([]string, 0, len(c.active)+len(c.paused))
	for id := range c.active {
		ids = append(ids, id)
	}
	for id := range c.paused {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := c.CleanupChain(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IsActive reports whether the chain has an active or paused download.
func (c *Coordinator) IsActive(chainID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[chainID] != nil || c.paused[chainID] != nil
}

// Status returns the phase of the chain's download, if any.
func (c *Coordinator) Status(chainID string) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.active[chainID]; d != nil {
		return d.status, true
	}
	if d := c.paused[chainID]; d != nil {
		return d.status, true
	}
	return "", false
}

// GetDownloads returns a sanitized snapshot of every active and paused
// download, ordered by chain ID.
func (c *Coordinator) GetDownloads() []event.DownloadSnapshot {
	c.mu.Lock()
	out := make([]event.DownloadSnapshot, 0, len(c.active)+len(c.paused))
	for _, m := range []map[string]*download{c.active, c.paused} {
		for _, d := range m {
			out = append(out, d.snapshot())
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

// Wait blocks until every download goroutine has returned or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *download) snapshot() event.DownloadSnapshot {
	return event.DownloadSnapshot{
		ChainID:         d.req.ChainID,
		Status:          string(d.status),
		DownloadedBytes: d.downloaded,
		TotalBytes:      d.total,
		ProgressPercent: float64(d.downloaded) / float64(d.total) * 100,
		RetryCount:      d.retryCount,
	}.Sanitize()
}

func (c *Coordinator) broadcast() {
	c.pub.Publish(event.New(event.DownloadsUpdate, "", c.GetDownloads()))
}

func (c *Coordinator) launchLocked(d *download, prev <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	c.nextRun++
	d.run = c.nextRun
	d.cancel = cancel
	d.done = make(chan struct{})

	c.wg.Add(1)
	go c.execute(ctx, d, d.run, d.done, prev)
}

// current returns the active entry for chainID if run still owns it.
func (c *Coordinator) current(chainID string, run uint64) *download {
	d := c.active[chainID]
	if d == nil || d.run != run {
		return nil
	}
	return d
}

// execute drives one download attempt sequence. It only mutates state
// through the run-checked helpers below, so a paused or cleaned-up download
// is never touched by a goroutine that has lost ownership.
func (c *Coordinator) execute(ctx context.Context, d *download, run uint64, done chan struct{}, prev <-chan struct{}) {
	defer c.wg.Done()
	defer close(done)

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return
		}
	}

	id := d.req.ChainID
	if err := os.MkdirAll(c.cfg.TempDir, 0o755); err != nil {
		c.fail(id, run, fmt.Errorf("creating temp dir: %w", err))
		return
	}

	for {
		resumeFrom := fileSize(d.tempPath)
		_, err := c.fetcher.Fetch(ctx, d.req.URL, d.tempPath, resumeFrom, func(p Progress) {
			c.progress(id, run, p)
		})
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return
		}
		if !IsRetriable(err) || !c.retry(id, run) {
			c.fail(id, run, err)
			return
		}
		c.logger.Warn("download interrupted, resuming", "chain", id, "error", err)
		select {
		case <-time.After(c.cfg.RetryDelay):
		case <-ctx.Done():
			return
		}
	}

	if !c.setStatus(id, run, StatusExtracting) {
		return
	}

	var err error
	if d.req.DirectBinary {
		err = extract.InstallBinary(d.tempPath, filepath.Join(d.req.DestDir, d.req.BinaryPath))
	} else {
		err = c.queue.Enqueue(ctx, extract.Task{
			ChainID:     id,
			Kind:        d.req.Kind,
			ArchivePath: d.tempPath,
			DestDir:     d.req.DestDir,
		})
		if ctx.Err() != nil {
			return
		}
		// A corrupt archive cannot be resumed; the next attempt starts over.
		if rmErr := os.Remove(d.tempPath); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			c.logger.Warn("removing temp archive failed", "chain", id, "error", rmErr)
		}
	}
	if err != nil {
		c.fail(id, run, err)
		return
	}
	c.complete(id, run)
}

func (c *Coordinator) progress(chainID string, run uint64, p Progress) {
	c.mu.Lock()
	d := c.current(chainID, run)
	if d != nil {
		d.downloaded = p.Downloaded
		d.total = p.Total
	}
	c.mu.Unlock()
	if d != nil {
		c.broadcast()
	}
}

func (c *Coordinator) retry(chainID string, run uint64) bool {
	c.mu.Lock()
	d := c.current(chainID, run)
	ok := d != nil && d.retryCount < c.cfg.MaxRetries
	if ok {
		d.retryCount++
	}
	c.mu.Unlock()
	if ok {
		c.broadcast()
	}
	return ok
}

func (c *Coordinator) setStatus(chainID string, run uint64, s Status) bool {
	c.mu.Lock()
	d := c.current(chainID, run)
	if d != nil {
		d.status = s
	}
	c.mu.Unlock()
	if d != nil {
		c.broadcast()
	}
	return d != nil
}

func (c *Coordinator) fail(chainID string, run uint64, err error) {
	c.mu.Lock()
	d := c.current(chainID, run)
	if d != nil {
		delete(c.active, chainID)
	}
	c.mu.Unlock()
	if d == nil {
		return
	}

	c.logger.Error("download failed", "chain", chainID, "error", err)
	c.pub.Publish(event.New(event.DownloadError, chainID, event.DownloadResult{
		ChainID: chainID,
		URL:     d.req.URL,
		Error:   err.Error(),
	}))
	c.broadcast()
}

func (c *Coordinator) complete(chainID string, run uint64) {
	c.mu.Lock()
	d := c.current(chainID, run)
	if d != nil {
		delete(c.active, chainID)
	}
	c.mu.Unlock()
	if d == nil {
		return
	}

	if c.stamps != nil {
		if err := c.stamps.Set(chainID, c.now()); err != nil {
			c.logger.Warn("recording download timestamp failed", "chain", chainID, "error", err)
		}
	}
	c.logger.Info("download complete", "chain", chainID, "bytes", d.downloaded)
	c.pub.Publish(event.New(event.DownloadComplete, chainID, event.DownloadResult{
		ChainID: chainID,
		URL:     d.req.URL,
		Bytes:   d.downloaded,
	}))
	c.broadcast()
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
