package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/download"
	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/supervisor"
)

type fakeDownloads struct {
	mu       sync.Mutex
	requests []download.Request
	status   map[string]download.Status
	cleaned  map[string][]string
}

func (f *fakeDownloads) StartDownload(req download.Request) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.status[req.ChainID] = download.StatusDownloading
	return true, nil
}

func (f *fakeDownloads) PauseDownload(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[id] != download.StatusDownloading {
		return false
	}
	f.status[id] = download.StatusPaused
	return true
}

func (f *fakeDownloads) ResumeDownload(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[id] != download.StatusPaused {
		return false
	}
	f.status[id] = download.StatusDownloading
	return true
}

func (f *fakeDownloads) CleanupChain(_ context.Context, id string, names ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.status, id)
	f.cleaned[id] = names
	return nil
}

func (f *fakeDownloads) Status(id string) (download.Status, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.status[id]
	return s, ok
}

func (f *fakeDownloads) GetDownloads() []event.DownloadSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []event.DownloadSnapshot
	for id, s := range f.status {
		out = append(out, event.DownloadSnapshot{ChainID: id, Status: string(s), DownloadedBytes: 10, TotalBytes: 40, ProgressPercent: 25})
	}
	return out
}

type fakeProcs struct {
	running   map[string]bool
	stopErr   error
	forgotten []string
	stops     []string
}

func (f *fakeProcs) Start(_ context.Context, id string, _ []string) error {
	if f.running[id] {
		return supervisor.ErrAlreadyRunning
	}
	f.running[id] = true
	return nil
}

func (f *fakeProcs) Stop(_ context.Context, id string, force bool) error {
	if f.stopErr != nil && !force {
		return f.stopErr
	}
	f.stops = append(f.stops, id)
	delete(f.running, id)
	return nil
}

func (f *fakeProcs) IsRunning(id string) bool { return f.running[id] }

func (f *fakeProcs) Info(id string) (supervisor.Info, error) {
	status := supervisor.StatusStopped
	if f.running[id] {
		status = supervisor.StatusRunning
	}
	return supervisor.Info{ChainID: id, Status: status}, nil
}

func (f *fakeProcs) Forget(id string) error {
	f.forgotten = append(f.forgotten, id)
	return nil
}

type fakeGroup struct {
	started [][]string
	err     error
}

func (g *fakeGroup) StartAll(_ context.Context, ids []string, _ map[string][]string) error {
	g.started = append(g.started, ids)
	return g.err
}

func (g *fakeGroup) StopAll(context.Context, []string, bool) error { return g.err }

type fakeResolver string

func (r fakeResolver) Resolve(context.Context, *chain.Release) (string, error) {
	return string(r), nil
}

type harness struct {
	orch      *Orchestrator
	downloads *fakeDownloads
	procs     *fakeProcs
	group     *fakeGroup
	stamps    *download.TimestampStore
	install   string
	data      string
}

func newHarness(t *testing.T, defs ...chain.Definition) *harness {
	t.Helper()
	set, err := chain.NewSet(defs)
	require.NoError(t, err)

	root := t.TempDir()
	h := &harness{
		downloads: &fakeDownloads{status: map[string]download.Status{}, cleaned: map[string][]string{}},
		procs:     &fakeProcs{running: map[string]bool{}},
		group:     &fakeGroup{},
		stamps:    download.NewTimestampStore(filepath.Join(root, "timestamps.json")),
		install:   filepath.Join(root, "bin"),
		data:      filepath.Join(root, "chains"),
	}
	h.orch, err = New(Config{InstallRoot: h.install, DataRoot: h.data}, Deps{
		Chains:    set,
		Downloads: h.downloads,
		Processes: h.procs,
		Group:     h.group,
		Stamps:    h.stamps,
		Resolver:  fakeResolver("https://github.com/acme/alpha/releases/download/v2/alpha-linux.zip"),
	})
	require.NoError(t, err)
	return h
}

func def(id string, deps ...string) chain.Definition {
	return chain.Definition{
		ID:           id,
		DisplayName:  "Chain " + id,
		BinaryPath:   "bin/" + id + "d",
		ExtractDir:   id,
		DownloadURL:  "https://dl.example.org/" + id + "-linux.tar.gz",
		Dependencies: deps,
		Archive:      chain.ArchiveAuto,
		Launch:       chain.LaunchExec,
	}
}

func TestResultOf(t *testing.T) {
	assert.Equal(t, Result{Success: true}, ResultOf(nil))
	assert.Equal(t, Result{Error: "boom"}, ResultOf(errors.New("boom")))
	assert.NoError(t, Result{Success: true}.Err())
	assert.EqualError(t, Result{Error: "boom"}.Err(), "boom")
}

func TestDownloadChainBuildsRequest(t *testing.T) {
	h := newHarness(t, def("alpha"))

	res := h.orch.DownloadChain(context.Background(), "alpha")
	require.True(t, res.Success, res.Error)

	require.Len(t, h.downloads.requests, 1)
	assert.Equal(t, download.Request{
		ChainID:    "alpha",
		URL:        "https://dl.example.org/alpha-linux.tar.gz",
		TempName:   "temp_alpha.tar.gz",
		DestDir:    filepath.Join(h.install, "alpha"),
		Kind:       chain.ArchiveTarGz,
		BinaryPath: "bin/alphad",
	}, h.downloads.requests[0])
}

func TestDownloadChainDirectBinary(t *testing.T) {
	d := def("alpha")
	d.DirectBinary = true
	d.DownloadURL = "https://dl.example.org/alphad"
	h := newHarness(t, d)

	require.True(t, h.orch.DownloadChain(context.Background(), "alpha").Success)
	req := h.downloads.requests[0]
	assert.Equal(t, "temp_alpha", req.TempName)
	assert.Equal(t, chain.ArchiveNone, req.Kind)
	assert.True(t, req.DirectBinary)
}

func TestDownloadChainResolvesRelease(t *testing.T) {
	d := def("alpha")
	d.DownloadURL = ""
	d.Release = &chain.Release{Repo: "acme/alpha", Asset: regexp.MustCompile(`linux\.zip$`)}
	h := newHarness(t, d)

	require.True(t, h.orch.DownloadChain(context.Background(), "alpha").Success)
	req := h.downloads.requests[0]
	assert.Equal(t, "https://github.com/acme/alpha/releases/download/v2/alpha-linux.zip", req.URL)
	assert.Equal(t, "temp_alpha.zip", req.TempName)
	assert.Equal(t, chain.ArchiveZip, req.Kind)
}

func TestDownloadChainAlreadyTracked(t *testing.T) {
	h := newHarness(t, def("alpha"))
	h.downloads.status["alpha"] = download.StatusPaused

	assert.True(t, h.orch.DownloadChain(context.Background(), "alpha").Success)
	assert.Empty(t, h.downloads.requests)
}

func TestDownloadChainRefusedWhileRunning(t *testing.T) {
	h := newHarness(t, def("alpha"))
	h.procs.running["alpha"] = true

	res := h.orch.DownloadChain(context.Background(), "alpha")
	assert.False(t, res.Success)
	assert.ErrorIs(t, h.orch.downloadChain(context.Background(), "alpha"), supervisor.ErrAlreadyRunning)
}

func TestUnknownChain(t *testing.T) {
	h := newHarness(t, def("alpha"))
	ctx := context.Background()

	for name, res := range map[string]Result{
		"download": h.orch.DownloadChain(ctx, "nope"),
		"pause":    h.orch.PauseDownload("nope"),
		"resume":   h.orch.ResumeDownload("nope"),
		"reset":    h.orch.ResetChain(ctx, "nope"),
	} {
		assert.False(t, res.Success, name)
		assert.Equal(t, "unknown chain: nope", res.Error, name)
	}
	_, err := h.orch.GetChainStatus("nope")
	assert.ErrorIs(t, err, chain.ErrUnknownChain)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, def("alpha"))

	res := h.orch.PauseDownload("alpha")
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "no such download")

	require.True(t, h.orch.DownloadChain(context.Background(), "alpha").Success)
	assert.True(t, h.orch.PauseDownload("alpha").Success)
	assert.False(t, h.orch.PauseDownload("alpha").Success)
	assert.True(t, h.orch.ResumeDownload("alpha").Success)
	assert.False(t, h.orch.ResumeDownload("alpha").Success)
}

func TestStopChainRefusedWithDependents(t *testing.T) {
	h := newHarness(t, def("alpha"), def("bravo", "alpha"))
	h.procs.running["alpha"] = true
	h.procs.running["bravo"] = true
	h.procs.stopErr = &supervisor.DependentsError{Chain: "alpha", Dependents: []string{"bravo"}}

	res := h.orch.StopChain(context.Background(), "alpha")
	assert.Equal(t, Result{Error: "dependents still running: bravo"}, res)

	assert.True(t, h.orch.ForceStopChain(context.Background(), "alpha").Success)
}

func TestResetChain(t *testing.T) {
	h := newHarness(t, def("alpha"))
	d := def("alpha")
	binary := d.BinaryFile(h.install)
	require.NoError(t, os.MkdirAll(filepath.Dir(binary), 0o755))
	require.NoError(t, os.WriteFile(binary, []byte("x"), 0o755))
	require.NoError(t, os.MkdirAll(d.DataDir(h.data), 0o755))
	require.NoError(t, h.stamps.Set("alpha", time.Now()))
	h.procs.running["alpha"] = true

	res := h.orch.ResetChain(context.Background(), "alpha")
	require.True(t, res.Success, res.Error)

	assert.Equal(t, []string{"alpha"}, h.procs.stops)
	assert.Equal(t, d.TempFileCandidates(), h.downloads.cleaned["alpha"])
	assert.NoDirExists(t, d.InstallDir(h.install))
	assert.NoDirExists(t, d.DataDir(h.data))
	_, ok, err := h.stamps.Get("alpha")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"alpha"}, h.procs.forgotten)
}

func TestResetChainRefusedWithDependents(t *testing.T) {
	h := newHarness(t, def("alpha"), def("bravo", "alpha"))
	d := def("alpha")
	require.NoError(t, os.MkdirAll(d.InstallDir(h.install), 0o755))
	h.procs.stopErr = &supervisor.DependentsError{Chain: "alpha", Dependents: []string{"bravo"}}

	res := h.orch.ResetChain(context.Background(), "alpha")
	assert.False(t, res.Success)
	assert.DirExists(t, d.InstallDir(h.install), "nothing removed")
	assert.Empty(t, h.downloads.cleaned)
}

func TestGetChainStatus(t *testing.T) {
	h := newHarness(t, def("alpha"), def("bravo", "alpha"))
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, h.stamps.Set("alpha", stamp))
	h.procs.running["alpha"] = true
	h.downloads.status["bravo"] = download.StatusExtracting

	alpha, err := h.orch.GetChainStatus("alpha")
	require.NoError(t, err)
	assert.Equal(t, "running", alpha.Status)
	assert.Nil(t, alpha.Download)
	assert.True(t, alpha.Downloaded.Equal(stamp))

	bravo, err := h.orch.GetChainStatus("bravo")
	require.NoError(t, err)
	assert.Equal(t, "extracting", bravo.Status)
	require.NotNil(t, bravo.Download)
	assert.Equal(t, 25.0, bravo.Download.ProgressPercent)
	assert.Equal(t, []string{"alpha"}, bravo.Dependencies)

	all, err := h.orch.ListChains()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "alpha", all[0].ChainID)
}

func TestStartAllDelegates(t *testing.T) {
	h := newHarness(t, def("alpha"), def("bravo", "alpha"))

	assert.True(t, h.orch.StartAll(context.Background(), []string{"bravo", "alpha"}, nil).Success)
	assert.Equal(t, [][]string{{"bravo", "alpha"}}, h.group.started)

	h.group.err = &supervisor.DependencyError{Chain: "bravo", Missing: "alpha"}
	assert.Equal(t, Result{Error: "missing dependency: alpha"}, h.orch.StartAll(context.Background(), []string{"bravo"}, nil))
}
