package download

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/chainkeeper/internal/chain"
	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/extract"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []extract.Task
	err   error
	block chan struct{}
}

func (q *fakeQueue) Enqueue(ctx context.Context, task extract.Task) error {
	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	block, err := q.block, q.err
	q.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (q *fakeQueue) Tasks() []extract.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]extract.Task(nil), q.tasks...)
}

type harness struct {
	coord  *Coordinator
	queue  *fakeQueue
	stamps *TimestampStore
	events <-chan event.Event
	tmp    string
	dest   string
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		queue:  &fakeQueue{},
		stamps: NewTimestampStore(filepath.Join(root, "last_updated.json")),
		tmp:    filepath.Join(root, "downloads"),
		dest:   filepath.Join(root, "bin", "alpha"),
	}

	bus := event.NewBus()
	events, cancel := bus.Subscribe(1024, event.DownloadStarted, event.DownloadComplete, event.DownloadError)
	h.events = events
	t.Cleanup(cancel)

	coord, err := NewCoordinator(Config{
		TempDir:    h.tmp,
		MaxRetries: maxRetries,
		RetryDelay: time.Millisecond,
	}, Deps{
		Fetcher:   NewTransfer(TransferConfig{ProgressInterval: time.Millisecond}),
		Queue:     h.queue,
		Stamps:    h.stamps,
		Publisher: bus,
	})
	require.NoError(t, err)
	h.coord = coord

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.CleanupAll(ctx)
		_ = coord.Wait(ctx)
	})
	return h
}

func (h *harness) binaryRequest(url string) Request {
	return Request{
		ChainID:      "alpha",
		URL:          url,
		TempName:     "temp_alpha",
		DestDir:      h.dest,
		Kind:         chain.ArchiveNone,
		DirectBinary: true,
		BinaryPath:   "alphad",
	}
}

func (h *harness) archiveRequest(url string) Request {
	return Request{
		ChainID:  "alpha",
		URL:      url,
		TempName: "temp_alpha.tar.gz",
		DestDir:  h.dest,
		Kind:     chain.ArchiveTarGz,
	}
}

// waitFor returns the next event of type want, failing on timeout.
func waitFor(t *testing.T, events <-chan event.Event, want event.Type) event.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return event.Event{}
		}
	}
}

func TestCoordinatorDirectBinary(t *testing.T) {
	body := payload(64 * 1024)
	srv := httptest.NewServer(serveContent(body))
	defer srv.Close()

	h := newHarness(t, 0)
	started, err := h.coord.StartDownload(h.binaryRequest(srv.URL))
	require.NoError(t, err)
	require.True(t, started)

	waitFor(t, h.events, event.DownloadStarted)
	done := waitFor(t, h.events, event.DownloadComplete)
	assert.Equal(t, "alpha", done.ChainID)

	installed := filepath.Join(h.dest, "alphad")
	got, err := os.ReadFile(installed)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	info, err := os.Stat(installed)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	assert.False(t, h.coord.IsActive("alpha"))
	assert.Empty(t, h.coord.GetDownloads())

	_, ok, err := h.stamps.Get("alpha")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCoordinatorStartIsIdempotent(t *testing.T) {
	hang := newHalfThenHang(payload(64 * 1024))
	srv := httptest.NewServer(hang)
	defer srv.Close()

	h := newHarness(t, 0)
	first, err := h.coord.StartDownload(h.binaryRequest(srv.URL))
	require.NoError(t, err)
	second, err := h.coord.StartDownload(h.binaryRequest(srv.URL))
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Len(t, h.coord.GetDownloads(), 1)

	<-hang.halfSent
	require.True(t, h.coord.PauseDownload("alpha"))

	// A paused download also blocks a fresh start.
	again, err := h.coord.StartDownload(h.binaryRequest(srv.URL))
	require.NoError(t, err)
	assert.False(t, again)
}

func TestCoordinatorPauseResumeByteIdentical(t *testing.T) {
	body := payload(512 * 1024)
	hang := newHalfThenHang(body)
	srv := httptest.NewServer(hang)
	defer srv.Close()

	h := newHarness(t, 0)
	_, err := h.coord.StartDownload(h.binaryRequest(srv.URL))
	require.NoError(t, err)

	<-hang.halfSent
	require.True(t, h.coord.PauseDownload("alpha"))
	assert.False(t, h.coord.PauseDownload("alpha"), "already paused")

	snaps := h.coord.GetDownloads()
	require.Len(t, snaps, 1)
	assert.Equal(t, string(StatusPaused), snaps[0].Status)

	status, ok := h.coord.Status("alpha")
	require.True(t, ok)
	assert.Equal(t, StatusPaused, status)

	require.True(t, h.coord.ResumeDownload("alpha"))
	assert.False(t, h.coord.ResumeDownload("alpha"), "no longer paused")

	waitFor(t, h.events, event.DownloadComplete)

	got, err := os.ReadFile(filepath.Join(h.dest, "alphad"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestCoordinatorFetchError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	h := newHarness(t, 3)
	_, err := h.coord.StartDownload(h.binaryRequest(srv.URL))
	require.NoError(t, err)

	e := waitFor(t, h.events, event.DownloadError)
	res, ok := e.Payload.(event.DownloadResult)
	require.True(t, ok)
	assert.Contains(t, res.Error, "404")
	assert.False(t, h.coord.IsActive("alpha"))
}

func TestCoordinatorRetriesTransientFailure(t *testing.T) {
	body := payload(32 * 1024)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		serveContent(body)(w, r)
	}))
	defer srv.Close()

	h := newHarness(t, 2)
	_, err := h.coord.StartDownload(h.binaryRequest(srv.URL))
	require.NoError(t, err)

	waitFor(t, h.events, event.DownloadComplete)
	assert.Equal(t, int32(2), calls.Load())

	got, err := os.ReadFile(filepath.Join(h.dest, "alphad"))
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestCoordinatorArchiveGoesThroughQueue(t *testing.T) {
	srv := httptest.NewServer(serveContent(payload(1024)))
	defer srv.Close()

	h := newHarness(t, 0)
	_, err := h.coord.StartDownload(h.archiveRequest(srv.URL))
	require.NoError(t, err)
	waitFor(t, h.events, event.DownloadComplete)

	tasks := h.queue.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, chain.ArchiveTarGz, tasks[0].Kind)
	assert.Equal(t, filepath.Join(h.tmp, "temp_alpha.tar.gz"), tasks[0].ArchivePath)
	assert.Equal(t, h.dest, tasks[0].DestDir)

	_, err = os.Stat(tasks[0].ArchivePath)
	assert.True(t, os.IsNotExist(err), "temp archive removed after extraction")
}

func TestCoordinatorCorruptArchive(t *testing.T) {
	srv := httptest.NewServer(serveContent(payload(1024)))
	defer srv.Close()

	h := newHarness(t, 0)
	h.queue.err = errors.New("gzip: invalid header")

	_, err := h.coord.StartDownload(h.archiveRequest(srv.URL))
	require.NoError(t, err)

	e := waitFor(t, h.events, event.DownloadError)
	assert.Equal(t, "alpha", e.ChainID)

	_, err = os.Stat(filepath.Join(h.tmp, "temp_alpha.tar.gz"))
	assert.True(t, os.IsNotExist(err), "corrupt archive must not be resumed")
	assert.False(t, h.coord.IsActive("alpha"))
}

func TestCoordinatorPauseRefusedWhileExtracting(t *testing.T) {
	srv := httptest.NewServer(serveContent(payload(1024)))
	defer srv.Close()

	h := newHarness(t, 0)
	release := make(chan struct{})
	h.queue.block = release

	_, err := h.coord.StartDownload(h.archiveRequest(srv.URL))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, ok := h.coord.Status("alpha")
		return ok && s == StatusExtracting
	}, 5*time.Second, 5*time.Millisecond)

	assert.False(t, h.coord.PauseDownload("alpha"))
	close(release)
	waitFor(t, h.events, event.DownloadComplete)
}

func TestCoordinatorCleanupChain(t *testing.T) {
	hang := newHalfThenHang(payload(128 * 1024))
	srv := httptest.NewServer(hang)
	defer srv.Close()

	h := newHarness(t, 0)
	_, err := h.coord.StartDownload(h.binaryRequest(srv.URL))
	require.NoError(t, err)
	<-hang.halfSent
	require.True(t, h.coord.PauseDownload("alpha"))

	// A stale archive from an older attempt with another kind.
	require.NoError(t, os.WriteFile(filepath.Join(h.tmp, "temp_alpha.zip"), []byte("x"), 0o644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.coord.CleanupChain(ctx, "alpha", "temp_alpha.zip", "temp_alpha.tar.gz"))

	assert.False(t, h.coord.IsActive("alpha"))
	for _, name := range []string{"temp_alpha", "temp_alpha.zip"} {
		_, err := os.Stat(filepath.Join(h.tmp, name))
		assert.True(t, os.IsNotExist(err), name)
	}
}

func TestCoordinatorPauseAll(t *testing.T) {
	hang := newHalfThenHang(payload(128 * 1024))
	srv := httptest.NewServer(hang)
	defer srv.Close()

	h := newHarness(t, 0)
	_, err := h.coord.StartDownload(h.binaryRequest(srv.URL))
	require.NoError(t, err)
	<-hang.halfSent

	assert.Equal(t, []string{"alpha"}, h.coord.PauseAll())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Wait(ctx))
	assert.True(t, h.coord.IsActive("alpha"), "paused downloads stay tracked")
}

func TestCoordinatorRejectsIncompleteRequest(t *testing.T) {
	h := newHarness(t, 0)
	_, err := h.coord.StartDownload(Request{ChainID: "alpha"})
	assert.Error(t, err)

	req := h.binaryRequest("http://example.invalid")
	req.BinaryPath = ""
	_, err = h.coord.StartDownload(req)
	assert.Error(t, err)
}

func TestSnapshotUnknownTotalIsFinite(t *testing.T) {
	d := &download{req: Request{ChainID: "alpha"}, status: StatusDownloading}
	assert.Zero(t, d.snapshot().ProgressPercent)

	d.downloaded = 10
	assert.Zero(t, d.snapshot().ProgressPercent)

	d.total = 40
	assert.InDelta(t, 25.0, d.snapshot().ProgressPercent, 0.001)
}
