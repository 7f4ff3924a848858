package download

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func serveContent(body []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "node.bin", time.Time{}, bytes.NewReader(body))
	}
}

// halfThenHang writes the first half of body to a request without a Range
// header and then stalls until the client goes away. Range requests are
// served normally.
type halfThenHang struct {
	body     []byte
	halfSent chan struct{}
	once     sync.Once
}

func newHalfThenHang(body []byte) *halfThenHang {
	return &halfThenHang{body: body, halfSent: make(chan struct{})}
}

func (h *halfThenHang) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Range") != "" {
		http.ServeContent(w, r, "node.bin", time.Time{}, bytes.NewReader(h.body))
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(h.body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.body[:len(h.body)/2])
	w.(http.Flusher).Flush()
	h.once.Do(func() { close(h.halfSent) })
	<-r.Context().Done()
}

func TestTransferFetchFull(t *testing.T) {
	body := payload(200 * 1024)
	srv := httptest.NewServer(serveContent(body))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "temp_alpha")
	tr := NewTransfer(TransferConfig{ProgressInterval: time.Millisecond})

	var last Progress
	p, err := tr.Fetch(context.Background(), srv.URL, dest, 0, func(p Progress) { last = p })
	require.NoError(t, err)

	assert.Equal(t, int64(len(body)), p.Downloaded)
	assert.Equal(t, int64(len(body)), p.Total)
	assert.Equal(t, p, last)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestTransferResumeAppends(t *testing.T) {
	body := payload(100 * 1024)
	srv := httptest.NewServer(serveContent(body))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "temp_alpha")
	require.NoError(t, os.WriteFile(dest, body[:30000], 0o644))

	tr := NewTransfer(TransferConfig{})
	p, err := tr.Fetch(context.Background(), srv.URL, dest, 30000, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), p.Total)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestTransferRangeIgnoredRestarts(t *testing.T) {
	body := payload(50 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Replies 200 with the full body regardless of Range.
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "temp_alpha")
	require.NoError(t, os.WriteFile(dest, []byte("stale partial bytes"), 0o644))

	tr := NewTransfer(TransferConfig{})
	p, err := tr.Fetch(context.Background(), srv.URL, dest, 19, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), p.Downloaded)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestTransferMismatchedRangeRestarts(t *testing.T) {
	body := payload(40 * 1024)
	var ranged []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rg := r.Header.Get("Range"); rg != "" {
			mu.Lock()
			ranged = append(ranged, rg)
			mu.Unlock()
			// Serves the tail from offset 10 whatever was asked for.
			w.Header().Set("Content-Range", "bytes 10-"+strconv.Itoa(len(body)-1)+"/"+strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write(body[10:])
			return
		}
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "temp_alpha")
	require.NoError(t, os.WriteFile(dest, body[:20000], 0o644))

	tr := NewTransfer(TransferConfig{})
	p, err := tr.Fetch(context.Background(), srv.URL, dest, 20000, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), p.Downloaded)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bytes=20000-"}, ranged)
}

func TestContentRangeStart(t *testing.T) {
	tests := []struct {
		header string
		want   int64
		ok     bool
	}{
		{"bytes 100-199/200", 100, true},
		{"bytes 0-9/*", 0, true},
		{"bytes */200", 0, false},
		{"items 1-2/3", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		start, ok := contentRangeStart(tt.header)
		assert.Equal(t, tt.ok, ok, tt.header)
		assert.Equal(t, tt.want, start, tt.header)
	}
}

func TestTransferAlreadyComplete(t *testing.T) {
	body := payload(4096)
	srv := httptest.NewServer(serveContent(body))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "temp_alpha")
	require.NoError(t, os.WriteFile(dest, body, 0o644))

	tr := NewTransfer(TransferConfig{})
	p, err := tr.Fetch(context.Background(), srv.URL, dest, int64(len(body)), nil)
	require.NoError(t, err)
	assert.Equal(t, Progress{Downloaded: int64(len(body)), Total: int64(len(body))}, p)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestTransferStatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	tr := NewTransfer(TransferConfig{})
	_, err := tr.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"), 0, nil)
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.False(t, IsRetriable(err))
}

func TestTransferProgressThrottled(t *testing.T) {
	body := payload(1 << 20)
	srv := httptest.NewServer(serveContent(body))
	defer srv.Close()

	tr := NewTransfer(TransferConfig{ProgressInterval: time.Hour})
	calls := 0
	_, err := tr.Fetch(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"), 0, func(Progress) { calls++ })
	require.NoError(t, err)

	// Headers and completion only; every chunk in between is inside the window.
	assert.Equal(t, 2, calls)
}

func TestTransferCancelKeepsPartialThenResumes(t *testing.T) {
	body := payload(256 * 1024)
	h := newHalfThenHang(body)
	srv := httptest.NewServer(h)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "temp_alpha")
	tr := NewTransfer(TransferConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.Fetch(ctx, srv.URL, dest, 0, nil)
		errCh <- err
	}()

	<-h.halfSent
	// Give the client a moment to drain what was sent.
	require.Eventually(t, func() bool {
		return fileSize(dest) == int64(len(body)/2)
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return after cancel")
	}

	offset := fileSize(dest)
	assert.Equal(t, int64(len(body)/2), offset)

	_, err := tr.Fetch(context.Background(), srv.URL, dest, offset, nil)
	require.NoError(t, err)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(ErrIncomplete))
	assert.True(t, IsRetriable(&StatusError{Code: http.StatusServiceUnavailable}))
	assert.True(t, IsRetriable(&StatusError{Code: http.StatusTooManyRequests}))
	assert.False(t, IsRetriable(&StatusError{Code: http.StatusForbidden}))
	assert.False(t, IsRetriable(context.Canceled))
	assert.False(t, IsRetriable(nil))
}
