package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/chainkeeper/internal/event"
)

func TestDownloadSnapshots(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	require.NoError(t, m.Handle(ctx, event.New(event.DownloadsUpdate, "", []event.DownloadSnapshot{
		{ChainID: "alpha", Status: "downloading", DownloadedBytes: 512, TotalBytes: 1024, ProgressPercent: 50, RetryCount: 1},
		{ChainID: "bravo", Status: "paused", DownloadedBytes: 10, TotalBytes: 100, ProgressPercent: 10},
	})))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.downloadsActive))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.downloadProgress.WithLabelValues("alpha")))
	assert.Equal(t, 512.0, testutil.ToFloat64(m.downloadBytes.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloadRetries.WithLabelValues("alpha")))

	// bravo finished: its series go away.
	require.NoError(t, m.Handle(ctx, event.New(event.DownloadsUpdate, "", []event.DownloadSnapshot{
		{ChainID: "alpha", Status: "extracting", DownloadedBytes: 1024, TotalBytes: 1024, ProgressPercent: 100},
	})))
	assert.Equal(t, 1, testutil.CollectAndCount(m.downloadProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloadsActive))
}

func TestDownloadResults(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	require.NoError(t, m.Handle(ctx, event.New(event.DownloadComplete, "alpha", event.DownloadResult{ChainID: "alpha"})))
	require.NoError(t, m.Handle(ctx, event.New(event.DownloadError, "alpha", event.DownloadResult{ChainID: "alpha", Error: "boom"})))
	require.NoError(t, m.Handle(ctx, event.New(event.DownloadStarted, "alpha", event.DownloadResult{ChainID: "alpha"})))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloads.WithLabelValues("alpha", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.downloads.WithLabelValues("alpha", "error")))
}

func TestChainStatus(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	for _, u := range []event.StatusUpdate{
		{ChainID: "alpha", Status: "starting"},
		{ChainID: "alpha", Status: "running"},
	} {
		require.NoError(t, m.Handle(ctx, event.New(event.ChainStatus, u.ChainID, u)))
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.chainUp.WithLabelValues("alpha")))

	require.NoError(t, m.Handle(ctx, event.New(event.ChainStatus, "alpha",
		event.StatusUpdate{ChainID: "alpha", Status: "stopped", Reason: "crash"})))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.chainUp.WithLabelValues("alpha")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exits.WithLabelValues("alpha", "crash")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("alpha", "running")))
}

func TestOutputLines(t *testing.T) {
	m := New(nil)
	for range 3 {
		require.NoError(t, m.Handle(context.Background(), event.New(event.ChainOutput, "alpha",
			event.OutputLine{ChainID: "alpha", Stream: "stderr", Line: "x"})))
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(m.outputLines.WithLabelValues("alpha", "stderr")))
}

func TestExtractionObserver(t *testing.T) {
	m := New(nil)
	m.QueueDepth(3)
	m.Extraction("alpha", 2*time.Second, nil)
	m.Extraction("alpha", time.Second, errors.New("zip: not a valid zip file"))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.extractionQueue))
	assert.Equal(t, 2, testutil.CollectAndCount(m.extractionDuration))
}

func TestDroppedCounter(t *testing.T) {
	var dropped uint64 = 7
	m := New(func() uint64 { return dropped })

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "chainkeeper_events_dropped_total" {
			found = true
			assert.Equal(t, 7.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}
