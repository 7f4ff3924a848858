package influxdb

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/chainkeeper/internal/infrastructure/config"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func lineProtocol(p *write.Point) string {
	return strings.TrimSpace(write.PointToLineProtocol(p, time.Second))
}

func TestDownloadProgressPoint(t *testing.T) {
	got := lineProtocol(downloadProgressPoint(DownloadProgress{
		ChainID: "alpha", Status: "downloading", DownloadedBytes: 512, TotalBytes: 1024, ProgressPercent: 50, RetryCount: 2,
	}, at))
	want := "download_progress,chain_id=alpha,status=downloading " +
		"downloaded_bytes=512i,progress_percent=50,retry_count=2i,total_bytes=1024i 1772366400"
	if got != want {
		t.Errorf("line protocol =\n%s\nwant\n%s", got, want)
	}
}

func TestDownloadResultPoint(t *testing.T) {
	got := lineProtocol(downloadResultPoint("alpha", "error", 0, at))
	want := "download_result,chain_id=alpha,outcome=error bytes=0i 1772366400"
	if got != want {
		t.Errorf("line protocol = %s, want %s", got, want)
	}
}

func TestChainStatusPoint(t *testing.T) {
	code := 137
	tests := []struct {
		name string
		in   ChainStatus
		want string
	}{
		{
			"Running",
			ChainStatus{ChainID: "alpha", Status: "running"},
			"chain_status,chain_id=alpha,status=running up=1i 1772366400",
		},
		{
			"Crash",
			ChainStatus{ChainID: "alpha", Status: "stopped", Reason: "crash", ExitCode: &code},
			`chain_status,chain_id=alpha,status=stopped exit_code=137i,reason="crash",up=0i 1772366400`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := lineProtocol(chainStatusPoint(tt.in, at)); got != tt.want {
				t.Errorf("line protocol =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestClientOptionsDefaults(t *testing.T) {
	opts := clientOptions(config.InfluxDBConfig{BatchSize: -5, FlushInterval: 0})
	if opts.BatchSize() != defaultBatchSize {
		t.Errorf("BatchSize() = %d, want %d", opts.BatchSize(), defaultBatchSize)
	}
	if opts.FlushInterval() != defaultFlushInterval*millisecondsPerSecond {
		t.Errorf("FlushInterval() = %d, want %d", opts.FlushInterval(), defaultFlushInterval*millisecondsPerSecond)
	}

	opts = clientOptions(config.InfluxDBConfig{BatchSize: 10, FlushInterval: 2})
	if opts.BatchSize() != 10 || opts.FlushInterval() != 2000 {
		t.Errorf("BatchSize() = %d, FlushInterval() = %d, want 10 and 2000", opts.BatchSize(), opts.FlushInterval())
	}
}
