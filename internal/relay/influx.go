package relay

import (
	"context"
	"time"

	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/history"
	"github.com/nerrad567/chainkeeper/internal/infrastructure/influxdb"
)

// PointWriter is the InfluxDB client.
type PointWriter interface {
	WriteDownloadProgress(p influxdb.DownloadProgress, at time.Time)
	WriteDownloadResult(chainID, outcome string, bytes int64, at time.Time)
	WriteChainStatus(s influxdb.ChainStatus, at time.Time)
}

// Influx turns download and status events into telemetry points. Output
// lines are not written.
type Influx struct {
	w PointWriter
}

// NewInflux creates the InfluxDB sink.
func NewInflux(w PointWriter) *Influx {
	return &Influx{w: w}
}

// Name implements Sink.
func (i *Influx) Name() string { return "influxdb" }

// Types implements Filter.
func (i *Influx) Types() []event.Type {
	return []event.Type{event.DownloadsUpdate, event.DownloadComplete, event.DownloadError, event.ChainStatus}
}

// Handle implements Sink.
func (i *Influx) Handle(_ context.Context, e event.Event) error {
	switch p := e.Payload.(type) {
	case []event.DownloadSnapshot:
		for _, s := range p {
			i.w.WriteDownloadProgress(influxdb.DownloadProgress{
				ChainID:         s.ChainID,
				Status:          s.Status,
				DownloadedBytes: s.DownloadedBytes,
				TotalBytes:      s.TotalBytes,
				ProgressPercent: s.ProgressPercent,
				RetryCount:      s.RetryCount,
			}, e.Timestamp)
		}
	case event.DownloadResult:
		outcome := history.OutcomeComplete
		if e.Type == event.DownloadError {
			outcome = history.OutcomeError
		}
		i.w.WriteDownloadResult(p.ChainID, outcome, p.Bytes, e.Timestamp)
	case event.StatusUpdate:
		i.w.WriteChainStatus(influxdb.ChainStatus{
			ChainID:  p.ChainID,
			Status:   p.Status,
			Reason:   p.Reason,
			ExitCode: p.ExitCode,
		}, e.Timestamp)
	}
	return nil
}
