package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementDownloadProgress = "download_progress"
	MeasurementDownloadResult   = "download_result"
	MeasurementChainStatus      = "chain_status"
)

// DownloadProgress is one sample of a tracked download.
type DownloadProgress struct {
	ChainID         string
	Status          string
	DownloadedBytes int64
	TotalBytes      int64
	ProgressPercent float64
	RetryCount      int
}

// ChainStatus is one chain status transition.
type ChainStatus struct {
	ChainID  string
	Status   string
	Reason   string
	ExitCode *int
}

// WriteDownloadProgress records a download progress sample. Writes are
// non-blocking and batched; a disconnected client drops the point.
func (c *Client) WriteDownloadProgress(p DownloadProgress, at time.Time) {
	c.write(downloadProgressPoint(p, at))
}

// WriteDownloadResult records a finished download with outcome "complete"
// or "error".
func (c *Client) WriteDownloadResult(chainID, outcome string, bytes int64, at time.Time) {
	c.write(downloadResultPoint(chainID, outcome, bytes, at))
}

// WriteChainStatus records a chain status transition.
func (c *Client) WriteChainStatus(s ChainStatus, at time.Time) {
	c.write(chainStatusPoint(s, at))
}

// WritePointWithTime writes a custom point at a specific timestamp.
//
// Example:
//
//	client.WritePointWithTime("extraction",
//	    map[string]string{"chain_id": "bitcoin"},
//	    map[string]interface{}{"seconds": 12.4}, time.Now())
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	c.write(write.NewPoint(measurement, tags, fields, timestamp))
}

func (c *Client) write(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}

func downloadProgressPoint(p DownloadProgress, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementDownloadProgress,
		map[string]string{
			"chain_id": p.ChainID,
			"status":   p.Status,
		},
		map[string]interface{}{
			"downloaded_bytes": p.DownloadedBytes,
			"total_bytes":      p.TotalBytes,
			"progress_percent": p.ProgressPercent,
			"retry_count":      int64(p.RetryCount),
		},
		at,
	)
}

func downloadResultPoint(chainID, outcome string, bytes int64, at time.Time) *write.Point {
	return write.NewPoint(
		MeasurementDownloadResult,
		map[string]string{
			"chain_id": chainID,
			"outcome":  outcome,
		},
		map[string]interface{}{
			"bytes": bytes,
		},
		at,
	)
}

// chainStatusPoint carries up=1 only for running so a graph of the field
// shows availability directly.
func chainStatusPoint(s ChainStatus, at time.Time) *write.Point {
	up := int64(0)
	if s.Status == "running" {
		up = 1
	}
	fields := map[string]interface{}{
		"up": up,
	}
	if s.Reason != "" {
		fields["reason"] = s.Reason
	}
	if s.ExitCode != nil {
		fields["exit_code"] = int64(*s.ExitCode)
	}
	return write.NewPoint(
		MeasurementChainStatus,
		map[string]string{
			"chain_id": s.ChainID,
			"status":   s.Status,
		},
		fields,
		at,
	)
}
