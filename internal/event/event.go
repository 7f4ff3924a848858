// Package event is the broadcast channel between the download and process
// components and whatever presents their state (WebSocket clients, MQTT,
// telemetry, history).
//
// Publishers never block: each subscriber owns a buffered channel, and a
// subscriber that falls behind loses events rather than stalling a download
// or an output pipe. Downloads snapshots are complete on every emission, so
// a dropped one is superseded by the next.
package event

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Type names an event kind. Values are stable; they appear as WebSocket
// channels and MQTT topic segments.
type Type string

const (
	DownloadStarted  Type = "download-started"
	DownloadsUpdate  Type = "downloads-update"
	DownloadComplete Type = "download-complete"
	DownloadError    Type = "download-error"
	ChainStatus      Type = "chain-status-update"
	ChainOutput      Type = "chain-output"
)

// Event is one message on the bus.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	ChainID   string    `json:"chain_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// New stamps an event with an ID and the current time.
func New(t Type, chainID string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		ChainID:   chainID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// DownloadSnapshot is one entry of a downloads-update payload.
type DownloadSnapshot struct {
	ChainID         string  `json:"chain_id"`
	Status          string  `json:"status"`
	DownloadedBytes int64   `json:"downloaded_bytes"`
	TotalBytes      int64   `json:"total_bytes"`
	ProgressPercent float64 `json:"progress_percent"`
	RetryCount      int     `json:"retry_count"`
}

// Sanitize collapses non-finite numbers to zero. Snapshots cross a JSON
// boundary where NaN and Inf are not representable.
func (s DownloadSnapshot) Sanitize() DownloadSnapshot {
	s.ProgressPercent = finite(s.ProgressPercent)
	if s.DownloadedBytes < 0 {
		s.DownloadedBytes = 0
	}
	if s.TotalBytes < 0 {
		s.TotalBytes = 0
	}
	return s
}

func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

// DownloadResult is the payload of download-started, download-complete and
// download-error.
type DownloadResult struct {
	ChainID string `json:"chain_id"`
	URL     string `json:"url,omitempty"`
	Bytes   int64  `json:"bytes,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusUpdate is the chain-status-update payload.
type StatusUpdate struct {
	ChainID    string `json:"chain_id"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	ExitSignal string `json:"exit_signal,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OutputLine is the chain-output payload.
type OutputLine struct {
	ChainID string `json:"chain_id"`
	Stream  string `json:"stream"`
	Line    string `json:"line"`
}
