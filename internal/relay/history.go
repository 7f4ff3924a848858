package relay

import (
	"context"
	"fmt"

	"github.com/nerrad567/chainkeeper/internal/event"
	"github.com/nerrad567/chainkeeper/internal/history"
)

// History records finished downloads and process runs.
type History struct {
	repo   history.Repository
	logger Logger
}

// NewHistory creates the history sink.
func NewHistory(repo history.Repository) *History {
	return &History{repo: repo, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (h *History) SetLogger(l Logger) {
	if l != nil {
		h.logger = l
	}
}

// Name implements Sink.
func (h *History) Name() string { return "history" }

// Types implements Filter.
func (h *History) Types() []event.Type {
	return []event.Type{event.DownloadComplete, event.DownloadError, event.ChainStatus}
}

// Handle implements Sink.
func (h *History) Handle(ctx context.Context, e event.Event) error {
	switch p := e.Payload.(type) {
	case event.DownloadResult:
		d := &history.Download{
			ChainID:    p.ChainID,
			URL:        p.URL,
			Outcome:    history.OutcomeComplete,
			Bytes:      p.Bytes,
			FinishedAt: e.Timestamp,
		}
		if e.Type == event.DownloadError {
			d.Outcome = history.OutcomeError
			d.Error = p.Error
		}
		return h.repo.RecordDownload(ctx, d)
	case event.StatusUpdate:
		return h.status(ctx, p, e)
	}
	return nil
}

func (h *History) status(ctx context.Context, p event.StatusUpdate, e event.Event) error {
	switch p.Status {
	case "starting":
		if _, err := h.repo.OpenRun(ctx, p.ChainID, e.Timestamp); err != nil {
			return fmt.Errorf("opening run for %s: %w", p.ChainID, err)
		}
	case "running":
		if _, err := h.repo.MarkReady(ctx, p.ChainID, e.Timestamp); err != nil {
			return fmt.Errorf("marking %s ready: %w", p.ChainID, err)
		}
	case "stopped", "error":
		closed, err := h.repo.CloseRun(ctx, p.ChainID, history.RunEnd{
			Status:     p.Status,
			At:         e.Timestamp,
			ExitCode:   p.ExitCode,
			ExitSignal: p.ExitSignal,
			Reason:     p.Reason,
			Error:      p.Error,
		})
		if err != nil {
			return fmt.Errorf("closing run for %s: %w", p.ChainID, err)
		}
		if !closed {
			h.logger.Debug("status without an open run", "chain", p.ChainID, "status", p.Status)
		}
	}
	return nil
}
