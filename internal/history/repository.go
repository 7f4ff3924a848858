// Package history stores finished downloads and process runs in SQLite so
// a chain's past can be listed after the events that described it are gone.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// timeFormat is fixed-width so stored timestamps sort as text.
const timeFormat = "2006-01-02T15:04:05.000000Z"

const (
	defaultLimit = 50
	maxLimit     = 200
)

// Download outcomes.
const (
	OutcomeComplete = "complete"
	OutcomeError    = "error"
)

// ReasonAbandoned closes runs left open by a previous daemon that died
// without seeing their exit.
const ReasonAbandoned = "abandoned"

// Download is one download that reached a final state.
type Download struct {
	ID         string    `json:"id"`
	ChainID    string    `json:"chain_id"`
	URL        string    `json:"url,omitempty"`
	Outcome    string    `json:"outcome"`
	Bytes      int64     `json:"bytes"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// Run is one process run of a chain. ReadyAt and EndedAt stay nil until
// those transitions happen.
type Run struct {
	ID         string     `json:"id"`
	ChainID    string     `json:"chain_id"`
	Status     string     `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	ReadyAt    *time.Time `json:"ready_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	ExitCode   *int       `json:"exit_code,omitempty"`
	ExitSignal string     `json:"exit_signal,omitempty"`
	Reason     string     `json:"reason,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// RunEnd describes how a run finished.
type RunEnd struct {
	Status     string
	At         time.Time
	ExitCode   *int
	ExitSignal string
	Reason     string
	Error      string
}

// Filter selects history rows. Limit defaults to 50 and is capped at 200.
type Filter struct {
	ChainID string
	Limit   int
	Offset  int
}

// Page is a slice of rows plus the total matching the filter.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Repository is the history store.
type Repository interface {
	RecordDownload(ctx context.Context, d *Download) error
	OpenRun(ctx context.Context, chainID string, at time.Time) (string, error)
	MarkReady(ctx context.Context, chainID string, at time.Time) (bool, error)
	CloseRun(ctx context.Context, chainID string, end RunEnd) (bool, error)
	AbandonOpenRuns(ctx context.Context, at time.Time) (int64, error)
	ListDownloads(ctx context.Context, filter Filter) (*Page[Download], error)
	ListRuns(ctx context.Context, filter Filter) (*Page[Run], error)
}

// SQLiteRepository implements Repository on the history tables.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// RecordDownload inserts a finished download. ID and FinishedAt are filled
// in when empty.
func (r *SQLiteRepository) RecordDownload(ctx context.Context, d *Download) error {
	if d.ID == "" {
		d.ID = "dl-" + uuid.NewString()
	}
	if d.FinishedAt.IsZero() {
		d.FinishedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO download_history (id, chain_id, url, outcome, bytes, error, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.ChainID, d.URL, d.Outcome, d.Bytes, d.Error, formatTime(d.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting download history: %w", err)
	}
	return nil
}

// OpenRun starts a run row for chainID. Any run of the chain still open is
// closed first as abandoned.
func (r *SQLiteRepository) OpenRun(ctx context.Context, chainID string, at time.Time) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		`UPDATE run_history SET ended_at = ?, status = 'stopped', reason = ?
		 WHERE chain_id = ? AND ended_at IS NULL`,
		formatTime(at), ReasonAbandoned, chainID,
	); err != nil {
		return "", fmt.Errorf("closing stale runs: %w", err)
	}

	id := "run-" + uuid.NewString()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_history (id, chain_id, started_at, status) VALUES (?, ?, ?, 'starting')`,
		id, chainID, formatTime(at),
	); err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing run: %w", err)
	}
	return id, nil
}

// MarkReady stamps the chain's open run as running. It reports false if
// the chain has no open run.
func (r *SQLiteRepository) MarkReady(ctx context.Context, chainID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE run_history SET ready_at = ?, status = 'running'
		 WHERE chain_id = ? AND ended_at IS NULL AND ready_at IS NULL`,
		formatTime(at), chainID,
	)
	if err != nil {
		return false, fmt.Errorf("marking run ready: %w", err)
	}
	return affected(res)
}

// CloseRun finishes the chain's open run. It reports false if the chain
// has no open run.
func (r *SQLiteRepository) CloseRun(ctx context.Context, chainID string, end RunEnd) (bool, error) {
	var code any
	if end.ExitCode != nil {
		code = *end.ExitCode
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE run_history
		 SET ended_at = ?, status = ?, exit_code = ?, exit_signal = ?, reason = ?, error = ?
		 WHERE chain_id = ? AND ended_at IS NULL`,
		formatTime(end.At), end.Status, code, end.ExitSignal, end.Reason, end.Error, chainID,
	)
	if err != nil {
		return false, fmt.Errorf("closing run: %w", err)
	}
	return affected(res)
}

// AbandonOpenRuns closes every open run. Called at startup, when no
// process from an earlier daemon can still be supervised.
func (r *SQLiteRepository) AbandonOpenRuns(ctx context.Context, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE run_history SET ended_at = ?, status = 'stopped', reason = ? WHERE ended_at IS NULL`,
		formatTime(at), ReasonAbandoned,
	)
	if err != nil {
		return 0, fmt.Errorf("abandoning open runs: %w", err)
	}
	return res.RowsAffected()
}

// ListDownloads returns downloads matching filter, most recent first.
func (r *SQLiteRepository) ListDownloads(ctx context.Context, filter Filter) (*Page[Download], error) {
	filter = clamp(filter)
	where, args := whereChain(filter)

	var total int
	//nolint:gosec // WHERE is built from fixed conditions with ? placeholders
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM download_history"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting downloads: %w", err)
	}

	//nolint:gosec // WHERE is built from fixed conditions with ? placeholders
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, chain_id, url, outcome, bytes, error, finished_at FROM download_history"+where+
			" ORDER BY finished_at DESC LIMIT ? OFFSET ?",
		append(args, filter.Limit, filter.Offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying downloads: %w", err)
	}
	defer rows.Close()

	items := []Download{}
	for rows.Next() {
		var d Download
		var finished string
		if err := rows.Scan(&d.ID, &d.ChainID, &d.URL, &d.Outcome, &d.Bytes, &d.Error, &finished); err != nil {
			return nil, fmt.Errorf("scanning download: %w", err)
		}
		if d.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating downloads: %w", err)
	}
	return &Page[Download]{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// ListRuns returns runs matching filter, most recent first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, filter Filter) (*Page[Run], error) {
	filter = clamp(filter)
	where, args := whereChain(filter)

	var total int
	//nolint:gosec // WHERE is built from fixed conditions with ? placeholders
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_history"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	//nolint:gosec // WHERE is built from fixed conditions with ? placeholders
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, chain_id, status, started_at, ready_at, ended_at, exit_code, exit_signal, reason, error
		 FROM run_history`+where+" ORDER BY started_at DESC LIMIT ? OFFSET ?",
		append(args, filter.Limit, filter.Offset)...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	items := []Run{}
	for rows.Next() {
		var run Run
		var started string
		var ready, ended sql.NullString
		var code sql.NullInt64
		if err := rows.Scan(&run.ID, &run.ChainID, &run.Status, &started, &ready, &ended,
			&code, &run.ExitSignal, &run.Reason, &run.Error); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if run.ReadyAt, err = parseNullTime(ready); err != nil {
			return nil, err
		}
		if run.EndedAt, err = parseNullTime(ended); err != nil {
			return nil, err
		}
		if code.Valid {
			c := int(code.Int64)
			run.ExitCode = &c
		}
		items = append(items, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return &Page[Run]{Items: items, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func clamp(f Filter) Filter {
	if f.Limit <= 0 {
		f.Limit = defaultLimit
	}
	f.Limit = min(f.Limit, maxLimit)
	f.Offset = max(f.Offset, 0)
	return f
}

func whereChain(f Filter) (string, []any) {
	var conditions []string
	var args []any
	if f.ChainID != "" {
		conditions = append(conditions, "chain_id = ?")
		args = append(args, f.ChainID)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing history timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
