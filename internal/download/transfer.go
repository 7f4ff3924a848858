package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Progress is the byte position of a transfer. Total is zero until the
// server reports a Content-Length, meaning "size unknown".
type Progress struct {
	Downloaded int64
	Total      int64
}

// Fetcher performs one resumable download. *Transfer satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, url, destPath string, resumeFrom int64, onProgress func(Progress)) (Progress, error)
}

// TransferConfig configures a Transfer.
type TransferConfig struct {
	// ProgressInterval is the minimum spacing of progress callbacks.
	ProgressInterval time.Duration

	// HeaderTimeout bounds the wait for response headers.
	HeaderTimeout time.Duration

	UserAgent string
}

const (
	defaultProgressInterval = 250 * time.Millisecond
	copyBufferSize          = 64 * 1024
)

// Transfer downloads URLs into files, resuming from a byte offset with HTTP
// Range requests.
type Transfer struct {
	client    *http.Client
	interval  time.Duration
	userAgent string
}

// NewTransfer creates a Transfer. The client has no overall timeout; only
// the header wait is bounded, and the body is cancelled through ctx.
func NewTransfer(cfg TransferConfig) *Transfer {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = defaultProgressInterval
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.HeaderTimeout

	return &Transfer{
		client:    &http.Client{Transport: transport},
		interval:  cfg.ProgressInterval,
		userAgent: cfg.UserAgent,
	}
}

// Fetch downloads url into destPath.
//
// With resumeFrom > 0 it sends "Range: bytes=N-" and appends to the existing
// file. A server that ignores the range (200) causes the file to be
// truncated and the transfer restarted from zero; 416 for a non-zero offset
// means the file is already complete.
//
// onProgress is called when headers arrive, then at most once per
// ProgressInterval, and once more on completion. Cancelling ctx aborts the
// connection and closes the file, leaving the partial data in place.
func (t *Transfer) Fetch(ctx context.Context, url, destPath string, resumeFrom int64, onProgress func(Progress)) (Progress, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	p := Progress{Downloaded: resumeFrom}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return p, fmt.Errorf("building request: %w", err)
	}
	if t.userAgent != "" {
		req.Header.Set("User-Agent", t.userAgent)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return p, ctx.Err()
		}
		return p, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch {
	case resp.StatusCode == http.StatusPartialContent && resumeFrom > 0:
		// Any other range cannot be appended; fetch the whole file again.
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); !ok || start != resumeFrom {
			resp.Body.Close()
			return t.Fetch(ctx, url, destPath, 0, onProgress)
		}
		flags |= os.O_APPEND
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && resumeFrom > 0:
		p.Total = resumeFrom
		onProgress(p)
		return p, nil
	case resp.StatusCode == http.StatusOK:
		flags |= os.O_TRUNC
		resumeFrom = 0
		p.Downloaded = 0
	default:
		return p, &StatusError{Code: resp.StatusCode, Status: resp.Status, URL: url}
	}

	if resp.ContentLength >= 0 {
		p.Total = resp.ContentLength + resumeFrom
	}

	f, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return p, fmt.Errorf("opening %s: %w", destPath, err)
	}

	limiter := rate.NewLimiter(rate.Every(t.interval), 1)
	limiter.Allow()
	onProgress(p)

	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				f.Close()
				return p, fmt.Errorf("writing %s: %w", destPath, err)
			}
			p.Downloaded += int64(n)
			if limiter.Allow() {
				onProgress(p)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			f.Close()
			if ctx.Err() != nil {
				return p, ctx.Err()
			}
			return p, fmt.Errorf("reading body: %w", readErr)
		}
	}

	if err := f.Close(); err != nil {
		return p, fmt.Errorf("closing %s: %w", destPath, err)
	}
	if p.Total > 0 && p.Downloaded < p.Total {
		return p, fmt.Errorf("%w: got %d of %d bytes", ErrIncomplete, p.Downloaded, p.Total)
	}
	if p.Total == 0 {
		p.Total = p.Downloaded
	}
	onProgress(p)
	return p, nil
}

// contentRangeStart returns the first byte offset of a "bytes start-end/size"
// header.
func contentRangeStart(header string) (int64, bool) {
	spec, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}
