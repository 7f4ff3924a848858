package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

var (
	// ErrNoDownload is returned when a pause or resume names a chain with no
	// matching download.
	ErrNoDownload = errors.New("no such download")

	// ErrNoMatchingAsset is returned when a release has no asset matching the
	// definition's pattern.
	ErrNoMatchingAsset = errors.New("no release asset matches pattern")

	// ErrIncomplete is returned when the body ends before Content-Length.
	ErrIncomplete = errors.New("transfer ended before expected size")
)

// StatusError is a non-success HTTP reply.
type StatusError struct {
	Code   int
	Status string
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %s", e.URL, e.Status)
}

// Retriable reports whether the server may succeed if asked again.
func (e *StatusError) Retriable() bool {
	return e.Code >= http.StatusInternalServerError ||
		e.Code == http.StatusRequestTimeout ||
		e.Code == http.StatusTooManyRequests
}

// IsRetriable classifies err as a transient network failure that resuming
// may fix. Cancellation is never retriable.
func IsRetriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		return se.Retriable()
	}

	if errors.Is(err, ErrIncomplete) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne)
}
