// Package download fetches chain node releases and installs them.
//
// A download moves through three phases:
//
//	downloading -> extracting -> (removed on success or failure)
//	     |  ^
//	     v  |
//	    paused
//
// Transfer performs the HTTP side: a GET with "Range: bytes=N-" when a
// partial temp file exists, appending to it, with progress callbacks
// throttled by a rate limiter. Pausing cancels the request and leaves the
// partial file on disk; resuming issues a new ranged request from the file's
// current size.
//
// Coordinator owns every in-flight download. At most one download exists per
// chain, so StartDownload on a chain that is already downloading or paused is
// a no-op. Archives are handed to the extraction queue; direct binaries are
// renamed into place. Every state change publishes a complete, sanitized
// snapshot of all downloads as a downloads-update event.
//
// TimestampStore records the time of each chain's last successful download
// in a small JSON file, and ReleaseResolver turns a GitHub repository plus an
// asset pattern into a concrete download URL.
package download
