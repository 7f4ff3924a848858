package extract

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/chainkeeper/internal/chain"
)

// ErrQueueClosed is returned for tasks still pending when the queue closes.
var ErrQueueClosed = errors.New("extraction queue closed")

// Task is one archive waiting to be unpacked.
type Task struct {
	ChainID     string
	Kind        chain.ArchiveKind
	ArchivePath string
	DestDir     string
}

// Runner performs a single extraction. *Extractor satisfies it.
type Runner interface {
	Extract(ctx context.Context, kind chain.ArchiveKind, archivePath, destDir string) error
}

// Observer receives queue metrics. All methods must be non-blocking.
type Observer interface {
	QueueDepth(n int)
	Extraction(chainID string, elapsed time.Duration, err error)
}

// Logger is the logging interface used by the queue.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

type noopObserver struct{}

func (noopObserver) QueueDepth(int)                          {}
func (noopObserver) Extraction(string, time.Duration, error) {}

type job struct {
	ctx  context.Context
	task Task
	done chan error // buffered(1); receives exactly one result
}

// Queue serializes extractions system-wide: tasks run one at a time in
// arrival order no matter how many chains finish downloading together.
//
// Thread Safety: all methods are safe for concurrent use. The draining flag
// guarantees a single drain goroutine.
type Queue struct {
	runner   Runner
	logger   Logger
	observer Observer

	mu       sync.Mutex
	pending  []*job
	draining bool
	closed   bool
}

// NewQueue creates a queue that hands tasks to runner.
func NewQueue(runner Runner) *Queue {
	return &Queue{
		runner:   runner,
		logger:   noopLogger{},
		observer: noopObserver{},
	}
}

// SetLogger sets the logger.
func (q *Queue) SetLogger(l Logger) {
	if l != nil {
		q.logger = l
	}
}

// SetObserver sets the metrics observer.
func (q *Queue) SetObserver(o Observer) {
	if o != nil {
		q.observer = o
	}
}

// Enqueue appends task and blocks until it has been extracted (or failed)
// or the queue is closed. If ctx is cancelled while the task is still
// pending it is dropped and ctx.Err() returned. A task already running sees
// the cancellation through its context and Enqueue waits for it to return,
// so callers may remove the archive and destination afterwards.
func (q *Queue) Enqueue(ctx context.Context, task Task) error {
	j := &job{ctx: ctx, task: task, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.pending = append(q.pending, j)
	depth := len(q.pending)
	start := !q.draining
	if start {
		q.draining = true
	}
	q.mu.Unlock()

	q.observer.QueueDepth(depth)
	q.logger.Debug("extraction queued", "chain", task.ChainID, "depth", depth)
	if start {
		go q.drain()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
	}

	if q.remove(j) {
		q.observer.QueueDepth(q.Len())
		return ctx.Err()
	}
	return <-j.done
}

// remove drops j from the pending list, reporting whether it was there.
func (q *Queue) remove(j *job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == j {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of tasks waiting, excluding the one running.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close fails every pending task with ErrQueueClosed and rejects new ones.
// A running extraction finishes normally.
func (q *Queue) Close() {
	q.mu.Lock()
	pending := q.pending
	q.pending = nil
	q.closed = true
	q.mu.Unlock()

	for _, j := range pending {
		j.done <- ErrQueueClosed
	}
	q.observer.QueueDepth(0)
}

// drain runs tasks until the queue is empty. Only one drain goroutine
// exists at a time; it clears the draining flag under the same lock that
// observes the empty queue, so a concurrent Enqueue either sees draining
// still set (and its task is picked up here) or starts a fresh drain.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		j := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		depth := len(q.pending)
		q.mu.Unlock()

		q.observer.QueueDepth(depth)
		q.run(j)
	}
}

func (q *Queue) run(j *job) {
	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}

	q.logger.Info("extraction started", "chain", j.task.ChainID, "archive", j.task.ArchivePath)
	start := time.Now()
	err := q.runner.Extract(j.ctx, j.task.Kind, j.task.ArchivePath, j.task.DestDir)
	elapsed := time.Since(start)
	q.observer.Extraction(j.task.ChainID, elapsed, err)

	if err != nil {
		q.logger.Warn("extraction failed", "chain", j.task.ChainID, "error", err)
	} else {
		q.logger.Info("extraction finished", "chain", j.task.ChainID, "duration_ms", elapsed.Milliseconds())
	}
	j.done <- err
}
