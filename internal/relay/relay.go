// Package relay copies bus events to the daemon's outer collaborators:
// the MQTT broker, InfluxDB, the SQLite history and prometheus.
//
// Each sink gets its own bus subscription and goroutine, so a broker that
// stalls loses its own events without holding back the history writer.
package relay

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/chainkeeper/internal/event"
)

const (
	defaultBuffer = 1024
	drainTimeout  = 2 * time.Second
)

// Sink receives bus events. Handle errors are logged and never stop the
// relay.
type Sink interface {
	Name() string
	Handle(ctx context.Context, e event.Event) error
}

// Filter is implemented by sinks interested in a subset of event types.
type Filter interface {
	Types() []event.Type
}

// Subscriber is the read side of the event bus.
type Subscriber interface {
	Subscribe(buffer int, types ...event.Type) (<-chan event.Event, func())
}

// Logger is the logging interface used by the relay.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Relay fans events out to sinks.
type Relay struct {
	bus    Subscriber
	sinks  []Sink
	logger Logger
	buffer int
}

// New creates a relay. Nil sinks are skipped so optional collaborators can
// be passed unconditionally.
func New(bus Subscriber, sinks ...Sink) *Relay {
	r := &Relay{bus: bus, logger: noopLogger{}, buffer: defaultBuffer}
	for _, s := range sinks {
		if s != nil {
			r.sinks = append(r.sinks, s)
		}
	}
	return r
}

// SetLogger sets the logger.
func (r *Relay) SetLogger(l Logger) {
	if l != nil {
		r.logger = l
	}
}

// Sinks returns the names of the configured sinks.
func (r *Relay) Sinks() []string {
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	return names
}

// Run subscribes every sink and blocks until ctx is cancelled or the bus
// closes. Events already buffered when ctx ends are still delivered, within
// a short drain budget, so the final status updates of a shutdown reach
// the history.
func (r *Relay) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for _, sink := range r.sinks {
		var types []event.Type
		if f, ok := sink.(Filter); ok {
			types = f.Types()
		}
		ch, cancel := r.bus.Subscribe(r.buffer, types...)
		g.Go(func() error {
			defer cancel()
			r.pump(ctx, sink, ch)
			return nil
		})
	}
	return g.Wait()
}

func (r *Relay) pump(ctx context.Context, sink Sink, ch <-chan event.Event) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.deliver(ctx, sink, e)
		case <-ctx.Done():
			r.drain(sink, ch)
			return
		}
	}
}

func (r *Relay) drain(sink Sink, ch <-chan event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			r.deliver(ctx, sink, e)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *Relay) deliver(ctx context.Context, sink Sink, e event.Event) {
	if err := sink.Handle(ctx, e); err != nil {
		r.logger.Warn("relay sink failed", "sink", sink.Name(), "type", e.Type, "chain", e.ChainID, "error", err)
	}
}
