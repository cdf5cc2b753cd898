package events

import (
	"context"
	"log/slog"
	"time"
)

// DefaultMaxPending bounds the dispatcher queue.
const DefaultMaxPending = 10000

// DefaultSendTimeout bounds one Sink.Send.
const DefaultSendTimeout = 5 * time.Second

// Dispatcher queues events and forwards them to a Sink.
//
// Thread-safety model:
//   - Publish: safe from any goroutine, never blocks
//   - Run: must be called from exactly one goroutine
type Dispatcher struct {
	sink        Sink
	queue       *queue
	sendTimeout time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithMaxPending sets the queue bound. Events beyond it are dropped.
func WithMaxPending(n int) DispatcherOption {
	return func(d *Dispatcher) { d.queue = newQueue(n) }
}

// WithSendTimeout bounds each delivery.
func WithSendTimeout(timeout time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.sendTimeout = timeout }
}

// NewDispatcher creates a Dispatcher delivering to sink.
func NewDispatcher(sink Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sink:        sink,
		queue:       newQueue(DefaultMaxPending),
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish enqueues e. Events published after Run has returned are dropped.
func (d *Dispatcher) Publish(e Event) {
	if !d.queue.push(e) {
		slog.Debug("lifecycle event dropped", "type", e.Type, "ticket", e.TicketID)
	}
}

// Pending returns the number of queued events.
func (d *Dispatcher) Pending() int {
	return d.queue.len()
}

// Dropped returns how many events were rejected because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.queue.droppedCount()
}

// Run delivers events until ctx is cancelled, then flushes what is already
// queued (each send bounded by the send timeout), closes the sink and
// returns ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("event dispatcher starting")

	for {
		for {
			e, ok := d.queue.pop()
			if !ok {
				break
			}
			d.send(ctx, e)
			if ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			d.queue.close()
			flushCtx := context.WithoutCancel(ctx)
			for {
				e, ok := d.queue.pop()
				if !ok {
					break
				}
				d.send(flushCtx, e)
			}
			if err := d.sink.Close(); err != nil {
				slog.Warn("closing event sink failed", "error", err)
			}
			slog.Info("event dispatcher stopped")
			return ctx.Err()
		case <-d.queue.wait():
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, e Event) {
	ctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()
	if err := d.sink.Send(ctx, e); err != nil {
		slog.Warn("lifecycle event delivery failed",
			"type", e.Type,
			"ticket", e.TicketID,
			"error", err,
		)
	}
}
