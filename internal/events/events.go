// Package events publishes ticket lifecycle events to an external sink
// without slowing down routing.
//
// The routing engine calls Publish, which only enqueues. A Dispatcher
// drains the queue on its own goroutine and hands each event to a Sink;
// sink failures are logged and the event is dropped.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/ticketrelay/internal/ticket"
)

// Type names a lifecycle event.
type Type string

const (
	TicketCreated  Type = "ticket.created"
	TicketClosed   Type = "ticket.closed"
	MessageRelayed Type = "message.relayed"
	ReplyDelivered Type = "reply.delivered"
)

// Event is one lifecycle notification. It carries identifiers only, never
// message content.
type Event struct {
	Type     Type          `json:"type"`
	TicketID ticket.ID     `json:"ticket_id"`
	UserID   ticket.UserID `json:"user_id"`
	Seq      int64         `json:"seq,omitempty"`
	At       time.Time     `json:"at"`
}

// Publisher accepts events. Publish must not block.
type Publisher interface {
	Publish(e Event)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

// Sink delivers events to their destination.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// LogSink writes events to the default logger.
type LogSink struct{}

// Send implements Sink.
func (LogSink) Send(_ context.Context, e Event) error {
	slog.Info("lifecycle event",
		"type", e.Type,
		"ticket", e.TicketID,
		"user", e.UserID,
		"seq", e.Seq,
	)
	return nil
}

// Close implements Sink.
func (LogSink) Close() error { return nil }
